// Package storage defines persistence contracts for session state and
// pending approval records.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrVersionMismatch indicates a compare-and-set save lost the race: the
// persisted version is not the one the caller expected.
var ErrVersionMismatch = errors.New("persisted version does not match expected version")

// StateRecord is the persisted form of one session's authoritative state.
// StateJSON, Version, and Hash are written in a single transaction so they
// can never diverge.
type StateRecord struct {
	SessionID string
	StateJSON []byte
	Version   uint64
	Hash      string
	UpdatedAt time.Time
}

// GameStateStore persists per-session state records.
type GameStateStore interface {
	// Save upserts a record, failing with ErrVersionMismatch unless the
	// stored version equals expectedVersion (0 for a new session).
	Save(ctx context.Context, record StateRecord, expectedVersion uint64) error
	Load(ctx context.Context, sessionID string) (StateRecord, error)
	Delete(ctx context.Context, sessionID string) error
}

// ApprovalRecord persists a gated request while it waits for a GM decision,
// so approval can resume after an arbitrary delay or a process restart.
type ApprovalRecord struct {
	RequestID   string
	SessionID   string
	RequestJSON []byte
	Message     string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// ApprovalStore persists pending approval records.
type ApprovalStore interface {
	PutApproval(ctx context.Context, record ApprovalRecord) error
	GetApproval(ctx context.Context, requestID string) (ApprovalRecord, error)
	DeleteApproval(ctx context.Context, requestID string) error
	// ListExpiredApprovals returns records whose ExpiresAt is at or before
	// now.
	ListExpiredApprovals(ctx context.Context, now time.Time) ([]ApprovalRecord, error)
}
