package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process implementation of the storage contracts, used by
// tests and as a fallback when no database path is configured.
type Memory struct {
	mu        sync.Mutex
	states    map[string]StateRecord
	approvals map[string]ApprovalRecord

	// SaveErr, when set, is returned by Save to exercise transaction
	// failure paths.
	SaveErr error
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		states:    make(map[string]StateRecord),
		approvals: make(map[string]ApprovalRecord),
	}
}

// Save upserts a state record with compare-and-set semantics.
func (m *Memory) Save(ctx context.Context, record StateRecord, expectedVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	current := m.states[record.SessionID].Version
	if current != expectedVersion {
		return fmt.Errorf("%w: have %d, expected %d", ErrVersionMismatch, current, expectedVersion)
	}
	record.StateJSON = append([]byte(nil), record.StateJSON...)
	m.states[record.SessionID] = record
	return nil
}

// Load fetches a state record.
func (m *Memory) Load(ctx context.Context, sessionID string) (StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return StateRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.states[sessionID]
	if !ok {
		return StateRecord{}, ErrNotFound
	}
	record.StateJSON = append([]byte(nil), record.StateJSON...)
	return record, nil
}

// Delete removes a state record.
func (m *Memory) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, sessionID)
	return nil
}

// PutApproval persists a pending approval record.
func (m *Memory) PutApproval(ctx context.Context, record ApprovalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record.RequestJSON = append([]byte(nil), record.RequestJSON...)
	m.approvals[record.RequestID] = record
	return nil
}

// GetApproval fetches a pending approval record.
func (m *Memory) GetApproval(ctx context.Context, requestID string) (ApprovalRecord, error) {
	if err := ctx.Err(); err != nil {
		return ApprovalRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.approvals[requestID]
	if !ok {
		return ApprovalRecord{}, ErrNotFound
	}
	return record, nil
}

// DeleteApproval removes a pending approval record.
func (m *Memory) DeleteApproval(ctx context.Context, requestID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.approvals, requestID)
	return nil
}

// ListExpiredApprovals returns approvals whose deadline passed.
func (m *Memory) ListExpiredApprovals(ctx context.Context, now time.Time) ([]ApprovalRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []ApprovalRecord
	for _, record := range m.approvals {
		if !record.ExpiresAt.After(now) {
			expired = append(expired, record)
		}
	}
	return expired, nil
}
