// Package sqlite provides the SQLite-backed implementation of the storage
// contracts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/torchlight-vtt/engine/internal/platform/storage/sqlitemigrate"
	"github.com/torchlight-vtt/engine/internal/storage"
	_ "modernc.org/sqlite"

	"github.com/torchlight-vtt/engine/internal/storage/sqlite/migrations"
)

// Store implements storage.GameStateStore and storage.ApprovalStore on a
// single SQLite database.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (and migrates) a SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	sqlDB, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}
	// SQLite allows one writer; a larger pool only manufactures lock
	// contention errors.
	sqlDB.SetMaxOpenConns(1)

	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;"); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("configure db: %w", err)
	}

	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying database. Nil-safe so callers can defer it in
// all startup paths.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Save upserts a session state record inside a transaction, enforcing the
// expected prior version so state, version, and hash can never diverge.
func (s *Store) Save(ctx context.Context, record storage.StateRecord, expectedVersion uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if len(record.StateJSON) == 0 {
		return fmt.Errorf("state json is required")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current uint64
	err = tx.QueryRowContext(ctx,
		"SELECT version FROM game_states WHERE session_id = ?",
		record.SessionID,
	).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return fmt.Errorf("read current version: %w", err)
	}
	if current != expectedVersion {
		return fmt.Errorf("%w: have %d, expected %d", storage.ErrVersionMismatch, current, expectedVersion)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO game_states (session_id, state_json, version, hash, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (session_id) DO UPDATE SET
    state_json = excluded.state_json,
    version = excluded.version,
    hash = excluded.hash,
    updated_at = excluded.updated_at
`,
		record.SessionID,
		string(record.StateJSON),
		int64(record.Version),
		record.Hash,
		toMillis(record.UpdatedAt),
	); err != nil {
		return fmt.Errorf("upsert game state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load fetches a session state record.
func (s *Store) Load(ctx context.Context, sessionID string) (storage.StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.StateRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.StateRecord{}, fmt.Errorf("storage is not configured")
	}

	var (
		stateJSON string
		version   int64
		hash      string
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT state_json, version, hash, updated_at FROM game_states WHERE session_id = ?",
		sessionID,
	).Scan(&stateJSON, &version, &hash, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.StateRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.StateRecord{}, fmt.Errorf("load game state: %w", err)
	}

	return storage.StateRecord{
		SessionID: sessionID,
		StateJSON: []byte(stateJSON),
		Version:   uint64(version),
		Hash:      hash,
		UpdatedAt: fromMillis(updatedAt),
	}, nil
}

// Delete removes a session state record.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM game_states WHERE session_id = ?", sessionID,
	); err != nil {
		return fmt.Errorf("delete game state: %w", err)
	}
	return nil
}

// PutApproval persists a pending approval record.
func (s *Store) PutApproval(ctx context.Context, record storage.ApprovalRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.RequestID) == "" {
		return fmt.Errorf("request id is required")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO pending_approvals (request_id, session_id, request_json, message, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (request_id) DO UPDATE SET
    request_json = excluded.request_json,
    message = excluded.message,
    expires_at = excluded.expires_at
`,
		record.RequestID,
		record.SessionID,
		string(record.RequestJSON),
		record.Message,
		toMillis(record.CreatedAt),
		toMillis(record.ExpiresAt),
	); err != nil {
		return fmt.Errorf("upsert pending approval: %w", err)
	}
	return nil
}

// GetApproval fetches a pending approval record by request id.
func (s *Store) GetApproval(ctx context.Context, requestID string) (storage.ApprovalRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ApprovalRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ApprovalRecord{}, fmt.Errorf("storage is not configured")
	}

	var (
		sessionID   string
		requestJSON string
		message     string
		createdAt   int64
		expiresAt   int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT session_id, request_json, message, created_at, expires_at FROM pending_approvals WHERE request_id = ?",
		requestID,
	).Scan(&sessionID, &requestJSON, &message, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ApprovalRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ApprovalRecord{}, fmt.Errorf("load pending approval: %w", err)
	}

	return storage.ApprovalRecord{
		RequestID:   requestID,
		SessionID:   sessionID,
		RequestJSON: []byte(requestJSON),
		Message:     message,
		CreatedAt:   fromMillis(createdAt),
		ExpiresAt:   fromMillis(expiresAt),
	}, nil
}

// DeleteApproval removes a pending approval record. Missing records are not
// an error: approval resolution and the expiry sweep may race.
func (s *Store) DeleteApproval(ctx context.Context, requestID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM pending_approvals WHERE request_id = ?", requestID,
	); err != nil {
		return fmt.Errorf("delete pending approval: %w", err)
	}
	return nil
}

// ListExpiredApprovals returns approval records whose deadline has passed.
func (s *Store) ListExpiredApprovals(ctx context.Context, now time.Time) ([]storage.ApprovalRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT request_id, session_id, request_json, message, created_at, expires_at FROM pending_approvals WHERE expires_at <= ? ORDER BY expires_at",
		toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("list expired approvals: %w", err)
	}
	defer rows.Close()

	var records []storage.ApprovalRecord
	for rows.Next() {
		var (
			record      storage.ApprovalRecord
			requestJSON string
			createdAt   int64
			expiresAt   int64
		)
		if err := rows.Scan(&record.RequestID, &record.SessionID, &requestJSON, &record.Message, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan pending approval: %w", err)
		}
		record.RequestJSON = []byte(requestJSON)
		record.CreatedAt = fromMillis(createdAt)
		record.ExpiresAt = fromMillis(expiresAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending approvals: %w", err)
	}
	return records, nil
}
