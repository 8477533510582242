package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/torchlight-vtt/engine/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := storage.StateRecord{
		SessionID: "session-1",
		StateJSON: []byte(`{"id":"session-1","version":1}`),
		Version:   1,
		Hash:      "abc123",
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.Save(ctx, record, 0); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load(ctx, "session-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Version != 1 {
		t.Fatalf("expected version 1, got %d", loaded.Version)
	}
	if loaded.Hash != "abc123" {
		t.Fatalf("expected hash abc123, got %s", loaded.Hash)
	}
	if string(loaded.StateJSON) != string(record.StateJSON) {
		t.Fatalf("expected state json to round trip, got %s", loaded.StateJSON)
	}
}

func TestSaveEnforcesExpectedVersion(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := storage.StateRecord{
		SessionID: "session-1",
		StateJSON: []byte(`{}`),
		Version:   1,
		Hash:      "h1",
	}
	if err := store.Save(ctx, record, 0); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	record.Version = 2
	record.Hash = "h2"
	if err := store.Save(ctx, record, 1); err != nil {
		t.Fatalf("second save: %v", err)
	}

	// Saving against a stale expected version must fail and leave the
	// stored record untouched.
	record.Version = 3
	err := store.Save(ctx, record, 1)
	if !errors.Is(err, storage.ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
	loaded, err := store.Load(ctx, "session-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Version != 2 {
		t.Fatalf("expected version 2 after failed save, got %d", loaded.Version)
	}
}

func TestLoadMissingSession(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Load(context.Background(), "ghost")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSession(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := storage.StateRecord{SessionID: "session-1", StateJSON: []byte(`{}`), Version: 1, Hash: "h"}
	if err := store.Save(ctx, record, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, "session-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, "session-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	record := storage.ApprovalRecord{
		RequestID:   "req-1",
		SessionID:   "session-1",
		RequestJSON: []byte(`{"actionType":"deal-damage"}`),
		Message:     "Brynn deals 4 damage to Skitterfang",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Minute),
	}
	if err := store.PutApproval(ctx, record); err != nil {
		t.Fatalf("put approval: %v", err)
	}

	loaded, err := store.GetApproval(ctx, "req-1")
	if err != nil {
		t.Fatalf("get approval: %v", err)
	}
	if loaded.SessionID != "session-1" {
		t.Fatalf("expected session-1, got %s", loaded.SessionID)
	}
	if !loaded.ExpiresAt.Equal(record.ExpiresAt) {
		t.Fatalf("expected expiry %v, got %v", record.ExpiresAt, loaded.ExpiresAt)
	}

	if err := store.DeleteApproval(ctx, "req-1"); err != nil {
		t.Fatalf("delete approval: %v", err)
	}
	if _, err := store.GetApproval(ctx, "req-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting again is a no-op, not an error.
	if err := store.DeleteApproval(ctx, "req-1"); err != nil {
		t.Fatalf("repeat delete approval: %v", err)
	}
}

func TestListExpiredApprovals(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	expired := storage.ApprovalRecord{
		RequestID: "req-old",
		SessionID: "session-1",
		ExpiresAt: now.Add(-time.Minute),
	}
	pending := storage.ApprovalRecord{
		RequestID: "req-new",
		SessionID: "session-1",
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.PutApproval(ctx, expired); err != nil {
		t.Fatalf("put expired: %v", err)
	}
	if err := store.PutApproval(ctx, pending); err != nil {
		t.Fatalf("put pending: %v", err)
	}

	records, err := store.ListExpiredApprovals(ctx, now)
	if err != nil {
		t.Fatalf("list expired: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 expired record, got %d", len(records))
	}
	if records[0].RequestID != "req-old" {
		t.Fatalf("expected req-old, got %s", records[0].RequestID)
	}
}

func TestOpenIsIdempotentAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	ctx := context.Background()
	record := storage.StateRecord{SessionID: "s", StateJSON: []byte(`{}`), Version: 1, Hash: "h"}
	if err := first.Save(ctx, record, 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening reapplies migrations as no-ops and keeps existing rows.
	second, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()
	loaded, err := second.Load(ctx, "s")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if loaded.Version != 1 {
		t.Fatalf("expected version 1, got %d", loaded.Version)
	}
}
