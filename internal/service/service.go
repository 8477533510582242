// Package service owns the canonical per-session game state.
//
// Each session is a single logical writer: updates for one session
// serialize behind a per-session mutex while different sessions proceed in
// parallel. Memory, hash, version, and the persisted record move together
// or not at all.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/torchlight-vtt/engine/internal/game"
	"github.com/torchlight-vtt/engine/internal/ledger"
	"github.com/torchlight-vtt/engine/internal/patch"
	"github.com/torchlight-vtt/engine/internal/storage"
)

// Snapshot is a read-only view of a session's current state.
type Snapshot struct {
	State   *game.GameState
	Version uint64
	Hash    string
}

// Applied reports a successful update.
type Applied struct {
	Operations []patch.Op
	NewVersion uint64
	NewHash    string
}

type session struct {
	mu      sync.Mutex
	state   *game.GameState
	version uint64
	hash    string
}

// Service is the session-keyed game state store.
type Service struct {
	mu       sync.RWMutex
	sessions map[string]*session
	store    storage.GameStateStore
	now      func() time.Time
}

// NewService creates a game state service backed by the provided store.
func NewService(store storage.GameStateStore) *Service {
	return &Service{
		sessions: make(map[string]*session),
		store:    store,
		now:      time.Now,
	}
}

// CreateSession registers a new session from an initial state. The state is
// validated, stamped with version 1 and a fresh hash, and persisted before
// it becomes visible.
func (s *Service) CreateSession(ctx context.Context, state *game.GameState) (Snapshot, error) {
	if err := state.Validate(); err != nil {
		return Snapshot{}, game.NewError(game.CodeValidationError, "invalid initial state: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[state.ID]; exists {
		return Snapshot{}, game.NewError(game.CodeValidationError, "session %s already exists", state.ID)
	}

	stamped, err := state.Clone()
	if err != nil {
		return Snapshot{}, fmt.Errorf("clone initial state: %w", err)
	}
	stamped.Version = 1
	hash, err := stamped.ComputeHash()
	if err != nil {
		return Snapshot{}, fmt.Errorf("hash initial state: %w", err)
	}
	stamped.Hash = hash

	if err := s.persist(ctx, stamped, 0); err != nil {
		return Snapshot{}, err
	}

	s.sessions[state.ID] = &session{state: stamped, version: stamped.Version, hash: hash}
	log.Printf("session created session_id=%s version=%d hash=%s", state.ID, stamped.Version, hash)
	return Snapshot{State: stamped, Version: stamped.Version, Hash: hash}, nil
}

// LoadSession hydrates a session from persistence, verifying the stored
// hash before trusting the record.
func (s *Service) LoadSession(ctx context.Context, sessionID string) (Snapshot, error) {
	record, err := s.store.Load(ctx, sessionID)
	if err != nil {
		if err == storage.ErrNotFound {
			return Snapshot{}, game.NewError(game.CodeGameStateNotFound, "no state for session %s", sessionID)
		}
		return Snapshot{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var state game.GameState
	if err := json.Unmarshal(record.StateJSON, &state); err != nil {
		return Snapshot{}, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	if err := state.Validate(); err != nil {
		return Snapshot{}, game.NewError(game.CodeValidationError, "stored state invalid: %v", err)
	}
	computed, err := state.ComputeHash()
	if err != nil {
		return Snapshot{}, fmt.Errorf("hash session %s: %w", sessionID, err)
	}
	if computed != record.Hash {
		return Snapshot{}, game.NewError(game.CodeValidationError,
			"stored hash %s does not match content %s", record.Hash, computed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = &session{state: &state, version: record.Version, hash: record.Hash}
	return Snapshot{State: &state, Version: record.Version, Hash: record.Hash}, nil
}

// CloseSession drops a session from memory. Persistence is untouched so the
// session can be rehydrated later.
func (s *Service) CloseSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// GetState returns a deep-copied snapshot of a session's state.
func (s *Service) GetState(sessionID string) (Snapshot, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	clone, cloneErr := sess.state.Clone()
	if cloneErr != nil {
		return Snapshot{}, fmt.Errorf("clone state: %w", cloneErr)
	}
	return Snapshot{State: clone, Version: sess.version, Hash: sess.hash}, nil
}

// ApplyUpdate applies an atomic batch of operations with optimistic
// concurrency. The update's version must equal the session's current
// version; a mismatch rejects the whole batch and the client refetches and
// retries.
//
// onApplied, when non-nil, runs after the commit while the session writer
// is still held: work done there (broadcast fan-out) is ordered exactly
// like the applies themselves. It must not call back into the service for
// the same session.
func (s *Service) ApplyUpdate(ctx context.Context, update game.StateUpdate, requesterID string, skipPermissionCheck bool, onApplied func(Applied)) (Applied, error) {
	sess, err := s.lookup(update.GameStateID)
	if err != nil {
		return Applied{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	if update.Version != sess.version {
		return Applied{}, &game.Error{
			Code:           game.CodeVersionConflict,
			Message:        fmt.Sprintf("update targets version %d, server is at %d", update.Version, sess.version),
			CurrentVersion: sess.version,
		}
	}

	if !skipPermissionCheck {
		if err := checkPermissions(sess.state, update, requesterID); err != nil {
			return Applied{}, err
		}
	}

	tree, err := sess.state.Tree()
	if err != nil {
		return Applied{}, fmt.Errorf("state tree: %w", err)
	}
	newTree, appliedOps, err := patch.Apply(tree, update.Operations)
	if err != nil {
		return Applied{}, game.NewError(game.CodeValidationError, "patch failed: %v", err)
	}

	newState, err := game.FromTree(newTree)
	if err != nil {
		return Applied{}, game.NewError(game.CodeValidationError, "patched state invalid: %v", err)
	}

	newState.Version = ledger.NextVersion(sess.version)
	newState.Hash = ""
	hash, err := newState.ComputeHash()
	if err != nil {
		return Applied{}, fmt.Errorf("hash state: %w", err)
	}
	newState.Hash = hash

	if err := s.persist(ctx, newState, sess.version); err != nil {
		return Applied{}, err
	}

	sess.state = newState
	sess.version = newState.Version
	sess.hash = hash
	log.Printf("update applied session_id=%s update_id=%s ops=%d version=%d source=%s",
		update.GameStateID, update.ID, len(appliedOps), newState.Version, update.Source)
	applied := Applied{Operations: appliedOps, NewVersion: newState.Version, NewHash: hash}
	if onApplied != nil {
		onApplied(applied)
	}
	return applied, nil
}

// ApplyFullState replaces a session's state wholesale: the resync/reinit
// path. The incoming state is re-validated and re-hashed from the canonical
// schema before it is accepted, and the version advances monotonically from
// the current one.
func (s *Service) ApplyFullState(ctx context.Context, sessionID string, state *game.GameState) (Snapshot, error) {
	sess, err := s.lookup(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	if state == nil || state.ID != sessionID {
		return Snapshot{}, game.NewError(game.CodeValidationError, "state id does not match session %s", sessionID)
	}
	if err := state.Validate(); err != nil {
		return Snapshot{}, game.NewError(game.CodeValidationError, "full state invalid: %v", err)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	replacement, err := state.Clone()
	if err != nil {
		return Snapshot{}, fmt.Errorf("clone full state: %w", err)
	}
	replacement.Version = ledger.NextVersion(sess.version)
	replacement.Hash = ""
	hash, err := replacement.ComputeHash()
	if err != nil {
		return Snapshot{}, fmt.Errorf("hash full state: %w", err)
	}
	replacement.Hash = hash

	if err := s.persist(ctx, replacement, sess.version); err != nil {
		return Snapshot{}, err
	}

	sess.state = replacement
	sess.version = replacement.Version
	sess.hash = hash
	log.Printf("full state applied session_id=%s version=%d", sessionID, replacement.Version)
	return Snapshot{State: replacement, Version: replacement.Version, Hash: hash}, nil
}

func (s *Service) lookup(sessionID string) (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, game.NewError(game.CodeGameStateNotFound, "no state for session %s", sessionID)
	}
	return sess, nil
}

// persist writes the state record; a failure leaves in-memory state at the
// last good version and surfaces TRANSACTION_FAILED.
func (s *Service) persist(ctx context.Context, state *game.GameState, expectedVersion uint64) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	record := storage.StateRecord{
		SessionID: state.ID,
		StateJSON: raw,
		Version:   state.Version,
		Hash:      state.Hash,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.store.Save(ctx, record, expectedVersion); err != nil {
		log.Printf("persist failed session_id=%s version=%d err=%v", state.ID, state.Version, err)
		return game.NewError(game.CodeTransactionFailed, "persist state: %v", err)
	}
	return nil
}
