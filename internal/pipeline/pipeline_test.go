package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/torchlight-vtt/engine/internal/broadcast"
	"github.com/torchlight-vtt/engine/internal/game"
	"github.com/torchlight-vtt/engine/internal/handler"
	"github.com/torchlight-vtt/engine/internal/patch"
	"github.com/torchlight-vtt/engine/internal/service"
	"github.com/torchlight-vtt/engine/internal/storage"
)

// recordingSink captures everything the pipeline emits.
type recordingSink struct {
	mu        sync.Mutex
	patches   []broadcast.StatePatch
	prompts   []ApprovalPrompt
	rejects   []Rejected
	conflicts []VersionConflict
}

func (s *recordingSink) Patch(sessionID string, p broadcast.StatePatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patches = append(s.patches, p)
}

func (s *recordingSink) ApprovalPrompt(sessionID string, prompt ApprovalPrompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
}

func (s *recordingSink) Reject(sessionID, playerID string, rejection Rejected) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejects = append(s.rejects, rejection)
}

func (s *recordingSink) Conflict(sessionID, playerID string, conflict VersionConflict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = append(s.conflicts, conflict)
}

func testState() *game.GameState {
	return &game.GameState{
		ID: "session-1",
		Campaign: game.CampaignMeta{
			ID:       "camp-1",
			Name:     "Emberfall",
			GMID:     "gm-1",
			SystemID: "test",
		},
		Documents: map[string]*game.BaseDocument{
			"char1": {
				ID:      "char1",
				Type:    "character",
				Name:    "Brynn",
				OwnerID: "player-1",
				State: map[string]any{
					"hp":         map[string]any{"current": float64(10), "max": float64(12)},
					"conditions": []any{},
				},
			},
		},
	}
}

// fixture wires a pipeline over an in-memory store with one handler.
type fixture struct {
	pipeline *Pipeline
	svc      *service.Service
	store    *storage.Memory
	sink     *recordingSink
	registry *handler.Registry
}

func newFixture(t *testing.T, h handler.Handler) *fixture {
	t.Helper()
	store := storage.NewMemory()
	svc := service.NewService(store)
	if _, err := svc.CreateSession(context.Background(), testState()); err != nil {
		t.Fatalf("create session: %v", err)
	}
	registry := handler.NewRegistry()
	if err := registry.Register("test", "set-note", h); err != nil {
		t.Fatalf("register: %v", err)
	}
	registry.Seal()
	sink := &recordingSink{}
	p := New(registry, svc, store, sink, WithApprovalTimeout(time.Minute))
	return &fixture{pipeline: p, svc: svc, store: store, sink: sink, registry: registry}
}

func noteHandler() handler.Handler {
	return handler.Handler{
		Validate: func(req *game.GameActionRequest, state *game.GameState) handler.Result {
			if _, ok := state.Documents[req.ActorID]; !ok {
				return handler.Invalid("TARGET_NOT_FOUND", "no such document")
			}
			return handler.Valid()
		},
		Execute: func(req *game.GameActionRequest, draft *game.GameState, hctx *handler.Context) error {
			draft.Documents[req.ActorID].State["note"] = "marked"
			return nil
		},
	}
}

func request() game.GameActionRequest {
	return game.GameActionRequest{
		ID:         "req-1",
		SessionID:  "session-1",
		PlayerID:   "player-1",
		ActionType: "set-note",
		ActorID:    "char1",
	}
}

func TestSubmitCompletesAndBroadcasts(t *testing.T) {
	f := newFixture(t, noteHandler())

	outcome := f.pipeline.Submit(context.Background(), request(), game.SourcePlayer)
	if outcome.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s: %s)", outcome.Status, outcome.Code, outcome.Message)
	}
	if outcome.NewVersion != 2 {
		t.Fatalf("expected version 2, got %d", outcome.NewVersion)
	}

	if len(f.sink.patches) != 1 {
		t.Fatalf("expected 1 broadcast patch, got %d", len(f.sink.patches))
	}
	broadcasted := f.sink.patches[0]
	if broadcasted.NewVersion != 2 || broadcasted.ExpectedHash != outcome.ExpectedHash {
		t.Fatalf("patch payload mismatch: %+v", broadcasted)
	}
	if len(broadcasted.Operations) == 0 {
		t.Fatal("expected diffed operations in the broadcast")
	}

	snapshot, err := f.svc.GetState("session-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if snapshot.State.Documents["char1"].State["note"] != "marked" {
		t.Fatal("expected execution effect in canonical state")
	}
}

func TestSubmitRejectsOnValidation(t *testing.T) {
	f := newFixture(t, noteHandler())

	req := request()
	req.ActorID = "ghost"
	outcome := f.pipeline.Submit(context.Background(), req, game.SourcePlayer)
	if outcome.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", outcome.Status)
	}
	if outcome.Code != "TARGET_NOT_FOUND" {
		t.Fatalf("expected TARGET_NOT_FOUND, got %s", outcome.Code)
	}
	if len(f.sink.patches) != 0 {
		t.Fatal("rejected action must not broadcast")
	}
	if len(f.sink.rejects) != 1 || f.sink.rejects[0].Code != "TARGET_NOT_FOUND" {
		t.Fatalf("expected private rejection, got %+v", f.sink.rejects)
	}
}

func TestSubmitUnknownActionType(t *testing.T) {
	f := newFixture(t, noteHandler())

	req := request()
	req.ActionType = "cast-fireball"
	outcome := f.pipeline.Submit(context.Background(), req, game.SourcePlayer)
	if outcome.Code != game.CodeActionTypeUnknown {
		t.Fatalf("expected ACTION_TYPE_UNKNOWN, got %s", outcome.Code)
	}
}

func TestSubmitDiscardsDraftOnExecutionError(t *testing.T) {
	h := noteHandler()
	h.Execute = func(req *game.GameActionRequest, draft *game.GameState, hctx *handler.Context) error {
		draft.Documents["char1"].State["note"] = "half-written"
		return errors.New("dice service unavailable")
	}
	f := newFixture(t, h)

	outcome := f.pipeline.Submit(context.Background(), request(), game.SourcePlayer)
	if outcome.Code != game.CodeExecutionFailed {
		t.Fatalf("expected EXECUTION_FAILED, got %s", outcome.Code)
	}

	snapshot, err := f.svc.GetState("session-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if _, ok := snapshot.State.Documents["char1"].State["note"]; ok {
		t.Fatal("failed execution leaked draft mutations")
	}
	if snapshot.Version != 1 {
		t.Fatalf("expected version untouched, got %d", snapshot.Version)
	}
}

func TestSubmitRecoversFromHandlerPanic(t *testing.T) {
	h := noteHandler()
	h.Execute = func(req *game.GameActionRequest, draft *game.GameState, hctx *handler.Context) error {
		var missing map[string]bool
		missing[req.ActorID] = true
		return nil
	}
	f := newFixture(t, h)

	outcome := f.pipeline.Submit(context.Background(), request(), game.SourcePlayer)
	if outcome.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", outcome.Status)
	}
	if outcome.Code != game.CodeExecutionFailed {
		t.Fatalf("expected EXECUTION_FAILED, got %s", outcome.Code)
	}

	snapshot, err := f.svc.GetState("session-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if snapshot.Version != 1 {
		t.Fatalf("panicking handler mutated state to version %d", snapshot.Version)
	}
	if len(f.sink.patches) != 0 {
		t.Fatal("panicking handler must not broadcast")
	}
}

func TestSubmitNoEffectCompletesWithoutVersionBump(t *testing.T) {
	h := noteHandler()
	h.Execute = func(req *game.GameActionRequest, draft *game.GameState, hctx *handler.Context) error {
		return nil
	}
	f := newFixture(t, h)

	outcome := f.pipeline.Submit(context.Background(), request(), game.SourcePlayer)
	if outcome.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", outcome.Status)
	}
	if outcome.NewVersion != 1 {
		t.Fatalf("expected version 1, got %d", outcome.NewVersion)
	}
	if len(f.sink.patches) != 0 {
		t.Fatal("no-effect action must not broadcast")
	}
}

func TestSubmitConflictWhenStateMovesUnderneath(t *testing.T) {
	h := noteHandler()
	var f *fixture
	h.Execute = func(req *game.GameActionRequest, draft *game.GameState, hctx *handler.Context) error {
		// A competing update lands while this handler holds its draft.
		update := game.StateUpdate{
			ID:          "race",
			GameStateID: "session-1",
			Version:     1,
			Source:      game.SourceGM,
			Operations: []patch.Op{
				{Op: patch.OpAdd, Path: "/documents/char1/state/rival", Value: true},
			},
		}
		if _, err := f.svc.ApplyUpdate(context.Background(), update, "gm-1", false, nil); err != nil {
			return err
		}
		draft.Documents["char1"].State["note"] = "marked"
		return nil
	}
	f = newFixture(t, h)

	outcome := f.pipeline.Submit(context.Background(), request(), game.SourcePlayer)
	if outcome.Status != StatusConflict {
		t.Fatalf("expected conflict, got %s (%s)", outcome.Status, outcome.Code)
	}
	if len(f.sink.conflicts) != 1 || f.sink.conflicts[0].CurrentVersion != 2 {
		t.Fatalf("expected conflict notification at version 2, got %+v", f.sink.conflicts)
	}
	// Only the competing update broadcast; the conflicted action did not.
	if len(f.sink.patches) != 0 {
		t.Fatal("conflicted action must not broadcast")
	}
}

// gateSink stalls the first broadcast until released so a second action
// can race it.
type gateSink struct {
	recordingSink
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gateSink) Patch(sessionID string, p broadcast.StatePatch) {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	s.recordingSink.Patch(sessionID, p)
}

func TestSubmitBroadcastOrderMatchesApplyOrder(t *testing.T) {
	store := storage.NewMemory()
	svc := service.NewService(store)
	if _, err := svc.CreateSession(context.Background(), testState()); err != nil {
		t.Fatalf("create session: %v", err)
	}
	registry := handler.NewRegistry()
	h := noteHandler()
	h.Execute = func(req *game.GameActionRequest, draft *game.GameState, hctx *handler.Context) error {
		draft.Documents["char1"].State[req.ID] = true
		return nil
	}
	if err := registry.Register("test", "set-note", h); err != nil {
		t.Fatalf("register: %v", err)
	}
	registry.Seal()
	sink := &gateSink{entered: make(chan struct{}), release: make(chan struct{})}
	p := New(registry, svc, store, sink, WithApprovalTimeout(time.Minute))

	firstDone := make(chan Outcome, 1)
	go func() { firstDone <- p.Submit(context.Background(), request(), game.SourcePlayer) }()
	<-sink.entered

	// The second action arrives while the first broadcast is still in
	// flight. Its patch must not overtake the first one.
	second := request()
	second.ID = "req-2"
	secondDone := make(chan Outcome, 1)
	go func() { secondDone <- p.Submit(context.Background(), second, game.SourcePlayer) }()

	time.Sleep(50 * time.Millisecond)
	close(sink.release)

	for _, done := range []chan Outcome{firstDone, secondDone} {
		select {
		case outcome := <-done:
			if outcome.Status != StatusCompleted {
				t.Fatalf("expected completed, got %s (%s: %s)", outcome.Status, outcome.Code, outcome.Message)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("submit never finished")
		}
	}

	if len(sink.patches) != 2 {
		t.Fatalf("expected 2 patches, got %d", len(sink.patches))
	}
	if sink.patches[0].NewVersion != 2 || sink.patches[1].NewVersion != 3 {
		t.Fatalf("patches out of apply order: versions %d then %d",
			sink.patches[0].NewVersion, sink.patches[1].NewVersion)
	}
}

func approvalHandler() handler.Handler {
	h := noteHandler()
	h.RequiresApproval = true
	h.ApprovalMessage = func(req *game.GameActionRequest, state *game.GameState) string {
		return "Brynn wants to set a note"
	}
	return h
}

func TestSubmitGatesPlayerActionBehindApproval(t *testing.T) {
	f := newFixture(t, approvalHandler())

	outcome := f.pipeline.Submit(context.Background(), request(), game.SourcePlayer)
	if outcome.Status != StatusAwaitingApproval {
		t.Fatalf("expected awaiting approval, got %s", outcome.Status)
	}

	if len(f.sink.prompts) != 1 {
		t.Fatalf("expected 1 gm prompt, got %d", len(f.sink.prompts))
	}
	prompt := f.sink.prompts[0]
	if prompt.RequestID != "req-1" || prompt.Message != "Brynn wants to set a note" {
		t.Fatalf("unexpected prompt: %+v", prompt)
	}

	record, err := f.store.GetApproval(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("expected persisted approval: %v", err)
	}
	if record.SessionID != "session-1" {
		t.Fatalf("unexpected approval record: %+v", record)
	}
	if len(f.sink.patches) != 0 {
		t.Fatal("gated action must not broadcast before approval")
	}
}

func TestSubmitGMBypassesApprovalGate(t *testing.T) {
	f := newFixture(t, approvalHandler())

	req := request()
	req.PlayerID = "gm-1"
	outcome := f.pipeline.Submit(context.Background(), req, game.SourceGM)
	if outcome.Status != StatusCompleted {
		t.Fatalf("expected completed for gm source, got %s", outcome.Status)
	}
	if len(f.sink.prompts) != 0 {
		t.Fatal("gm actions must not prompt for approval")
	}
}

func TestApproveExecutesParkedRequest(t *testing.T) {
	f := newFixture(t, approvalHandler())
	f.pipeline.Submit(context.Background(), request(), game.SourcePlayer)

	outcome := f.pipeline.Approve(context.Background(), "session-1", "req-1", "gm-1")
	if outcome.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s: %s)", outcome.Status, outcome.Code, outcome.Message)
	}
	if len(f.sink.patches) != 1 {
		t.Fatalf("expected broadcast after approval, got %d", len(f.sink.patches))
	}
	if _, err := f.store.GetApproval(context.Background(), "req-1"); err != storage.ErrNotFound {
		t.Fatalf("expected approval consumed, got %v", err)
	}
}

func TestApproveRequiresGM(t *testing.T) {
	f := newFixture(t, approvalHandler())
	f.pipeline.Submit(context.Background(), request(), game.SourcePlayer)

	outcome := f.pipeline.Approve(context.Background(), "session-1", "req-1", "player-2")
	if outcome.Code != game.CodePermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED, got %s", outcome.Code)
	}
	// The request stays parked.
	if _, err := f.store.GetApproval(context.Background(), "req-1"); err != nil {
		t.Fatalf("expected approval still pending: %v", err)
	}
}

func TestRejectApprovalStaysPrivate(t *testing.T) {
	f := newFixture(t, approvalHandler())
	f.pipeline.Submit(context.Background(), request(), game.SourcePlayer)

	outcome := f.pipeline.RejectApproval(context.Background(), "session-1", "req-1", "gm-1", "not this round")
	if outcome.Code != game.CodeApprovalRejected {
		t.Fatalf("expected APPROVAL_REJECTED, got %s", outcome.Code)
	}

	if len(f.sink.patches) != 0 {
		t.Fatal("rejected approval must not broadcast state")
	}
	if len(f.sink.rejects) != 1 {
		t.Fatalf("expected exactly one private rejection, got %d", len(f.sink.rejects))
	}
	rejection := f.sink.rejects[0]
	if rejection.RequestID != "req-1" || rejection.Message != "not this round" {
		t.Fatalf("unexpected rejection payload: %+v", rejection)
	}

	snapshot, err := f.svc.GetState("session-1")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if snapshot.Version != 1 {
		t.Fatalf("rejected approval mutated state to version %d", snapshot.Version)
	}
}

func TestApproveUnknownRequest(t *testing.T) {
	f := newFixture(t, approvalHandler())

	outcome := f.pipeline.Approve(context.Background(), "session-1", "ghost", "gm-1")
	if outcome.Code != game.CodeApprovalNotFound {
		t.Fatalf("expected APPROVAL_NOT_FOUND, got %s", outcome.Code)
	}
}

func TestSweepExpiredTimesOutApproval(t *testing.T) {
	f := newFixture(t, approvalHandler())

	clock := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	f.pipeline.now = func() time.Time { return clock }
	f.pipeline.Submit(context.Background(), request(), game.SourcePlayer)

	// Not yet expired.
	f.pipeline.SweepExpired(context.Background())
	if len(f.sink.rejects) != 0 {
		t.Fatal("sweep expired a live approval")
	}

	clock = clock.Add(2 * time.Minute)
	f.pipeline.SweepExpired(context.Background())
	if len(f.sink.rejects) != 1 || f.sink.rejects[0].Code != game.CodeApprovalTimeout {
		t.Fatalf("expected APPROVAL_TIMEOUT rejection, got %+v", f.sink.rejects)
	}
	if _, err := f.store.GetApproval(context.Background(), "req-1"); err != storage.ErrNotFound {
		t.Fatalf("expected expired approval removed, got %v", err)
	}
}

func TestScheduleRunsDetachedJob(t *testing.T) {
	h := noteHandler()
	done := make(chan struct{})
	h.Execute = func(req *game.GameActionRequest, draft *game.GameState, hctx *handler.Context) error {
		hctx.Schedule(func(ctx context.Context) { close(done) })
		draft.Documents["char1"].State["note"] = "marked"
		return nil
	}
	f := newFixture(t, h)

	outcome := f.pipeline.Submit(context.Background(), request(), game.SourcePlayer)
	if outcome.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", outcome.Status)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled job never ran")
	}
	f.pipeline.Wait()
}
