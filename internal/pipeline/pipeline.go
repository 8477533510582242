// Package pipeline drives action requests through validation, execution,
// diffing, apply, and broadcast.
//
// A request either completes, is rejected with a code, or parks behind a GM
// approval gate. Rejections and conflicts go back to the requester only;
// nothing reaches the rest of the session until an update actually applies.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/torchlight-vtt/engine/internal/broadcast"
	"github.com/torchlight-vtt/engine/internal/game"
	"github.com/torchlight-vtt/engine/internal/handler"
	"github.com/torchlight-vtt/engine/internal/patch"
	"github.com/torchlight-vtt/engine/internal/service"
	"github.com/torchlight-vtt/engine/internal/storage"
)

// Status is the terminal disposition of a submitted request.
type Status string

const (
	// StatusCompleted means the action applied and was broadcast.
	StatusCompleted Status = "completed"
	// StatusRejected means validation or execution refused the action.
	StatusRejected Status = "rejected"
	// StatusAwaitingApproval means the action is parked behind the GM gate.
	StatusAwaitingApproval Status = "awaiting_approval"
	// StatusConflict means the state moved underneath the request.
	StatusConflict Status = "conflict"
)

// Outcome reports what became of a submitted request.
type Outcome struct {
	Status       Status
	RequestID    string
	Code         game.Code
	Message      string
	NewVersion   uint64
	ExpectedHash string
	Operations   []patch.Op
}

// ApprovalPrompt is shown to the GM while a gated request waits.
type ApprovalPrompt struct {
	RequestID  string    `json:"requestId"`
	SessionID  string    `json:"sessionId"`
	PlayerID   string    `json:"playerId"`
	ActionType string    `json:"actionType"`
	Message    string    `json:"message"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Rejected is delivered privately to the requester.
type Rejected struct {
	RequestID string    `json:"requestId"`
	Code      game.Code `json:"code"`
	Message   string    `json:"message"`
}

// VersionConflict tells the requester to resync and retry.
type VersionConflict struct {
	RequestID      string `json:"requestId"`
	CurrentVersion uint64 `json:"currentVersion"`
}

// Sink receives pipeline emissions. The websocket layer adapts it onto the
// session hub; tests substitute a recorder.
type Sink interface {
	Patch(sessionID string, p broadcast.StatePatch)
	ApprovalPrompt(sessionID string, prompt ApprovalPrompt)
	Reject(sessionID, playerID string, rejection Rejected)
	Conflict(sessionID, playerID string, conflict VersionConflict)
}

// Pipeline is the action execution engine.
type Pipeline struct {
	registry  *handler.Registry
	states    *service.Service
	approvals storage.ApprovalStore
	sink      Sink
	tracer    trace.Tracer

	approvalTimeout time.Duration
	now             func() time.Time

	jobs sync.WaitGroup
}

// Option tweaks pipeline construction.
type Option func(*Pipeline)

// WithApprovalTimeout overrides how long a gated request may wait for the GM.
func WithApprovalTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.approvalTimeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New wires a pipeline over its collaborators.
func New(registry *handler.Registry, states *service.Service, approvals storage.ApprovalStore, sink Sink, opts ...Option) *Pipeline {
	p := &Pipeline{
		registry:        registry,
		states:          states,
		approvals:       approvals,
		sink:            sink,
		tracer:          otel.Tracer("torchlight.engine/pipeline"),
		approvalTimeout: 2 * time.Minute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// approvalRecord is the persisted shape of a gated request.
type approvalRecord struct {
	Request game.GameActionRequest `json:"request"`
	Source  game.Source            `json:"source"`
}

// Submit runs one action request to a terminal status.
func (p *Pipeline) Submit(ctx context.Context, req game.GameActionRequest, source game.Source) Outcome {
	ctx, span := p.tracer.Start(ctx, "pipeline.Submit", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("action.type", req.ActionType),
		attribute.String("action.source", string(source)),
	))
	defer span.End()

	if !source.IsValid() {
		return p.reject(req, game.CodeValidationError, fmt.Sprintf("unknown source %q", source))
	}

	registration, err := p.registry.Resolve(req.ActionType)
	if err != nil {
		return p.reject(req, game.CodeActionTypeUnknown,
			fmt.Sprintf("no handler for action type %q", req.ActionType))
	}

	snapshot, err := p.states.GetState(req.SessionID)
	if err != nil {
		return p.reject(req, game.CodeOf(err), err.Error())
	}

	span.AddEvent("validating")
	result := registration.Handler.Validate(&req, snapshot.State)
	if !result.Valid {
		return p.reject(req, resultCode(result), result.Message)
	}

	// GM and system sources skip their own approval gate.
	if registration.Handler.RequiresApproval && source == game.SourcePlayer {
		span.AddEvent("awaiting_approval")
		return p.gate(ctx, req, source, registration, snapshot)
	}

	return p.executeAndApply(ctx, req, source, registration, snapshot)
}

// gate persists the request and prompts the GM.
func (p *Pipeline) gate(ctx context.Context, req game.GameActionRequest, source game.Source, registration handler.Registration, snapshot service.Snapshot) Outcome {
	message := fmt.Sprintf("%s requests %s", req.PlayerID, req.ActionType)
	if registration.Handler.ApprovalMessage != nil {
		message = registration.Handler.ApprovalMessage(&req, snapshot.State)
	}

	raw, err := json.Marshal(approvalRecord{Request: req, Source: source})
	if err != nil {
		return p.reject(req, game.CodeUnknown, fmt.Sprintf("encode approval: %v", err))
	}
	now := p.now().UTC()
	record := storage.ApprovalRecord{
		RequestID:   req.ID,
		SessionID:   req.SessionID,
		RequestJSON: raw,
		Message:     message,
		CreatedAt:   now,
		ExpiresAt:   now.Add(p.approvalTimeout),
	}
	if err := p.approvals.PutApproval(ctx, record); err != nil {
		return p.reject(req, game.CodeTransactionFailed, fmt.Sprintf("persist approval: %v", err))
	}

	p.sink.ApprovalPrompt(req.SessionID, ApprovalPrompt{
		RequestID:  req.ID,
		SessionID:  req.SessionID,
		PlayerID:   req.PlayerID,
		ActionType: req.ActionType,
		Message:    message,
		ExpiresAt:  record.ExpiresAt,
	})
	log.Printf("approval pending session_id=%s request_id=%s action=%s", req.SessionID, req.ID, req.ActionType)
	return Outcome{Status: StatusAwaitingApproval, RequestID: req.ID, Message: message}
}

// executeAndApply runs the handler against a draft, diffs, applies, and
// broadcasts. The draft is discarded on any failure.
func (p *Pipeline) executeAndApply(ctx context.Context, req game.GameActionRequest, source game.Source, registration handler.Registration, snapshot service.Snapshot) Outcome {
	ctx, span := p.tracer.Start(ctx, "pipeline.executeAndApply")
	defer span.End()

	draft, err := snapshot.State.Clone()
	if err != nil {
		return p.reject(req, game.CodeExecutionFailed, fmt.Sprintf("clone draft: %v", err))
	}

	hctx := &handler.Context{
		SessionID: req.SessionID,
		Source:    source,
		Now:       p.now,
		Schedule:  p.schedule,
	}
	span.AddEvent("executing")
	if err := execute(registration, &req, draft, hctx); err != nil {
		return p.reject(req, game.CodeExecutionFailed, err.Error())
	}

	span.AddEvent("diffing")
	before, err := snapshot.State.Tree()
	if err != nil {
		return p.reject(req, game.CodeExecutionFailed, fmt.Sprintf("state tree: %v", err))
	}
	after, err := draft.Tree()
	if err != nil {
		return p.reject(req, game.CodeExecutionFailed, fmt.Sprintf("draft tree: %v", err))
	}
	ops := patch.Diff(before, after)
	if len(ops) == 0 {
		// No-effect actions complete without bumping the version.
		log.Printf("action no-op session_id=%s request_id=%s action=%s", req.SessionID, req.ID, req.ActionType)
		return Outcome{Status: StatusCompleted, RequestID: req.ID,
			NewVersion: snapshot.Version, ExpectedHash: snapshot.Hash}
	}

	span.AddEvent("applying")
	updateID, err := game.NewID()
	if err != nil {
		return p.reject(req, game.CodeExecutionFailed, fmt.Sprintf("mint update id: %v", err))
	}
	update := game.StateUpdate{
		ID:          updateID,
		GameStateID: req.SessionID,
		Version:     snapshot.Version,
		Source:      source,
		Operations:  ops,
		Timestamp:   p.now().UTC(),
	}
	// The handler already authorized intent; the diff may touch fields the
	// raw requester could not. The broadcast runs inside the commit callback
	// so fan-out order always matches apply order for the session.
	applied, err := p.states.ApplyUpdate(ctx, update, req.PlayerID, true, func(applied service.Applied) {
		span.AddEvent("broadcasting")
		p.sink.Patch(req.SessionID, broadcast.StatePatch{
			SessionID:    req.SessionID,
			UpdateID:     update.ID,
			Operations:   applied.Operations,
			NewVersion:   applied.NewVersion,
			ExpectedHash: applied.NewHash,
		})
	})
	if err != nil {
		var coded *game.Error
		if errors.As(err, &coded) && coded.Code == game.CodeVersionConflict {
			p.sink.Conflict(req.SessionID, req.PlayerID, VersionConflict{
				RequestID:      req.ID,
				CurrentVersion: coded.CurrentVersion,
			})
			return Outcome{Status: StatusConflict, RequestID: req.ID,
				Code: coded.Code, Message: coded.Message, NewVersion: coded.CurrentVersion}
		}
		return p.reject(req, game.CodeOf(err), err.Error())
	}

	log.Printf("action completed session_id=%s request_id=%s action=%s version=%d",
		req.SessionID, req.ID, req.ActionType, applied.NewVersion)
	return Outcome{
		Status:       StatusCompleted,
		RequestID:    req.ID,
		NewVersion:   applied.NewVersion,
		ExpectedHash: applied.NewHash,
		Operations:   applied.Operations,
	}
}

// Approve resumes a gated request. Only the session GM may approve.
func (p *Pipeline) Approve(ctx context.Context, sessionID, requestID, approverID string) Outcome {
	ctx, span := p.tracer.Start(ctx, "pipeline.Approve", trace.WithAttributes(
		attribute.String("session.id", sessionID),
		attribute.String("request.id", requestID),
	))
	defer span.End()

	parked, req, source, outcome := p.takeApproval(ctx, sessionID, requestID, approverID)
	if !parked {
		return outcome
	}

	registration, err := p.registry.Resolve(req.ActionType)
	if err != nil {
		return p.reject(req, game.CodeActionTypeUnknown,
			fmt.Sprintf("no handler for action type %q", req.ActionType))
	}
	snapshot, err := p.states.GetState(req.SessionID)
	if err != nil {
		return p.reject(req, game.CodeOf(err), err.Error())
	}
	// Revalidate: the state may have moved while the request was parked.
	result := registration.Handler.Validate(&req, snapshot.State)
	if !result.Valid {
		return p.reject(req, resultCode(result), result.Message)
	}
	return p.executeAndApply(ctx, req, source, registration, snapshot)
}

// RejectApproval declines a gated request. The requester learns privately;
// the session hears nothing.
func (p *Pipeline) RejectApproval(ctx context.Context, sessionID, requestID, approverID, reason string) Outcome {
	parked, req, _, outcome := p.takeApproval(ctx, sessionID, requestID, approverID)
	if !parked {
		return outcome
	}
	if reason == "" {
		reason = "the gm declined the action"
	}
	return p.reject(req, game.CodeApprovalRejected, reason)
}

// takeApproval loads, authorizes, and consumes a pending approval. A false
// return means the outcome is already terminal.
func (p *Pipeline) takeApproval(ctx context.Context, sessionID, requestID, approverID string) (bool, game.GameActionRequest, game.Source, Outcome) {
	record, err := p.approvals.GetApproval(ctx, requestID)
	if err != nil || record.SessionID != sessionID {
		return false, game.GameActionRequest{}, "", Outcome{
			Status:    StatusRejected,
			RequestID: requestID,
			Code:      game.CodeApprovalNotFound,
			Message:   fmt.Sprintf("no pending approval %s", requestID),
		}
	}

	snapshot, err := p.states.GetState(sessionID)
	if err != nil {
		return false, game.GameActionRequest{}, "", Outcome{
			Status: StatusRejected, RequestID: requestID,
			Code: game.CodeOf(err), Message: err.Error(),
		}
	}
	if approverID != snapshot.State.Campaign.GMID {
		return false, game.GameActionRequest{}, "", Outcome{
			Status: StatusRejected, RequestID: requestID,
			Code:    game.CodePermissionDenied,
			Message: fmt.Sprintf("only the gm may decide approvals, not %s", approverID),
		}
	}

	var parked approvalRecord
	if err := json.Unmarshal(record.RequestJSON, &parked); err != nil {
		_ = p.approvals.DeleteApproval(ctx, requestID)
		return false, game.GameActionRequest{}, "", Outcome{
			Status: StatusRejected, RequestID: requestID,
			Code: game.CodeUnknown, Message: fmt.Sprintf("decode approval: %v", err),
		}
	}
	if err := p.approvals.DeleteApproval(ctx, requestID); err != nil {
		return false, game.GameActionRequest{}, "", Outcome{
			Status: StatusRejected, RequestID: requestID,
			Code: game.CodeTransactionFailed, Message: fmt.Sprintf("consume approval: %v", err),
		}
	}
	return true, parked.Request, parked.Source, Outcome{}
}

// Start runs the approval expiry sweep until ctx is done.
func (p *Pipeline) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p.jobs.Add(1)
	go func() {
		defer p.jobs.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.SweepExpired(ctx)
			}
		}
	}()
}

// SweepExpired times out overdue approvals. Each expiry is a private
// rejection to the requester.
func (p *Pipeline) SweepExpired(ctx context.Context) {
	expired, err := p.approvals.ListExpiredApprovals(ctx, p.now().UTC())
	if err != nil {
		log.Printf("approval sweep failed err=%v", err)
		return
	}
	for _, record := range expired {
		var parked approvalRecord
		if err := json.Unmarshal(record.RequestJSON, &parked); err != nil {
			log.Printf("approval sweep decode failed request_id=%s err=%v", record.RequestID, err)
			_ = p.approvals.DeleteApproval(ctx, record.RequestID)
			continue
		}
		if err := p.approvals.DeleteApproval(ctx, record.RequestID); err != nil {
			continue
		}
		p.reject(parked.Request, game.CodeApprovalTimeout,
			fmt.Sprintf("approval for %s expired", parked.Request.ActionType))
	}
}

// Wait blocks until scheduled background jobs drain.
func (p *Pipeline) Wait() {
	p.jobs.Wait()
}

// schedule runs a handler background job detached from the request.
func (p *Pipeline) schedule(job func(context.Context)) {
	p.jobs.Add(1)
	go func() {
		defer p.jobs.Done()
		job(context.Background())
	}()
}

// execute runs a handler against the draft, converting panics into errors so
// a misbehaving handler rejects one request instead of taking the server
// down. The draft is discarded either way.
func execute(registration handler.Registration, req *game.GameActionRequest, draft *game.GameState, hctx *handler.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return registration.Handler.Execute(req, draft, hctx)
}

func resultCode(result handler.Result) game.Code {
	if result.Code == "" {
		return game.CodeValidationError
	}
	return game.Code(result.Code)
}

// reject records a terminal rejection and notifies the requester privately.
func (p *Pipeline) reject(req game.GameActionRequest, code game.Code, message string) Outcome {
	p.sink.Reject(req.SessionID, req.PlayerID, Rejected{
		RequestID: req.ID,
		Code:      code,
		Message:   message,
	})
	log.Printf("action rejected session_id=%s request_id=%s action=%s code=%s",
		req.SessionID, req.ID, req.ActionType, code)
	return Outcome{Status: StatusRejected, RequestID: req.ID, Code: code, Message: message}
}
