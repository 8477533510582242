// Package handler registers rules-system action handlers and resolves them
// by action type.
package handler

import (
	"context"
	"time"

	"github.com/torchlight-vtt/engine/internal/game"
)

// Result is the outcome of validating an action request.
type Result struct {
	Valid   bool
	Code    string
	Message string
}

// Valid returns a passing validation result.
func Valid() Result {
	return Result{Valid: true}
}

// Invalid returns a failing validation result with a machine-readable code.
func Invalid(code, message string) Result {
	return Result{Code: code, Message: message}
}

// Context is handed to Execute. The draft is the only state a handler may
// mutate; anything else must go through Schedule, whose jobs re-enter the
// engine as ordinary new updates.
type Context struct {
	SessionID string
	Source    game.Source
	Now       func() time.Time
	// Schedule runs a background job detached from the pipeline. Handlers
	// must not emit to transports or mutate shared state directly.
	Schedule func(job func(context.Context))
}

// ValidateFunc checks an action request against the current state. It must
// be pure: no mutation, identical inputs produce identical results.
type ValidateFunc func(req *game.GameActionRequest, state *game.GameState) Result

// ExecuteFunc mutates the draft to express the action's effect.
type ExecuteFunc func(req *game.GameActionRequest, draft *game.GameState, hctx *Context) error

// ApprovalMessageFunc renders the human-readable prompt shown to the GM
// while a gated request waits for a decision.
type ApprovalMessageFunc func(req *game.GameActionRequest, state *game.GameState) string

// Handler is a rules-system supplied validate/execute pair bound to an
// action type. Handlers are stateless; the registry owns them for the
// system's lifetime.
type Handler struct {
	Validate         ValidateFunc
	Execute          ExecuteFunc
	RequiresApproval bool
	ApprovalMessage  ApprovalMessageFunc
	// Priority breaks ties when multiple systems register the same action
	// type; higher wins.
	Priority int
}
