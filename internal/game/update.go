package game

import (
	"encoding/json"
	"time"

	"github.com/torchlight-vtt/engine/internal/patch"
)

// Source identifies who or what produced a state update.
type Source string

const (
	// SourceGM marks updates issued by the session game master.
	SourceGM Source = "gm"
	// SourcePlayer marks updates issued by a regular participant.
	SourcePlayer Source = "player"
	// SourceSystem marks updates issued by the engine itself, including
	// background jobs re-entering the pipeline.
	SourceSystem Source = "system"
)

// IsValid reports whether the source is one of the known values.
func (s Source) IsValid() bool {
	switch s {
	case SourceGM, SourcePlayer, SourceSystem:
		return true
	default:
		return false
	}
}

// StateUpdate is an atomic, versioned batch of patch operations.
//
// Version is the version the sender believed current; the service rejects
// the whole batch with a version conflict when it no longer is. Operations
// apply all-or-nothing.
type StateUpdate struct {
	ID          string     `json:"id"`
	GameStateID string     `json:"gameStateId"`
	Version     uint64     `json:"version"`
	Source      Source     `json:"source"`
	Operations  []patch.Op `json:"operations"`
	Timestamp   time.Time  `json:"timestamp"`
}

// GameActionRequest describes a participant's intent. It carries no
// mutations; handlers derive those during execution. The request only lives
// for the duration of a pipeline run, or as a persisted pending-approval
// record while gated.
type GameActionRequest struct {
	ID           string          `json:"id"`
	SessionID    string          `json:"sessionId"`
	PlayerID     string          `json:"playerId"`
	ActionType   string          `json:"actionType"`
	ActorID      string          `json:"actorId,omitempty"`
	ActorTokenID string          `json:"actorTokenId,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
}
