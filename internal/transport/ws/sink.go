package ws

import (
	"github.com/torchlight-vtt/engine/internal/broadcast"
	"github.com/torchlight-vtt/engine/internal/pipeline"
)

// HubSink adapts pipeline emissions onto the session hub as wire envelopes.
//
// Applied patches are public. Approval prompts go to GM connections only.
// Rejections and conflicts stay private to the requester.
type HubSink struct {
	Hub *broadcast.Hub
}

// Patch broadcasts an applied update to the whole session.
func (s *HubSink) Patch(sessionID string, p broadcast.StatePatch) {
	s.Hub.Broadcast(sessionID, "", broadcast.VisibilityPublic, NewEnvelope(TypeStatePatch, p))
}

// ApprovalPrompt asks the GM to decide a gated action.
func (s *HubSink) ApprovalPrompt(sessionID string, prompt pipeline.ApprovalPrompt) {
	s.Hub.SendToGM(sessionID, NewEnvelope(TypeActionApproval, prompt))
}

// Reject tells the requester their action did not go through.
func (s *HubSink) Reject(sessionID, playerID string, rejection pipeline.Rejected) {
	s.Hub.SendToPlayer(sessionID, playerID, NewEnvelope(TypeActionRejected, rejection))
}

// Conflict tells the requester to resync before retrying.
func (s *HubSink) Conflict(sessionID, playerID string, conflict pipeline.VersionConflict) {
	s.Hub.SendToPlayer(sessionID, playerID, NewEnvelope(TypeStateConflict, conflict))
}
