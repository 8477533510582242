// Package ws exposes the sync engine over websocket connections.
//
// Each connection belongs to one session participant. Inbound messages are
// action requests and approval decisions; outbound messages are the
// pipeline's broadcasts, filtered by visibility at the hub.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/torchlight-vtt/engine/internal/broadcast"
	"github.com/torchlight-vtt/engine/internal/game"
	"github.com/torchlight-vtt/engine/internal/pipeline"
	"github.com/torchlight-vtt/engine/internal/service"
)

// Message types on the wire.
const (
	// Inbound.
	TypeActionRequest = "action:request"
	TypeActionApprove = "action:approve"
	TypeActionReject  = "action:reject"
	TypeStateResync   = "state:resync"

	// Outbound.
	TypeStatePatch     = "state:patch"
	TypeStateConflict  = "state:conflict"
	TypeStateFull      = "state:full"
	TypeActionRejected = "action:rejected"
	TypeActionApproval = "action:approval"
	TypeError          = "error"
)

// Envelope frames every message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope wraps a payload; marshal failures become error envelopes.
func NewEnvelope(messageType string, payload any) Envelope {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{Type: TypeError, Payload: json.RawMessage(`{"message":"encode failed"}`)}
	}
	return Envelope{Type: messageType, Payload: raw}
}

// fullState is the payload of a state:full resync.
type fullState struct {
	State   *game.GameState `json:"state"`
	Version uint64          `json:"version"`
	Hash    string          `json:"hash"`
}

// decision is the payload of an approve/reject message.
type decision struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// Server upgrades websocket connections and runs their read loops.
type Server struct {
	hub      *broadcast.Hub
	pipeline *pipeline.Pipeline
	states   *service.Service
	upgrader websocket.Upgrader
}

// NewServer wires the websocket endpoint over the engine.
func NewServer(hub *broadcast.Hub, p *pipeline.Pipeline, states *service.Service) *Server {
	return &Server{
		hub:      hub,
		pipeline: p,
		states:   states,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /ws?session_id=...&participant_id=...
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	participantID := r.URL.Query().Get("participant_id")
	if sessionID == "" || participantID == "" {
		http.Error(w, "session_id and participant_id are required", http.StatusBadRequest)
		return
	}

	snapshot, err := s.states.GetState(sessionID)
	if err != nil && game.CodeOf(err) == game.CodeGameStateNotFound {
		// The session may exist only in persistence (process restart);
		// rehydrate before turning the client away.
		snapshot, err = s.states.LoadSession(r.Context(), sessionID)
	}
	if err != nil {
		http.Error(w, fmt.Sprintf("unknown session %s", sessionID), http.StatusNotFound)
		return
	}
	// Role comes from the authoritative state, never from the client.
	role := broadcast.RolePlayer
	if participantID == snapshot.State.Campaign.GMID {
		role = broadcast.RoleGM
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed session_id=%s err=%v", sessionID, err)
		return
	}

	sub := s.hub.Subscribe(sessionID, participantID, role, conn)
	log.Printf("ws connected session_id=%s participant_id=%s role=%s", sessionID, participantID, role)

	// Re-read after subscribing: a patch landing between the first read and
	// the subscription is either in this snapshot or delivered to the
	// connection, never dropped.
	if current, err := s.states.GetState(sessionID); err == nil {
		snapshot = current
	}

	// The join snapshot anchors the client before any patches arrive.
	s.hub.SendToPlayer(sessionID, participantID, NewEnvelope(TypeStateFull, fullState{
		State:   snapshot.State,
		Version: snapshot.Version,
		Hash:    snapshot.Hash,
	}))

	go s.readLoop(conn, sub, sessionID, participantID, role)
}

func (s *Server) readLoop(conn *websocket.Conn, sub *broadcast.Subscriber, sessionID, participantID string, role broadcast.Role) {
	defer s.hub.Unsubscribe(sessionID, sub)
	for {
		var envelope Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws read failed session_id=%s participant_id=%s err=%v", sessionID, participantID, err)
			}
			return
		}
		s.dispatch(envelope, sessionID, participantID, role)
	}
}

func (s *Server) dispatch(envelope Envelope, sessionID, participantID string, role broadcast.Role) {
	ctx := context.Background()
	switch envelope.Type {
	case TypeActionRequest:
		var req game.GameActionRequest
		if err := json.Unmarshal(envelope.Payload, &req); err != nil {
			s.hub.SendToPlayer(sessionID, participantID, errorEnvelope("malformed action request"))
			return
		}
		// The connection, not the payload, decides identity and session.
		req.SessionID = sessionID
		req.PlayerID = participantID
		if req.ID == "" {
			id, err := game.NewID()
			if err != nil {
				s.hub.SendToPlayer(sessionID, participantID, errorEnvelope("request id generation failed"))
				return
			}
			req.ID = id
		}
		source := game.SourcePlayer
		if role == broadcast.RoleGM {
			source = game.SourceGM
		}
		s.pipeline.Submit(ctx, req, source)

	case TypeActionApprove:
		var d decision
		if err := json.Unmarshal(envelope.Payload, &d); err != nil {
			s.hub.SendToPlayer(sessionID, participantID, errorEnvelope("malformed approval"))
			return
		}
		s.pipeline.Approve(ctx, sessionID, d.RequestID, participantID)

	case TypeActionReject:
		var d decision
		if err := json.Unmarshal(envelope.Payload, &d); err != nil {
			s.hub.SendToPlayer(sessionID, participantID, errorEnvelope("malformed rejection"))
			return
		}
		s.pipeline.RejectApproval(ctx, sessionID, d.RequestID, participantID, d.Reason)

	case TypeStateResync:
		snapshot, err := s.states.GetState(sessionID)
		if err != nil {
			s.hub.SendToPlayer(sessionID, participantID, errorEnvelope(err.Error()))
			return
		}
		s.hub.SendToPlayer(sessionID, participantID, NewEnvelope(TypeStateFull, fullState{
			State:   snapshot.State,
			Version: snapshot.Version,
			Hash:    snapshot.Hash,
		}))

	default:
		s.hub.SendToPlayer(sessionID, participantID,
			errorEnvelope(fmt.Sprintf("unknown message type %q", envelope.Type)))
	}
}

func errorEnvelope(message string) Envelope {
	return NewEnvelope(TypeError, map[string]string{"message": message})
}
