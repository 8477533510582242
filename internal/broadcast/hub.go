// Package broadcast fans applied state patches out to session subscribers.
//
// Patches for one session are emitted in exact server-apply order: the
// state service holds the session writer while the pipeline broadcasts, so
// fan-out order matches apply order. Clients apply patches in receipt order
// and treat a post-apply hash mismatch as fatal desync.
package broadcast

import (
	"log"
	"sync"

	"github.com/torchlight-vtt/engine/internal/patch"
)

// Visibility controls which session members receive an emission.
type Visibility string

const (
	// VisibilityPublic reaches every session member, originator included.
	VisibilityPublic Visibility = "public"
	// VisibilityGM reaches GM connections, plus the originator if GM.
	VisibilityGM Visibility = "gm"
	// VisibilityPrivate reaches the originator only.
	VisibilityPrivate Visibility = "private"
)

// Role identifies a subscriber's session role.
type Role string

const (
	// RoleGM marks the game master's connections.
	RoleGM Role = "gm"
	// RolePlayer marks regular participant connections.
	RolePlayer Role = "player"
)

// StatePatch is the payload broadcast after a successful apply.
type StatePatch struct {
	SessionID    string     `json:"sessionId"`
	UpdateID     string     `json:"updateId"`
	Operations   []patch.Op `json:"operations"`
	NewVersion   uint64     `json:"newVersion"`
	ExpectedHash string     `json:"expectedHash"`
}

// Conn is the write side of a subscriber connection.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

// Subscriber associates a connection with a session member.
type Subscriber struct {
	mu       sync.Mutex
	conn     Conn
	PlayerID string
	Role     Role
}

// send serializes writes per connection.
func (s *Subscriber) send(payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(payload)
}

// Hub owns the live subscriber set for every session.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[*Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{sessions: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a connection for a session member and returns its
// subscriber handle.
func (h *Hub) Subscribe(sessionID, playerID string, role Role, conn Conn) *Subscriber {
	sub := &Subscriber{conn: conn, PlayerID: playerID, Role: role}
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.sessions[sessionID]
	if !ok {
		members = make(map[*Subscriber]struct{})
		h.sessions[sessionID] = members
	}
	members[sub] = struct{}{}
	return sub
}

// Unsubscribe drops a subscriber and closes its connection.
func (h *Hub) Unsubscribe(sessionID string, sub *Subscriber) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	if members, ok := h.sessions[sessionID]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.mu.Unlock()
	_ = sub.conn.Close()
}

// Broadcast sends payload to the session members selected by visibility.
// originID names the requester for gm/private targeting. Dead connections
// are pruned on write failure.
func (h *Hub) Broadcast(sessionID, originID string, visibility Visibility, payload any) {
	h.mu.Lock()
	members := make([]*Subscriber, 0, len(h.sessions[sessionID]))
	for sub := range h.sessions[sessionID] {
		if h.visibleTo(sub, originID, visibility) {
			members = append(members, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range members {
		if err := sub.send(payload); err != nil {
			log.Printf("broadcast write failed session_id=%s player_id=%s err=%v", sessionID, sub.PlayerID, err)
			h.Unsubscribe(sessionID, sub)
		}
	}
}

func (h *Hub) visibleTo(sub *Subscriber, originID string, visibility Visibility) bool {
	switch visibility {
	case VisibilityPublic:
		return true
	case VisibilityGM:
		return sub.Role == RoleGM
	case VisibilityPrivate:
		return sub.PlayerID == originID
	default:
		return false
	}
}

// SendToPlayer delivers a payload to one member's connections only.
func (h *Hub) SendToPlayer(sessionID, playerID string, payload any) {
	h.Broadcast(sessionID, playerID, VisibilityPrivate, payload)
}

// SendToGM delivers a payload to the session's GM connections.
func (h *Hub) SendToGM(sessionID string, payload any) {
	h.Broadcast(sessionID, "", VisibilityGM, payload)
}
