// Package game defines the authoritative session state model shared by the
// pipeline, state service, storage, and transport layers.
package game

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/torchlight-vtt/engine/internal/ledger"
)

// GameState is the authoritative snapshot of one play session's shared data.
//
// Mutated only through the update pipeline or ApplyFullState, never in
// place: Version strictly increases on every successful mutation and Hash
// always equals the digest of the canonical serialization of the state with
// the hash field cleared.
type GameState struct {
	ID               string                   `json:"id"`
	Campaign         CampaignMeta             `json:"campaign"`
	Documents        map[string]*BaseDocument `json:"documents"`
	CurrentEncounter *Encounter               `json:"currentEncounter,omitempty"`
	Version          uint64                   `json:"version"`
	Hash             string                   `json:"hash,omitempty"`
}

// CampaignMeta carries campaign metadata embedded in session state.
type CampaignMeta struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	GMID     string `json:"gmId"`
	SystemID string `json:"systemId"`
}

// BaseDocument is any game entity, polymorphic over the Type discriminator.
//
// State is an opaque bag whose shape is owned by the rules system that
// registered the handlers mutating it. The core never interprets it beyond
// patch addressing.
type BaseDocument struct {
	ID      string         `json:"id"`
	Type    string         `json:"documentType"`
	Name    string         `json:"name"`
	OwnerID string         `json:"ownerId,omitempty"`
	State   map[string]any `json:"state"`
}

// Encounter tracks the active encounter, when one is running.
type Encounter struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	Tokens       []Token  `json:"tokens"`
	TurnOrder    []string `json:"turnOrder"`
	Round        int      `json:"round"`
}

// Token places a document on the encounter map.
type Token struct {
	ID         string `json:"id"`
	DocumentID string `json:"documentId"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
}

// Validate checks the structural invariants a state must satisfy before the
// service accepts it.
func (s *GameState) Validate() error {
	if s == nil {
		return fmt.Errorf("game state is required")
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("game state id is required")
	}
	if strings.TrimSpace(s.Campaign.GMID) == "" {
		return fmt.Errorf("campaign gm id is required")
	}
	for id, doc := range s.Documents {
		if doc == nil {
			return fmt.Errorf("document %s is nil", id)
		}
		if doc.ID != id {
			return fmt.Errorf("document key %s does not match document id %s", id, doc.ID)
		}
		if strings.TrimSpace(doc.Type) == "" {
			return fmt.Errorf("document %s has no type", id)
		}
	}
	if s.CurrentEncounter != nil {
		for _, token := range s.CurrentEncounter.Tokens {
			if _, ok := s.Documents[token.DocumentID]; !ok {
				return fmt.Errorf("encounter token %s references missing document %s", token.ID, token.DocumentID)
			}
		}
	}
	return nil
}

// Clone deep-copies the state via a JSON round trip so drafts share nothing
// with the original, including the opaque document state bags.
func (s *GameState) Clone() (*GameState, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var clone GameState
	if err := json.Unmarshal(raw, &clone); err != nil {
		return nil, fmt.Errorf("unmarshal state clone: %w", err)
	}
	return &clone, nil
}

// Tree converts the state to the generic JSON tree the patch engine operates
// on.
func (s *GameState) Tree() (map[string]any, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("unmarshal state tree: %w", err)
	}
	return tree, nil
}

// FromTree rebuilds a typed state from a patch-engine tree and re-validates
// it against the canonical schema.
func FromTree(tree map[string]any) (*GameState, error) {
	raw, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("marshal state tree: %w", err)
	}
	var state GameState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return &state, nil
}

// ComputeHash digests the state with the hash field cleared.
func (s *GameState) ComputeHash() (string, error) {
	hashable := *s
	hashable.Hash = ""
	return ledger.Hash(&hashable)
}
