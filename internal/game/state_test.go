package game

import (
	"encoding/base32"
	"strings"
	"testing"
)

func sampleState() *GameState {
	return &GameState{
		ID: "session-1",
		Campaign: CampaignMeta{
			ID:       "camp-1",
			Name:     "Emberfall",
			GMID:     "gm-1",
			SystemID: "srd",
		},
		Documents: map[string]*BaseDocument{
			"char1": {
				ID:      "char1",
				Type:    "character",
				Name:    "Brynn",
				OwnerID: "player-1",
				State:   map[string]any{"conditions": []any{}},
			},
		},
		Version: 1,
	}
}

func TestValidateAcceptsWellFormedState(t *testing.T) {
	if err := sampleState().Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsMismatchedDocumentKey(t *testing.T) {
	state := sampleState()
	state.Documents["other"] = &BaseDocument{ID: "char9", Type: "character"}
	if err := state.Validate(); err == nil {
		t.Fatal("expected error for mismatched document key")
	}
}

func TestValidateRejectsDanglingToken(t *testing.T) {
	state := sampleState()
	state.CurrentEncounter = &Encounter{
		ID:     "enc-1",
		Tokens: []Token{{ID: "tok-1", DocumentID: "ghost"}},
	}
	if err := state.Validate(); err == nil {
		t.Fatal("expected error for token referencing missing document")
	}
}

func TestCloneIsIsolated(t *testing.T) {
	state := sampleState()
	clone, err := state.Clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	clone.Documents["char1"].State["conditions"] = []any{"poisoned"}
	conditions := state.Documents["char1"].State["conditions"].([]any)
	if len(conditions) != 0 {
		t.Fatal("mutating clone leaked into original")
	}
}

func TestTreeRoundTrip(t *testing.T) {
	state := sampleState()
	tree, err := state.Tree()
	if err != nil {
		t.Fatalf("tree: %v", err)
	}
	rebuilt, err := FromTree(tree)
	if err != nil {
		t.Fatalf("from tree: %v", err)
	}
	if rebuilt.ID != state.ID {
		t.Fatalf("expected id %s, got %s", state.ID, rebuilt.ID)
	}
	if rebuilt.Documents["char1"].Name != "Brynn" {
		t.Fatalf("expected document to survive round trip, got %+v", rebuilt.Documents["char1"])
	}
}

func TestFromTreeRejectsInvalidState(t *testing.T) {
	if _, err := FromTree(map[string]any{"id": ""}); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestComputeHashExcludesHashField(t *testing.T) {
	state := sampleState()
	first, err := state.ComputeHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	state.Hash = first
	second, err := state.ComputeHash()
	if err != nil {
		t.Fatalf("hash with field set: %v", err)
	}
	if first != second {
		t.Fatalf("expected hash field to be excluded, got %s and %s", first, second)
	}
}

func TestNewIDFormat(t *testing.T) {
	id, err := NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("expected 26-character id, got %d", len(id))
	}
	if strings.ToLower(id) != id {
		t.Fatal("expected lowercase id")
	}
	if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(id)); err != nil {
		t.Fatalf("decode id: %v", err)
	}
}

func TestCodeOf(t *testing.T) {
	err := NewError(CodeVersionConflict, "stale version %d", 5)
	if CodeOf(err) != CodeVersionConflict {
		t.Fatalf("expected VERSION_CONFLICT, got %s", CodeOf(err))
	}
	if CodeOf(errOpaque) != CodeUnknown {
		t.Fatalf("expected UNKNOWN, got %s", CodeOf(errOpaque))
	}
}

var errOpaque = &opaqueError{}

type opaqueError struct{}

func (*opaqueError) Error() string { return "opaque" }
