// Package srd is the built-in reference rules system. It registers the
// baseline action handlers every campaign gets: conditions, damage, and
// campaign membership.
package srd

import (
	"encoding/json"
	"fmt"

	"github.com/torchlight-vtt/engine/internal/game"
	"github.com/torchlight-vtt/engine/internal/handler"
)

// SystemID identifies this rules system in the handler registry.
const SystemID = "srd"

// conditionDef describes how a condition stacks.
type conditionDef struct {
	Stackable bool
	MaxLevel  int
}

// conditions is the reference condition table. Non-stackable conditions are
// boolean: a creature either has them or not.
var conditions = map[string]conditionDef{
	"blinded":    {},
	"charmed":    {},
	"frightened": {},
	"poisoned":   {},
	"prone":      {},
	"restrained": {},
	"stunned":    {},
	"exhaustion": {Stackable: true, MaxLevel: 6},
}

// Register binds the SRD handlers to a registry during bootstrap.
func Register(r *handler.Registry) error {
	bindings := map[string]handler.Handler{
		"add-condition":    addConditionHandler(),
		"remove-condition": removeConditionHandler(),
		"deal-damage":      dealDamageHandler(),
		"join-campaign":    joinCampaignHandler(),
	}
	for actionType, h := range bindings {
		if err := r.Register(SystemID, actionType, h); err != nil {
			return fmt.Errorf("register %s/%s: %w", SystemID, actionType, err)
		}
	}
	return nil
}

type addConditionParams struct {
	TargetID    string `json:"targetId"`
	ConditionID string `json:"conditionId"`
	Level       int    `json:"level"`
}

func addConditionHandler() handler.Handler {
	return handler.Handler{
		Validate: func(req *game.GameActionRequest, state *game.GameState) handler.Result {
			params, result := decodeAddCondition(req)
			if !result.Valid {
				return result
			}
			target, ok := state.Documents[params.TargetID]
			if !ok {
				return handler.Invalid("TARGET_NOT_FOUND",
					fmt.Sprintf("no document %s in this session", params.TargetID))
			}
			def, ok := conditions[params.ConditionID]
			if !ok {
				return handler.Invalid("CONDITION_UNKNOWN",
					fmt.Sprintf("unknown condition %s", params.ConditionID))
			}
			if isImmune(target, params.ConditionID) {
				return handler.Invalid("CONDITION_IMMUNE",
					fmt.Sprintf("%s is immune to %s", target.Name, params.ConditionID))
			}
			existing, _ := findCondition(target, params.ConditionID)
			if !def.Stackable {
				if existing >= 0 {
					return handler.Invalid("CONDITION_ALREADY_PRESENT",
						fmt.Sprintf("%s already has %s", target.Name, params.ConditionID))
				}
				return handler.Valid()
			}
			level := params.Level
			if level <= 0 {
				level = 1
			}
			current := 0
			if existing >= 0 {
				current = conditionLevel(target, existing)
			}
			if current+level > def.MaxLevel {
				return handler.Invalid("CONDITION_LEVEL_EXCEEDED",
					fmt.Sprintf("%s cannot exceed level %d", params.ConditionID, def.MaxLevel))
			}
			return handler.Valid()
		},
		Execute: func(req *game.GameActionRequest, draft *game.GameState, hctx *handler.Context) error {
			params, result := decodeAddCondition(req)
			if !result.Valid {
				return fmt.Errorf("%s: %s", result.Code, result.Message)
			}
			target := draft.Documents[params.TargetID]
			def := conditions[params.ConditionID]
			level := params.Level
			if level <= 0 {
				level = 1
			}
			existing, entries := findCondition(target, params.ConditionID)
			if def.Stackable && existing >= 0 {
				entry := entries[existing].(map[string]any)
				entry["level"] = float64(conditionLevel(target, existing) + level)
				return nil
			}
			target.State["conditions"] = append(entries, map[string]any{
				"conditionId": params.ConditionID,
				"level":       float64(level),
			})
			return nil
		},
	}
}

type removeConditionParams struct {
	TargetID    string `json:"targetId"`
	ConditionID string `json:"conditionId"`
}

func removeConditionHandler() handler.Handler {
	return handler.Handler{
		Validate: func(req *game.GameActionRequest, state *game.GameState) handler.Result {
			var params removeConditionParams
			if err := json.Unmarshal(req.Parameters, &params); err != nil {
				return handler.Invalid("INVALID_PARAMETERS", err.Error())
			}
			if params.TargetID == "" {
				params.TargetID = req.ActorID
			}
			target, ok := state.Documents[params.TargetID]
			if !ok {
				return handler.Invalid("TARGET_NOT_FOUND",
					fmt.Sprintf("no document %s in this session", params.TargetID))
			}
			if index, _ := findCondition(target, params.ConditionID); index < 0 {
				return handler.Invalid("CONDITION_NOT_PRESENT",
					fmt.Sprintf("%s does not have %s", target.Name, params.ConditionID))
			}
			return handler.Valid()
		},
		Execute: func(req *game.GameActionRequest, draft *game.GameState, hctx *handler.Context) error {
			var params removeConditionParams
			if err := json.Unmarshal(req.Parameters, &params); err != nil {
				return err
			}
			if params.TargetID == "" {
				params.TargetID = req.ActorID
			}
			target := draft.Documents[params.TargetID]
			index, entries := findCondition(target, params.ConditionID)
			if index < 0 {
				return fmt.Errorf("condition %s vanished from %s", params.ConditionID, params.TargetID)
			}
			target.State["conditions"] = append(entries[:index:index], entries[index+1:]...)
			return nil
		},
	}
}

type dealDamageParams struct {
	TargetID string `json:"targetId"`
	Amount   int    `json:"amount"`
}

func dealDamageHandler() handler.Handler {
	return handler.Handler{
		RequiresApproval: true,
		ApprovalMessage: func(req *game.GameActionRequest, state *game.GameState) string {
			var params dealDamageParams
			_ = json.Unmarshal(req.Parameters, &params)
			targetName := params.TargetID
			if target, ok := state.Documents[params.TargetID]; ok {
				targetName = target.Name
			}
			return fmt.Sprintf("%s wants to deal %d damage to %s", req.PlayerID, params.Amount, targetName)
		},
		Validate: func(req *game.GameActionRequest, state *game.GameState) handler.Result {
			var params dealDamageParams
			if err := json.Unmarshal(req.Parameters, &params); err != nil {
				return handler.Invalid("INVALID_PARAMETERS", err.Error())
			}
			if params.Amount <= 0 {
				return handler.Invalid("INVALID_AMOUNT", "damage amount must be positive")
			}
			target, ok := state.Documents[params.TargetID]
			if !ok {
				return handler.Invalid("TARGET_NOT_FOUND",
					fmt.Sprintf("no document %s in this session", params.TargetID))
			}
			if _, ok := hitPoints(target); !ok {
				return handler.Invalid("TARGET_HAS_NO_HP",
					fmt.Sprintf("%s has no hit points to lose", target.Name))
			}
			return handler.Valid()
		},
		Execute: func(req *game.GameActionRequest, draft *game.GameState, hctx *handler.Context) error {
			var params dealDamageParams
			if err := json.Unmarshal(req.Parameters, &params); err != nil {
				return err
			}
			target := draft.Documents[params.TargetID]
			hp, ok := hitPoints(target)
			if !ok {
				return fmt.Errorf("document %s lost its hit points", params.TargetID)
			}
			current, _ := hp["current"].(float64)
			remaining := current - float64(params.Amount)
			if remaining < 0 {
				remaining = 0
			}
			hp["current"] = remaining
			return nil
		},
	}
}

type joinCampaignParams struct {
	Document game.BaseDocument `json:"document"`
	TokenID  string            `json:"tokenId"`
}

// joinCampaignHandler inserts a new participant document, and a matching
// encounter participant when one is running. Both land in a single update.
func joinCampaignHandler() handler.Handler {
	return handler.Handler{
		Validate: func(req *game.GameActionRequest, state *game.GameState) handler.Result {
			var params joinCampaignParams
			if err := json.Unmarshal(req.Parameters, &params); err != nil {
				return handler.Invalid("INVALID_PARAMETERS", err.Error())
			}
			if params.Document.ID == "" || params.Document.Type == "" {
				return handler.Invalid("INVALID_PARAMETERS", "document id and type are required")
			}
			if _, exists := state.Documents[params.Document.ID]; exists {
				return handler.Invalid("DOCUMENT_EXISTS",
					fmt.Sprintf("document %s already joined", params.Document.ID))
			}
			return handler.Valid()
		},
		Execute: func(req *game.GameActionRequest, draft *game.GameState, hctx *handler.Context) error {
			var params joinCampaignParams
			if err := json.Unmarshal(req.Parameters, &params); err != nil {
				return err
			}
			doc := params.Document
			if doc.State == nil {
				doc.State = map[string]any{}
			}
			// A freshly created session may not have any documents yet.
			if draft.Documents == nil {
				draft.Documents = map[string]*game.BaseDocument{}
			}
			draft.Documents[doc.ID] = &doc
			if draft.CurrentEncounter != nil {
				draft.CurrentEncounter.Participants = append(draft.CurrentEncounter.Participants, doc.ID)
				if params.TokenID != "" {
					draft.CurrentEncounter.Tokens = append(draft.CurrentEncounter.Tokens, game.Token{
						ID:         params.TokenID,
						DocumentID: doc.ID,
					})
				}
			}
			return nil
		},
	}
}

func decodeAddCondition(req *game.GameActionRequest) (addConditionParams, handler.Result) {
	var params addConditionParams
	if err := json.Unmarshal(req.Parameters, &params); err != nil {
		return params, handler.Invalid("INVALID_PARAMETERS", err.Error())
	}
	if params.TargetID == "" {
		params.TargetID = req.ActorID
	}
	if params.ConditionID == "" {
		return params, handler.Invalid("INVALID_PARAMETERS", "conditionId is required")
	}
	return params, handler.Valid()
}

// findCondition returns the index of a condition entry and the entry slice.
func findCondition(doc *game.BaseDocument, conditionID string) (int, []any) {
	entries, _ := doc.State["conditions"].([]any)
	for i, raw := range entries {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if entry["conditionId"] == conditionID {
			return i, entries
		}
	}
	return -1, entries
}

func conditionLevel(doc *game.BaseDocument, index int) int {
	entries, _ := doc.State["conditions"].([]any)
	entry, ok := entries[index].(map[string]any)
	if !ok {
		return 0
	}
	level, _ := entry["level"].(float64)
	return int(level)
}

func isImmune(doc *game.BaseDocument, conditionID string) bool {
	immunities, _ := doc.State["immunities"].([]any)
	for _, immunity := range immunities {
		if immunity == conditionID {
			return true
		}
	}
	return false
}

func hitPoints(doc *game.BaseDocument) (map[string]any, bool) {
	hp, ok := doc.State["hp"].(map[string]any)
	return hp, ok
}
