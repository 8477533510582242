package service

import (
	"strings"

	"github.com/torchlight-vtt/engine/internal/game"
)

// checkPermissions enforces per-field ownership for player-sourced updates.
//
// GM and system sources bypass the check entirely. Players may only touch
// paths under documents they own; everything else is the pipeline's job to
// authorize (pipeline-applied diffs pass skipPermissionCheck because the
// handler already validated intent).
func checkPermissions(state *game.GameState, update game.StateUpdate, requesterID string) error {
	switch update.Source {
	case game.SourceSystem:
		return nil
	case game.SourceGM:
		if requesterID == state.Campaign.GMID {
			return nil
		}
		return game.NewError(game.CodePermissionDenied,
			"requester %s is not the session gm", requesterID)
	case game.SourcePlayer:
		for _, op := range update.Operations {
			if err := checkPlayerPath(state, op.Path, requesterID); err != nil {
				return err
			}
			if op.From != "" {
				if err := checkPlayerPath(state, op.From, requesterID); err != nil {
					return err
				}
			}
		}
		return nil
	default:
		return game.NewError(game.CodePermissionDenied, "unknown update source %q", update.Source)
	}
}

// checkPlayerPath allows a path only when it addresses a document the
// requester owns.
func checkPlayerPath(state *game.GameState, path, requesterID string) error {
	tokens := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if len(tokens) < 2 || tokens[0] != "documents" {
		return game.NewError(game.CodePermissionDenied,
			"players may only modify their own documents, not %s", path)
	}
	docID := unescapeToken(tokens[1])
	doc, ok := state.Documents[docID]
	if !ok {
		// Adding a brand-new document is delegated work (campaign join);
		// players cannot conjure documents directly.
		return game.NewError(game.CodePermissionDenied,
			"document %s does not exist", docID)
	}
	if doc.OwnerID != requesterID {
		return game.NewError(game.CodePermissionDenied,
			"document %s is not owned by %s", docID, requesterID)
	}
	return nil
}

func unescapeToken(token string) string {
	token = strings.ReplaceAll(token, "~1", "/")
	return strings.ReplaceAll(token, "~0", "~")
}
