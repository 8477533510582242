package patch

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Apply runs operations in order against a deep copy of state.
//
// On success it returns the new state and the applied operations with
// Previous populated for remove, replace, and move. On failure the batch is
// discarded and a *Conflict identifies the failing operation; the input
// state is never mutated.
func Apply(state map[string]any, ops []Op) (map[string]any, []Op, error) {
	working, ok := Clone(state).(map[string]any)
	if !ok {
		working = map[string]any{}
	}

	applied := make([]Op, 0, len(ops))
	for i, op := range ops {
		result, err := applyOne(working, op)
		if err != nil {
			return nil, nil, &Conflict{Index: i, Op: op, Err: err}
		}
		working = result.node
		op.Previous = result.previous
		applied = append(applied, op)
	}
	return working, applied, nil
}

type applyResult struct {
	node     map[string]any
	previous any
}

func applyOne(node map[string]any, op Op) (applyResult, error) {
	tokens, err := splitPointer(op.Path)
	if err != nil {
		return applyResult{}, err
	}

	switch op.Op {
	case OpAdd:
		updated, err := addValue(node, tokens, Clone(op.Value))
		if err != nil {
			return applyResult{}, err
		}
		return applyResult{node: asObject(updated)}, nil
	case OpRemove:
		updated, removed, err := removeValue(node, tokens)
		if err != nil {
			return applyResult{}, err
		}
		return applyResult{node: asObject(updated), previous: removed}, nil
	case OpReplace:
		updated, previous, err := replaceValue(node, tokens, Clone(op.Value))
		if err != nil {
			return applyResult{}, err
		}
		return applyResult{node: asObject(updated), previous: previous}, nil
	case OpMove:
		fromTokens, err := splitPointer(op.From)
		if err != nil {
			return applyResult{}, err
		}
		if len(fromTokens) == 0 {
			return applyResult{}, ErrFromRequired
		}
		updated, moved, err := removeValue(node, fromTokens)
		if err != nil {
			return applyResult{}, err
		}
		final, err := addValue(updated, tokens, moved)
		if err != nil {
			return applyResult{}, err
		}
		return applyResult{node: asObject(final), previous: moved}, nil
	case OpCopy:
		fromTokens, err := splitPointer(op.From)
		if err != nil {
			return applyResult{}, err
		}
		if len(fromTokens) == 0 {
			return applyResult{}, ErrFromRequired
		}
		source, err := getValue(node, fromTokens)
		if err != nil {
			return applyResult{}, err
		}
		updated, err := addValue(node, tokens, Clone(source))
		if err != nil {
			return applyResult{}, err
		}
		return applyResult{node: asObject(updated)}, nil
	case OpTest:
		current, err := getValue(node, tokens)
		if err != nil {
			return applyResult{}, err
		}
		if !Equal(current, op.Value) {
			return applyResult{}, fmt.Errorf("%w at %s", ErrTestFailed, op.Path)
		}
		return applyResult{node: node}, nil
	default:
		return applyResult{}, fmt.Errorf("%w: %q", ErrKindUnknown, op.Op)
	}
}

func asObject(node any) map[string]any {
	if obj, ok := node.(map[string]any); ok {
		return obj
	}
	return map[string]any{}
}

// Clone deep-copies a JSON-shaped value.
func Clone(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, child := range v {
			out[key] = Clone(child)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			out[i] = Clone(child)
		}
		return out
	default:
		return value
	}
}

// Equal reports whether two JSON-shaped values are structurally equal.
//
// Comparison goes through encoding/json, which writes object keys in sorted
// order, so map insertion order never affects the result.
func Equal(a, b any) bool {
	rawA, errA := json.Marshal(a)
	rawB, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(rawA, rawB)
}
