package patch

import (
	"fmt"
	"strconv"
	"strings"
)

// splitPointer parses an RFC 6901 pointer into unescaped reference tokens.
// An empty pointer addresses the whole document.
func splitPointer(pointer string) ([]string, error) {
	if pointer == "" {
		return nil, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("%w: %q", ErrPointerInvalid, pointer)
	}
	parts := strings.Split(pointer[1:], "/")
	tokens := make([]string, len(parts))
	for i, part := range parts {
		part = strings.ReplaceAll(part, "~1", "/")
		part = strings.ReplaceAll(part, "~0", "~")
		tokens[i] = part
	}
	return tokens, nil
}

// escapeToken escapes a reference token for embedding in a pointer.
func escapeToken(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	return strings.ReplaceAll(token, "/", "~1")
}

// joinPointer appends an escaped token to a pointer prefix.
func joinPointer(prefix, token string) string {
	return prefix + "/" + escapeToken(token)
}

// arrayIndex parses a token as an array index bounded by length.
// When allowEnd is true, an index equal to length (or the "-" token) is
// accepted, addressing the append position.
func arrayIndex(token string, length int, allowEnd bool) (int, error) {
	if token == "-" {
		if !allowEnd {
			return 0, fmt.Errorf("%w: index %q", ErrPathNotFound, token)
		}
		return length, nil
	}
	// Leading zeros and signs are not valid array index tokens.
	if token == "" || (len(token) > 1 && token[0] == '0') {
		return 0, fmt.Errorf("%w: index %q", ErrPointerInvalid, token)
	}
	idx, err := strconv.Atoi(token)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("%w: index %q", ErrPointerInvalid, token)
	}
	limit := length
	if allowEnd {
		limit = length + 1
	}
	if idx >= limit {
		return 0, fmt.Errorf("%w: index %d out of range", ErrPathNotFound, idx)
	}
	return idx, nil
}

// getValue resolves tokens against a tree node.
func getValue(node any, tokens []string) (any, error) {
	if len(tokens) == 0 {
		return node, nil
	}
	token := tokens[0]
	switch container := node.(type) {
	case map[string]any:
		child, ok := container[token]
		if !ok {
			return nil, fmt.Errorf("%w: key %q", ErrPathNotFound, token)
		}
		return getValue(child, tokens[1:])
	case []any:
		idx, err := arrayIndex(token, len(container), false)
		if err != nil {
			return nil, err
		}
		return getValue(container[idx], tokens[1:])
	default:
		return nil, fmt.Errorf("%w: cannot descend into scalar at %q", ErrPathNotFound, token)
	}
}

// addValue inserts value at tokens and returns the (possibly reallocated) node.
func addValue(node any, tokens []string, value any) (any, error) {
	if len(tokens) == 0 {
		return value, nil
	}
	token := tokens[0]
	switch container := node.(type) {
	case map[string]any:
		if len(tokens) == 1 {
			container[token] = value
			return container, nil
		}
		child, ok := container[token]
		if !ok {
			return nil, fmt.Errorf("%w: key %q", ErrPathNotFound, token)
		}
		newChild, err := addValue(child, tokens[1:], value)
		if err != nil {
			return nil, err
		}
		container[token] = newChild
		return container, nil
	case []any:
		if len(tokens) == 1 {
			idx, err := arrayIndex(token, len(container), true)
			if err != nil {
				return nil, err
			}
			container = append(container, nil)
			copy(container[idx+1:], container[idx:])
			container[idx] = value
			return container, nil
		}
		idx, err := arrayIndex(token, len(container), false)
		if err != nil {
			return nil, err
		}
		newChild, err := addValue(container[idx], tokens[1:], value)
		if err != nil {
			return nil, err
		}
		container[idx] = newChild
		return container, nil
	default:
		return nil, fmt.Errorf("%w: cannot descend into scalar at %q", ErrPathNotFound, token)
	}
}

// removeValue deletes the value at tokens, returning the updated node and
// the removed value.
func removeValue(node any, tokens []string) (any, any, error) {
	if len(tokens) == 0 {
		return nil, nil, fmt.Errorf("%w: cannot remove whole document", ErrPointerInvalid)
	}
	token := tokens[0]
	switch container := node.(type) {
	case map[string]any:
		child, ok := container[token]
		if !ok {
			return nil, nil, fmt.Errorf("%w: key %q", ErrPathNotFound, token)
		}
		if len(tokens) == 1 {
			delete(container, token)
			return container, child, nil
		}
		newChild, removed, err := removeValue(child, tokens[1:])
		if err != nil {
			return nil, nil, err
		}
		container[token] = newChild
		return container, removed, nil
	case []any:
		idx, err := arrayIndex(token, len(container), false)
		if err != nil {
			return nil, nil, err
		}
		if len(tokens) == 1 {
			removed := container[idx]
			container = append(container[:idx], container[idx+1:]...)
			return container, removed, nil
		}
		newChild, removed, err := removeValue(container[idx], tokens[1:])
		if err != nil {
			return nil, nil, err
		}
		container[idx] = newChild
		return container, removed, nil
	default:
		return nil, nil, fmt.Errorf("%w: cannot descend into scalar at %q", ErrPathNotFound, token)
	}
}

// replaceValue swaps the value at an existing path, returning the updated
// node and the previous value.
func replaceValue(node any, tokens []string, value any) (any, any, error) {
	if len(tokens) == 0 {
		return value, node, nil
	}
	token := tokens[0]
	switch container := node.(type) {
	case map[string]any:
		child, ok := container[token]
		if !ok {
			return nil, nil, fmt.Errorf("%w: key %q", ErrPathNotFound, token)
		}
		if len(tokens) == 1 {
			container[token] = value
			return container, child, nil
		}
		newChild, previous, err := replaceValue(child, tokens[1:], value)
		if err != nil {
			return nil, nil, err
		}
		container[token] = newChild
		return container, previous, nil
	case []any:
		idx, err := arrayIndex(token, len(container), false)
		if err != nil {
			return nil, nil, err
		}
		if len(tokens) == 1 {
			previous := container[idx]
			container[idx] = value
			return container, previous, nil
		}
		newChild, previous, err := replaceValue(container[idx], tokens[1:], value)
		if err != nil {
			return nil, nil, err
		}
		container[idx] = newChild
		return container, previous, nil
	default:
		return nil, nil, fmt.Errorf("%w: cannot descend into scalar at %q", ErrPathNotFound, token)
	}
}
