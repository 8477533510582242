// Package patch applies and derives JSON-Patch style operations over
// JSON-shaped state trees.
//
// Trees are the shapes produced by encoding/json: map[string]any objects,
// []any arrays, and scalar leaves. Application is all-or-nothing: a batch
// either applies fully or the input state is returned untouched.
package patch

import (
	"errors"
	"fmt"
)

// Kind identifies a patch operation kind.
type Kind string

const (
	// OpAdd inserts a value at a path.
	OpAdd Kind = "add"
	// OpRemove deletes the value at a path.
	OpRemove Kind = "remove"
	// OpReplace swaps the value at an existing path.
	OpReplace Kind = "replace"
	// OpMove relocates the value at From to Path.
	OpMove Kind = "move"
	// OpCopy duplicates the value at From to Path.
	OpCopy Kind = "copy"
	// OpTest asserts the value at a path equals Value.
	OpTest Kind = "test"
)

var (
	// ErrPathNotFound indicates a pointer did not resolve in the tree.
	ErrPathNotFound = errors.New("path does not resolve")
	// ErrTestFailed indicates a test operation found a different value.
	ErrTestFailed = errors.New("test operation failed")
	// ErrKindUnknown indicates an unrecognized operation kind.
	ErrKindUnknown = errors.New("operation kind is unknown")
	// ErrPointerInvalid indicates a malformed JSON pointer.
	ErrPointerInvalid = errors.New("json pointer is invalid")
	// ErrFromRequired indicates a move/copy operation without a from pointer.
	ErrFromRequired = errors.New("from pointer is required")
)

// Op is a single JSON-Patch style operation addressed by a JSON pointer.
//
// Previous is populated during apply for remove, replace, and move so every
// applied operation carries enough information to be reversed.
type Op struct {
	Op       Kind   `json:"op"`
	Path     string `json:"path"`
	Value    any    `json:"value,omitempty"`
	From     string `json:"from,omitempty"`
	Previous any    `json:"previous,omitempty"`
}

// Conflict reports the operation that stopped a batch from applying.
type Conflict struct {
	Index int
	Op    Op
	Err   error
}

// Error satisfies the error interface.
func (c *Conflict) Error() string {
	return fmt.Sprintf("patch op %d (%s %s): %v", c.Index, c.Op.Op, c.Op.Path, c.Err)
}

// Unwrap exposes the underlying cause for errors.Is checks.
func (c *Conflict) Unwrap() error {
	return c.Err
}
