// Package ledger computes deterministic content hashes and version numbers
// for session state.
//
// Hashes are portable: canonicalization strips map insertion order and
// number formatting differences, so two reconstructions of the same logical
// content always hash identically.
package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// hashHexLength truncates digests to 128 bits, matching the identifier
// length used for content-addressed records elsewhere in the platform.
const hashHexLength = 32

// CanonicalJSON serializes a value with stable object key ordering.
//
// The value is marshaled, decoded with json.Number so numeric literals
// survive byte-for-byte, and re-marshaled; encoding/json writes map keys in
// sorted order, which makes the output independent of construction path.
func CanonicalJSON(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var tree any
	if err := decoder.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decode canonical tree: %w", err)
	}

	canonical, err := json.Marshal(tree)
	if err != nil {
		return nil, fmt.Errorf("marshal canonical tree: %w", err)
	}
	return canonical, nil
}

// Hash computes the truncated SHA-256 digest of a value's canonical form.
func Hash(value any) (string, error) {
	canonical, err := CanonicalJSON(value)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:hashHexLength], nil
}

// Verify recomputes a value's hash and compares it to the expected digest.
func Verify(value any, expected string) (bool, error) {
	if expected == "" {
		return false, nil
	}
	actual, err := Hash(value)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

// NextVersion returns the version that follows current.
//
// Pure and strictly monotonic: every successful mutation advances by exactly
// one, so version sequences have no gaps.
func NextVersion(current uint64) uint64 {
	return current + 1
}
