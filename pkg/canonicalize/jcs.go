// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// compliant serialization for deterministic content addressing of opscore
// envelopes, manifests, and projections.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 canonical JSON representation of v.
//
// Key features:
// 1. Map keys are sorted lexicographically by UTF-8 bytes at every level.
// 2. Array element order is preserved.
// 3. Fields marked omitempty are dropped before serialization, so absent
//    values never participate in a hash.
//
// Non-JSON-representable input (cycles, channels, funcs) is a programmer
// error and fails fast.
func Canonicalize(v interface{}) ([]byte, error) {
	// Marshal first so struct json tags are respected, then transform the
	// intermediate form into canonical JCS bytes.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}

	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON
// representation of v. Two structurally equal values hash identically.
func CanonicalHash(v interface{}) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes the SHA-256 hash of raw bytes and returns a hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// CanonicalString returns the canonical form as a string.
func CanonicalString(v interface{}) (string, error) {
	data, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DeterministicID derives a content-addressed identifier for v. This is the
// only identity mechanism for content-addressed entities: equal content,
// equal ID.
func DeterministicID(v interface{}) (string, error) {
	return CanonicalHash(v)
}

// RandomID returns a UUIDv4 token for identities where content addressing is
// inappropriate, such as correlation IDs.
func RandomID() string {
	return uuid.NewString()
}
