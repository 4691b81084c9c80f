// Package pack defines the plug-in contract through which feature packs
// contribute command handlers and projections to the runtime. Packs are
// registered statically at the composition root; there is no dynamic
// loading.
package pack

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/stackbound/opscore/pkg/canonicalize"
)

// Manifest identifies a pack. ContentHash is the content address of the
// manifest itself, excluding the hash field, so tampering with any declared
// field is detectable.
type Manifest struct {
	PackID      string `json:"pack_id"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

// ComputeContentHash hashes the manifest's identifying fields. Deterministic:
// the same fields always produce the same hash.
func (m *Manifest) ComputeContentHash() (string, error) {
	hashable := struct {
		PackID      string `json:"pack_id"`
		Name        string `json:"name"`
		Version     string `json:"version"`
		Description string `json:"description,omitempty"`
	}{
		PackID:      m.PackID,
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
	}
	digest, err := canonicalize.CanonicalHash(hashable)
	if err != nil {
		return "", fmt.Errorf("pack: hash manifest %s: %w", m.PackID, err)
	}
	return "sha256:" + digest, nil
}

// Seal computes and sets the manifest's content hash.
func (m *Manifest) Seal() error {
	hash, err := m.ComputeContentHash()
	if err != nil {
		return err
	}
	m.ContentHash = hash
	return nil
}

// Validate checks identifying fields and, when a content hash is present,
// verifies it against the manifest's current content.
func (m *Manifest) Validate() error {
	if m.PackID == "" {
		return fmt.Errorf("pack: manifest pack_id is required")
	}
	if m.Name == "" {
		return fmt.Errorf("pack: manifest name is required for %s", m.PackID)
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return fmt.Errorf("pack: manifest %s version %q is not valid semver: %w", m.PackID, m.Version, err)
	}
	if m.ContentHash != "" {
		want, err := m.ComputeContentHash()
		if err != nil {
			return err
		}
		if m.ContentHash != want {
			return fmt.Errorf("pack: manifest %s content hash mismatch", m.PackID)
		}
	}
	return nil
}
