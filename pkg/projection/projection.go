// Package projection provides the pure-reducer read-model engine: named,
// versioned definitions folded over the event stream, with a freshness and
// content-hash signature for cache busting.
//
// Rebuilds are always full scans from the beginning of the stream. Two
// independent rebuilds over the same event-store contents yield identical
// state and an identical hash; the hash is a cheap "has anything changed"
// signal for consumers.
package projection

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/stackbound/opscore/pkg/canonicalize"
	"github.com/stackbound/opscore/pkg/envelope"
	"github.com/stackbound/opscore/pkg/eventstore"
)

// Freshness marks the stream position a projection state reflects, letting
// consumers detect staleness without re-reading the whole log.
type Freshness struct {
	LastEventID    string    `json:"last_event_id,omitempty"`
	LastIngestedAt time.Time `json:"last_ingested_at,omitempty"`
}

// Definition is a named, versioned pure reducer.
//
// Apply must be pure and total: unknown event types are no-ops (state
// returned unchanged), never a panic or error. Apply owns the state value it
// is given between calls within one rebuild.
type Definition struct {
	Name    string
	Version string

	// Init produces the empty state.
	Init func() interface{}

	// Apply folds one event into the state.
	Apply func(state interface{}, ev *envelope.Event) interface{}
}

// Key is the registry key, name@version.
func (d Definition) Key() string {
	return d.Name + "@" + d.Version
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("projection: definition missing name")
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return fmt.Errorf("projection: %s has invalid version %q: %w", d.Name, d.Version, err)
	}
	if d.Init == nil || d.Apply == nil {
		return fmt.Errorf("projection: %s must define Init and Apply", d.Key())
	}
	return nil
}

// Result is a rebuilt read model: the data, the stream position it reflects,
// and a content hash of the data.
type Result struct {
	Data      interface{} `json:"data"`
	Freshness Freshness   `json:"freshness"`
	Hash      string      `json:"hash"`
}

// Rebuild folds the full event stream into the definition's state. This is
// the only read path; callers never read the log directly.
func Rebuild(ctx context.Context, def Definition, store eventstore.Store) (*Result, error) {
	if err := def.validate(); err != nil {
		return nil, err
	}

	events, err := store.Stream(ctx, eventstore.StreamOptions{})
	if err != nil {
		return nil, fmt.Errorf("projection: stream for %s: %w", def.Key(), err)
	}

	state := def.Init()
	var fresh Freshness
	for _, ev := range events {
		state = def.Apply(state, ev)
		fresh.LastEventID = ev.EventID
		fresh.LastIngestedAt = ev.IngestedAt
	}

	hash, err := canonicalize.CanonicalHash(state)
	if err != nil {
		return nil, fmt.Errorf("projection: hash %s: %w", def.Key(), err)
	}

	return &Result{Data: state, Freshness: fresh, Hash: hash}, nil
}
