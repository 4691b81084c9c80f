// Package eventstore provides the append-only, strictly ordered, replayable
// event log at the heart of the opscore substrate. Append order is the
// canonical order for replay; events are immutable once appended.
package eventstore

import (
	"context"
	"errors"

	"github.com/stackbound/opscore/pkg/canonicalize"
	"github.com/stackbound/opscore/pkg/envelope"
)

var (
	// ErrNotFound indicates the requested event does not exist.
	ErrNotFound = errors.New("eventstore: event not found")
	// ErrDuplicateEvent indicates an append with an event_id that is already
	// present. The store owns events after append; producers may not rewrite
	// them.
	ErrDuplicateEvent = errors.New("eventstore: duplicate event id")
)

// chainGenesis anchors the integrity chain before the first event.
const chainGenesis = "genesis"

// StreamOptions control a replay scan.
type StreamOptions struct {
	// AfterEventID resumes the stream immediately after the given event.
	// Empty restarts from the beginning.
	AfterEventID string
	// Limit caps the number of returned events; zero means no cap.
	Limit int
}

// Store is the append-only event log contract.
//
// Append must serialize writes (single-writer discipline); Stream and GetByID
// may run concurrently with appends and with each other. A stream started
// before a late-arriving append simply reflects an earlier point in time.
type Store interface {
	// Append writes one event durably and atomically relative to reads.
	// Append order is the only ordering the store assigns.
	Append(ctx context.Context, ev *envelope.Event) error

	// Stream returns events in the exact order they were appended,
	// restartable from the beginning or resumable after a given event ID.
	Stream(ctx context.Context, opts StreamOptions) ([]*envelope.Event, error)

	// GetByID retrieves a single event, ErrNotFound when absent.
	GetByID(ctx context.Context, eventID string) (*envelope.Event, error)

	// Len returns the number of appended events.
	Len(ctx context.Context) (int, error)

	// ChainHash returns the cumulative integrity hash over all appended
	// events, a cheap "has anything changed" signal for consumers.
	ChainHash(ctx context.Context) (string, error)
}

// chainNext folds one event into the integrity chain. The full canonical
// event is hashed, not just its ID, so tampering with any persisted field
// breaks the chain.
func chainNext(prev string, ev *envelope.Event) (string, error) {
	return canonicalize.CanonicalHash(map[string]interface{}{
		"event": ev,
		"prev":  prev,
	})
}

// filterStream applies StreamOptions to an ordered slice of events.
func filterStream(events []*envelope.Event, opts StreamOptions) ([]*envelope.Event, error) {
	start := 0
	if opts.AfterEventID != "" {
		found := false
		for i, ev := range events {
			if ev.EventID == opts.AfterEventID {
				start = i + 1
				found = true
				break
			}
		}
		if !found {
			return nil, ErrNotFound
		}
	}

	out := events[start:]
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}

	// Copy so callers cannot perturb the store's internal ordering.
	result := make([]*envelope.Event, len(out))
	copy(result, out)
	return result, nil
}
