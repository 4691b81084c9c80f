package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stackbound/opscore/pkg/envelope"
)

// MemoryStore is the reference in-memory event store, used in tests and for
// ephemeral runs.
type MemoryStore struct {
	mu        sync.RWMutex
	events    []*envelope.Event
	byID      map[string]*envelope.Event
	chainHash string
	clock     func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:      make(map[string]*envelope.Event),
		chainHash: chainGenesis,
		clock:     time.Now,
	}
}

// WithClock overrides the ingestion clock for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Append implements Store.
func (s *MemoryStore) Append(ctx context.Context, ev *envelope.Event) error {
	if err := envelope.ValidateEvent(ev); err != nil {
		return fmt.Errorf("eventstore: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[ev.EventID]; exists {
		return ErrDuplicateEvent
	}

	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = s.clock().UTC()
	}

	next, err := chainNext(s.chainHash, ev)
	if err != nil {
		return fmt.Errorf("eventstore: chain hash: %w", err)
	}

	s.events = append(s.events, ev)
	s.byID[ev.EventID] = ev
	s.chainHash = next
	return nil
}

// Stream implements Store.
func (s *MemoryStore) Stream(ctx context.Context, opts StreamOptions) ([]*envelope.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterStream(s.events, opts)
}

// GetByID implements Store.
func (s *MemoryStore) GetByID(ctx context.Context, eventID string) (*envelope.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.byID[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return ev, nil
}

// Len implements Store.
func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

// ChainHash implements Store.
func (s *MemoryStore) ChainHash(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHash, nil
}
