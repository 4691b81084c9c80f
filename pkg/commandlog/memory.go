package commandlog

import (
	"context"
	"sync"
	"time"

	"github.com/stackbound/opscore/pkg/envelope"
)

// MemoryLog is the reference in-memory ledger. The mutex-guarded map is the
// atomic check-and-set the protocol requires.
type MemoryLog struct {
	mu        sync.Mutex
	entries   map[string]*Entry
	byCommand map[string]string
	leaseTTL  time.Duration
	clock     func() time.Time
}

// NewMemoryLog creates an in-memory ledger with the default lease TTL.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		entries:   make(map[string]*Entry),
		byCommand: make(map[string]string),
		leaseTTL:  DefaultLeaseTTL,
		clock:     time.Now,
	}
}

// WithLeaseTTL overrides the in-flight lease. Zero disables reclaim.
func (l *MemoryLog) WithLeaseTTL(ttl time.Duration) *MemoryLog {
	l.leaseTTL = ttl
	return l
}

// WithClock overrides the clock for deterministic tests.
func (l *MemoryLog) WithClock(clock func() time.Time) *MemoryLog {
	l.clock = clock
	return l
}

func entryKey(scopeKey, idempotencyKey string) string {
	return scopeKey + "\x00" + idempotencyKey
}

// TryStart implements Log.
func (l *MemoryLog) TryStart(ctx context.Context, req StartRequest) (*StartResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := entryKey(req.ScopeKey, req.IdempotencyKey)
	now := l.clock()

	result, claim, err := classify(l.entries[key], req, now, l.leaseTTL)
	if err != nil {
		return nil, err
	}
	if claim {
		entry := &Entry{
			ScopeKey:       req.ScopeKey,
			IdempotencyKey: req.IdempotencyKey,
			CommandID:      req.CommandID,
			PayloadHash:    req.PayloadHash,
			State:          StateInFlight,
			StartedAt:      now,
		}
		l.entries[key] = entry
		l.byCommand[req.CommandID] = key
	}
	return result, nil
}

// Complete implements Log.
func (l *MemoryLog) Complete(ctx context.Context, commandID string, outcome *envelope.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, ok := l.byCommand[commandID]
	if !ok {
		return ErrNotFound
	}
	entry, ok := l.entries[key]
	if !ok || entry.State != StateInFlight || entry.CommandID != commandID {
		return ErrNotFound
	}

	entry.State = StateCompleted
	entry.Outcome = outcome
	entry.CompletedAt = l.clock()
	return nil
}

// Record implements Log.
func (l *MemoryLog) Record(ctx context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := entryKey(entry.ScopeKey, entry.IdempotencyKey)
	stored := entry
	l.entries[key] = &stored
	if entry.CommandID != "" {
		l.byCommand[entry.CommandID] = key
	}
	return nil
}

// RecordOutcome implements Log.
func (l *MemoryLog) RecordOutcome(ctx context.Context, scopeKey, idempotencyKey string, outcome *envelope.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := entryKey(scopeKey, idempotencyKey)
	entry, ok := l.entries[key]
	if !ok {
		entry = &Entry{
			ScopeKey:       scopeKey,
			IdempotencyKey: idempotencyKey,
			StartedAt:      l.clock(),
		}
		l.entries[key] = entry
	}

	entry.State = StateCompleted
	entry.Outcome = outcome
	entry.CompletedAt = l.clock()
	if outcome != nil && outcome.CommandID != "" {
		entry.CommandID = outcome.CommandID
		l.byCommand[outcome.CommandID] = key
	}
	return nil
}

// GetByIdempotencyKey implements Log.
func (l *MemoryLog) GetByIdempotencyKey(ctx context.Context, scopeKey, idempotencyKey string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[entryKey(scopeKey, idempotencyKey)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *entry
	return &copied, nil
}
