package commandlog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/stackbound/opscore/pkg/envelope"
)

// FileLog persists the ledger as a newline-delimited JSON journal: every
// state transition appends one record, and the current state is rebuilt by
// replaying the journal on open. The latest record for a (scope_key,
// idempotency_key) pair wins. A torn tail record is truncated on open, the
// same discipline as the event store's file backend.
type FileLog struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	entries   map[string]*Entry
	byCommand map[string]string
	leaseTTL  time.Duration
	clock     func() time.Time
}

// OpenFileLog opens (or creates) a journal at path and replays it.
func OpenFileLog(path string) (*FileLog, error) {
	l := &FileLog{
		path:      path,
		entries:   make(map[string]*Entry),
		byCommand: make(map[string]string),
		leaseTTL:  DefaultLeaseTTL,
		clock:     time.Now,
	}
	if err := l.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("commandlog: open %s: %w", path, err)
	}
	l.file = f
	return l, nil
}

// WithLeaseTTL overrides the in-flight lease. Zero disables reclaim.
func (l *FileLog) WithLeaseTTL(ttl time.Duration) *FileLog {
	l.leaseTTL = ttl
	return l
}

// WithClock overrides the clock for deterministic tests.
func (l *FileLog) WithClock(clock func() time.Time) *FileLog {
	l.clock = clock
	return l
}

func (l *FileLog) load() error {
	raw, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("commandlog: read %s: %w", l.path, err)
	}

	lines := bytes.Split(raw, []byte{'\n'})
	if len(lines) > 0 && len(lines[len(lines)-1]) != 0 {
		keep := int64(len(raw) - len(lines[len(lines)-1]))
		if err := os.Truncate(l.path, keep); err != nil {
			return fmt.Errorf("commandlog: truncate torn tail in %s: %w", l.path, err)
		}
		lines = lines[:len(lines)-1]
	}

	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		l.apply(&entry)
	}
	return nil
}

func (l *FileLog) apply(entry *Entry) {
	key := entryKey(entry.ScopeKey, entry.IdempotencyKey)
	l.entries[key] = entry
	if entry.CommandID != "" {
		l.byCommand[entry.CommandID] = key
	}
}

// journal appends one transition record and syncs. Called with the mutex
// held.
func (l *FileLog) journal(entry *Entry) error {
	if l.file == nil {
		return fmt.Errorf("commandlog: ledger %s is closed", l.path)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("commandlog: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("commandlog: append to %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("commandlog: sync %s: %w", l.path, err)
	}
	return nil
}

// Close releases the journal file handle.
func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// TryStart implements Log.
func (l *FileLog) TryStart(ctx context.Context, req StartRequest) (*StartResult, error) {
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
		if err := l.journal(entry); err != nil {
			return nil, err
		}
		l.apply(entry)
	}
	return result, nil
}

// Complete implements Log.
func (l *FileLog) Complete(ctx context.Context, commandID string, outcome *envelope.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key, ok := l.byCommand[commandID]
	if !ok {
		return ErrNotFound
	}
	existing, ok := l.entries[key]
	if !ok || existing.State != StateInFlight || existing.CommandID != commandID {
		return ErrNotFound
	}

	updated := *existing
	updated.State = StateCompleted
	updated.Outcome = outcome
	updated.CompletedAt = l.clock()

	if err := l.journal(&updated); err != nil {
		return err
	}
	l.apply(&updated)
	return nil
}

// Record implements Log.
func (l *FileLog) Record(ctx context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.journal(&entry); err != nil {
		return err
	}
	l.apply(&entry)
	return nil
}

// RecordOutcome implements Log.
func (l *FileLog) RecordOutcome(ctx context.Context, scopeKey, idempotencyKey string, outcome *envelope.Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := entryKey(scopeKey, idempotencyKey)
	entry := &Entry{
		ScopeKey:       scopeKey,
		IdempotencyKey: idempotencyKey,
		State:          StateCompleted,
		Outcome:        outcome,
		CompletedAt:    l.clock(),
	}
	if existing, ok := l.entries[key]; ok {
		entry.CommandID = existing.CommandID
		entry.PayloadHash = existing.PayloadHash
		entry.StartedAt = existing.StartedAt
	}
	if outcome != nil && outcome.CommandID != "" {
		entry.CommandID = outcome.CommandID
	}

	if err := l.journal(entry); err != nil {
		return err
	}
	l.apply(entry)
	return nil
}

// GetByIdempotencyKey implements Log.
func (l *FileLog) GetByIdempotencyKey(ctx context.Context, scopeKey, idempotencyKey string) (*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[entryKey(scopeKey, idempotencyKey)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *entry
	return &copied, nil
}
