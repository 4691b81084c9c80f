package eventstore

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

// FileStore persists the event log as newline-delimited JSON: one record per
// line, append-only. A record is all-or-nothing: a crash mid-write leaves a
// line without a trailing delimiter, which is detected and skipped on the
// next open rather than corrupting replay.
//
// The file assumes a single active writer per data directory; cross-process
// coordination is out of scope.
type FileStore struct {
	mu        sync.RWMutex
	path      string
	file      *os.File
	events    []*envelope.Event
	byID      map[string]*envelope.Event
	chainHash string
	skipped   int
	clock     func() time.Time
}

// OpenFileStore opens (or creates) a JSONL event log at path and loads it
// into memory for reads.
func OpenFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:      path,
		byID:      make(map[string]*envelope.Event),
		chainHash: chainGenesis,
		clock:     time.Now,
	}
	if err := s.load(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open %s: %w", path, err)
	}
	s.file = f
	return s, nil
}

// WithClock overrides the ingestion clock for deterministic tests.
func (s *FileStore) WithClock(clock func() time.Time) *FileStore {
	s.clock = clock
	return s
}

func (s *FileStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("eventstore: read %s: %w", s.path, err)
	}

	lines := bytes.Split(raw, []byte{'\n'})
	// A well-formed log ends with a delimiter, so the final split element is
	// empty. Anything else is a torn tail from a crashed write: skip it and
	// truncate so the next append starts on a fresh line.
	tornTail := len(lines) > 0 && len(lines[len(lines)-1]) != 0
	if tornTail {
		s.skipped++
		keep := int64(len(raw) - len(lines[len(lines)-1]))
		if err := os.Truncate(s.path, keep); err != nil {
			return fmt.Errorf("eventstore: truncate torn tail in %s: %w", s.path, err)
		}
		lines = lines[:len(lines)-1]
	}

	for _, line := range lines {
		if len(line) == 0 {
			continue
		}

		var ev envelope.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			// Undelimited partial record followed by later writes; skippable
			// by contract.
			s.skipped++
			continue
		}

		next, err := chainNext(s.chainHash, &ev)
		if err != nil {
			return fmt.Errorf("eventstore: chain hash: %w", err)
		}
		s.events = append(s.events, &ev)
		s.byID[ev.EventID] = &ev
		s.chainHash = next
	}
	return nil
}

// SkippedRecords reports how many unparseable records were skipped at open.
func (s *FileStore) SkippedRecords() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.skipped
}

// Close releases the underlying file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Append implements Store. The record and its delimiter go out in a single
// write, then the file is synced; an append failure propagates to the caller
// and leaves the in-memory view untouched.
func (s *FileStore) Append(ctx context.Context, ev *envelope.Event) error {
	if err := envelope.ValidateEvent(ev); err != nil {
		return fmt.Errorf("eventstore: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("eventstore: store %s is closed", s.path)
	}
	if _, exists := s.byID[ev.EventID]; exists {
		return ErrDuplicateEvent
	}

	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = s.clock().UTC()
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventstore: marshal event %s: %w", ev.EventID, err)
	}
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("eventstore: append to %s: %w", s.path, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("eventstore: sync %s: %w", s.path, err)
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
func (s *FileStore) Stream(ctx context.Context, opts StreamOptions) ([]*envelope.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterStream(s.events, opts)
}

// GetByID implements Store.
func (s *FileStore) GetByID(ctx context.Context, eventID string) (*envelope.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.byID[eventID]
	if !ok {
		return nil, ErrNotFound
	}
	return ev, nil
}

// Len implements Store.
func (s *FileStore) Len(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

// ChainHash implements Store.
func (s *FileStore) ChainHash(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chainHash, nil
}
