package eventstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_ReloadPreservesOrderAndChain(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	s1, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var ids []string
	for i := 0; i < 3; i++ {
		ev := testEvent(t, i)
		if err := s1.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, ev.EventID)
	}
	hash1, _ := s1.ChainHash(ctx)
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = s2.Close() }()

	events, err := s2.Stream(ctx, StreamOptions{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events after reload, got %d", len(events))
	}
	for i, ev := range events {
		if ev.EventID != ids[i] {
			t.Errorf("order lost at %d", i)
		}
	}

	hash2, _ := s2.ChainHash(ctx)
	if hash1 != hash2 {
		t.Errorf("chain hash must survive reload: %s vs %s", hash1, hash2)
	}
}

func TestFileStore_SkipsTornTailRecord(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.jsonl")

	s1, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s1.Append(ctx, testEvent(t, i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Simulate a crash mid-write: a partial record with no trailing
	// delimiter.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := f.WriteString(`{"event_id":"torn","event_ty`); err != nil {
		t.Fatalf("write torn record: %v", err)
	}
	_ = f.Close()

	s2, err := OpenFileStore(path)
	if err != nil {
		t.Fatalf("reopen with torn tail: %v", err)
	}
	defer func() { _ = s2.Close() }()

	if n, _ := s2.Len(ctx); n != 2 {
		t.Errorf("torn record must be skipped, len=%d", n)
	}
	if s2.SkippedRecords() != 1 {
		t.Errorf("expected 1 skipped record, got %d", s2.SkippedRecords())
	}

	// The log remains appendable after a torn tail.
	if err := s2.Append(ctx, testEvent(t, 9)); err != nil {
		t.Errorf("append after torn tail: %v", err)
	}
}
