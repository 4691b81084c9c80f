package eventstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stackbound/opscore/pkg/envelope"
)

func testEvent(t *testing.T, n int) *envelope.Event {
	t.Helper()
	ev, err := envelope.NewEvent(
		"test.recorded",
		map[string]interface{}{"n": n},
		"user:test", "corr-1",
		time.Date(2026, 3, 1, 12, 0, n, 0, time.UTC),
	)
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

// runStoreContract exercises the Store contract against any backend.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("append and replay order", func(t *testing.T) {
		s := newStore(t)
		var ids []string
		for i := 0; i < 5; i++ {
			ev := testEvent(t, i)
			if err := s.Append(ctx, ev); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
			ids = append(ids, ev.EventID)
		}

		got, err := s.Stream(ctx, StreamOptions{})
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		if len(got) != 5 {
			t.Fatalf("expected 5 events, got %d", len(got))
		}
		for i, ev := range got {
			if ev.EventID != ids[i] {
				t.Errorf("position %d: expected %s, got %s", i, ids[i], ev.EventID)
			}
		}
	})

	t.Run("resume after event id", func(t *testing.T) {
		s := newStore(t)
		var ids []string
		for i := 0; i < 4; i++ {
			ev := testEvent(t, i)
			if err := s.Append(ctx, ev); err != nil {
				t.Fatalf("append: %v", err)
			}
			ids = append(ids, ev.EventID)
		}

		got, err := s.Stream(ctx, StreamOptions{AfterEventID: ids[1]})
		if err != nil {
			t.Fatalf("stream after: %v", err)
		}
		if len(got) != 2 || got[0].EventID != ids[2] || got[1].EventID != ids[3] {
			t.Errorf("resume yielded wrong window: %d events", len(got))
		}

		if _, err := s.Stream(ctx, StreamOptions{AfterEventID: "missing"}); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown resume id: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("limit", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 4; i++ {
			if err := s.Append(ctx, testEvent(t, i)); err != nil {
				t.Fatalf("append: %v", err)
			}
		}
		got, err := s.Stream(ctx, StreamOptions{Limit: 2})
		if err != nil {
			t.Fatalf("stream: %v", err)
		}
		if len(got) != 2 {
			t.Errorf("expected 2 events, got %d", len(got))
		}
	})

	t.Run("get by id", func(t *testing.T) {
		s := newStore(t)
		ev := testEvent(t, 7)
		if err := s.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}

		got, err := s.GetByID(ctx, ev.EventID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.EventType != ev.EventType {
			t.Errorf("wrong event returned")
		}

		if _, err := s.GetByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("duplicate append rejected", func(t *testing.T) {
		s := newStore(t)
		ev := testEvent(t, 1)
		if err := s.Append(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := s.Append(ctx, ev); !errors.Is(err, ErrDuplicateEvent) {
			t.Errorf("expected ErrDuplicateEvent, got %v", err)
		}
		if n, _ := s.Len(ctx); n != 1 {
			t.Errorf("duplicate must not grow the log, len=%d", n)
		}
	})

	t.Run("invalid envelope rejected before write", func(t *testing.T) {
		s := newStore(t)
		ev := testEvent(t, 1)
		ev.Actor = ""
		if err := s.Append(ctx, ev); err == nil {
			t.Fatalf("expected validation error")
		}
		if n, _ := s.Len(ctx); n != 0 {
			t.Errorf("rejected append must not write, len=%d", n)
		}
	})

	t.Run("chain hash covers event content", func(t *testing.T) {
		// Two logs whose events share IDs but differ in payload must not
		// verify identical.
		build := func(text string) *envelope.Event {
			ev, err := envelope.NewEvent("test.recorded",
				map[string]interface{}{"text": text},
				"user:test", "corr-1",
				time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
			if err != nil {
				t.Fatalf("build event: %v", err)
			}
			ev.EventID = "shared-id"
			ev.IngestedAt = time.Date(2026, 3, 1, 12, 0, 1, 0, time.UTC)
			return ev
		}

		a, b := newStore(t), newStore(t)
		if err := a.Append(ctx, build("original")); err != nil {
			t.Fatalf("append a: %v", err)
		}
		if err := b.Append(ctx, build("tampered")); err != nil {
			t.Fatalf("append b: %v", err)
		}

		hashA, err := a.ChainHash(ctx)
		if err != nil {
			t.Fatalf("chain hash a: %v", err)
		}
		hashB, err := b.ChainHash(ctx)
		if err != nil {
			t.Fatalf("chain hash b: %v", err)
		}
		if hashA == hashB {
			t.Errorf("payloads differ but chain hashes agree: %s", hashA)
		}

		// Identical content must still hash identically.
		c := newStore(t)
		if err := c.Append(ctx, build("original")); err != nil {
			t.Fatalf("append c: %v", err)
		}
		hashC, err := c.ChainHash(ctx)
		if err != nil {
			t.Fatalf("chain hash c: %v", err)
		}
		if hashC != hashA {
			t.Errorf("identical logs hash differently: %s vs %s", hashC, hashA)
		}
	})

	t.Run("chain hash changes with content", func(t *testing.T) {
		s := newStore(t)
		empty, err := s.ChainHash(ctx)
		if err != nil {
			t.Fatalf("chain hash: %v", err)
		}
		if err := s.Append(ctx, testEvent(t, 1)); err != nil {
			t.Fatalf("append: %v", err)
		}
		one, err := s.ChainHash(ctx)
		if err != nil {
			t.Fatalf("chain hash: %v", err)
		}
		if empty == one {
			t.Errorf("append must advance the chain hash")
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestFileStore(t *testing.T) {
	var n int
	runStoreContract(t, func(t *testing.T) Store {
		n++
		path := filepath.Join(t.TempDir(), fmt.Sprintf("events-%d.jsonl", n))
		s, err := OpenFileStore(path)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
