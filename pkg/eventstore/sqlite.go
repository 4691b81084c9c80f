package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stackbound/opscore/pkg/envelope"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the event log in a SQLite database. The autoincrement
// sequence column preserves append order; the envelope is stored as JSON so
// the wire shape stays bit-compatible with the JSONL format.
type SQLiteStore struct {
	db *sql.DB
	// appendMu enforces single-writer discipline on top of SQLite's own
	// locking so duplicate checks and inserts are one critical section.
	appendMu sync.Mutex
	clock    func() time.Time
}

// OpenSQLiteStore opens a SQLite-backed store at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("eventstore: open sqlite %s: %w", path, err)
	}
	return NewSQLiteStore(db)
}

// NewSQLiteStore wraps an existing database handle, running migrations.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id TEXT NOT NULL UNIQUE,
		envelope TEXT NOT NULL,
		ingested_at TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("eventstore: migrate: %w", err)
	}
	return nil
}

// WithClock overrides the ingestion clock for deterministic tests.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Append implements Store.
func (s *SQLiteStore) Append(ctx context.Context, ev *envelope.Event) error {
	if err := envelope.ValidateEvent(ev); err != nil {
		return fmt.Errorf("eventstore: %w", err)
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = s.clock().UTC()
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventstore: marshal event %s: %w", ev.EventID, err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, envelope, ingested_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, string(raw), ev.IngestedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("eventstore: insert event %s: %w", ev.EventID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("eventstore: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

// Stream implements Store.
func (s *SQLiteStore) Stream(ctx context.Context, opts StreamOptions) ([]*envelope.Event, error) {
	afterSeq := int64(0)
	if opts.AfterEventID != "" {
		row := s.db.QueryRowContext(ctx,
			`SELECT seq FROM events WHERE event_id = $1`, opts.AfterEventID)
		if err := row.Scan(&afterSeq); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("eventstore: resolve after id: %w", err)
		}
	}

	query := `SELECT envelope FROM events WHERE seq > $1 ORDER BY seq ASC`
	args := []interface{}{afterSeq}
	if opts.Limit > 0 {
		query += ` LIMIT $2`
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventstore: stream: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*envelope.Event
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("eventstore: scan: %w", err)
		}
		var ev envelope.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("eventstore: corrupt envelope JSON: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventstore: stream: %w", err)
	}
	return events, nil
}

// GetByID implements Store.
func (s *SQLiteStore) GetByID(ctx context.Context, eventID string) (*envelope.Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT envelope FROM events WHERE event_id = $1`, eventID)

	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("eventstore: get %s: %w", eventID, err)
	}

	var ev envelope.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("eventstore: corrupt envelope JSON: %w", err)
	}
	return &ev, nil
}

// Len implements Store.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("eventstore: len: %w", err)
	}
	return n, nil
}

// ChainHash implements Store. Computed by a full ordered scan; the SQL
// backend does not maintain the chain incrementally.
func (s *SQLiteStore) ChainHash(ctx context.Context) (string, error) {
	events, err := s.Stream(ctx, StreamOptions{})
	if err != nil {
		return "", err
	}

	hash := chainGenesis
	for _, ev := range events {
		hash, err = chainNext(hash, ev)
		if err != nil {
			return "", fmt.Errorf("eventstore: chain hash: %w", err)
		}
	}
	return hash, nil
}
