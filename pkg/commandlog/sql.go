package commandlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stackbound/opscore/pkg/envelope"
)

// SQLLog implements Log using database/sql. It supports both Postgres
// (lib/pq) and SQLite (modernc driver) via standard $N placeholders, which
// both engines accept.
//
// Atomicity of TryStart rests on two engine-level primitives: the INSERT ...
// ON CONFLICT DO NOTHING claim and the conditional UPDATE used for lease
// reclaim. Both resolve races inside the database.
type SQLLog struct {
	db       *sql.DB
	leaseTTL time.Duration
	clock    func() time.Time
}

// NewSQLLog wraps an existing database handle.
func NewSQLLog(db *sql.DB) *SQLLog {
	return &SQLLog{db: db, leaseTTL: DefaultLeaseTTL, clock: time.Now}
}

// WithLeaseTTL overrides the in-flight lease. Zero disables reclaim.
func (l *SQLLog) WithLeaseTTL(ttl time.Duration) *SQLLog {
	l.leaseTTL = ttl
	return l
}

// WithClock overrides the clock for deterministic tests.
func (l *SQLLog) WithClock(clock func() time.Time) *SQLLog {
	l.clock = clock
	return l
}

// Init creates the ledger table. Timestamps are stored as unix nanoseconds
// so lease comparisons behave identically across engines.
func (l *SQLLog) Init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS command_entries (
		scope_key TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		command_id TEXT NOT NULL,
		payload_hash TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		outcome TEXT,
		started_at BIGINT NOT NULL,
		completed_at BIGINT,
		PRIMARY KEY (scope_key, idempotency_key)
	);`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("commandlog: migrate: %w", err)
	}
	_, err := l.db.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS command_entries_command_id ON command_entries (command_id)`)
	if err != nil {
		return fmt.Errorf("commandlog: migrate index: %w", err)
	}
	return nil
}

// TryStart implements Log.
func (l *SQLLog) TryStart(ctx context.Context, req StartRequest) (*StartResult, error) {
	now := l.clock()

	res, err := l.db.ExecContext(ctx,
		`INSERT INTO command_entries (scope_key, idempotency_key, command_id, payload_hash, state, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (scope_key, idempotency_key) DO NOTHING`,
		req.ScopeKey, req.IdempotencyKey, req.CommandID, req.PayloadHash,
		string(StateInFlight), now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("commandlog: claim: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("commandlog: rows affected: %w", err)
	}
	if rows == 1 {
		return &StartResult{Status: StartNew}, nil
	}

	// The key exists; classify the holder.
	existing, err := l.GetByIdempotencyKey(ctx, req.ScopeKey, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Claimed and deleted between our statements; treat as in-flight
			// and let the caller retry.
			return &StartResult{Status: StartInFlight}, nil
		}
		return nil, err
	}

	if existing.CommandID == req.CommandID &&
		existing.PayloadHash != "" && req.PayloadHash != "" &&
		existing.PayloadHash != req.PayloadHash {
		return nil, &IdempotencyViolation{
			CommandID:      req.CommandID,
			ScopeKey:       req.ScopeKey,
			IdempotencyKey: req.IdempotencyKey,
		}
	}

	if existing.State == StateCompleted {
		return &StartResult{Status: StartDuplicate, Outcome: existing.Outcome}, nil
	}

	if l.leaseTTL > 0 {
		cutoff := now.Add(-l.leaseTTL).UnixNano()
		res, err := l.db.ExecContext(ctx,
			`UPDATE command_entries
			 SET command_id = $1, payload_hash = $2, started_at = $3
			 WHERE scope_key = $4 AND idempotency_key = $5
			   AND state = $6 AND started_at < $7`,
			req.CommandID, req.PayloadHash, now.UnixNano(),
			req.ScopeKey, req.IdempotencyKey, string(StateInFlight), cutoff,
		)
		if err != nil {
			return nil, fmt.Errorf("commandlog: lease reclaim: %w", err)
		}
		if reclaimed, err := res.RowsAffected(); err == nil && reclaimed == 1 {
			return &StartResult{Status: StartNew}, nil
		}
	}

	return &StartResult{Status: StartInFlight}, nil
}

// Complete implements Log.
func (l *SQLLog) Complete(ctx context.Context, commandID string, outcome *envelope.Outcome) error {
	raw, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("commandlog: marshal outcome: %w", err)
	}

	res, err := l.db.ExecContext(ctx,
		`UPDATE command_entries
		 SET state = $1, outcome = $2, completed_at = $3
		 WHERE command_id = $4 AND state = $5`,
		string(StateCompleted), string(raw), l.clock().UnixNano(),
		commandID, string(StateInFlight),
	)
	if err != nil {
		return fmt.Errorf("commandlog: complete %s: %w", commandID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commandlog: rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Record implements Log.
func (l *SQLLog) Record(ctx context.Context, entry Entry) error {
	var outcomeJSON interface{}
	if entry.Outcome != nil {
		raw, err := json.Marshal(entry.Outcome)
		if err != nil {
			return fmt.Errorf("commandlog: marshal outcome: %w", err)
		}
		outcomeJSON = string(raw)
	}

	var completedAt interface{}
	if !entry.CompletedAt.IsZero() {
		completedAt = entry.CompletedAt.UnixNano()
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO command_entries (scope_key, idempotency_key, command_id, payload_hash, state, outcome, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (scope_key, idempotency_key) DO UPDATE SET
		   command_id = EXCLUDED.command_id,
		   payload_hash = EXCLUDED.payload_hash,
		   state = EXCLUDED.state,
		   outcome = EXCLUDED.outcome,
		   started_at = EXCLUDED.started_at,
		   completed_at = EXCLUDED.completed_at`,
		entry.ScopeKey, entry.IdempotencyKey, entry.CommandID, entry.PayloadHash,
		string(entry.State), outcomeJSON, entry.StartedAt.UnixNano(), completedAt,
	)
	if err != nil {
		return fmt.Errorf("commandlog: record: %w", err)
	}
	return nil
}

// RecordOutcome implements Log.
func (l *SQLLog) RecordOutcome(ctx context.Context, scopeKey, idempotencyKey string, outcome *envelope.Outcome) error {
	commandID := ""
	if outcome != nil {
		commandID = outcome.CommandID
	}
	entry := Entry{
		ScopeKey:       scopeKey,
		IdempotencyKey: idempotencyKey,
		CommandID:      commandID,
		State:          StateCompleted,
		Outcome:        outcome,
		StartedAt:      l.clock(),
		CompletedAt:    l.clock(),
	}
	return l.Record(ctx, entry)
}

// GetByIdempotencyKey implements Log.
func (l *SQLLog) GetByIdempotencyKey(ctx context.Context, scopeKey, idempotencyKey string) (*Entry, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT command_id, payload_hash, state, outcome, started_at, completed_at
		 FROM command_entries
		 WHERE scope_key = $1 AND idempotency_key = $2`,
		scopeKey, idempotencyKey,
	)

	var (
		entry       Entry
		state       string
		outcomeJSON sql.NullString
		startedAt   int64
		completedAt sql.NullInt64
	)
	if err := row.Scan(&entry.CommandID, &entry.PayloadHash, &state, &outcomeJSON, &startedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("commandlog: get: %w", err)
	}

	entry.ScopeKey = scopeKey
	entry.IdempotencyKey = idempotencyKey
	entry.State = State(state)
	entry.StartedAt = time.Unix(0, startedAt)
	if completedAt.Valid {
		entry.CompletedAt = time.Unix(0, completedAt.Int64)
	}
	if outcomeJSON.Valid && outcomeJSON.String != "" {
		var outcome envelope.Outcome
		if err := json.Unmarshal([]byte(outcomeJSON.String), &outcome); err != nil {
			return nil, fmt.Errorf("commandlog: corrupt outcome JSON: %w", err)
		}
		entry.Outcome = &outcome
	}
	return &entry, nil
}
