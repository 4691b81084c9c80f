package commandlog

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/stackbound/opscore/pkg/envelope"
)

func newMockLog(t *testing.T) (*SQLLog, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewSQLLog(db).WithClock(func() time.Time { return now })
	return l, mock
}

func TestSQLLog_TryStartNew(t *testing.T) {
	l, mock := newMockLog(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO command_entries").
		WithArgs("work:w1", "idem-1", "cmd-1", "hash-1", "in_flight", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := l.TryStart(ctx, startReq(1))
	if err != nil {
		t.Fatalf("try start: %v", err)
	}
	if res.Status != StartNew {
		t.Errorf("expected new, got %s", res.Status)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func entryRows(state State, commandID, payloadHash string, outcome *envelope.Outcome, startedAt time.Time) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"command_id", "payload_hash", "state", "outcome", "started_at", "completed_at",
	})
	var outcomeJSON interface{}
	if outcome != nil {
		raw, _ := json.Marshal(outcome)
		outcomeJSON = string(raw)
	}
	rows.AddRow(commandID, payloadHash, string(state), outcomeJSON, startedAt.UnixNano(), nil)
	return rows
}

func TestSQLLog_TryStartDuplicateReturnsOutcome(t *testing.T) {
	l, mock := newMockLog(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO command_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT command_id, payload_hash, state, outcome, started_at, completed_at").
		WithArgs("work:w1", "idem-1").
		WillReturnRows(entryRows(StateCompleted, "cmd-1", "hash-1",
			acceptedOutcome("cmd-1"), time.Now()))

	res, err := l.TryStart(ctx, startReq(2))
	if err != nil {
		t.Fatalf("try start: %v", err)
	}
	if res.Status != StartDuplicate {
		t.Fatalf("expected duplicate, got %s", res.Status)
	}
	if res.Outcome == nil || res.Outcome.CommandID != "cmd-1" {
		t.Errorf("stored outcome must be returned")
	}
}

func TestSQLLog_TryStartInFlightNoReclaimWithinLease(t *testing.T) {
	l, mock := newMockLog(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 11, 59, 50, 0, time.UTC) // 10s ago

	mock.ExpectExec("INSERT INTO command_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT command_id, payload_hash, state, outcome, started_at, completed_at").
		WillReturnRows(entryRows(StateInFlight, "cmd-1", "hash-1", nil, started))
	mock.ExpectExec("UPDATE command_entries").
		WillReturnResult(sqlmock.NewResult(0, 0)) // holder within lease, no reclaim

	res, err := l.TryStart(ctx, startReq(2))
	if err != nil {
		t.Fatalf("try start: %v", err)
	}
	if res.Status != StartInFlight {
		t.Errorf("expected in_flight, got %s", res.Status)
	}
}

func TestSQLLog_TryStartReclaimsExpiredLease(t *testing.T) {
	l, mock := newMockLog(t)
	ctx := context.Background()

	started := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC) // an hour ago

	mock.ExpectExec("INSERT INTO command_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT command_id, payload_hash, state, outcome, started_at, completed_at").
		WillReturnRows(entryRows(StateInFlight, "cmd-1", "hash-1", nil, started))
	mock.ExpectExec("UPDATE command_entries").
		WillReturnResult(sqlmock.NewResult(0, 1))

	res, err := l.TryStart(ctx, startReq(2))
	if err != nil {
		t.Fatalf("try start: %v", err)
	}
	if res.Status != StartNew {
		t.Errorf("expired lease must be reclaimed, got %s", res.Status)
	}
}

func TestSQLLog_TryStartIdempotencyViolation(t *testing.T) {
	l, mock := newMockLog(t)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO command_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT command_id, payload_hash, state, outcome, started_at, completed_at").
		WillReturnRows(entryRows(StateInFlight, "cmd-1", "other-hash", nil, time.Now()))

	_, err := l.TryStart(ctx, startReq(1))
	var violation *IdempotencyViolation
	if !errors.As(err, &violation) {
		t.Errorf("expected IdempotencyViolation, got %v", err)
	}
}

func TestSQLLog_Complete(t *testing.T) {
	l, mock := newMockLog(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE command_entries").
		WithArgs("completed", sqlmock.AnyArg(), sqlmock.AnyArg(), "cmd-1", "in_flight").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := l.Complete(ctx, "cmd-1", acceptedOutcome("cmd-1")); err != nil {
		t.Errorf("complete: %v", err)
	}
}

func TestSQLLog_CompleteNotInFlight(t *testing.T) {
	l, mock := newMockLog(t)
	ctx := context.Background()

	mock.ExpectExec("UPDATE command_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := l.Complete(ctx, "ghost", acceptedOutcome("ghost")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
