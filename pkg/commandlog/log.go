// Package commandlog implements the idempotency ledger for command
// processing: at-most-once acceptance per idempotency key within a dedupe
// scope, with previously recorded outcomes returned verbatim on duplicate
// submission.
//
// Each (scope_key, idempotency_key) pair is in one of three states: absent,
// in-flight, or completed. TryStart is the sole serialization point for
// concurrent command submission and must be atomic in every backend.
package commandlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stackbound/opscore/pkg/envelope"
)

// State of a ledger entry.
type State string

const (
	StateInFlight  State = "in_flight"
	StateCompleted State = "completed"
)

// StartStatus is the result classification of TryStart.
type StartStatus string

const (
	// StartNew: the key was absent (or its lease expired); the caller owns
	// processing.
	StartNew StartStatus = "new"
	// StartDuplicate: the key completed earlier; the recorded outcome is
	// returned unchanged.
	StartDuplicate StartStatus = "duplicate"
	// StartInFlight: another submission holds the key; back off and retry.
	StartInFlight StartStatus = "in_flight"
)

// DefaultLeaseTTL bounds how long an in-flight entry blocks the key. A
// crashed handler would otherwise leave its key stuck in-flight forever;
// after the lease expires the key is reclaimable by the next submission.
const DefaultLeaseTTL = 30 * time.Second

// ErrNotFound indicates no ledger entry for the given lookup.
var ErrNotFound = errors.New("commandlog: entry not found")

// IdempotencyViolation is returned when a command_id is reused under a
// different payload. Surfaced, never retried.
type IdempotencyViolation struct {
	CommandID      string
	ScopeKey       string
	IdempotencyKey string
}

func (e *IdempotencyViolation) Error() string {
	return fmt.Sprintf("commandlog: command %s reused with a different payload under scope %s key %s",
		e.CommandID, e.ScopeKey, e.IdempotencyKey)
}

// StartRequest identifies a command submission to the ledger.
type StartRequest struct {
	CommandID      string `json:"command_id"`
	IdempotencyKey string `json:"idempotency_key"`
	DedupeScope    string `json:"dedupe_scope"`
	ScopeKey       string `json:"scope_key"`
	PayloadHash    string `json:"payload_hash,omitempty"`
}

// StartResult classifies the submission. Outcome is set only for duplicates.
type StartResult struct {
	Status  StartStatus       `json:"status"`
	Outcome *envelope.Outcome `json:"outcome,omitempty"`
}

// Entry is a persisted ledger record.
type Entry struct {
	ScopeKey       string            `json:"scope_key"`
	IdempotencyKey string            `json:"idempotency_key"`
	CommandID      string            `json:"command_id"`
	PayloadHash    string            `json:"payload_hash,omitempty"`
	State          State             `json:"state"`
	Outcome        *envelope.Outcome `json:"outcome,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	CompletedAt    time.Time         `json:"completed_at,omitempty"`
}

// Log is the idempotency ledger contract.
type Log interface {
	// TryStart atomically claims the (scope_key, idempotency_key) pair. Two
	// concurrent calls with the same pair never both observe StartNew.
	TryStart(ctx context.Context, req StartRequest) (*StartResult, error)

	// Complete transitions the in-flight entry owned by commandID to
	// completed, persisting the outcome durably.
	Complete(ctx context.Context, commandID string, outcome *envelope.Outcome) error

	// Record writes an entry directly. Legacy surface for callers that do
	// not need tri-state race protection.
	Record(ctx context.Context, entry Entry) error

	// RecordOutcome marks a key completed with the given outcome. Legacy
	// surface.
	RecordOutcome(ctx context.Context, scopeKey, idempotencyKey string, outcome *envelope.Outcome) error

	// GetByIdempotencyKey retrieves the entry for a key, ErrNotFound when
	// absent.
	GetByIdempotencyKey(ctx context.Context, scopeKey, idempotencyKey string) (*Entry, error)
}

// classify resolves TryStart against an existing entry under a lease policy.
// Returns the result, whether the caller should (re)claim the key, and any
// violation. Shared by the in-process backends; SQL and Redis enforce the
// same transitions atomically in their own engines.
func classify(existing *Entry, req StartRequest, now time.Time, leaseTTL time.Duration) (*StartResult, bool, error) {
	if existing == nil {
		return &StartResult{Status: StartNew}, true, nil
	}

	if existing.CommandID == req.CommandID &&
		existing.PayloadHash != "" && req.PayloadHash != "" &&
		existing.PayloadHash != req.PayloadHash {
		return nil, false, &IdempotencyViolation{
			CommandID:      req.CommandID,
			ScopeKey:       req.ScopeKey,
			IdempotencyKey: req.IdempotencyKey,
		}
	}

	switch existing.State {
	case StateCompleted:
		return &StartResult{Status: StartDuplicate, Outcome: existing.Outcome}, false, nil
	case StateInFlight:
		if leaseTTL > 0 && now.Sub(existing.StartedAt) > leaseTTL {
			// Lease expired: the original holder crashed or stalled.
			return &StartResult{Status: StartNew}, true, nil
		}
		return &StartResult{Status: StartInFlight}, false, nil
	default:
		return nil, false, fmt.Errorf("commandlog: corrupt entry state %q", existing.State)
	}
}
