// Package envelope defines the command and event envelope contracts for the
// opscore substrate: the metadata wrapper (actor, correlation, timestamps,
// versioning) carried alongside every command or event payload, plus the
// validators that gate entry into the command runtime and event store.
package envelope

import (
	"fmt"
	"time"

	"github.com/stackbound/opscore/pkg/canonicalize"
)

// EnvelopeVersion is the current envelope format version. Bumped only on
// breaking changes to the wire shape.
const EnvelopeVersion = "1.0.0"

// DedupeScopeTarget derives the dedupe scope key from the command's
// target_ref. Any other dedupe_scope string is used as the scope key as-is,
// allowing cross-target dedupe.
const DedupeScopeTarget = "target"

// Event is an immutable fact. Created once by a command handler, appended
// exactly once, never mutated or deleted. The payload is opaque to the
// substrate.
type Event struct {
	EventID              string                 `json:"event_id"`
	EventType            string                 `json:"event_type"`
	Payload              map[string]interface{} `json:"payload,omitempty"`
	OccurredAt           time.Time              `json:"occurred_at"`
	IngestedAt           time.Time              `json:"ingested_at,omitempty"`
	CorrelationID        string                 `json:"correlation_id"`
	CausationID          string                 `json:"causation_id,omitempty"`
	CausationType        string                 `json:"causation_type,omitempty"`
	SourceRef            string                 `json:"source_ref,omitempty"`
	SourceSequence       int64                  `json:"source_sequence,omitempty"`
	Actor                string                 `json:"actor"`
	EnvelopeVersion      string                 `json:"envelope_version"`
	PayloadSchemaVersion string                 `json:"payload_schema_version,omitempty"`
}

// Command is a request to change state.
type Command struct {
	CommandID      string                 `json:"command_id"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	CommandType    string                 `json:"command_type"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	TargetRef      string                 `json:"target_ref"`
	DedupeScope    string                 `json:"dedupe_scope"`
	CorrelationID  string                 `json:"correlation_id"`
	CausationID    string                 `json:"causation_id,omitempty"`
	Actor          string                 `json:"actor"`
	RequestedAt    time.Time              `json:"requested_at"`
}

// OutcomeStatus is the terminal status of command processing.
type OutcomeStatus string

const (
	OutcomeAccepted  OutcomeStatus = "accepted"
	OutcomeRejected  OutcomeStatus = "rejected"
	OutcomeDuplicate OutcomeStatus = "duplicate"
)

// Outcome is the result of processing a command. Created once by the command
// runtime, immutable afterward, retrievable by idempotency key.
type Outcome struct {
	CommandID      string        `json:"command_id"`
	Status         OutcomeStatus `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	Retryable      bool          `json:"retryable,omitempty"`
	ProducedEvents []string      `json:"produced_events,omitempty"`
}

// ScopeKey derives the dedupe scope key for the command: the "target" scope
// maps to the command's target_ref, any other literal scope string is used
// as-is.
func (c *Command) ScopeKey() string {
	if c.DedupeScope == "" || c.DedupeScope == DedupeScopeTarget {
		return c.TargetRef
	}
	return c.DedupeScope
}

// EffectiveIdempotencyKey returns the command's idempotency key, defaulting
// to a content hash of {command_type, payload} when the caller omitted one.
func (c *Command) EffectiveIdempotencyKey() (string, error) {
	if c.IdempotencyKey != "" {
		return c.IdempotencyKey, nil
	}
	return canonicalize.DeterministicID(map[string]interface{}{
		"command_type": c.CommandType,
		"payload":      c.Payload,
	})
}

// PayloadHash is the content hash of {command_type, payload}, used by the
// command log to detect command_id reuse under a different payload.
func (c *Command) PayloadHash() (string, error) {
	return canonicalize.CanonicalHash(map[string]interface{}{
		"command_type": c.CommandType,
		"payload":      c.Payload,
	})
}

// NewEvent builds an event envelope with a deterministic content-addressed
// event ID derived from the event's type, payload, occurrence time, and
// correlation.
func NewEvent(eventType string, payload map[string]interface{}, actor, correlationID string, occurredAt time.Time) (*Event, error) {
	occurredAt = occurredAt.UTC()
	id, err := canonicalize.DeterministicID(map[string]interface{}{
		"event_type":     eventType,
		"payload":        payload,
		"occurred_at":    occurredAt.Format(time.RFC3339Nano),
		"correlation_id": correlationID,
	})
	if err != nil {
		return nil, fmt.Errorf("envelope: event id derivation failed: %w", err)
	}
	return &Event{
		EventID:         id,
		EventType:       eventType,
		Payload:         payload,
		OccurredAt:      occurredAt,
		CorrelationID:   correlationID,
		Actor:           actor,
		EnvelopeVersion: EnvelopeVersion,
	}, nil
}

// NewRandomEvent builds an event envelope with a random (non content
// addressed) event ID, for sources where content addressing is
// inappropriate.
func NewRandomEvent(eventType string, payload map[string]interface{}, actor, correlationID string, occurredAt time.Time) *Event {
	return &Event{
		EventID:         canonicalize.RandomID(),
		EventType:       eventType,
		Payload:         payload,
		OccurredAt:      occurredAt.UTC(),
		CorrelationID:   correlationID,
		Actor:           actor,
		EnvelopeVersion: EnvelopeVersion,
	}
}

// NewCommand builds a command envelope with a deterministic command ID. The
// dedupe scope defaults to "target" and correlation to a fresh random ID.
func NewCommand(commandType string, payload map[string]interface{}, targetRef, actor string, requestedAt time.Time) (*Command, error) {
	requestedAt = requestedAt.UTC()
	id, err := canonicalize.DeterministicID(map[string]interface{}{
		"command_type": commandType,
		"payload":      payload,
		"target_ref":   targetRef,
		"requested_at": requestedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("envelope: command id derivation failed: %w", err)
	}
	return &Command{
		CommandID:     id,
		CommandType:   commandType,
		Payload:       payload,
		TargetRef:     targetRef,
		DedupeScope:   DedupeScopeTarget,
		CorrelationID: canonicalize.RandomID(),
		Actor:         actor,
		RequestedAt:   requestedAt,
	}, nil
}
