package envelope

import (
	"errors"
	"testing"
	"time"
)

func validEvent() *Event {
	ev, err := NewEvent("pack.tasks.task_created",
		map[string]interface{}{"task_id": "t1"},
		"user:alice", "corr-1",
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		panic(err)
	}
	return ev
}

func validCommand() *Command {
	cmd, err := NewCommand("work.create",
		map[string]interface{}{"work_id": "w1", "title": "Ship"},
		"work:w1", "user:alice",
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	if err != nil {
		panic(err)
	}
	return cmd
}

func TestValidateEvent_Valid(t *testing.T) {
	if err := ValidateEvent(validEvent()); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
}

func TestValidateEvent_MissingFields(t *testing.T) {
	cases := []struct {
		field  string
		mutate func(*Event)
	}{
		{"event_id", func(ev *Event) { ev.EventID = "" }},
		{"event_type", func(ev *Event) { ev.EventType = "" }},
		{"occurred_at", func(ev *Event) { ev.OccurredAt = time.Time{} }},
		{"correlation_id", func(ev *Event) { ev.CorrelationID = "" }},
		{"actor", func(ev *Event) { ev.Actor = "" }},
		{"envelope_version", func(ev *Event) { ev.EnvelopeVersion = "" }},
	}

	for _, tc := range cases {
		ev := validEvent()
		tc.mutate(ev)

		err := ValidateEvent(ev)
		if err == nil {
			t.Errorf("%s: expected validation error", tc.field)
			continue
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected *ValidationError, got %T", tc.field, err)
			continue
		}
		if verr.Field != tc.field {
			t.Errorf("expected first failing field %q, got %q", tc.field, verr.Field)
		}
	}
}

func TestValidateEvent_CausationTypeRequiredWithCausationID(t *testing.T) {
	ev := validEvent()
	ev.CausationID = "cmd-1"
	ev.CausationType = ""

	err := ValidateEvent(ev)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "causation_type" {
		t.Fatalf("expected causation_type validation error, got %v", err)
	}
}

func TestValidateCommand_Valid(t *testing.T) {
	if err := ValidateCommand(validCommand()); err != nil {
		t.Fatalf("valid command rejected: %v", err)
	}
}

func TestValidateCommand_MissingFields(t *testing.T) {
	cases := []struct {
		field  string
		mutate func(*Command)
	}{
		{"command_id", func(c *Command) { c.CommandID = "" }},
		{"command_type", func(c *Command) { c.CommandType = "" }},
		{"target_ref", func(c *Command) { c.TargetRef = "" }},
		{"correlation_id", func(c *Command) { c.CorrelationID = "" }},
		{"actor", func(c *Command) { c.Actor = "" }},
		{"requested_at", func(c *Command) { c.RequestedAt = time.Time{} }},
	}

	for _, tc := range cases {
		cmd := validCommand()
		tc.mutate(cmd)

		err := ValidateCommand(cmd)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%s: expected *ValidationError, got %v", tc.field, err)
			continue
		}
		if verr.Field != tc.field {
			t.Errorf("expected first failing field %q, got %q", tc.field, verr.Field)
		}
	}
}

func TestValidateCommand_CustomScopeAllowsEmptyTarget(t *testing.T) {
	cmd := validCommand()
	cmd.TargetRef = ""
	cmd.DedupeScope = "email:msg-42"

	if err := ValidateCommand(cmd); err != nil {
		t.Fatalf("custom dedupe scope should stand in for target_ref: %v", err)
	}
}

func TestScopeKey(t *testing.T) {
	cmd := validCommand()

	if got := cmd.ScopeKey(); got != "work:w1" {
		t.Errorf("target scope: expected work:w1, got %s", got)
	}

	cmd.DedupeScope = "email:msg-42"
	if got := cmd.ScopeKey(); got != "email:msg-42" {
		t.Errorf("custom scope: expected email:msg-42, got %s", got)
	}
}

func TestEffectiveIdempotencyKey_DefaultsToPayloadHash(t *testing.T) {
	c1 := validCommand()
	c2 := validCommand()

	k1, err := c1.EffectiveIdempotencyKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	k2, err := c2.EffectiveIdempotencyKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if k1 != k2 {
		t.Errorf("identical commands must derive identical default keys")
	}

	c2.Payload["title"] = "Different"
	k3, _ := c2.EffectiveIdempotencyKey()
	if k1 == k3 {
		t.Errorf("payload change must change the derived key")
	}

	c1.IdempotencyKey = "explicit"
	k4, _ := c1.EffectiveIdempotencyKey()
	if k4 != "explicit" {
		t.Errorf("explicit key must win, got %s", k4)
	}
}

func TestNewEvent_DeterministicID(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e1, err := NewEvent("t", map[string]interface{}{"a": 1}, "actor", "corr", at)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	e2, err := NewEvent("t", map[string]interface{}{"a": 1}, "actor", "corr", at)
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	if e1.EventID != e2.EventID {
		t.Errorf("equal content must produce equal event IDs")
	}

	e3, _ := NewEvent("t", map[string]interface{}{"a": 2}, "actor", "corr", at)
	if e1.EventID == e3.EventID {
		t.Errorf("payload change must change event ID")
	}
}

func TestNewRandomEvent_UniqueIDs(t *testing.T) {
	at := time.Now()
	e1 := NewRandomEvent("t", nil, "actor", "corr", at)
	e2 := NewRandomEvent("t", nil, "actor", "corr", at)
	if e1.EventID == e2.EventID {
		t.Errorf("random event IDs must differ")
	}
}
