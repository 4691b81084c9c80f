package envelope

import (
	"errors"
	"testing"
)

const workCreateSchema = `{
	"type": "object",
	"required": ["work_id", "title"],
	"properties": {
		"work_id": {"type": "string", "minLength": 1},
		"title": {"type": "string", "minLength": 1},
		"dependencies": {"type": "array", "items": {"type": "string"}}
	}
}`

func TestSchemaRegistry_ValidPayload(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := reg.Register("work.create", workCreateSchema); err != nil {
		t.Fatalf("register: %v", err)
	}

	payload := map[string]interface{}{"work_id": "w1", "title": "Ship"}
	if err := reg.Validate("work.create", payload); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
}

func TestSchemaRegistry_InvalidPayload(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := reg.Register("work.create", workCreateSchema); err != nil {
		t.Fatalf("register: %v", err)
	}

	err := reg.Validate("work.create", map[string]interface{}{"work_id": "w1"})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if verr.Code != "SCHEMA_MISMATCH" {
		t.Errorf("expected SCHEMA_MISMATCH, got %s", verr.Code)
	}
}

func TestSchemaRegistry_UnregisteredTypeIsNoop(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := reg.Validate("unknown.type", map[string]interface{}{"x": 1}); err != nil {
		t.Errorf("unregistered type must pass unchecked: %v", err)
	}
}

func TestSchemaRegistry_BadSchemaRejected(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := reg.Register("bad", `{"type": 42}`); err == nil {
		t.Errorf("expected compile error for malformed schema")
	}
}

func TestSchemaRegistry_GoIntsAccepted(t *testing.T) {
	reg := NewSchemaRegistry()
	if err := reg.Register("counter.set", `{"type":"object","properties":{"n":{"type":"integer"}}}`); err != nil {
		t.Fatalf("register: %v", err)
	}
	// In-process payloads carry Go ints, not json.Number; the registry must
	// normalize before validating.
	if err := reg.Validate("counter.set", map[string]interface{}{"n": 3}); err != nil {
		t.Errorf("Go int payload rejected: %v", err)
	}
}
