package pack

import (
	"context"
	"strings"
	"testing"

	"github.com/stackbound/opscore/pkg/envelope"
	"github.com/stackbound/opscore/pkg/projection"
	"github.com/stackbound/opscore/pkg/runtime"
)

type stubPack struct {
	manifest Manifest
	handlers map[string]runtime.Handler
	defs     []projection.Definition
	schemas  map[string]string
}

func (p *stubPack) Manifest() Manifest                   { return p.manifest }
func (p *stubPack) Handlers() map[string]runtime.Handler { return p.handlers }
func (p *stubPack) Projections() []projection.Definition { return p.defs }
func (p *stubPack) Schemas() map[string]string           { return p.schemas }

func noopHandler(ctx context.Context, cmd *envelope.Command, rc *runtime.Context) ([]*envelope.Event, error) {
	return nil, nil
}

func countDefinition(name string) projection.Definition {
	return projection.Definition{
		Name:    name,
		Version: "1.0.0",
		Init:    func() interface{} { return 0 },
		Apply: func(state interface{}, ev *envelope.Event) interface{} {
			return state.(int) + 1
		},
	}
}

func newStubPack(id string, commandTypes ...string) *stubPack {
	handlers := map[string]runtime.Handler{}
	for _, ct := range commandTypes {
		handlers[ct] = noopHandler
	}
	return &stubPack{
		manifest: Manifest{PackID: id, Name: id, Version: "1.0.0"},
		handlers: handlers,
		defs:     []projection.Definition{countDefinition(id + ".count")},
	}
}

func TestManifest_SealAndValidate(t *testing.T) {
	m := Manifest{PackID: "notes", Name: "Notes", Version: "1.2.3"}
	if err := m.Seal(); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(m.ContentHash, "sha256:") {
		t.Errorf("content hash %q lacks sha256 prefix", m.ContentHash)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("sealed manifest must validate: %v", err)
	}

	tampered := m
	tampered.Description = "changed after sealing"
	if err := tampered.Validate(); err == nil {
		t.Errorf("tampered manifest must fail validation")
	}
}

func TestManifest_RejectsBadVersion(t *testing.T) {
	m := Manifest{PackID: "notes", Name: "Notes", Version: "not-semver"}
	if err := m.Validate(); err == nil {
		t.Errorf("non-semver version must be rejected")
	}
}

func TestRegistry_MergesPacks(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newStubPack("tasks", "task.create", "task.done")); err != nil {
		t.Fatalf("register tasks: %v", err)
	}
	if err := reg.Register(newStubPack("notes", "note.record")); err != nil {
		t.Fatalf("register notes: %v", err)
	}

	handlers := reg.Handlers()
	for _, ct := range []string{"task.create", "task.done", "note.record"} {
		if _, ok := handlers[ct]; !ok {
			t.Errorf("merged handlers missing %q", ct)
		}
	}
	if _, ok := reg.Projections().Get("tasks.count", "1.0.0"); !ok {
		t.Errorf("merged projections missing tasks.count")
	}

	manifests := reg.Manifests()
	if len(manifests) != 2 || manifests[0].PackID != "notes" {
		t.Errorf("manifests not sorted by pack id: %+v", manifests)
	}
}

func TestRegistry_RejectsCommandCollision(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(newStubPack("tasks", "task.create")); err != nil {
		t.Fatalf("register tasks: %v", err)
	}
	err := reg.Register(newStubPack("tasks2", "task.create"))
	if err == nil || !strings.Contains(err.Error(), "task.create") {
		t.Errorf("expected command collision error, got %v", err)
	}
}

func TestRegistry_MergesSchemas(t *testing.T) {
	reg := NewRegistry()
	p := newStubPack("tasks", "task.create")
	p.schemas = map[string]string{
		"task.create": `{"type":"object","required":["name"],"properties":{"name":{"type":"string"}}}`,
	}
	if err := reg.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	schemas := reg.Schemas()
	if err := schemas.Validate("task.create", map[string]interface{}{"name": "ship"}); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
	if err := schemas.Validate("task.create", map[string]interface{}{}); err == nil {
		t.Errorf("payload missing required field must be rejected")
	}
}

func TestRegistry_RejectsSchemaCollision(t *testing.T) {
	reg := NewRegistry()
	schema := `{"type":"object"}`

	first := newStubPack("alpha", "alpha.x")
	first.schemas = map[string]string{"shared.op": schema}
	second := newStubPack("beta", "beta.x")
	second.schemas = map[string]string{"shared.op": schema}

	if err := reg.Register(first); err != nil {
		t.Fatalf("register alpha: %v", err)
	}
	err := reg.Register(second)
	if err == nil || !strings.Contains(err.Error(), "shared.op") {
		t.Errorf("expected schema collision error, got %v", err)
	}
}

func TestRegistry_RejectsProjectionCollision(t *testing.T) {
	reg := NewRegistry()
	first := newStubPack("alpha", "alpha.x")
	second := newStubPack("beta", "beta.x")
	second.defs = []projection.Definition{countDefinition("alpha.count")}

	if err := reg.Register(first); err != nil {
		t.Fatalf("register alpha: %v", err)
	}
	if err := reg.Register(second); err == nil {
		t.Errorf("expected projection collision error")
	}
}
