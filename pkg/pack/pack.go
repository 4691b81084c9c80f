package pack

import (
	"fmt"
	"sort"

	"github.com/stackbound/opscore/pkg/envelope"
	"github.com/stackbound/opscore/pkg/projection"
	"github.com/stackbound/opscore/pkg/runtime"
)

// Pack contributes command handlers, projections, and payload schemas under
// a sealed manifest. Schemas maps command types to JSON Schema documents;
// the runtime validates each payload against its type's schema before
// dispatch. An empty map opts the pack out of payload validation.
type Pack interface {
	Manifest() Manifest
	Handlers() map[string]runtime.Handler
	Projections() []projection.Definition
	Schemas() map[string]string
}

// Registry merges the contributions of registered packs into the inputs the
// runtime is constructed from. Two packs claiming the same command type,
// projection key, or schema type is a wiring error surfaced at registration.
type Registry struct {
	packs      []Pack
	handlers   map[string]runtime.Handler
	handlerOwn map[string]string
	defs       *projection.Registry
	defOwn     map[string]string
	schemas    *envelope.SchemaRegistry
	schemaOwn  map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		handlers:   make(map[string]runtime.Handler),
		handlerOwn: make(map[string]string),
		defs:       projection.NewRegistry(),
		defOwn:     make(map[string]string),
		schemas:    envelope.NewSchemaRegistry(),
		schemaOwn:  make(map[string]string),
	}
}

// Register validates the pack's manifest and merges its handlers and
// projections, rejecting collisions with previously registered packs.
func (r *Registry) Register(p Pack) error {
	manifest := p.Manifest()
	if err := manifest.Validate(); err != nil {
		return err
	}

	for commandType, handler := range p.Handlers() {
		if owner, taken := r.handlerOwn[commandType]; taken {
			return fmt.Errorf("pack: command type %q claimed by both %s and %s",
				commandType, owner, manifest.PackID)
		}
		r.handlers[commandType] = handler
		r.handlerOwn[commandType] = manifest.PackID
	}

	for _, def := range p.Projections() {
		if owner, taken := r.defOwn[def.Key()]; taken {
			return fmt.Errorf("pack: projection %s claimed by both %s and %s",
				def.Key(), owner, manifest.PackID)
		}
		if err := r.defs.Register(def); err != nil {
			return fmt.Errorf("pack: register projection for %s: %w", manifest.PackID, err)
		}
		r.defOwn[def.Key()] = manifest.PackID
	}

	for typeName, schemaJSON := range p.Schemas() {
		if owner, taken := r.schemaOwn[typeName]; taken {
			return fmt.Errorf("pack: schema for %q claimed by both %s and %s",
				typeName, owner, manifest.PackID)
		}
		if err := r.schemas.Register(typeName, schemaJSON); err != nil {
			return fmt.Errorf("pack: register schema for %s: %w", manifest.PackID, err)
		}
		r.schemaOwn[typeName] = manifest.PackID
	}

	r.packs = append(r.packs, p)
	return nil
}

// Handlers returns the merged command handler map.
func (r *Registry) Handlers() map[string]runtime.Handler {
	return r.handlers
}

// Projections returns the merged projection registry.
func (r *Registry) Projections() *projection.Registry {
	return r.defs
}

// Schemas returns the merged payload schema registry.
func (r *Registry) Schemas() *envelope.SchemaRegistry {
	return r.schemas
}

// Manifests lists registered pack manifests sorted by pack ID.
func (r *Registry) Manifests() []Manifest {
	out := make([]Manifest, 0, len(r.packs))
	for _, p := range r.packs {
		out = append(out, p.Manifest())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackID < out[j].PackID })
	return out
}
