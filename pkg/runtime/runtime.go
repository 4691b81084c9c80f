// Package runtime orchestrates command processing: envelope validation, the
// idempotency gate, handler dispatch, event appending, and outcome
// recording. Handlers are pluggable per pack through an explicit,
// statically-constructed map built at the composition root.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stackbound/opscore/pkg/canonicalize"
	"github.com/stackbound/opscore/pkg/commandlog"
	"github.com/stackbound/opscore/pkg/envelope"
	"github.com/stackbound/opscore/pkg/eventstore"
	"github.com/stackbound/opscore/pkg/projection"
)

// Handler processes one command type, returning the events it produced or an
// error. A PreconditionError (or any other error) becomes a rejected outcome
// recorded in the command log, so retries observe the same rejection instead
// of re-running side effects.
type Handler func(ctx context.Context, cmd *envelope.Command, rc *Context) ([]*envelope.Event, error)

// PreconditionError is a handler-level business rule violation: a rejected
// outcome, not a store-level failure.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

// Preconditionf builds a PreconditionError.
func Preconditionf(format string, args ...interface{}) error {
	return &PreconditionError{Reason: fmt.Sprintf(format, args...)}
}

// Runtime executes commands against an event store and command log.
type Runtime struct {
	store       eventstore.Store
	log         commandlog.Log
	projections *projection.Registry
	handlers    map[string]Handler
	schemas     *envelope.SchemaRegistry
	clock       func() time.Time
	logger      *slog.Logger
	tracer      trace.Tracer
	commands    metric.Int64Counter
	appended    metric.Int64Counter
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithSchemas enables per-type payload schema validation before dispatch.
func WithSchemas(schemas *envelope.SchemaRegistry) Option {
	return func(r *Runtime) { r.schemas = schemas }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) { r.logger = logger }
}

// WithClock overrides the clock for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Runtime) { r.clock = clock }
}

// New builds a Runtime. The handler map is the extension point external
// packs implement; it is fixed at construction time.
func New(store eventstore.Store, log commandlog.Log, projections *projection.Registry, handlers map[string]Handler, opts ...Option) *Runtime {
	r := &Runtime{
		store:       store,
		log:         log,
		projections: projections,
		handlers:    handlers,
		clock:       time.Now,
		logger:      slog.Default(),
		tracer:      otel.Tracer("opscore/runtime"),
	}
	for _, opt := range opts {
		opt(r)
	}

	meter := otel.Meter("opscore/runtime")
	if counter, err := meter.Int64Counter("opscore.commands",
		metric.WithDescription("Commands processed, by outcome status")); err == nil {
		r.commands = counter
	}
	if counter, err := meter.Int64Counter("opscore.events.appended",
		metric.WithDescription("Events appended by command handlers")); err == nil {
		r.appended = counter
	}
	return r
}

// Execute runs the full command pipeline and returns the outcome.
//
// Malformed envelopes and idempotency violations are rejected before any
// event is appended. Duplicate submissions return the stored outcome
// unchanged with no handler invocation. An in-flight key yields a rejected,
// retryable outcome. Infrastructure failures (event store or command log
// I/O) propagate as errors; the in-flight lease eventually frees the key.
func (r *Runtime) Execute(ctx context.Context, cmd *envelope.Command) (*envelope.Outcome, error) {
	ctx, span := r.tracer.Start(ctx, "runtime.Execute",
		trace.WithAttributes(attribute.String("command.type", cmd.CommandType)))
	defer span.End()

	if err := envelope.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	if r.schemas != nil {
		if err := r.schemas.Validate(cmd.CommandType, cmd.Payload); err != nil {
			return nil, err
		}
	}

	idemKey, err := cmd.EffectiveIdempotencyKey()
	if err != nil {
		return nil, err
	}
	payloadHash, err := cmd.PayloadHash()
	if err != nil {
		return nil, err
	}

	start, err := r.log.TryStart(ctx, commandlog.StartRequest{
		CommandID:      cmd.CommandID,
		IdempotencyKey: idemKey,
		DedupeScope:    cmd.DedupeScope,
		ScopeKey:       cmd.ScopeKey(),
		PayloadHash:    payloadHash,
	})
	if err != nil {
		return nil, err
	}

	switch start.Status {
	case commandlog.StartDuplicate:
		r.count(ctx, cmd, "duplicate")
		r.logger.Debug("duplicate command submission",
			"command_type", cmd.CommandType, "command_id", cmd.CommandID)
		return start.Outcome, nil

	case commandlog.StartInFlight:
		r.count(ctx, cmd, "in_flight")
		return &envelope.Outcome{
			CommandID: cmd.CommandID,
			Status:    envelope.OutcomeRejected,
			Reason:    "command is already in flight for this idempotency key",
			Retryable: true,
		}, nil
	}

	outcome, err := r.process(ctx, cmd)
	if err != nil {
		return nil, err
	}

	if err := r.log.Complete(ctx, cmd.CommandID, outcome); err != nil {
		return nil, fmt.Errorf("runtime: record outcome for %s: %w", cmd.CommandID, err)
	}

	r.count(ctx, cmd, string(outcome.Status))
	return outcome, nil
}

// process dispatches to the handler and appends produced events. Returned
// errors are infrastructure failures; business rejections come back as
// rejected outcomes.
func (r *Runtime) process(ctx context.Context, cmd *envelope.Command) (*envelope.Outcome, error) {
	handler, ok := r.handlers[cmd.CommandType]
	if !ok {
		return &envelope.Outcome{
			CommandID: cmd.CommandID,
			Status:    envelope.OutcomeRejected,
			Reason:    fmt.Sprintf("no handler registered for command type %q", cmd.CommandType),
		}, nil
	}

	rc := &Context{
		Events:      r.store,
		Commands:    r.log,
		Projections: r.projections,
		runtime:     r,
		parent:      cmd,
	}

	events, err := handler(ctx, cmd, rc)
	if err != nil {
		reason := err.Error()
		var pre *PreconditionError
		if errors.As(err, &pre) {
			reason = pre.Reason
		}
		r.logger.Info("command rejected",
			"command_type", cmd.CommandType, "command_id", cmd.CommandID, "reason", reason)
		return &envelope.Outcome{
			CommandID: cmd.CommandID,
			Status:    envelope.OutcomeRejected,
			Reason:    reason,
		}, nil
	}

	produced := make([]string, 0, len(events))
	for _, ev := range events {
		r.stamp(cmd, ev)
		if err := r.store.Append(ctx, ev); err != nil {
			return nil, fmt.Errorf("runtime: append event %s for command %s: %w",
				ev.EventID, cmd.CommandID, err)
		}
		produced = append(produced, ev.EventID)
		if r.appended != nil {
			r.appended.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event.type", ev.EventType)))
		}
	}

	outcome := &envelope.Outcome{
		CommandID: cmd.CommandID,
		Status:    envelope.OutcomeAccepted,
	}
	if len(produced) > 0 {
		outcome.ProducedEvents = produced
	}
	return outcome, nil
}

// stamp fills envelope fields handlers commonly leave to the runtime:
// correlation inherited from the command, causation pointing at it.
func (r *Runtime) stamp(cmd *envelope.Command, ev *envelope.Event) {
	if ev.CorrelationID == "" {
		ev.CorrelationID = cmd.CorrelationID
	}
	if ev.CausationID == "" {
		ev.CausationID = cmd.CommandID
		ev.CausationType = "command"
	}
	if ev.Actor == "" {
		ev.Actor = cmd.Actor
	}
	if ev.EnvelopeVersion == "" {
		ev.EnvelopeVersion = envelope.EnvelopeVersion
	}
}

func (r *Runtime) count(ctx context.Context, cmd *envelope.Command, status string) {
	if r.commands == nil {
		return
	}
	r.commands.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command.type", cmd.CommandType),
		attribute.String("outcome.status", status)))
}

// Context is handed to handlers: the substrate surfaces a pack may consume
// while processing one command.
type Context struct {
	Events      eventstore.Store
	Commands    commandlog.Log
	Projections *projection.Registry

	runtime *Runtime
	parent  *envelope.Command
}

// Rebuild folds a registered projection over the event stream; the one read
// path handlers use to consult current state.
func (c *Context) Rebuild(ctx context.Context, name, version string) (*projection.Result, error) {
	return c.Projections.Rebuild(ctx, name, version, c.Events)
}

// DispatchChild executes a follow-up command from within a handler. The
// child gets a fresh command_id and idempotency_key but inherits the
// parent's correlation_id, and its causation points at the parent command,
// preserving a traceable causality chain across packs.
func (c *Context) DispatchChild(ctx context.Context, child *envelope.Command) (*envelope.Outcome, error) {
	child.CommandID = canonicalize.RandomID()
	child.IdempotencyKey = canonicalize.RandomID()
	child.CorrelationID = c.parent.CorrelationID
	child.CausationID = c.parent.CommandID
	if child.Actor == "" {
		child.Actor = c.parent.Actor
	}
	if child.RequestedAt.IsZero() {
		child.RequestedAt = c.runtime.clock().UTC()
	}
	return c.runtime.Execute(ctx, child)
}
