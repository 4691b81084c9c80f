package workledger

import (
	"context"
	"fmt"

	"github.com/stackbound/opscore/pkg/envelope"
	"github.com/stackbound/opscore/pkg/pack"
	"github.com/stackbound/opscore/pkg/projection"
	"github.com/stackbound/opscore/pkg/runtime"
)

// Pack wires the work ledger's handlers and projections into the runtime.
type Pack struct {
	manifest pack.Manifest
}

// New builds the work ledger pack with a sealed manifest.
func New() *Pack {
	m := pack.Manifest{
		PackID:      "work",
		Name:        "Work Ledger",
		Version:     "1.0.0",
		Description: "Work items with dependency tracking and a ready queue.",
	}
	// Sealing a static manifest cannot fail; Validate tolerates an empty
	// hash if it ever did.
	_ = m.Seal()
	return &Pack{manifest: m}
}

func (p *Pack) Manifest() pack.Manifest { return p.manifest }

func (p *Pack) Handlers() map[string]runtime.Handler {
	return map[string]runtime.Handler{
		CommandCreate:           handleCreate,
		CommandAddDependency:    handleAddDependency,
		CommandRemoveDependency: handleRemoveDependency,
		CommandBlock:            handleBlock,
		CommandUnblock:          handleUnblock,
		CommandComplete:         handleComplete,
	}
}

func (p *Pack) Projections() []projection.Definition {
	return []projection.Definition{TasksProjection(), ReadyQueueProjection()}
}

// currentItems rebuilds the tasks projection for handler preconditions.
func currentItems(ctx context.Context, rc *runtime.Context) (map[string]*WorkItem, error) {
	res, err := rc.Rebuild(ctx, TasksProjectionName, ProjectionVersion)
	if err != nil {
		return nil, fmt.Errorf("workledger: rebuild tasks: %w", err)
	}
	return res.Data.(map[string]*WorkItem), nil
}

func workID(cmd *envelope.Command) (string, error) {
	id, _ := cmd.Payload["work_id"].(string)
	if id == "" {
		return "", runtime.Preconditionf("work_id is required")
	}
	return id, nil
}

func emit(cmd *envelope.Command, eventType string, payload map[string]interface{}) ([]*envelope.Event, error) {
	ev, err := envelope.NewEvent(eventType, payload, cmd.Actor, cmd.CorrelationID, cmd.RequestedAt)
	if err != nil {
		return nil, err
	}
	return []*envelope.Event{ev}, nil
}

func handleCreate(ctx context.Context, cmd *envelope.Command, rc *runtime.Context) ([]*envelope.Event, error) {
	id, err := workID(cmd)
	if err != nil {
		return nil, err
	}
	items, err := currentItems(ctx, rc)
	if err != nil {
		return nil, err
	}
	if _, exists := items[id]; exists {
		return nil, runtime.Preconditionf("work item %s already exists", id)
	}

	payload := map[string]interface{}{"work_id": id}
	if title, _ := cmd.Payload["title"].(string); title != "" {
		payload["title"] = title
	}
	if deps := normalizeDeps(id, payloadStrings(cmd.Payload["dependencies"])); len(deps) > 0 {
		payload["dependencies"] = deps
	}
	return emit(cmd, EventWorkCreated, payload)
}

func handleAddDependency(ctx context.Context, cmd *envelope.Command, rc *runtime.Context) ([]*envelope.Event, error) {
	id, err := workID(cmd)
	if err != nil {
		return nil, err
	}
	depID, _ := cmd.Payload["dep_id"].(string)
	if depID == "" {
		return nil, runtime.Preconditionf("dep_id is required")
	}
	if depID == id {
		return nil, runtime.Preconditionf("work item %s cannot depend on itself", id)
	}

	items, err := currentItems(ctx, rc)
	if err != nil {
		return nil, err
	}
	item, exists := items[id]
	if !exists {
		return nil, runtime.Preconditionf("work item %s does not exist", id)
	}
	if item.hasDependency(depID) {
		// Already recorded: accept without re-emitting.
		return nil, nil
	}
	// A dependency edge that would make the involved items permanently
	// unready is refused up front rather than silently wedging the graph.
	if dependencyClosesCycle(items, id, depID) {
		return nil, runtime.Preconditionf("dependency %s -> %s would create a cycle", id, depID)
	}

	return emit(cmd, EventDependencyAdded, map[string]interface{}{
		"work_id": id,
		"dep_id":  depID,
	})
}

func handleRemoveDependency(ctx context.Context, cmd *envelope.Command, rc *runtime.Context) ([]*envelope.Event, error) {
	id, err := workID(cmd)
	if err != nil {
		return nil, err
	}
	depID, _ := cmd.Payload["dep_id"].(string)
	if depID == "" {
		return nil, runtime.Preconditionf("dep_id is required")
	}

	items, err := currentItems(ctx, rc)
	if err != nil {
		return nil, err
	}
	item, exists := items[id]
	if !exists {
		return nil, runtime.Preconditionf("work item %s does not exist", id)
	}
	if !item.hasDependency(depID) {
		return nil, nil
	}

	return emit(cmd, EventDependencyRemoved, map[string]interface{}{
		"work_id": id,
		"dep_id":  depID,
	})
}

func handleBlock(ctx context.Context, cmd *envelope.Command, rc *runtime.Context) ([]*envelope.Event, error) {
	id, err := workID(cmd)
	if err != nil {
		return nil, err
	}
	items, err := currentItems(ctx, rc)
	if err != nil {
		return nil, err
	}
	if _, exists := items[id]; !exists {
		return nil, runtime.Preconditionf("work item %s does not exist", id)
	}

	payload := map[string]interface{}{"work_id": id}
	if reason, _ := cmd.Payload["reason"].(string); reason != "" {
		payload["reason"] = reason
	}
	return emit(cmd, EventWorkBlocked, payload)
}

func handleUnblock(ctx context.Context, cmd *envelope.Command, rc *runtime.Context) ([]*envelope.Event, error) {
	id, err := workID(cmd)
	if err != nil {
		return nil, err
	}
	items, err := currentItems(ctx, rc)
	if err != nil {
		return nil, err
	}
	item, exists := items[id]
	if !exists {
		return nil, runtime.Preconditionf("work item %s does not exist", id)
	}
	if !item.Blocked {
		return nil, nil
	}
	return emit(cmd, EventWorkUnblocked, map[string]interface{}{"work_id": id})
}

func handleComplete(ctx context.Context, cmd *envelope.Command, rc *runtime.Context) ([]*envelope.Event, error) {
	id, err := workID(cmd)
	if err != nil {
		return nil, err
	}
	items, err := currentItems(ctx, rc)
	if err != nil {
		return nil, err
	}
	item, exists := items[id]
	if !exists {
		return nil, runtime.Preconditionf("work item %s does not exist", id)
	}
	if item.Status == StatusCompleted {
		// Completion is idempotent: no second event, no re-fired effects.
		return nil, nil
	}
	return emit(cmd, EventWorkCompleted, map[string]interface{}{"work_id": id})
}
