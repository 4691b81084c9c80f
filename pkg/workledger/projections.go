package workledger

import (
	"github.com/stackbound/opscore/pkg/envelope"
	"github.com/stackbound/opscore/pkg/projection"
)

// Projection identifiers.
const (
	TasksProjectionName      = "work.tasks"
	ReadyQueueProjectionName = "work.ready_queue"
	ProjectionVersion        = "1.0.0"
)

// TasksProjection folds the stream into the full per-item state map.
func TasksProjection() projection.Definition {
	return projection.Definition{
		Name:    TasksProjectionName,
		Version: ProjectionVersion,
		Init: func() interface{} {
			return map[string]*WorkItem{}
		},
		Apply: func(state interface{}, ev *envelope.Event) interface{} {
			items := state.(map[string]*WorkItem)
			applyToItems(items, ev)
			return items
		},
	}
}

// ReadyQueue is the ready-queue projection state. Only the sorted ready
// list is serialized; the item map it is derived from stays internal so the
// content hash covers exactly the queue.
type ReadyQueue struct {
	Ready []string `json:"ready"`

	items map[string]*WorkItem
}

// ReadyQueueProjection folds the stream into the sorted list of item IDs
// that are ready to be worked on.
func ReadyQueueProjection() projection.Definition {
	return projection.Definition{
		Name:    ReadyQueueProjectionName,
		Version: ProjectionVersion,
		Init: func() interface{} {
			return &ReadyQueue{Ready: []string{}, items: map[string]*WorkItem{}}
		},
		Apply: func(state interface{}, ev *envelope.Event) interface{} {
			queue := state.(*ReadyQueue)
			applyToItems(queue.items, ev)
			queue.Ready = readyIDs(queue.items)
			return queue
		},
	}
}
