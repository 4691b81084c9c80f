// Package workledger tracks work items and their dependency graph as a pure
// reducer over the event stream. Items move between open/completed, can be
// blocked, and become ready once every dependency has completed.
package workledger

import (
	"sort"

	"github.com/stackbound/opscore/pkg/envelope"
)

// Event types folded by the ledger reducers.
const (
	EventWorkCreated       = "work.created"
	EventDependencyAdded   = "work.dependency_added"
	EventDependencyRemoved = "work.dependency_removed"
	EventWorkBlocked       = "work.blocked"
	EventWorkUnblocked     = "work.unblocked"
	EventWorkCompleted     = "work.completed"
)

// Command types handled by the pack.
const (
	CommandCreate           = "work.create"
	CommandAddDependency    = "work.add_dependency"
	CommandRemoveDependency = "work.remove_dependency"
	CommandBlock            = "work.block"
	CommandUnblock          = "work.unblock"
	CommandComplete         = "work.complete"
)

// Item statuses.
const (
	StatusOpen      = "open"
	StatusCompleted = "completed"
)

// WorkItem is the per-item state the Tasks projection maintains.
// Dependencies is kept sorted and deduplicated so the serialized state, and
// therefore its content hash, is deterministic.
type WorkItem struct {
	ID           string   `json:"id"`
	Title        string   `json:"title,omitempty"`
	Status       string   `json:"status"`
	Blocked      bool     `json:"blocked"`
	BlockReason  string   `json:"block_reason,omitempty"`
	Dependencies []string `json:"dependencies"`
}

func (w *WorkItem) clone() *WorkItem {
	out := *w
	out.Dependencies = append([]string(nil), w.Dependencies...)
	return &out
}

func (w *WorkItem) hasDependency(depID string) bool {
	for _, d := range w.Dependencies {
		if d == depID {
			return true
		}
	}
	return false
}

// normalizeDeps sorts, deduplicates, and drops self-references.
func normalizeDeps(id string, deps []string) []string {
	seen := make(map[string]struct{}, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if d == "" || d == id {
			continue
		}
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// applyToItems folds one event into the item map. Unknown event types and
// events referencing unknown items leave the map unchanged: the reducer
// trusts only what the stream proves.
func applyToItems(items map[string]*WorkItem, ev *envelope.Event) {
	id, _ := ev.Payload["work_id"].(string)
	if id == "" {
		return
	}

	switch ev.EventType {
	case EventWorkCreated:
		if _, exists := items[id]; exists {
			return
		}
		title, _ := ev.Payload["title"].(string)
		items[id] = &WorkItem{
			ID:           id,
			Title:        title,
			Status:       StatusOpen,
			Dependencies: normalizeDeps(id, payloadStrings(ev.Payload["dependencies"])),
		}

	case EventDependencyAdded:
		item, exists := items[id]
		depID, _ := ev.Payload["dep_id"].(string)
		if !exists || depID == "" || depID == id || item.hasDependency(depID) {
			return
		}
		next := item.clone()
		next.Dependencies = normalizeDeps(id, append(next.Dependencies, depID))
		items[id] = next

	case EventDependencyRemoved:
		item, exists := items[id]
		depID, _ := ev.Payload["dep_id"].(string)
		if !exists || depID == "" || !item.hasDependency(depID) {
			return
		}
		next := item.clone()
		deps := next.Dependencies[:0]
		for _, d := range next.Dependencies {
			if d != depID {
				deps = append(deps, d)
			}
		}
		next.Dependencies = deps
		items[id] = next

	case EventWorkBlocked:
		item, exists := items[id]
		if !exists {
			return
		}
		next := item.clone()
		next.Blocked = true
		next.BlockReason, _ = ev.Payload["reason"].(string)
		items[id] = next

	case EventWorkUnblocked:
		item, exists := items[id]
		if !exists {
			return
		}
		next := item.clone()
		next.Blocked = false
		next.BlockReason = ""
		items[id] = next

	case EventWorkCompleted:
		item, exists := items[id]
		if !exists || item.Status == StatusCompleted {
			return
		}
		next := item.clone()
		next.Status = StatusCompleted
		items[id] = next
	}
}

// isReady reports whether an item can be worked on now: open, unblocked,
// and every dependency resolves to a completed item. A dependency id with
// no corresponding item counts as unsatisfied, so a dangling reference
// never unblocks work.
func isReady(items map[string]*WorkItem, item *WorkItem) bool {
	if item.Status != StatusOpen || item.Blocked {
		return false
	}
	for _, depID := range item.Dependencies {
		dep, exists := items[depID]
		if !exists || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// readyIDs computes the lexicographically sorted ready list.
func readyIDs(items map[string]*WorkItem) []string {
	out := make([]string, 0)
	for id, item := range items {
		if isReady(items, item) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// dependencyClosesCycle reports whether drawing an edge from -> to would
// create a cycle, walking only edges between items that currently exist.
func dependencyClosesCycle(items map[string]*WorkItem, from, to string) bool {
	if from == to {
		return true
	}
	visited := map[string]bool{}
	var walk func(id string) bool
	walk = func(id string) bool {
		if id == from {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		item, exists := items[id]
		if !exists {
			return false
		}
		for _, dep := range item.Dependencies {
			if walk(dep) {
				return true
			}
		}
		return false
	}
	return walk(to)
}

func payloadStrings(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
