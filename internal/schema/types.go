// Package schema defines the entity model for the paddock offline cache:
// the entity types that can be cached and queued, their synchronization
// states, and the mutation actions that can be recorded against them.
//
// Every cached row carries a sync state. A row is either "synced" (matches,
// or is believed to match, the remote system of record) or "pending" (has
// local edits that have not been confirmed remotely). Pending rows are
// protected: pull merges never overwrite them, and only the reconciler may
// transition them back to synced.
package schema

import "fmt"

// EntityType identifies one of the locally cached entity collections.
// Each type maps to exactly one SQLite table.
type EntityType string

const (
	EntityFarm    EntityType = "farms"
	EntityAnimal  EntityType = "animals"
	EntityProfile EntityType = "profile"
)

// Valid reports whether the entity type is one of the known collections.
func (t EntityType) Valid() bool {
	switch t {
	case EntityFarm, EntityAnimal, EntityProfile:
		return true
	}
	return false
}

// Action is a mutation intent recorded in the queue.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether the action is a known mutation kind.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// SyncState tags a cached entity row.
type SyncState string

const (
	// StateSynced means the row matches (or is assumed to match) the remote
	// system. Synced rows may be freely overwritten by pulled data.
	StateSynced SyncState = "synced"

	// StatePending means the row has local edits not yet confirmed remote.
	// Pending rows always win over pulled data until their queue entry
	// completes.
	StatePending SyncState = "pending"
)

// QueueStatus is the lifecycle state of a mutation queue entry.
type QueueStatus string

const (
	// StatusPending entries are picked up by the next drain.
	StatusPending QueueStatus = "pending"

	// StatusDone entries had a confirmed remote effect. They are retained
	// for observability but excluded from all future drains.
	StatusDone QueueStatus = "done"

	// StatusDead entries failed with a permanent remote error (a 4xx that
	// retrying cannot fix). They are parked instead of retried forever.
	StatusDead QueueStatus = "dead"
)

// ParseEntityType converts a string to an EntityType, rejecting unknown names.
func ParseEntityType(s string) (EntityType, error) {
	t := EntityType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown entity type %q", s)
	}
	return t, nil
}

// ParseAction converts a string to an Action, rejecting unknown names.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if !a.Valid() {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}
