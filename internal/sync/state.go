package sync

import "slices"

// State is the synchronization lifecycle state of a stored entity.
type State string

const (
	// StateLocal means the entity exists only locally and is waiting for
	// the dispatcher to push it (or push it again after an edit).
	StateLocal State = "local"
	// StatePushing means a remote call for this entity is in flight.
	StatePushing State = "pushing"
	// StateSynced means the local copy matches the last confirmed remote state.
	StateSynced State = "synced"
	// StateFailed means the last push was rejected or exhausted its retry
	// budget. Recoverable via Recreate, never dropped silently.
	StateFailed State = "failed"
)

// Op is the remote operation an entity is waiting to have confirmed.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// validTransitions defines the allowed state graph. Every sync_state write
// in the store corresponds to exactly one of these edges; nothing else may
// touch the column.
var validTransitions = map[State][]State{
	StateLocal:   {StatePushing},
	StatePushing: {StateSynced, StateFailed, StateLocal},
	StateSynced:  {StateLocal},
	StateFailed:  {StateLocal},
}

// CanTransition reports whether the edge from -> to is part of the
// lifecycle graph.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Record is the sync-relevant projection of a stored entity, independent
// of its payload type. The dispatcher and state machine operate on
// records only; payloads are loaded by the kind-specific pusher.
type Record struct {
	ID        string
	Owner     string
	State     State
	Op        Op
	Attempts  int
	RetryAt   int64
	LastError string
}
