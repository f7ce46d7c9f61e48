package trigger

import (
	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
)

// State is the persisted lifecycle state of a trigger.
type State string

const (
	// StateWaiting means the trigger is eligible for acquisition.
	StateWaiting State = "WAITING"
	// StateAcquired means an instance claimed the trigger and recorded a
	// fired entry for it.
	StateAcquired State = "ACQUIRED"
	// StateExecuting means the trigger's job is running.
	StateExecuting State = "EXECUTING"
	// StateComplete means the trigger has no further fire time.
	StateComplete State = "COMPLETE"
	// StatePaused means the trigger or its group was paused.
	StatePaused State = "PAUSED"
	// StateBlocked means the trigger's stateful job is executing elsewhere.
	StateBlocked State = "BLOCKED"
	// StatePausedBlocked means paused while blocked.
	StatePausedBlocked State = "PAUSED_BLOCKED"
	// StateError means the trigger could not be fired.
	StateError State = "ERROR"
	// StateDeleted is the tombstone written before physical removal.
	StateDeleted State = "DELETED"
)

// States lists every state.
var States = []State{
	StateWaiting, StateAcquired, StateExecuting, StateComplete, StatePaused,
	StateBlocked, StatePausedBlocked, StateError, StateDeleted,
}

// ParseState validates a stored state string. Unknown strings are row
// anomalies reported as beacon.ErrUnknownState.
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", errors.Wrapf(beacon.ErrUnknownState, "trigger state %q", s)
}

// IsTerminal reports whether the trigger will never be acquired again.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateError || s == StateDeleted
}

// IsPaused reports whether s is one of the paused states.
func (s State) IsPaused() bool {
	return s == StatePaused || s == StatePausedBlocked
}

// Event is a lifecycle input applied to a trigger.
type Event string

// Events.
const (
	EventAcquire       Event = "acquire"
	EventRelease       Event = "release"
	EventFire          Event = "fire"
	EventFireBlocked   Event = "fire-blocked"
	EventComplete      Event = "complete"
	EventCompleteFinal Event = "complete-final"
	EventError         Event = "error"
	EventBlock         Event = "block"
	EventUnblock       Event = "unblock"
	EventPause         Event = "pause"
	EventResume        Event = "resume"
	EventDelete        Event = "delete"
)

type edge struct {
	from, to State
}

// transitions is the complete state table. Anything absent is rejected.
var transitions = map[Event][]edge{
	EventAcquire: {
		{StateWaiting, StateAcquired},
	},
	EventRelease: {
		{StateAcquired, StateWaiting},
		{StateExecuting, StateWaiting},
		{StateBlocked, StateWaiting},
		{StatePausedBlocked, StatePaused},
	},
	EventFire: {
		{StateAcquired, StateExecuting},
	},
	EventFireBlocked: {
		{StateAcquired, StateBlocked},
	},
	EventComplete: {
		{StateExecuting, StateWaiting},
	},
	EventCompleteFinal: {
		{StateExecuting, StateComplete},
	},
	EventError: {
		{StateWaiting, StateError},
		{StateAcquired, StateError},
		{StateExecuting, StateError},
		{StateBlocked, StateError},
		{StatePaused, StateError},
		{StatePausedBlocked, StateError},
	},
	EventBlock: {
		{StateWaiting, StateBlocked},
		{StatePaused, StatePausedBlocked},
	},
	EventUnblock: {
		{StateBlocked, StateWaiting},
		{StatePausedBlocked, StatePaused},
	},
	EventPause: {
		{StateWaiting, StatePaused},
		{StateAcquired, StatePaused},
		{StateBlocked, StatePausedBlocked},
	},
	EventResume: {
		{StatePaused, StateWaiting},
		{StatePausedBlocked, StateBlocked},
	},
	EventDelete: {
		{StateWaiting, StateDeleted},
		{StateAcquired, StateDeleted},
		{StateExecuting, StateDeleted},
		{StateComplete, StateDeleted},
		{StatePaused, StateDeleted},
		{StateBlocked, StateDeleted},
		{StatePausedBlocked, StateDeleted},
		{StateError, StateDeleted},
	},
}

// CanTransition returns the state reached by applying ev in from.
func CanTransition(from State, ev Event) (State, bool) {
	for _, e := range transitions[ev] {
		if e.from == from {
			return e.to, true
		}
	}
	return "", false
}

// Move is one conditional update: every trigger in one of From moves to To.
type Move struct {
	To   State
	From []State
}

// Moves groups the edges of ev by target state, in table order.
func Moves(ev Event) []Move {
	var moves []Move
	index := make(map[State]int)
	for _, e := range transitions[ev] {
		i, ok := index[e.to]
		if !ok {
			i = len(moves)
			index[e.to] = i
			moves = append(moves, Move{To: e.to})
		}
		moves[i].From = append(moves[i].From, e.from)
	}
	return moves
}

// Sources returns every state ev applies to.
func Sources(ev Event) []State {
	out := make([]State, 0, len(transitions[ev]))
	for _, e := range transitions[ev] {
		out = append(out, e.from)
	}
	return out
}
