package trigger

import (
	"context"
	"time"

	"github.com/xraph/beacon/job"
)

// AllGroupsPaused is the paused-group marker recorded by pause-all so that
// triggers stored into new groups start paused too.
const AllGroupsPaused = "_$_ALL_GROUPS_PAUSED_$_"

// MisfireQuery selects WAITING-style triggers whose next fire time is
// before Before. Triggers with MisfireIgnore are never returned.
type MisfireQuery struct {
	// State is the state to scan. Empty means StateWaiting.
	State State
	// Group restricts the scan to one group. Empty means all groups.
	Group string
	// Before is the misfire cutoff: now minus the misfire threshold.
	Before time.Time
	// Limit bounds the result. Zero means no limit.
	Limit int
}

// Store defines the persistence contract for triggers, their state,
// listener associations and paused-group markers. All state writes are
// conditional: they report the number of rows changed, and zero is a lost
// race rather than an error.
type Store interface {
	// InsertTrigger persists a new trigger in state. Returns
	// beacon.ErrObjectAlreadyExists if the key is taken.
	InsertTrigger(ctx context.Context, t *Trigger, state State) error

	// UpdateTrigger replaces the stored trigger and sets its state. Returns
	// beacon.ErrTriggerNotFound if it does not exist.
	UpdateTrigger(ctx context.Context, t *Trigger, state State) error

	// UpdateTriggerFromStates replaces the stored trigger and sets newState
	// only while it is in one of oldStates.
	UpdateTriggerFromStates(ctx context.Context, t *Trigger, newState State, oldStates ...State) (int, error)

	// DeleteTrigger removes a trigger. Returns false if it did not exist.
	DeleteTrigger(ctx context.Context, key Key) (bool, error)

	// TriggerExists reports whether a trigger with the key exists.
	TriggerExists(ctx context.Context, key Key) (bool, error)

	// SelectTrigger returns the trigger or beacon.ErrTriggerNotFound.
	SelectTrigger(ctx context.Context, key Key) (*Trigger, error)

	// SelectTriggerState returns the state or beacon.ErrTriggerNotFound.
	// A stored state outside the enumeration is beacon.ErrUnknownState.
	SelectTriggerState(ctx context.Context, key Key) (State, error)

	// SelectTriggerStatus returns the state, job and next fire time.
	SelectTriggerStatus(ctx context.Context, key Key) (*Status, error)

	// UpdateTriggerState sets the state unconditionally.
	UpdateTriggerState(ctx context.Context, key Key, state State) (int, error)

	// UpdateTriggerStateFromStates sets newState while the trigger is in
	// one of oldStates.
	UpdateTriggerStateFromStates(ctx context.Context, key Key, newState State, oldStates ...State) (int, error)

	// UpdateTriggerGroupStateFromStates applies the conditional update to
	// every trigger in group.
	UpdateTriggerGroupStateFromStates(ctx context.Context, group string, newState State, oldStates ...State) (int, error)

	// UpdateTriggerStatesFromStates applies the conditional update to every
	// trigger.
	UpdateTriggerStatesFromStates(ctx context.Context, newState State, oldStates ...State) (int, error)

	// UpdateTriggerStatesFromStatesBeforeTime applies the conditional update
	// to triggers whose next fire time is before before.
	UpdateTriggerStatesFromStatesBeforeTime(ctx context.Context, newState State, before time.Time, oldStates ...State) (int, error)

	// UpdateTriggerStatesForJob sets the state of every trigger of a job.
	UpdateTriggerStatesForJob(ctx context.Context, jobKey job.Key, state State) (int, error)

	// UpdateTriggerStatesForJobFromStates applies the conditional update to
	// every trigger of a job.
	UpdateTriggerStatesForJobFromStates(ctx context.Context, jobKey job.Key, newState State, oldStates ...State) (int, error)

	// SelectTriggersForJob returns the triggers of a job. Rows that cannot
	// be decoded are skipped and reported in a *beacon.BatchError.
	SelectTriggersForJob(ctx context.Context, jobKey job.Key) ([]*Trigger, error)

	// SelectTriggerKeysForJob returns the keys of a job's triggers, sorted.
	SelectTriggerKeysForJob(ctx context.Context, jobKey job.Key) ([]Key, error)

	// SelectTriggersForCalendar returns the triggers naming a calendar,
	// with the same partial-reporting policy as SelectTriggersForJob.
	SelectTriggersForCalendar(ctx context.Context, calendarName string) ([]*Trigger, error)

	// CountTriggers returns the number of stored triggers.
	CountTriggers(ctx context.Context) (int, error)

	// CountTriggersForJob returns the number of triggers of a job.
	CountTriggersForJob(ctx context.Context, jobKey job.Key) (int, error)

	// SelectTriggerGroups returns the distinct trigger groups, sorted.
	SelectTriggerGroups(ctx context.Context) ([]string, error)

	// SelectTriggersInGroup returns the keys of a group's triggers, sorted.
	SelectTriggersInGroup(ctx context.Context, group string) ([]Key, error)

	// SelectTriggersInState returns the keys of triggers in state, sorted.
	SelectTriggersInState(ctx context.Context, state State) ([]Key, error)

	// SelectStatefulJobsOfTriggerGroup returns the stateful jobs that have
	// a trigger in group.
	SelectStatefulJobsOfTriggerGroup(ctx context.Context, group string) ([]job.Key, error)

	// SelectNextFireTime returns the earliest next fire time among WAITING
	// triggers, or nil when none is scheduled.
	SelectNextFireTime(ctx context.Context) (*time.Time, error)

	// SelectTriggerForFireTime returns a WAITING trigger due exactly at t,
	// or nil.
	SelectTriggerForFireTime(ctx context.Context, t time.Time) (*Key, error)

	// SelectTriggersToAcquire returns up to limit WAITING triggers due no
	// later than noLaterThan, in acquisition order (see Less).
	SelectTriggersToAcquire(ctx context.Context, noLaterThan time.Time, limit int) ([]Candidate, error)

	// SelectMisfiredTriggers returns misfired trigger keys ordered by next
	// fire time then priority, and whether more remain past Limit.
	SelectMisfiredTriggers(ctx context.Context, q MisfireQuery) ([]Candidate, bool, error)

	// SelectVolatileTriggers returns the keys of all volatile triggers.
	SelectVolatileTriggers(ctx context.Context) ([]Key, error)

	// InsertTriggerListener associates a named listener with a trigger.
	InsertTriggerListener(ctx context.Context, key Key, listener string) error

	// SelectTriggerListeners returns the listeners of a trigger.
	SelectTriggerListeners(ctx context.Context, key Key) ([]string, error)

	// DeleteTriggerListeners removes every listener of a trigger.
	DeleteTriggerListeners(ctx context.Context, key Key) (int, error)

	// InsertPausedTriggerGroup records a paused-group marker. Inserting an
	// existing marker is a no-op.
	InsertPausedTriggerGroup(ctx context.Context, group string) error

	// DeletePausedTriggerGroup removes a marker. Returns false if absent.
	DeletePausedTriggerGroup(ctx context.Context, group string) (bool, error)

	// DeleteAllPausedTriggerGroups removes every marker.
	DeleteAllPausedTriggerGroups(ctx context.Context) (int, error)

	// IsTriggerGroupPaused reports whether a marker exists for group.
	IsTriggerGroupPaused(ctx context.Context, group string) (bool, error)

	// SelectPausedTriggerGroups returns every marker, sorted.
	SelectPausedTriggerGroups(ctx context.Context) ([]string, error)

	// IsExistingTriggerGroup reports whether any trigger lives in group.
	IsExistingTriggerGroup(ctx context.Context, group string) (bool, error)
}
