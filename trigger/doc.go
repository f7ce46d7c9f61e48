// Package trigger defines triggers, the trigger state machine, schedule and
// misfire math, acquisition ordering and the trigger store interface.
//
// # State Machine
//
// Every persisted trigger is in exactly one [State]:
//
//	WAITING → ACQUIRED → EXECUTING → WAITING | COMPLETE
//	ACQUIRED → BLOCKED            (stateful job already executing)
//	WAITING | ACQUIRED → PAUSED, BLOCKED → PAUSED_BLOCKED
//	PAUSED → WAITING, PAUSED_BLOCKED → BLOCKED
//	any → ERROR, any → DELETED
//
// [CanTransition] encodes the table as a pure function and [Moves] expands
// an [Event] into the (from states → to state) groups a store applies with
// conditional updates. Zero affected rows means a peer won the race.
//
// # Schedules
//
// A [Schedule] is a tagged union of a simple repeating interval, a cron
// expression (parsed with robfig/cron) or an opaque blob. Next-fire math
// honors an optional calendar and the trigger's end time.
//
// # Misfires
//
// A WAITING trigger whose next fire time is older than now minus the
// misfire threshold has misfired. [Trigger.ApplyMisfire] dispatches on the
// schedule kind and [MisfirePolicy] to compute the new next fire time.
package trigger
