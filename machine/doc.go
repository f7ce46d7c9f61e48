// Package machine implements the trigger and job lifecycle on top of a
// store.Gateway.
//
// Every exported operation of [Machine] runs as exactly one gateway
// transaction. State changes are always conditional updates scoped by the
// states they move from, so an update that affects no rows means a peer
// instance won the race; that outcome is a no-op, never an error.
//
// The operations fall into four groups:
//
//   - storage: StoreJob, StoreTrigger, RemoveJob, RemoveTrigger,
//     ReplaceTrigger, StoreCalendar, RemoveCalendar and the Retrieve and
//     listing queries
//   - pause and resume of triggers, groups, jobs and everything
//   - firing: AcquireNextTriggers, TriggerFired, TriggeredJobComplete and
//     ReleaseAcquiredTrigger
//   - status: TriggerState, TriggerStatus and counts
//
// A stateful job never has more than one EXECUTING fired record. When one
// of its triggers starts executing, every sibling moves to BLOCKED (or
// PAUSED_BLOCKED) until the execution completes.
package machine
