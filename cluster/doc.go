// Package cluster models the membership of a scheduler cluster.
//
// Each running instance owns one [SchedulerState] row and refreshes its
// LastCheckIn every CheckInInterval. An instance whose row has not been
// refreshed within its own interval times the failure factor is presumed
// dead. Any live peer may then claim the row by setting Recoverer to its
// own id with a conditional update; the single winner recovers the dead
// instance's fired records and deletes the row.
//
// There is no leader. The conditional claim is the only arbitration, so a
// failed instance is recovered exactly once even when every peer notices
// it in the same cycle.
//
// The [coordinator] package drives the check-in and recovery cycle on top
// of the [Store] declared here.
//
// [coordinator]: github.com/xraph/beacon/coordinator
package cluster
