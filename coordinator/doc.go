// Package coordinator keeps a scheduler instance's heartbeat and recovers
// the work of peers that stopped checking in.
//
// All coordination goes through the shared store. Each instance upserts
// its SchedulerState row on every check-in; a row whose last check-in is
// older than its own interval times the failure factor belongs to a dead
// instance. A survivor claims the row with a conditional update, then
// recovers the dead instance's fired records and deletes the row in a
// single transaction, so an interrupted recovery is simply repeated by the
// next claimant.
//
//	c := coordinator.New(m,
//	    coordinator.WithCheckInInterval(7500*time.Millisecond),
//	    coordinator.WithFailureFactor(2),
//	)
//	if _, err := c.RecoverOwn(ctx, time.Now()); err != nil { ... }
//	res, err := c.Cycle(ctx, time.Now())
package coordinator
