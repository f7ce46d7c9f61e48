// Package ledger records triggers that have been handed to an instance
// and not yet completed.
//
// Every acquisition writes one [FiredRecord] in the same transaction that
// moves the trigger to ACQUIRED. The record follows the trigger into
// EXECUTING and is deleted when the job completes. Records left behind by
// an instance that stopped checking in are the input to cluster recovery:
// each one names the trigger, job and instance involved and carries the
// job's stateful and recovery flags as they were at fire time.
//
// The package owns the [FiredRecord] model, the ledger [Store] family and a
// small [Ledger] service that builds records from triggers and jobs.
package ledger
