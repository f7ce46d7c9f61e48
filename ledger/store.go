package ledger

import (
	"context"

	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/trigger"
)

// Store defines the persistence contract for the fired-trigger ledger.
type Store interface {
	// InsertFiredTrigger persists a new record. A duplicate entry id is
	// reported as beacon.ErrContention.
	InsertFiredTrigger(ctx context.Context, r *FiredRecord) error

	// UpdateFiredTrigger replaces a record. Returns beacon.ErrFiredNotFound
	// if it does not exist.
	UpdateFiredTrigger(ctx context.Context, r *FiredRecord) error

	// UpdateFiredTriggerState sets the state of a record and returns the
	// number of rows changed.
	UpdateFiredTriggerState(ctx context.Context, entryID id.FiredID, state FiredState) (int, error)

	// DeleteFiredTrigger removes a record. Returns false if it was absent.
	DeleteFiredTrigger(ctx context.Context, entryID id.FiredID) (bool, error)

	// DeleteFiredTriggersForTrigger removes every record of a trigger.
	DeleteFiredTriggersForTrigger(ctx context.Context, key trigger.Key) (int, error)

	// DeleteFiredTriggersForInstance removes every record of an instance.
	DeleteFiredTriggersForInstance(ctx context.Context, instanceID string) (int, error)

	// DeleteAllFiredTriggers empties the ledger.
	DeleteAllFiredTriggers(ctx context.Context) (int, error)

	// DeleteVolatileFiredTriggers removes records of volatile triggers.
	DeleteVolatileFiredTriggers(ctx context.Context) (int, error)

	// SelectFiredTrigger returns a record or beacon.ErrFiredNotFound.
	SelectFiredTrigger(ctx context.Context, entryID id.FiredID) (*FiredRecord, error)

	// SelectFiredTriggerRecords returns the records of a trigger. Rows that
	// cannot be decoded are skipped and reported in a *beacon.BatchError.
	SelectFiredTriggerRecords(ctx context.Context, key trigger.Key) ([]*FiredRecord, error)

	// SelectFiredTriggerRecordsByJob returns the records of a job, with the
	// same partial-reporting policy.
	SelectFiredTriggerRecordsByJob(ctx context.Context, jobKey job.Key) ([]*FiredRecord, error)

	// SelectInstancesFiredTriggerRecords returns an instance's records
	// ordered by fired time, with the same partial-reporting policy.
	SelectInstancesFiredTriggerRecords(ctx context.Context, instanceID string) ([]*FiredRecord, error)

	// SelectFiredTriggerInstanceNames returns the distinct instances that
	// own records, sorted.
	SelectFiredTriggerInstanceNames(ctx context.Context) ([]string, error)

	// SelectJobExecutionCount returns the number of EXECUTING records of a
	// job.
	SelectJobExecutionCount(ctx context.Context, jobKey job.Key) (int, error)
}
