package ledger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/trigger"
)

// Ledger writes and reads fired records on behalf of one instance. It holds
// no connection: every call runs against the Store of the caller's
// transaction.
type Ledger struct {
	instanceID string
}

// New returns a Ledger that stamps records with instanceID.
func New(instanceID string) *Ledger {
	return &Ledger{instanceID: instanceID}
}

// InstanceID returns the owning instance.
func (l *Ledger) InstanceID() string { return l.instanceID }

// Insert records that t fired for j at firedAt and returns the new record.
// The scheduled time is t's current next fire time.
func (l *Ledger) Insert(ctx context.Context, s Store, t *trigger.Trigger, j *job.Job, state FiredState, firedAt time.Time) (*FiredRecord, error) {
	r := &FiredRecord{
		EntryID:    id.NewFiredID(),
		TriggerKey: t.Key,
		JobKey:     t.JobKey,
		InstanceID: l.instanceID,
		FiredTime:  firedAt.UTC().Truncate(time.Millisecond),
		Priority:   t.Priority,
		State:      state,
		Volatile:   t.Volatile,
	}
	if t.NextFireTime != nil {
		st := *t.NextFireTime
		r.ScheduledTime = &st
	}
	if j != nil {
		r.Stateful = j.Stateful
		r.RequestsRecovery = j.RequestsRecovery
	}
	if err := s.InsertFiredTrigger(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// UpdateState moves a record to state. A missing record is
// beacon.ErrFiredNotFound.
func (l *Ledger) UpdateState(ctx context.Context, s Store, entryID id.FiredID, state FiredState) error {
	n, err := s.UpdateFiredTriggerState(ctx, entryID, state)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(beacon.ErrFiredNotFound, "entry %s", entryID)
	}
	return nil
}

// Delete removes a record. Deleting an absent record is not an error.
func (l *Ledger) Delete(ctx context.Context, s Store, entryID id.FiredID) error {
	_, err := s.DeleteFiredTrigger(ctx, entryID)
	return err
}

// ByTrigger returns the records of a trigger.
func (l *Ledger) ByTrigger(ctx context.Context, s Store, key trigger.Key) ([]*FiredRecord, error) {
	return s.SelectFiredTriggerRecords(ctx, key)
}

// ByJob returns the records of a job.
func (l *Ledger) ByJob(ctx context.Context, s Store, jobKey job.Key) ([]*FiredRecord, error) {
	return s.SelectFiredTriggerRecordsByJob(ctx, jobKey)
}

// ByInstance returns the records owned by instanceID.
func (l *Ledger) ByInstance(ctx context.Context, s Store, instanceID string) ([]*FiredRecord, error) {
	return s.SelectInstancesFiredTriggerRecords(ctx, instanceID)
}

// Own returns the records owned by this ledger's instance.
func (l *Ledger) Own(ctx context.Context, s Store) ([]*FiredRecord, error) {
	return s.SelectInstancesFiredTriggerRecords(ctx, l.instanceID)
}

// JobExecutionCount returns how many records of jobKey are EXECUTING.
func (l *Ledger) JobExecutionCount(ctx context.Context, s Store, jobKey job.Key) (int, error) {
	return s.SelectJobExecutionCount(ctx, jobKey)
}

// DeleteByInstance removes every record of instanceID.
func (l *Ledger) DeleteByInstance(ctx context.Context, s Store, instanceID string) (int, error) {
	return s.DeleteFiredTriggersForInstance(ctx, instanceID)
}

// DeleteAll empties the ledger.
func (l *Ledger) DeleteAll(ctx context.Context, s Store) (int, error) {
	return s.DeleteAllFiredTriggers(ctx)
}

// DeleteVolatile removes records of volatile triggers.
func (l *Ledger) DeleteVolatile(ctx context.Context, s Store) (int, error) {
	return s.DeleteVolatileFiredTriggers(ctx)
}

// RecoverableRecords returns the records of instanceID whose jobs asked to
// be recovered. Undecodable rows are skipped; the *beacon.BatchError naming
// them is returned alongside the good records.
func (l *Ledger) RecoverableRecords(ctx context.Context, s Store, instanceID string) ([]*FiredRecord, error) {
	records, err := s.SelectInstancesFiredTriggerRecords(ctx, instanceID)
	var batch *beacon.BatchError
	if err != nil && !errors.As(err, &batch) {
		return nil, err
	}
	out := make([]*FiredRecord, 0, len(records))
	for _, r := range records {
		if r.RequestsRecovery {
			out = append(out, r)
		}
	}
	return out, err
}
