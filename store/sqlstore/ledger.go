package sqlstore

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/trigger"
)

// ──────────────────────────────────────────────────
// Fired-trigger ledger
// ──────────────────────────────────────────────────

const firedColumns = `entry_id, trigger_name, trigger_group, job_name, job_group, instance_id,
	fired_time, sched_time, priority, state, is_stateful, requests_recovery, is_volatile`

// InsertFiredTrigger persists a new fired record. A colliding entry id is
// contention: another transaction recorded the same firing.
func (t *tx) InsertFiredTrigger(ctx context.Context, r *ledger.FiredRecord) error {
	err := t.insert(ctx, "insert fired trigger", "fired entry "+r.EntryID.String(), `
		INSERT INTO beacon_fired_triggers (`+firedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.EntryID.String(), r.TriggerKey.Name, r.TriggerKey.Group, r.JobKey.Name, r.JobKey.Group,
		r.InstanceID, millis(r.FiredTime), nullMillis(r.ScheduledTime), r.Priority,
		string(r.State), r.Stateful, r.RequestsRecovery, r.Volatile,
	)
	if errors.Is(err, beacon.ErrObjectAlreadyExists) {
		return errors.Wrapf(beacon.ErrContention, "fired entry %s exists", r.EntryID)
	}
	return err
}

// UpdateFiredTrigger replaces a fired record.
func (t *tx) UpdateFiredTrigger(ctx context.Context, r *ledger.FiredRecord) error {
	n, err := t.exec(ctx, "update fired trigger", `
		UPDATE beacon_fired_triggers SET
			trigger_name = ?, trigger_group = ?, job_name = ?, job_group = ?,
			instance_id = ?, fired_time = ?, sched_time = ?, priority = ?, state = ?,
			is_stateful = ?, requests_recovery = ?, is_volatile = ?
		WHERE entry_id = ?`,
		r.TriggerKey.Name, r.TriggerKey.Group, r.JobKey.Name, r.JobKey.Group,
		r.InstanceID, millis(r.FiredTime), nullMillis(r.ScheduledTime), r.Priority, string(r.State),
		r.Stateful, r.RequestsRecovery, r.Volatile,
		r.EntryID.String(),
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(beacon.ErrFiredNotFound, "fired entry %s", r.EntryID)
	}
	return nil
}

// UpdateFiredTriggerState sets the state of a fired record.
func (t *tx) UpdateFiredTriggerState(ctx context.Context, entryID id.FiredID, state ledger.FiredState) (int, error) {
	return t.exec(ctx, "update fired trigger state",
		`UPDATE beacon_fired_triggers SET state = ? WHERE entry_id = ?`,
		string(state), entryID.String(),
	)
}

// DeleteFiredTrigger removes a fired record.
func (t *tx) DeleteFiredTrigger(ctx context.Context, entryID id.FiredID) (bool, error) {
	n, err := t.exec(ctx, "delete fired trigger",
		`DELETE FROM beacon_fired_triggers WHERE entry_id = ?`, entryID.String())
	return n > 0, err
}

// DeleteFiredTriggersForTrigger removes a trigger's fired records.
func (t *tx) DeleteFiredTriggersForTrigger(ctx context.Context, key trigger.Key) (int, error) {
	return t.exec(ctx, "delete fired triggers for trigger",
		`DELETE FROM beacon_fired_triggers WHERE trigger_name = ? AND trigger_group = ?`,
		key.Name, key.Group,
	)
}

// DeleteFiredTriggersForInstance removes an instance's fired records.
func (t *tx) DeleteFiredTriggersForInstance(ctx context.Context, instanceID string) (int, error) {
	return t.exec(ctx, "delete fired triggers for instance",
		`DELETE FROM beacon_fired_triggers WHERE instance_id = ?`, instanceID)
}

// DeleteAllFiredTriggers empties the ledger.
func (t *tx) DeleteAllFiredTriggers(ctx context.Context) (int, error) {
	return t.exec(ctx, "delete all fired triggers", `DELETE FROM beacon_fired_triggers`)
}

// DeleteVolatileFiredTriggers removes records of volatile triggers.
func (t *tx) DeleteVolatileFiredTriggers(ctx context.Context) (int, error) {
	return t.exec(ctx, "delete volatile fired triggers",
		`DELETE FROM beacon_fired_triggers WHERE is_volatile = ?`, true)
}

// SelectFiredTrigger returns a fired record.
func (t *tx) SelectFiredTrigger(ctx context.Context, entryID id.FiredID) (*ledger.FiredRecord, error) {
	var r firedRow
	err := r.scan(t.queryRow(ctx,
		`SELECT `+firedColumns+` FROM beacon_fired_triggers WHERE entry_id = ?`, entryID.String()))
	if isNoRows(err) {
		return nil, errors.Wrapf(beacon.ErrFiredNotFound, "fired entry %s", entryID)
	}
	if err != nil {
		return nil, t.fail("select fired trigger", err)
	}
	rec, err := r.decode()
	if err != nil {
		return nil, &beacon.RowError{Key: r.entryID, Err: r.undecodable(err)}
	}
	return rec, nil
}

// SelectFiredTriggerRecords returns a trigger's fired records.
func (t *tx) SelectFiredTriggerRecords(ctx context.Context, key trigger.Key) ([]*ledger.FiredRecord, error) {
	return t.selectFired(ctx, "select fired triggers",
		`trigger_name = ? AND trigger_group = ?`, key.Name, key.Group)
}

// SelectFiredTriggerRecordsByJob returns a job's fired records.
func (t *tx) SelectFiredTriggerRecordsByJob(ctx context.Context, jobKey job.Key) ([]*ledger.FiredRecord, error) {
	return t.selectFired(ctx, "select fired triggers by job",
		`job_name = ? AND job_group = ?`, jobKey.Name, jobKey.Group)
}

// SelectInstancesFiredTriggerRecords returns an instance's fired records.
func (t *tx) SelectInstancesFiredTriggerRecords(ctx context.Context, instanceID string) ([]*ledger.FiredRecord, error) {
	return t.selectFired(ctx, "select fired triggers by instance", `instance_id = ?`, instanceID)
}

// selectFired decodes matching records ordered by fired time then entry
// id. Undecodable rows are reported in a *beacon.BatchError.
func (t *tx) selectFired(ctx context.Context, op, where string, args ...any) ([]*ledger.FiredRecord, error) {
	rows, err := t.query(ctx, op, `SELECT `+firedColumns+` FROM beacon_fired_triggers
		WHERE `+where+` ORDER BY fired_time, entry_id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out   = make([]*ledger.FiredRecord, 0)
		batch beacon.BatchError
	)
	for rows.Next() {
		var r firedRow
		if err := r.scan(rows); err != nil {
			return nil, t.fail(op, err)
		}
		rec, err := r.decode()
		if err != nil {
			batch.Add(r.entryID, r.undecodable(err))
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail(op, err)
	}
	return out, batch.ErrOrNil()
}

// SelectFiredTriggerInstanceNames returns the instances owning records.
func (t *tx) SelectFiredTriggerInstanceNames(ctx context.Context) ([]string, error) {
	return t.texts(ctx, "select fired instance names",
		`SELECT DISTINCT instance_id FROM beacon_fired_triggers ORDER BY instance_id`)
}

// SelectJobExecutionCount counts a job's EXECUTING records.
func (t *tx) SelectJobExecutionCount(ctx context.Context, jobKey job.Key) (int, error) {
	return t.count(ctx, "select job execution count", `
		SELECT COUNT(*) FROM beacon_fired_triggers
		WHERE job_name = ? AND job_group = ? AND state = ?`,
		jobKey.Name, jobKey.Group, string(ledger.FiredExecuting),
	)
}

// firedRow is a fired record as stored, before validation.
type firedRow struct {
	entryID                        string
	name, group, jobName, jobGroup string
	instanceID                     string
	fired                          int64
	scheduled                      sql.NullInt64
	priority                       int
	state                          string
	stateful, recovery, volatile   bool
}

func (r *firedRow) scan(s scanner) error {
	return s.Scan(
		&r.entryID, &r.name, &r.group, &r.jobName, &r.jobGroup, &r.instanceID,
		&r.fired, &r.scheduled, &r.priority, &r.state, &r.stateful, &r.recovery, &r.volatile,
	)
}

func (r *firedRow) decode() (*ledger.FiredRecord, error) {
	entryID, err := id.ParseFiredID(r.entryID)
	if err != nil {
		return nil, errors.Wrapf(beacon.ErrPayloadCorrupt, "entry id %q: %v", r.entryID, err)
	}
	state, err := ledger.ParseFiredState(r.state)
	if err != nil {
		return nil, err
	}
	return &ledger.FiredRecord{
		EntryID:          entryID,
		TriggerKey:       trigger.Key{Name: r.name, Group: r.group},
		JobKey:           job.Key{Name: r.jobName, Group: r.jobGroup},
		InstanceID:       r.instanceID,
		FiredTime:        fromMillis(r.fired),
		ScheduledTime:    fromNullMillis(r.scheduled),
		Priority:         r.priority,
		State:            state,
		Stateful:         r.stateful,
		RequestsRecovery: r.recovery,
		Volatile:         r.volatile,
	}, nil
}

// undecodable wraps a decode failure with the keys the row still carries.
func (r *firedRow) undecodable(err error) error {
	return &ledger.UndecodableRecord{
		EntryID:    r.entryID,
		TriggerKey: trigger.Key{Name: r.name, Group: r.group},
		JobKey:     job.Key{Name: r.jobName, Group: r.jobGroup},
		Err:        err,
	}
}
