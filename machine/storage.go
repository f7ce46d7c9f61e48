package machine

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/calendar"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/trigger"
)

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

// StoreJob persists j. An existing job with the same key is replaced when
// replace is set and reported as beacon.ErrObjectAlreadyExists otherwise.
func (m *Machine) StoreJob(ctx context.Context, j *job.Job, replace bool) error {
	return m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return storeJob(ctx, tx, j, replace)
	})
}

func storeJob(ctx context.Context, tx store.Tx, j *job.Job, replace bool) error {
	if err := j.Key.Validate(); err != nil {
		return err
	}
	exists, err := tx.JobExists(ctx, j.Key)
	if err != nil {
		return err
	}
	if !exists {
		return tx.InsertJob(ctx, j)
	}
	if !replace {
		return errors.Wrapf(beacon.ErrObjectAlreadyExists, "job %s", j.Key)
	}
	return tx.UpdateJob(ctx, j)
}

// RemoveJob deletes a job together with its triggers, their fired records
// and every listener association, in one transaction. It reports whether
// the job existed.
func (m *Machine) RemoveJob(ctx context.Context, key job.Key) (bool, error) {
	var removed bool
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		removed, err = removeJob(ctx, tx, key)
		return err
	})
	return removed, err
}

func removeJob(ctx context.Context, tx store.Tx, key job.Key) (bool, error) {
	keys, err := tx.SelectTriggerKeysForJob(ctx, key)
	if err != nil {
		return false, err
	}
	for _, tk := range keys {
		if err := deleteTriggerRow(ctx, tx, tk); err != nil {
			return false, err
		}
	}

	// Records may outlive their trigger rows after a crash.
	records, err := tx.SelectFiredTriggerRecordsByJob(ctx, key)
	if err != nil && !isBatch(err) {
		return false, err
	}
	for _, r := range records {
		if _, err := tx.DeleteFiredTrigger(ctx, r.EntryID); err != nil {
			return false, err
		}
	}
	// Undecodable rows are removed through the trigger key they still carry.
	for _, u := range ledger.Undecodable(err) {
		if _, err := tx.DeleteFiredTriggersForTrigger(ctx, u.TriggerKey); err != nil {
			return false, err
		}
	}

	if _, err := tx.DeleteJobListeners(ctx, key); err != nil {
		return false, err
	}
	return tx.DeleteJob(ctx, key)
}

// ──────────────────────────────────────────────────
// Triggers
// ──────────────────────────────────────────────────

// StoreTrigger persists t. When t has no next fire time it is computed
// from the start time and calendar, and a trigger that would never fire is
// rejected with beacon.ErrTriggerWillNeverFire. The stored state is PAUSED
// when t's group is paused, BLOCKED when its stateful job is executing and
// WAITING otherwise.
func (m *Machine) StoreTrigger(ctx context.Context, t *trigger.Trigger, replace bool) error {
	return m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return storeTrigger(ctx, tx, t, replace)
	})
}

// StoreJobAndTrigger stores a new job and its first trigger atomically.
func (m *Machine) StoreJobAndTrigger(ctx context.Context, j *job.Job, t *trigger.Trigger) error {
	return m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := storeJob(ctx, tx, j, false); err != nil {
			return err
		}
		return storeTrigger(ctx, tx, t, false)
	})
}

func storeTrigger(ctx context.Context, tx store.Tx, t *trigger.Trigger, replace bool) error {
	if err := t.Validate(); err != nil {
		return err
	}
	j, err := tx.SelectJob(ctx, t.JobKey)
	if errors.Is(err, beacon.ErrJobNotFound) {
		return errors.Wrapf(beacon.ErrJobPersistence, "trigger %s: job %s", t.Key, t.JobKey)
	}
	if err != nil {
		return err
	}

	exists, err := tx.TriggerExists(ctx, t.Key)
	if err != nil {
		return err
	}
	if exists && !replace {
		return errors.Wrapf(beacon.ErrObjectAlreadyExists, "trigger %s", t.Key)
	}

	cal, err := calendar.Load(ctx, tx, t.CalendarName)
	if err != nil {
		return errors.Wrapf(err, "trigger %s", t.Key)
	}
	if t.NextFireTime == nil && t.ComputeFirstFireTime(cal) == nil {
		return errors.Wrapf(beacon.ErrTriggerWillNeverFire, "trigger %s", t.Key)
	}

	state, err := initialState(ctx, tx, t.Key.Group, j)
	if err != nil {
		return err
	}
	if exists {
		return tx.UpdateTrigger(ctx, t, state)
	}
	return tx.InsertTrigger(ctx, t, state)
}

// initialState picks the state of a newly stored trigger. Storing into any
// group while everything is paused pauses that group too.
func initialState(ctx context.Context, tx store.Tx, group string, j *job.Job) (trigger.State, error) {
	paused, err := tx.IsTriggerGroupPaused(ctx, group)
	if err != nil {
		return "", err
	}
	if !paused {
		all, err := tx.IsTriggerGroupPaused(ctx, trigger.AllGroupsPaused)
		if err != nil {
			return "", err
		}
		if all {
			if err := tx.InsertPausedTriggerGroup(ctx, group); err != nil {
				return "", err
			}
			paused = true
		}
	}

	blocked := false
	if j.Stateful {
		n, err := tx.SelectJobExecutionCount(ctx, j.Key)
		if err != nil {
			return "", err
		}
		blocked = n > 0
	}

	switch {
	case paused && blocked:
		return trigger.StatePausedBlocked, nil
	case paused:
		return trigger.StatePaused, nil
	case blocked:
		return trigger.StateBlocked, nil
	default:
		return trigger.StateWaiting, nil
	}
}

// RemoveTrigger deletes a trigger and its fired records. A non-durable job
// left without triggers is deleted too. It reports whether the trigger
// existed.
func (m *Machine) RemoveTrigger(ctx context.Context, key trigger.Key) (bool, error) {
	var removed bool
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		removed, err = removeTrigger(ctx, tx, key)
		return err
	})
	return removed, err
}

func removeTrigger(ctx context.Context, tx store.Tx, key trigger.Key) (bool, error) {
	st, err := tx.SelectTriggerStatus(ctx, key)
	if errors.Is(err, beacon.ErrTriggerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := deleteTriggerRow(ctx, tx, key); err != nil {
		return false, err
	}
	return true, removeOrphanedJob(ctx, tx, st.JobKey)
}

// deleteTriggerRow tombstones a trigger, then removes it, its fired records
// and its listener associations.
func deleteTriggerRow(ctx context.Context, tx store.Tx, key trigger.Key) error {
	if _, err := applyMoves(trigger.EventDelete, func(to trigger.State, from ...trigger.State) (int, error) {
		return tx.UpdateTriggerStateFromStates(ctx, key, to, from...)
	}); err != nil {
		return err
	}
	if _, err := tx.DeleteFiredTriggersForTrigger(ctx, key); err != nil {
		return err
	}
	if _, err := tx.DeleteTriggerListeners(ctx, key); err != nil {
		return err
	}
	_, err := tx.DeleteTrigger(ctx, key)
	return err
}

func removeOrphanedJob(ctx context.Context, tx store.Tx, key job.Key) error {
	j, err := tx.SelectJob(ctx, key)
	if errors.Is(err, beacon.ErrJobNotFound) {
		return nil
	}
	if err != nil || j.Durable {
		return err
	}
	n, err := tx.CountTriggersForJob(ctx, key)
	if err != nil || n > 0 {
		return err
	}
	if _, err := tx.DeleteJobListeners(ctx, key); err != nil {
		return err
	}
	_, err = tx.DeleteJob(ctx, key)
	return err
}

// ReplaceTrigger removes the trigger at key and stores t in its place. t
// must fire the same job. It reports false when no trigger exists at key.
func (m *Machine) ReplaceTrigger(ctx context.Context, key trigger.Key, t *trigger.Trigger) (bool, error) {
	var replaced bool
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		st, err := tx.SelectTriggerStatus(ctx, key)
		if errors.Is(err, beacon.ErrTriggerNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if st.JobKey != t.JobKey {
			return errors.Newf("beacon: replacement trigger %s must fire job %s, not %s", t.Key, st.JobKey, t.JobKey)
		}
		if err := deleteTriggerRow(ctx, tx, key); err != nil {
			return err
		}
		if err := storeTrigger(ctx, tx, t, false); err != nil {
			return err
		}
		replaced = true
		return nil
	})
	return replaced, err
}

// ──────────────────────────────────────────────────
// Calendars
// ──────────────────────────────────────────────────

// StoreCalendar persists c. With updateTriggers set, every trigger using
// the calendar has its next fire time moved to the first instant the new
// rules include.
func (m *Machine) StoreCalendar(ctx context.Context, c *calendar.Calendar, replace, updateTriggers bool) error {
	rules, err := calendar.Parse(c.Rules)
	if err != nil {
		return errors.Wrapf(err, "calendar %q", c.Name)
	}
	return m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		exists, err := tx.CalendarExists(ctx, c.Name)
		if err != nil {
			return err
		}
		switch {
		case !exists:
			err = tx.InsertCalendar(ctx, c)
		case !replace:
			err = errors.Wrapf(beacon.ErrObjectAlreadyExists, "calendar %q", c.Name)
		default:
			err = tx.UpdateCalendar(ctx, c)
		}
		if err != nil || !updateTriggers {
			return err
		}

		triggers, err := tx.SelectTriggersForCalendar(ctx, c.Name)
		if err != nil {
			if !isBatch(err) {
				return err
			}
			m.logger.Warn("calendar update skipped triggers",
				slog.String("calendar", c.Name),
				slog.String("error", err.Error()),
			)
		}
		for _, t := range triggers {
			state, err := tx.SelectTriggerState(ctx, t.Key)
			if err != nil {
				return err
			}
			t.UpdateWithNewCalendar(rules)
			if _, err := tx.UpdateTriggerFromStates(ctx, t, state, state); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveCalendar deletes a calendar. A calendar still named by a trigger
// is beacon.ErrCalendarReferenced. It reports whether the calendar existed.
func (m *Machine) RemoveCalendar(ctx context.Context, name string) (bool, error) {
	var removed bool
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		referenced, err := tx.CalendarIsReferenced(ctx, name)
		if err != nil {
			return err
		}
		if referenced {
			return errors.Wrapf(beacon.ErrCalendarReferenced, "calendar %q", name)
		}
		removed, err = tx.DeleteCalendar(ctx, name)
		return err
	})
	return removed, err
}

// ──────────────────────────────────────────────────
// Bulk
// ──────────────────────────────────────────────────

// ClearAllSchedulingData deletes every job, trigger, calendar, fired record
// and paused-group marker.
func (m *Machine) ClearAllSchedulingData(ctx context.Context) error {
	return m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.DeleteAllFiredTriggers(ctx); err != nil {
			return err
		}
		groups, err := tx.SelectTriggerGroups(ctx)
		if err != nil {
			return err
		}
		for _, g := range groups {
			keys, err := tx.SelectTriggersInGroup(ctx, g)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := deleteTriggerRow(ctx, tx, k); err != nil {
					return err
				}
			}
		}
		jobGroups, err := tx.SelectJobGroups(ctx)
		if err != nil {
			return err
		}
		for _, g := range jobGroups {
			keys, err := tx.SelectJobsInGroup(ctx, g)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if _, err := removeJob(ctx, tx, k); err != nil {
					return err
				}
			}
		}
		names, err := tx.SelectCalendarNames(ctx)
		if err != nil {
			return err
		}
		for _, n := range names {
			if _, err := tx.DeleteCalendar(ctx, n); err != nil {
				return err
			}
		}
		_, err = tx.DeleteAllPausedTriggerGroups(ctx)
		return err
	})
}

func isBatch(err error) bool {
	var batch *beacon.BatchError
	return errors.As(err, &batch)
}
