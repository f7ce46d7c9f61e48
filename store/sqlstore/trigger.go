package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/trigger"
)

// ──────────────────────────────────────────────────
// Trigger Store
// ──────────────────────────────────────────────────

const triggerColumns = `trigger_name, trigger_group, job_name, job_group, description,
	calendar_name, start_time, end_time, next_fire_time, prev_fire_time, priority,
	misfire_policy, is_volatile, trigger_state, trigger_type, schedule, trigger_data,
	created_at, updated_at`

// candidateOrder is trigger.Less expressed in SQL.
const candidateOrder = ` ORDER BY next_fire_time ASC, priority DESC, trigger_name ASC, trigger_group ASC`

// InsertTrigger persists a new trigger in state.
func (t *tx) InsertTrigger(ctx context.Context, tr *trigger.Trigger, state trigger.State) error {
	sched, err := json.Marshal(tr.Schedule)
	if err != nil {
		return errors.Wrapf(err, "beacon/sqlstore: encode schedule of %s", tr.Key)
	}
	return t.insert(ctx, "insert trigger", "trigger "+tr.Key.String(), `
		INSERT INTO beacon_triggers (`+triggerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.Key.Name, tr.Key.Group, tr.JobKey.Name, tr.JobKey.Group, tr.Description,
		tr.CalendarName, millis(tr.StartTime), nullMillis(tr.EndTime),
		nullMillis(tr.NextFireTime), nullMillis(tr.PreviousFireTime), tr.Priority,
		int(tr.MisfirePolicy), tr.Volatile, string(state), string(tr.Schedule.Kind), sched,
		tr.Data, millis(tr.CreatedAt), millis(tr.UpdatedAt),
	)
}

// UpdateTrigger replaces a trigger and sets its state.
func (t *tx) UpdateTrigger(ctx context.Context, tr *trigger.Trigger, state trigger.State) error {
	n, err := t.replaceTrigger(ctx, tr, state, nil)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(beacon.ErrTriggerNotFound, "trigger %s", tr.Key)
	}
	return nil
}

// UpdateTriggerFromStates replaces a trigger while it is in oldStates.
func (t *tx) UpdateTriggerFromStates(ctx context.Context, tr *trigger.Trigger, newState trigger.State, oldStates ...trigger.State) (int, error) {
	return t.replaceTrigger(ctx, tr, newState, oldStates)
}

func (t *tx) replaceTrigger(ctx context.Context, tr *trigger.Trigger, state trigger.State, from []trigger.State) (int, error) {
	sched, err := json.Marshal(tr.Schedule)
	if err != nil {
		return 0, errors.Wrapf(err, "beacon/sqlstore: encode schedule of %s", tr.Key)
	}
	cond, condArgs := inStates(from)
	args := []any{
		tr.JobKey.Name, tr.JobKey.Group, tr.Description, tr.CalendarName,
		millis(tr.StartTime), nullMillis(tr.EndTime), nullMillis(tr.NextFireTime),
		nullMillis(tr.PreviousFireTime), tr.Priority, int(tr.MisfirePolicy), tr.Volatile,
		string(state), string(tr.Schedule.Kind), sched, tr.Data, millis(time.Now()),
		tr.Key.Name, tr.Key.Group,
	}
	return t.exec(ctx, "update trigger", `
		UPDATE beacon_triggers SET
			job_name = ?, job_group = ?, description = ?, calendar_name = ?,
			start_time = ?, end_time = ?, next_fire_time = ?, prev_fire_time = ?,
			priority = ?, misfire_policy = ?, is_volatile = ?, trigger_state = ?,
			trigger_type = ?, schedule = ?, trigger_data = ?, updated_at = ?
		WHERE trigger_name = ? AND trigger_group = ?`+cond,
		append(args, condArgs...)...,
	)
}

// DeleteTrigger removes a trigger and its listener associations.
func (t *tx) DeleteTrigger(ctx context.Context, key trigger.Key) (bool, error) {
	if _, err := t.DeleteTriggerListeners(ctx, key); err != nil {
		return false, err
	}
	n, err := t.exec(ctx, "delete trigger",
		`DELETE FROM beacon_triggers WHERE trigger_name = ? AND trigger_group = ?`,
		key.Name, key.Group,
	)
	return n > 0, err
}

// TriggerExists reports whether the trigger exists.
func (t *tx) TriggerExists(ctx context.Context, key trigger.Key) (bool, error) {
	return t.exists(ctx, "trigger exists",
		`SELECT COUNT(*) FROM beacon_triggers WHERE trigger_name = ? AND trigger_group = ?`,
		key.Name, key.Group,
	)
}

// SelectTrigger returns the trigger. A row that cannot be decoded is
// reported as a *beacon.RowError.
func (t *tx) SelectTrigger(ctx context.Context, key trigger.Key) (*trigger.Trigger, error) {
	row := t.queryRow(ctx,
		`SELECT `+triggerColumns+` FROM beacon_triggers WHERE trigger_name = ? AND trigger_group = ?`,
		key.Name, key.Group,
	)
	var r triggerRow
	err := r.scan(row)
	if isNoRows(err) {
		return nil, errors.Wrapf(beacon.ErrTriggerNotFound, "trigger %s", key)
	}
	if err != nil {
		return nil, t.fail("select trigger", err)
	}
	tr, err := r.decode()
	if err != nil {
		return nil, &beacon.RowError{Key: key.String(), Err: err}
	}
	return tr, nil
}

// SelectTriggerState returns the trigger's state.
func (t *tx) SelectTriggerState(ctx context.Context, key trigger.Key) (trigger.State, error) {
	var raw string
	err := t.queryRow(ctx,
		`SELECT trigger_state FROM beacon_triggers WHERE trigger_name = ? AND trigger_group = ?`,
		key.Name, key.Group,
	).Scan(&raw)
	if isNoRows(err) {
		return "", errors.Wrapf(beacon.ErrTriggerNotFound, "trigger %s", key)
	}
	if err != nil {
		return "", t.fail("select trigger state", err)
	}
	return trigger.ParseState(raw)
}

// SelectTriggerStatus returns the trigger's status view.
func (t *tx) SelectTriggerStatus(ctx context.Context, key trigger.Key) (*trigger.Status, error) {
	var (
		st   = &trigger.Status{Key: key}
		raw  string
		next sql.NullInt64
	)
	err := t.queryRow(ctx, `
		SELECT job_name, job_group, trigger_state, next_fire_time
		FROM beacon_triggers WHERE trigger_name = ? AND trigger_group = ?`,
		key.Name, key.Group,
	).Scan(&st.JobKey.Name, &st.JobKey.Group, &raw, &next)
	if isNoRows(err) {
		return nil, errors.Wrapf(beacon.ErrTriggerNotFound, "trigger %s", key)
	}
	if err != nil {
		return nil, t.fail("select trigger status", err)
	}
	if st.State, err = trigger.ParseState(raw); err != nil {
		return nil, err
	}
	st.NextFireTime = fromNullMillis(next)
	return st, nil
}

// UpdateTriggerState sets a trigger's state unconditionally.
func (t *tx) UpdateTriggerState(ctx context.Context, key trigger.Key, state trigger.State) (int, error) {
	return t.setStates(ctx, "trigger_name = ? AND trigger_group = ?", []any{key.Name, key.Group}, state, nil)
}

// UpdateTriggerStateFromStates sets a trigger's state conditionally.
func (t *tx) UpdateTriggerStateFromStates(ctx context.Context, key trigger.Key, newState trigger.State, oldStates ...trigger.State) (int, error) {
	return t.setStates(ctx, "trigger_name = ? AND trigger_group = ?", []any{key.Name, key.Group}, newState, oldStates)
}

// UpdateTriggerGroupStateFromStates updates every trigger in group.
func (t *tx) UpdateTriggerGroupStateFromStates(ctx context.Context, group string, newState trigger.State, oldStates ...trigger.State) (int, error) {
	return t.setStates(ctx, "trigger_group = ?", []any{group}, newState, oldStates)
}

// UpdateTriggerStatesFromStates updates every trigger.
func (t *tx) UpdateTriggerStatesFromStates(ctx context.Context, newState trigger.State, oldStates ...trigger.State) (int, error) {
	return t.setStates(ctx, "1 = 1", nil, newState, oldStates)
}

// UpdateTriggerStatesFromStatesBeforeTime updates triggers due before
// before.
func (t *tx) UpdateTriggerStatesFromStatesBeforeTime(ctx context.Context, newState trigger.State, before time.Time, oldStates ...trigger.State) (int, error) {
	return t.setStates(ctx, "next_fire_time < ?", []any{millis(before)}, newState, oldStates)
}

// UpdateTriggerStatesForJob sets the state of every trigger of a job.
func (t *tx) UpdateTriggerStatesForJob(ctx context.Context, jobKey job.Key, state trigger.State) (int, error) {
	return t.setStates(ctx, "job_name = ? AND job_group = ?", []any{jobKey.Name, jobKey.Group}, state, nil)
}

// UpdateTriggerStatesForJobFromStates conditionally updates a job's
// triggers.
func (t *tx) UpdateTriggerStatesForJobFromStates(ctx context.Context, jobKey job.Key, newState trigger.State, oldStates ...trigger.State) (int, error) {
	return t.setStates(ctx, "job_name = ? AND job_group = ?", []any{jobKey.Name, jobKey.Group}, newState, oldStates)
}

// setStates moves the rows matching where and in one of from (any state
// when from is empty) to state.
func (t *tx) setStates(ctx context.Context, where string, whereArgs []any, state trigger.State, from []trigger.State) (int, error) {
	cond, condArgs := inStates(from)
	args := make([]any, 0, 1+len(whereArgs)+len(condArgs))
	args = append(args, string(state))
	args = append(args, whereArgs...)
	args = append(args, condArgs...)
	return t.exec(ctx, "update trigger states",
		`UPDATE beacon_triggers SET trigger_state = ? WHERE `+where+cond, args...)
}

// inStates renders an "AND trigger_state IN (...)" clause. No states
// renders nothing.
func inStates(states []trigger.State) (string, []any) {
	if len(states) == 0 {
		return "", nil
	}
	args := make([]any, len(states))
	for i, s := range states {
		args[i] = string(s)
	}
	return ` AND trigger_state IN (` + placeholders(len(states)) + `)`, args
}

// SelectTriggersForJob returns the triggers of a job.
func (t *tx) SelectTriggersForJob(ctx context.Context, jobKey job.Key) ([]*trigger.Trigger, error) {
	return t.selectTriggers(ctx, "select triggers for job",
		`job_name = ? AND job_group = ?`, jobKey.Name, jobKey.Group)
}

// SelectTriggersForCalendar returns the triggers naming a calendar.
func (t *tx) SelectTriggersForCalendar(ctx context.Context, calendarName string) ([]*trigger.Trigger, error) {
	return t.selectTriggers(ctx, "select triggers for calendar", `calendar_name = ?`, calendarName)
}

// selectTriggers decodes every matching row. Rows that fail to decode are
// skipped and reported in a *beacon.BatchError.
func (t *tx) selectTriggers(ctx context.Context, op, where string, args ...any) ([]*trigger.Trigger, error) {
	rows, err := t.query(ctx, op, `SELECT `+triggerColumns+` FROM beacon_triggers
		WHERE `+where+` ORDER BY trigger_group, trigger_name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out   = make([]*trigger.Trigger, 0)
		batch beacon.BatchError
	)
	for rows.Next() {
		var r triggerRow
		if err := r.scan(rows); err != nil {
			return nil, t.fail(op, err)
		}
		tr, err := r.decode()
		if err != nil {
			batch.Add(r.key().String(), err)
			continue
		}
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail(op, err)
	}
	return out, batch.ErrOrNil()
}

// SelectTriggerKeysForJob returns the keys of a job's triggers.
func (t *tx) SelectTriggerKeysForJob(ctx context.Context, jobKey job.Key) ([]trigger.Key, error) {
	return t.triggerKeys(ctx, "select trigger keys for job",
		`job_name = ? AND job_group = ?`, jobKey.Name, jobKey.Group)
}

// CountTriggers returns the number of triggers.
func (t *tx) CountTriggers(ctx context.Context) (int, error) {
	return t.count(ctx, "count triggers", `SELECT COUNT(*) FROM beacon_triggers`)
}

// CountTriggersForJob returns the number of a job's triggers.
func (t *tx) CountTriggersForJob(ctx context.Context, jobKey job.Key) (int, error) {
	return t.count(ctx, "count triggers for job",
		`SELECT COUNT(*) FROM beacon_triggers WHERE job_name = ? AND job_group = ?`,
		jobKey.Name, jobKey.Group,
	)
}

// SelectTriggerGroups returns the distinct trigger groups.
func (t *tx) SelectTriggerGroups(ctx context.Context) ([]string, error) {
	return t.texts(ctx, "select trigger groups",
		`SELECT DISTINCT trigger_group FROM beacon_triggers ORDER BY trigger_group`)
}

// SelectTriggersInGroup returns the keys of a group's triggers.
func (t *tx) SelectTriggersInGroup(ctx context.Context, group string) ([]trigger.Key, error) {
	return t.triggerKeys(ctx, "select triggers in group", `trigger_group = ?`, group)
}

// SelectTriggersInState returns the keys of triggers in state.
func (t *tx) SelectTriggersInState(ctx context.Context, state trigger.State) ([]trigger.Key, error) {
	return t.triggerKeys(ctx, "select triggers in state", `trigger_state = ?`, string(state))
}

// SelectVolatileTriggers returns the keys of volatile triggers.
func (t *tx) SelectVolatileTriggers(ctx context.Context) ([]trigger.Key, error) {
	return t.triggerKeys(ctx, "select volatile triggers", `is_volatile = ?`, true)
}

func (t *tx) triggerKeys(ctx context.Context, op, where string, args ...any) ([]trigger.Key, error) {
	rows, err := t.query(ctx, op, `SELECT trigger_name, trigger_group FROM beacon_triggers
		WHERE `+where+` ORDER BY trigger_group, trigger_name`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]trigger.Key, 0)
	for rows.Next() {
		var k trigger.Key
		if err := rows.Scan(&k.Name, &k.Group); err != nil {
			return nil, t.fail(op, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail(op, err)
	}
	return keys, nil
}

// SelectStatefulJobsOfTriggerGroup returns the stateful jobs with a
// trigger in group.
func (t *tx) SelectStatefulJobsOfTriggerGroup(ctx context.Context, group string) ([]job.Key, error) {
	return t.jobKeys(ctx, "select stateful jobs of group", `
		SELECT DISTINCT j.job_name, j.job_group
		FROM beacon_triggers t
		JOIN beacon_jobs j ON j.job_name = t.job_name AND j.job_group = t.job_group
		WHERE t.trigger_group = ? AND j.is_stateful = ?
		ORDER BY j.job_group, j.job_name`, group, true)
}

// SelectNextFireTime returns the earliest WAITING next fire time.
func (t *tx) SelectNextFireTime(ctx context.Context) (*time.Time, error) {
	var next sql.NullInt64
	err := t.queryRow(ctx, `
		SELECT MIN(next_fire_time) FROM beacon_triggers
		WHERE trigger_state = ? AND next_fire_time IS NOT NULL`,
		string(trigger.StateWaiting),
	).Scan(&next)
	if err != nil {
		return nil, t.fail("select next fire time", err)
	}
	return fromNullMillis(next), nil
}

// SelectTriggerForFireTime returns a WAITING trigger due exactly at at.
func (t *tx) SelectTriggerForFireTime(ctx context.Context, at time.Time) (*trigger.Key, error) {
	cs, err := t.candidates(ctx, "select trigger for fire time",
		`trigger_state = ? AND next_fire_time = ?`, 1,
		string(trigger.StateWaiting), millis(at))
	if err != nil || len(cs) == 0 {
		return nil, err
	}
	k := cs[0].Key
	return &k, nil
}

// SelectTriggersToAcquire returns WAITING triggers due by noLaterThan.
func (t *tx) SelectTriggersToAcquire(ctx context.Context, noLaterThan time.Time, limit int) ([]trigger.Candidate, error) {
	return t.candidates(ctx, "select triggers to acquire",
		`trigger_state = ? AND next_fire_time <= ?`, limit,
		string(trigger.StateWaiting), millis(noLaterThan))
}

// SelectMisfiredTriggers returns misfired triggers and whether more remain.
func (t *tx) SelectMisfiredTriggers(ctx context.Context, q trigger.MisfireQuery) ([]trigger.Candidate, bool, error) {
	state := q.State
	if state == "" {
		state = trigger.StateWaiting
	}
	where := `trigger_state = ? AND misfire_policy <> ? AND next_fire_time < ?`
	args := []any{string(state), int(trigger.MisfireIgnore), millis(q.Before)}
	if q.Group != "" {
		where += ` AND trigger_group = ?`
		args = append(args, q.Group)
	}
	limit := 0
	if q.Limit > 0 {
		limit = q.Limit + 1
	}
	cs, err := t.candidates(ctx, "select misfired triggers", where, limit, args...)
	if err != nil {
		return nil, false, err
	}
	if q.Limit > 0 && len(cs) > q.Limit {
		return cs[:q.Limit], true, nil
	}
	return cs, false, nil
}

// candidates selects scheduled rows in acquisition order. A positive
// limit bounds the result.
func (t *tx) candidates(ctx context.Context, op, where string, limit int, args ...any) ([]trigger.Candidate, error) {
	query := `SELECT trigger_name, trigger_group, next_fire_time, priority FROM beacon_triggers
		WHERE next_fire_time IS NOT NULL AND ` + where + candidateOrder
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := t.query(ctx, op, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cs := make([]trigger.Candidate, 0)
	for rows.Next() {
		var (
			c    trigger.Candidate
			next int64
		)
		if err := rows.Scan(&c.Key.Name, &c.Key.Group, &next, &c.Priority); err != nil {
			return nil, t.fail(op, err)
		}
		c.NextFireTime = fromMillis(next)
		cs = append(cs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail(op, err)
	}
	return cs, nil
}

// ──────────────────────────────────────────────────
// Trigger listeners
// ──────────────────────────────────────────────────

// InsertTriggerListener associates a listener with a trigger.
func (t *tx) InsertTriggerListener(ctx context.Context, key trigger.Key, listener string) error {
	ok, err := t.TriggerExists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(beacon.ErrTriggerNotFound, "trigger %s", key)
	}
	_, err = t.exec(ctx, "insert trigger listener", `
		INSERT INTO beacon_trigger_listeners (trigger_name, trigger_group, listener)
		VALUES (?, ?, ?)
		ON CONFLICT (trigger_name, trigger_group, listener) DO NOTHING`,
		key.Name, key.Group, listener,
	)
	return err
}

// SelectTriggerListeners returns a trigger's listeners.
func (t *tx) SelectTriggerListeners(ctx context.Context, key trigger.Key) ([]string, error) {
	return t.texts(ctx, "select trigger listeners", `
		SELECT listener FROM beacon_trigger_listeners
		WHERE trigger_name = ? AND trigger_group = ? ORDER BY listener`,
		key.Name, key.Group,
	)
}

// DeleteTriggerListeners removes a trigger's listeners.
func (t *tx) DeleteTriggerListeners(ctx context.Context, key trigger.Key) (int, error) {
	return t.exec(ctx, "delete trigger listeners",
		`DELETE FROM beacon_trigger_listeners WHERE trigger_name = ? AND trigger_group = ?`,
		key.Name, key.Group,
	)
}

// ──────────────────────────────────────────────────
// Paused groups
// ──────────────────────────────────────────────────

// InsertPausedTriggerGroup records a paused-group marker.
func (t *tx) InsertPausedTriggerGroup(ctx context.Context, group string) error {
	_, err := t.exec(ctx, "insert paused group", `
		INSERT INTO beacon_paused_trigger_groups (trigger_group) VALUES (?)
		ON CONFLICT (trigger_group) DO NOTHING`, group)
	return err
}

// DeletePausedTriggerGroup removes a marker.
func (t *tx) DeletePausedTriggerGroup(ctx context.Context, group string) (bool, error) {
	n, err := t.exec(ctx, "delete paused group",
		`DELETE FROM beacon_paused_trigger_groups WHERE trigger_group = ?`, group)
	return n > 0, err
}

// DeleteAllPausedTriggerGroups removes every marker.
func (t *tx) DeleteAllPausedTriggerGroups(ctx context.Context) (int, error) {
	return t.exec(ctx, "delete paused groups", `DELETE FROM beacon_paused_trigger_groups`)
}

// IsTriggerGroupPaused reports whether group has a marker.
func (t *tx) IsTriggerGroupPaused(ctx context.Context, group string) (bool, error) {
	return t.exists(ctx, "is group paused",
		`SELECT COUNT(*) FROM beacon_paused_trigger_groups WHERE trigger_group = ?`, group)
}

// SelectPausedTriggerGroups returns every marker.
func (t *tx) SelectPausedTriggerGroups(ctx context.Context) ([]string, error) {
	return t.texts(ctx, "select paused groups",
		`SELECT trigger_group FROM beacon_paused_trigger_groups ORDER BY trigger_group`)
}

// IsExistingTriggerGroup reports whether any trigger lives in group.
func (t *tx) IsExistingTriggerGroup(ctx context.Context, group string) (bool, error) {
	return t.exists(ctx, "trigger group exists",
		`SELECT COUNT(*) FROM beacon_triggers WHERE trigger_group = ?`, group)
}

// ──────────────────────────────────────────────────
// Row decoding
// ──────────────────────────────────────────────────

// triggerRow is a trigger as stored, before validation.
type triggerRow struct {
	name, group, jobName, jobGroup string
	description, calendar          string
	start                          int64
	end, next, prev                sql.NullInt64
	priority, policy               int
	volatile                       bool
	state, kind                    string
	schedule, data                 []byte
	created, updated               int64
}

func (r *triggerRow) scan(s scanner) error {
	return s.Scan(
		&r.name, &r.group, &r.jobName, &r.jobGroup, &r.description,
		&r.calendar, &r.start, &r.end, &r.next, &r.prev, &r.priority,
		&r.policy, &r.volatile, &r.state, &r.kind, &r.schedule, &r.data,
		&r.created, &r.updated,
	)
}

func (r *triggerRow) key() trigger.Key {
	return trigger.Key{Name: r.name, Group: r.group}
}

// decode validates the stored state and schedule. Failures are row
// anomalies: beacon.ErrUnknownState or beacon.ErrPayloadCorrupt.
func (r *triggerRow) decode() (*trigger.Trigger, error) {
	if _, err := trigger.ParseState(r.state); err != nil {
		return nil, err
	}
	kind, err := trigger.ParseKind(r.kind)
	if err != nil {
		return nil, err
	}
	var sched trigger.Schedule
	if err := json.Unmarshal(r.schedule, &sched); err != nil {
		return nil, errors.Wrapf(beacon.ErrPayloadCorrupt, "schedule: %v", err)
	}
	if sched.Kind != kind {
		return nil, errors.Wrapf(beacon.ErrPayloadCorrupt, "schedule kind %q stored as %q", sched.Kind, kind)
	}

	tr := &trigger.Trigger{
		Key:              r.key(),
		JobKey:           job.Key{Name: r.jobName, Group: r.jobGroup},
		Description:      r.description,
		CalendarName:     r.calendar,
		StartTime:        fromMillis(r.start),
		EndTime:          fromNullMillis(r.end),
		NextFireTime:     fromNullMillis(r.next),
		PreviousFireTime: fromNullMillis(r.prev),
		Priority:         r.priority,
		MisfirePolicy:    trigger.MisfirePolicy(r.policy),
		Volatile:         r.volatile,
		Data:             r.data,
		Schedule:         sched,
	}
	tr.CreatedAt = fromMillis(r.created)
	tr.UpdatedAt = fromMillis(r.updated)
	return tr, nil
}
