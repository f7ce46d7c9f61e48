package memory

import (
	"context"
	"time"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/trigger"
)

// ──────────────────────────────────────────────────
// Trigger Store
// ──────────────────────────────────────────────────

// InsertTrigger persists a new trigger in state.
func (t *tx) InsertTrigger(_ context.Context, tr *trigger.Trigger, state trigger.State) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, exists := t.d.triggers[tr.Key]; exists {
		return beacon.ErrObjectAlreadyExists
	}
	t.d.triggers[tr.Key] = triggerRow{t: tr.Clone(), state: state}
	return nil
}

// UpdateTrigger replaces a trigger and sets its state.
func (t *tx) UpdateTrigger(_ context.Context, tr *trigger.Trigger, state trigger.State) error {
	if err := t.writable(); err != nil {
		return err
	}
	old, ok := t.d.triggers[tr.Key]
	if !ok {
		return beacon.ErrTriggerNotFound
	}
	t.d.triggers[tr.Key] = t.replaced(old, tr, state)
	return nil
}

// UpdateTriggerFromStates replaces a trigger while it is in oldStates.
func (t *tx) UpdateTriggerFromStates(_ context.Context, tr *trigger.Trigger, newState trigger.State, oldStates ...trigger.State) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	old, ok := t.d.triggers[tr.Key]
	if !ok || !hasState(old.state, oldStates) {
		return 0, nil
	}
	t.d.triggers[tr.Key] = t.replaced(old, tr, newState)
	return 1, nil
}

func (t *tx) replaced(old triggerRow, tr *trigger.Trigger, state trigger.State) triggerRow {
	cp := tr.Clone()
	cp.CreatedAt = old.t.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	return triggerRow{t: cp, state: state}
}

// DeleteTrigger removes a trigger and its listener associations.
func (t *tx) DeleteTrigger(_ context.Context, key trigger.Key) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	if _, ok := t.d.triggers[key]; !ok {
		return false, nil
	}
	delete(t.d.triggers, key)
	delete(t.d.triggerListeners, key)
	return true, nil
}

// TriggerExists reports whether the trigger exists.
func (t *tx) TriggerExists(_ context.Context, key trigger.Key) (bool, error) {
	_, ok := t.d.triggers[key]
	return ok, nil
}

// SelectTrigger returns a copy of the trigger.
func (t *tx) SelectTrigger(_ context.Context, key trigger.Key) (*trigger.Trigger, error) {
	row, ok := t.d.triggers[key]
	if !ok {
		return nil, beacon.ErrTriggerNotFound
	}
	return row.t.Clone(), nil
}

// SelectTriggerState returns the trigger's state.
func (t *tx) SelectTriggerState(_ context.Context, key trigger.Key) (trigger.State, error) {
	row, ok := t.d.triggers[key]
	if !ok {
		return "", beacon.ErrTriggerNotFound
	}
	return row.state, nil
}

// SelectTriggerStatus returns the trigger's status view.
func (t *tx) SelectTriggerStatus(_ context.Context, key trigger.Key) (*trigger.Status, error) {
	row, ok := t.d.triggers[key]
	if !ok {
		return nil, beacon.ErrTriggerNotFound
	}
	return statusOf(row), nil
}

func statusOf(row triggerRow) *trigger.Status {
	st := &trigger.Status{Key: row.t.Key, JobKey: row.t.JobKey, State: row.state}
	if row.t.NextFireTime != nil {
		v := *row.t.NextFireTime
		st.NextFireTime = &v
	}
	return st
}

// UpdateTriggerState sets a trigger's state unconditionally.
func (t *tx) UpdateTriggerState(_ context.Context, key trigger.Key, state trigger.State) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.setStates(func(k trigger.Key, _ triggerRow) bool { return k == key }, state, nil), nil
}

// UpdateTriggerStateFromStates sets a trigger's state conditionally.
func (t *tx) UpdateTriggerStateFromStates(_ context.Context, key trigger.Key, newState trigger.State, oldStates ...trigger.State) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.setStates(func(k trigger.Key, _ triggerRow) bool { return k == key }, newState, oldStates), nil
}

// UpdateTriggerGroupStateFromStates updates every trigger in group.
func (t *tx) UpdateTriggerGroupStateFromStates(_ context.Context, group string, newState trigger.State, oldStates ...trigger.State) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.setStates(func(k trigger.Key, _ triggerRow) bool { return k.Group == group }, newState, oldStates), nil
}

// UpdateTriggerStatesFromStates updates every trigger.
func (t *tx) UpdateTriggerStatesFromStates(_ context.Context, newState trigger.State, oldStates ...trigger.State) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.setStates(func(trigger.Key, triggerRow) bool { return true }, newState, oldStates), nil
}

// UpdateTriggerStatesFromStatesBeforeTime updates triggers due before
// before.
func (t *tx) UpdateTriggerStatesFromStatesBeforeTime(_ context.Context, newState trigger.State, before time.Time, oldStates ...trigger.State) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.setStates(func(_ trigger.Key, row triggerRow) bool {
		return row.t.NextFireTime != nil && row.t.NextFireTime.Before(before)
	}, newState, oldStates), nil
}

// UpdateTriggerStatesForJob sets the state of every trigger of a job.
func (t *tx) UpdateTriggerStatesForJob(_ context.Context, jobKey job.Key, state trigger.State) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.setStates(func(_ trigger.Key, row triggerRow) bool { return row.t.JobKey == jobKey }, state, nil), nil
}

// UpdateTriggerStatesForJobFromStates conditionally updates a job's
// triggers.
func (t *tx) UpdateTriggerStatesForJobFromStates(_ context.Context, jobKey job.Key, newState trigger.State, oldStates ...trigger.State) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.setStates(func(_ trigger.Key, row triggerRow) bool { return row.t.JobKey == jobKey }, newState, oldStates), nil
}

// setStates moves every matching row in one of from (any state when from
// is nil) to state and returns the count.
func (t *tx) setStates(match func(trigger.Key, triggerRow) bool, state trigger.State, from []trigger.State) int {
	n := 0
	for k, row := range t.d.triggers {
		if !match(k, row) {
			continue
		}
		if from != nil && !hasState(row.state, from) {
			continue
		}
		row.state = state
		t.d.triggers[k] = row
		n++
	}
	return n
}

// SelectTriggersForJob returns the triggers of a job.
func (t *tx) SelectTriggersForJob(_ context.Context, jobKey job.Key) ([]*trigger.Trigger, error) {
	return t.selectTriggers(func(row triggerRow) bool { return row.t.JobKey == jobKey }), nil
}

// SelectTriggerKeysForJob returns the keys of a job's triggers.
func (t *tx) SelectTriggerKeysForJob(_ context.Context, jobKey job.Key) ([]trigger.Key, error) {
	return t.selectKeys(func(_ trigger.Key, row triggerRow) bool { return row.t.JobKey == jobKey }), nil
}

// SelectTriggersForCalendar returns the triggers naming a calendar.
func (t *tx) SelectTriggersForCalendar(_ context.Context, calendarName string) ([]*trigger.Trigger, error) {
	return t.selectTriggers(func(row triggerRow) bool { return row.t.CalendarName == calendarName }), nil
}

func (t *tx) selectTriggers(match func(triggerRow) bool) []*trigger.Trigger {
	keys := t.selectKeys(func(_ trigger.Key, row triggerRow) bool { return match(row) })
	out := make([]*trigger.Trigger, 0, len(keys))
	for _, k := range keys {
		out = append(out, t.d.triggers[k].t.Clone())
	}
	return out
}

func (t *tx) selectKeys(match func(trigger.Key, triggerRow) bool) []trigger.Key {
	keys := make([]trigger.Key, 0)
	for k, row := range t.d.triggers {
		if match(k, row) {
			keys = append(keys, k)
		}
	}
	trigger.SortKeys(keys)
	return keys
}

// CountTriggers returns the number of triggers.
func (t *tx) CountTriggers(_ context.Context) (int, error) {
	return len(t.d.triggers), nil
}

// CountTriggersForJob returns the number of a job's triggers.
func (t *tx) CountTriggersForJob(_ context.Context, jobKey job.Key) (int, error) {
	n := 0
	for _, row := range t.d.triggers {
		if row.t.JobKey == jobKey {
			n++
		}
	}
	return n, nil
}

// SelectTriggerGroups returns the distinct trigger groups.
func (t *tx) SelectTriggerGroups(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for k := range t.d.triggers {
		seen[k.Group] = struct{}{}
	}
	return sortedSet(seen), nil
}

// SelectTriggersInGroup returns the keys of a group's triggers.
func (t *tx) SelectTriggersInGroup(_ context.Context, group string) ([]trigger.Key, error) {
	return t.selectKeys(func(k trigger.Key, _ triggerRow) bool { return k.Group == group }), nil
}

// SelectTriggersInState returns the keys of triggers in state.
func (t *tx) SelectTriggersInState(_ context.Context, state trigger.State) ([]trigger.Key, error) {
	return t.selectKeys(func(_ trigger.Key, row triggerRow) bool { return row.state == state }), nil
}

// SelectStatefulJobsOfTriggerGroup returns the stateful jobs with a
// trigger in group.
func (t *tx) SelectStatefulJobsOfTriggerGroup(_ context.Context, group string) ([]job.Key, error) {
	seen := make(map[job.Key]struct{})
	for k, row := range t.d.triggers {
		if k.Group != group {
			continue
		}
		if j, ok := t.d.jobs[row.t.JobKey]; ok && j.Stateful {
			seen[j.Key] = struct{}{}
		}
	}
	keys := make([]job.Key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sortJobKeys(keys)
	return keys, nil
}

// SelectNextFireTime returns the earliest WAITING next fire time.
func (t *tx) SelectNextFireTime(_ context.Context) (*time.Time, error) {
	var next *time.Time
	for _, row := range t.d.triggers {
		nft := row.t.NextFireTime
		if row.state != trigger.StateWaiting || nft == nil {
			continue
		}
		if next == nil || nft.Before(*next) {
			v := *nft
			next = &v
		}
	}
	return next, nil
}

// SelectTriggerForFireTime returns a WAITING trigger due exactly at at.
func (t *tx) SelectTriggerForFireTime(_ context.Context, at time.Time) (*trigger.Key, error) {
	cs := t.candidates(func(row triggerRow) bool {
		return row.state == trigger.StateWaiting && row.t.NextFireTime.Equal(at)
	})
	if len(cs) == 0 {
		return nil, nil //nolint:nilnil // no trigger due at that instant
	}
	k := cs[0].Key
	return &k, nil
}

// SelectTriggersToAcquire returns WAITING triggers due by noLaterThan.
func (t *tx) SelectTriggersToAcquire(_ context.Context, noLaterThan time.Time, limit int) ([]trigger.Candidate, error) {
	cs := t.candidates(func(row triggerRow) bool {
		return row.state == trigger.StateWaiting && !row.t.NextFireTime.After(noLaterThan)
	})
	if limit > 0 && len(cs) > limit {
		cs = cs[:limit]
	}
	return cs, nil
}

// SelectMisfiredTriggers returns misfired triggers and whether more remain.
func (t *tx) SelectMisfiredTriggers(_ context.Context, q trigger.MisfireQuery) ([]trigger.Candidate, bool, error) {
	state := q.State
	if state == "" {
		state = trigger.StateWaiting
	}
	cs := t.candidates(func(row triggerRow) bool {
		return row.state == state &&
			(q.Group == "" || row.t.Key.Group == q.Group) &&
			row.t.MisfirePolicy != trigger.MisfireIgnore &&
			row.t.NextFireTime.Before(q.Before)
	})
	if q.Limit > 0 && len(cs) > q.Limit {
		return cs[:q.Limit], true, nil
	}
	return cs, false, nil
}

// candidates returns the scheduled rows matching match in acquisition
// order. Rows without a next fire time never match.
func (t *tx) candidates(match func(triggerRow) bool) []trigger.Candidate {
	cs := make([]trigger.Candidate, 0)
	for k, row := range t.d.triggers {
		if row.t.NextFireTime == nil || !match(row) {
			continue
		}
		cs = append(cs, trigger.Candidate{Key: k, NextFireTime: *row.t.NextFireTime, Priority: row.t.Priority})
	}
	trigger.SortCandidates(cs)
	return cs
}

// SelectVolatileTriggers returns the keys of volatile triggers.
func (t *tx) SelectVolatileTriggers(_ context.Context) ([]trigger.Key, error) {
	return t.selectKeys(func(_ trigger.Key, row triggerRow) bool { return row.t.Volatile }), nil
}

// InsertTriggerListener associates a listener with a trigger.
func (t *tx) InsertTriggerListener(_ context.Context, key trigger.Key, listener string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.d.triggers[key]; !ok {
		return beacon.ErrTriggerNotFound
	}
	t.d.triggerListeners[key] = appendUnique(t.d.triggerListeners[key], listener)
	return nil
}

// SelectTriggerListeners returns a trigger's listeners.
func (t *tx) SelectTriggerListeners(_ context.Context, key trigger.Key) ([]string, error) {
	return append([]string{}, t.d.triggerListeners[key]...), nil
}

// DeleteTriggerListeners removes a trigger's listeners.
func (t *tx) DeleteTriggerListeners(_ context.Context, key trigger.Key) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	n := len(t.d.triggerListeners[key])
	delete(t.d.triggerListeners, key)
	return n, nil
}

// ──────────────────────────────────────────────────
// Paused groups
// ──────────────────────────────────────────────────

// InsertPausedTriggerGroup records a paused-group marker.
func (t *tx) InsertPausedTriggerGroup(_ context.Context, group string) error {
	if err := t.writable(); err != nil {
		return err
	}
	t.d.pausedGroups[group] = struct{}{}
	return nil
}

// DeletePausedTriggerGroup removes a marker.
func (t *tx) DeletePausedTriggerGroup(_ context.Context, group string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	if _, ok := t.d.pausedGroups[group]; !ok {
		return false, nil
	}
	delete(t.d.pausedGroups, group)
	return true, nil
}

// DeleteAllPausedTriggerGroups removes every marker.
func (t *tx) DeleteAllPausedTriggerGroups(_ context.Context) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	n := len(t.d.pausedGroups)
	t.d.pausedGroups = make(map[string]struct{})
	return n, nil
}

// IsTriggerGroupPaused reports whether group has a marker.
func (t *tx) IsTriggerGroupPaused(_ context.Context, group string) (bool, error) {
	_, ok := t.d.pausedGroups[group]
	return ok, nil
}

// SelectPausedTriggerGroups returns every marker.
func (t *tx) SelectPausedTriggerGroups(_ context.Context) ([]string, error) {
	return sortedSet(t.d.pausedGroups), nil
}

// IsExistingTriggerGroup reports whether any trigger lives in group.
func (t *tx) IsExistingTriggerGroup(_ context.Context, group string) (bool, error) {
	for k := range t.d.triggers {
		if k.Group == group {
			return true, nil
		}
	}
	return false, nil
}
