package memory

import (
	"context"
	"sort"

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

// InsertFiredTrigger persists a new fired record.
func (t *tx) InsertFiredTrigger(_ context.Context, r *ledger.FiredRecord) error {
	if err := t.writable(); err != nil {
		return err
	}
	key := r.EntryID.String()
	if _, exists := t.d.fired[key]; exists {
		return errors.Wrapf(beacon.ErrContention, "fired entry %s exists", key)
	}
	t.d.fired[key] = r.Clone()
	return nil
}

// UpdateFiredTrigger replaces a fired record.
func (t *tx) UpdateFiredTrigger(_ context.Context, r *ledger.FiredRecord) error {
	if err := t.writable(); err != nil {
		return err
	}
	key := r.EntryID.String()
	if _, ok := t.d.fired[key]; !ok {
		return beacon.ErrFiredNotFound
	}
	t.d.fired[key] = r.Clone()
	return nil
}

// UpdateFiredTriggerState sets the state of a fired record.
func (t *tx) UpdateFiredTriggerState(_ context.Context, entryID id.FiredID, state ledger.FiredState) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	key := entryID.String()
	r, ok := t.d.fired[key]
	if !ok {
		return 0, nil
	}
	cp := r.Clone()
	cp.State = state
	t.d.fired[key] = cp
	return 1, nil
}

// DeleteFiredTrigger removes a fired record.
func (t *tx) DeleteFiredTrigger(_ context.Context, entryID id.FiredID) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	key := entryID.String()
	if _, ok := t.d.fired[key]; !ok {
		return false, nil
	}
	delete(t.d.fired, key)
	return true, nil
}

// DeleteFiredTriggersForTrigger removes a trigger's fired records.
func (t *tx) DeleteFiredTriggersForTrigger(_ context.Context, key trigger.Key) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.deleteFired(func(r *ledger.FiredRecord) bool { return r.TriggerKey == key }), nil
}

// DeleteFiredTriggersForInstance removes an instance's fired records.
func (t *tx) DeleteFiredTriggersForInstance(_ context.Context, instanceID string) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.deleteFired(func(r *ledger.FiredRecord) bool { return r.InstanceID == instanceID }), nil
}

// DeleteAllFiredTriggers empties the ledger.
func (t *tx) DeleteAllFiredTriggers(_ context.Context) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.deleteFired(func(*ledger.FiredRecord) bool { return true }), nil
}

// DeleteVolatileFiredTriggers removes records of volatile triggers.
func (t *tx) DeleteVolatileFiredTriggers(_ context.Context) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	return t.deleteFired(func(r *ledger.FiredRecord) bool { return r.Volatile }), nil
}

func (t *tx) deleteFired(match func(*ledger.FiredRecord) bool) int {
	n := 0
	for k, r := range t.d.fired {
		if match(r) {
			delete(t.d.fired, k)
			n++
		}
	}
	return n
}

// SelectFiredTrigger returns a fired record.
func (t *tx) SelectFiredTrigger(_ context.Context, entryID id.FiredID) (*ledger.FiredRecord, error) {
	r, ok := t.d.fired[entryID.String()]
	if !ok {
		return nil, beacon.ErrFiredNotFound
	}
	return r.Clone(), nil
}

// SelectFiredTriggerRecords returns a trigger's fired records.
func (t *tx) SelectFiredTriggerRecords(_ context.Context, key trigger.Key) ([]*ledger.FiredRecord, error) {
	return t.selectFired(func(r *ledger.FiredRecord) bool { return r.TriggerKey == key }), nil
}

// SelectFiredTriggerRecordsByJob returns a job's fired records.
func (t *tx) SelectFiredTriggerRecordsByJob(_ context.Context, jobKey job.Key) ([]*ledger.FiredRecord, error) {
	return t.selectFired(func(r *ledger.FiredRecord) bool { return r.JobKey == jobKey }), nil
}

// SelectInstancesFiredTriggerRecords returns an instance's fired records.
func (t *tx) SelectInstancesFiredTriggerRecords(_ context.Context, instanceID string) ([]*ledger.FiredRecord, error) {
	return t.selectFired(func(r *ledger.FiredRecord) bool { return r.InstanceID == instanceID }), nil
}

// selectFired returns copies of matching records ordered by fired time
// then entry id.
func (t *tx) selectFired(match func(*ledger.FiredRecord) bool) []*ledger.FiredRecord {
	out := make([]*ledger.FiredRecord, 0)
	for _, r := range t.d.fired {
		if match(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].FiredTime.Equal(out[k].FiredTime) {
			return out[i].FiredTime.Before(out[k].FiredTime)
		}
		return out[i].EntryID.String() < out[k].EntryID.String()
	})
	return out
}

// SelectFiredTriggerInstanceNames returns the instances owning records.
func (t *tx) SelectFiredTriggerInstanceNames(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, r := range t.d.fired {
		seen[r.InstanceID] = struct{}{}
	}
	return sortedSet(seen), nil
}

// SelectJobExecutionCount counts a job's EXECUTING records.
func (t *tx) SelectJobExecutionCount(_ context.Context, jobKey job.Key) (int, error) {
	n := 0
	for _, r := range t.d.fired {
		if r.JobKey == jobKey && r.State == ledger.FiredExecuting {
			n++
		}
	}
	return n, nil
}
