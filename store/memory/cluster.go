package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/cluster"
)

// ──────────────────────────────────────────────────
// Cluster Store
// ──────────────────────────────────────────────────

// InsertSchedulerState persists a new heartbeat row.
func (t *tx) InsertSchedulerState(_ context.Context, s *cluster.SchedulerState) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, exists := t.d.states[s.InstanceID]; exists {
		return beacon.ErrObjectAlreadyExists
	}
	t.d.states[s.InstanceID] = s.Clone()
	return nil
}

// UpdateSchedulerState records a check-in and clears any claim.
func (t *tx) UpdateSchedulerState(_ context.Context, instanceID string, checkIn time.Time, interval time.Duration) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	s, ok := t.d.states[instanceID]
	if !ok {
		return false, nil
	}
	cp := s.Clone()
	cp.LastCheckIn = checkIn
	cp.CheckInInterval = interval
	cp.Recoverer = ""
	t.d.states[instanceID] = cp
	return true, nil
}

// ClaimSchedulerState sets the recoverer while the row is unchanged.
func (t *tx) ClaimSchedulerState(_ context.Context, instanceID string, expectedCheckIn time.Time, expectedRecoverer, recoverer string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	s, ok := t.d.states[instanceID]
	if !ok || !s.LastCheckIn.Equal(expectedCheckIn) || s.Recoverer != expectedRecoverer {
		return false, nil
	}
	cp := s.Clone()
	cp.Recoverer = recoverer
	t.d.states[instanceID] = cp
	return true, nil
}

// DeleteSchedulerState removes a heartbeat row.
func (t *tx) DeleteSchedulerState(_ context.Context, instanceID string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	if _, ok := t.d.states[instanceID]; !ok {
		return false, nil
	}
	delete(t.d.states, instanceID)
	return true, nil
}

// SelectSchedulerState returns a heartbeat row.
func (t *tx) SelectSchedulerState(_ context.Context, instanceID string) (*cluster.SchedulerState, error) {
	s, ok := t.d.states[instanceID]
	if !ok {
		return nil, beacon.ErrInstanceNotFound
	}
	return s.Clone(), nil
}

// SelectSchedulerStateRecords returns every heartbeat row.
func (t *tx) SelectSchedulerStateRecords(_ context.Context) ([]*cluster.SchedulerState, error) {
	out := make([]*cluster.SchedulerState, 0, len(t.d.states))
	for _, s := range t.d.states {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].InstanceID < out[k].InstanceID })
	return out, nil
}
