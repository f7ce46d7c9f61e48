package machine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/misfire"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/trigger"
)

// Pause and resume are set operations: pausing a paused trigger and
// resuming a running one change nothing. Any interleaving of pauses and
// resumes over a trigger ends in the state of the last operation applied.

// PauseTrigger pauses one trigger. It reports whether the trigger changed.
func (m *Machine) PauseTrigger(ctx context.Context, key trigger.Key) (bool, error) {
	var n int
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = pauseTrigger(ctx, tx, key)
		return err
	})
	return n > 0, err
}

func pauseTrigger(ctx context.Context, tx store.Tx, key trigger.Key) (int, error) {
	acquired, err := acquiredKeys(ctx, tx, func(k trigger.Key) bool { return k == key })
	if err != nil {
		return 0, err
	}
	n, err := applyMoves(trigger.EventPause, func(to trigger.State, from ...trigger.State) (int, error) {
		return tx.UpdateTriggerStateFromStates(ctx, key, to, from...)
	})
	if err != nil {
		return n, err
	}
	return n, dropPausedRecords(ctx, tx, acquired)
}

// acquiredKeys returns the ACQUIRED triggers matching keep.
func acquiredKeys(ctx context.Context, tx store.Tx, keep func(trigger.Key) bool) ([]trigger.Key, error) {
	keys, err := tx.SelectTriggersInState(ctx, trigger.StateAcquired)
	if err != nil {
		return nil, err
	}
	out := keys[:0]
	for _, k := range keys {
		if keep(k) {
			out = append(out, k)
		}
	}
	return out, nil
}

// dropPausedRecords deletes the fired records of acquired triggers that a
// pause just moved to PAUSED. Their acquisition is void.
func dropPausedRecords(ctx context.Context, tx store.Tx, keys []trigger.Key) error {
	for _, k := range keys {
		state, err := tx.SelectTriggerState(ctx, k)
		if err != nil {
			return err
		}
		if state != trigger.StatePaused {
			continue
		}
		if _, err := tx.DeleteFiredTriggersForTrigger(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// ResumeTrigger resumes one paused trigger. A trigger whose stateful job is
// executing resumes BLOCKED. A resumed trigger that fell behind is handled
// as a misfire. It reports whether the trigger changed.
func (m *Machine) ResumeTrigger(ctx context.Context, key trigger.Key) (bool, error) {
	now := m.clock()
	var resumed bool
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		resumed, err = m.resumeTrigger(ctx, tx, key, now)
		return err
	})
	return resumed, err
}

func (m *Machine) resumeTrigger(ctx context.Context, tx store.Tx, key trigger.Key, now time.Time) (bool, error) {
	st, err := tx.SelectTriggerStatus(ctx, key)
	if errors.Is(err, beacon.ErrTriggerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !st.State.IsPaused() {
		return false, nil
	}

	blocked, err := isJobBlocked(ctx, tx, st.JobKey)
	if err != nil {
		return false, err
	}
	to := trigger.StateWaiting
	if blocked {
		to = trigger.StateBlocked
	}
	n, err := tx.UpdateTriggerStateFromStates(ctx, key, to, st.State)
	if err != nil || n == 0 {
		return false, err
	}
	if to != trigger.StateWaiting {
		return true, nil
	}

	t, err := tx.SelectTrigger(ctx, key)
	if err != nil {
		return true, err
	}
	if t.IsMisfired(now, m.misfireThreshold) {
		if _, err := misfire.Handle(ctx, tx, t, trigger.StateWaiting, now); err != nil {
			return true, err
		}
	}
	return true, nil
}

// PauseTriggerGroup records a paused-group marker and pauses every trigger
// in group. It returns the number of triggers paused.
func (m *Machine) PauseTriggerGroup(ctx context.Context, group string) (int, error) {
	var n int
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = pauseGroup(ctx, tx, group)
		return err
	})
	if err == nil {
		m.logger.Debug("trigger group paused", slog.String("group", group), slog.Int("triggers", n))
	}
	return n, err
}

func pauseGroup(ctx context.Context, tx store.Tx, group string) (int, error) {
	if err := tx.InsertPausedTriggerGroup(ctx, group); err != nil {
		return 0, err
	}
	acquired, err := acquiredKeys(ctx, tx, func(k trigger.Key) bool { return k.Group == group })
	if err != nil {
		return 0, err
	}
	n, err := applyMoves(trigger.EventPause, func(to trigger.State, from ...trigger.State) (int, error) {
		return tx.UpdateTriggerGroupStateFromStates(ctx, group, to, from...)
	})
	if err != nil {
		return n, err
	}
	return n, dropPausedRecords(ctx, tx, acquired)
}

// ResumeTriggerGroup removes group's paused marker and resumes each of its
// triggers as ResumeTrigger does. It returns the number resumed.
func (m *Machine) ResumeTriggerGroup(ctx context.Context, group string) (int, error) {
	now := m.clock()
	var n int
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		n, err = m.resumeGroup(ctx, tx, group, now)
		return err
	})
	if err == nil {
		m.logger.Debug("trigger group resumed", slog.String("group", group), slog.Int("triggers", n))
	}
	return n, err
}

func (m *Machine) resumeGroup(ctx context.Context, tx store.Tx, group string, now time.Time) (int, error) {
	if _, err := tx.DeletePausedTriggerGroup(ctx, group); err != nil {
		return 0, err
	}
	keys, err := tx.SelectTriggersInGroup(ctx, group)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, key := range keys {
		ok, err := m.resumeTrigger(ctx, tx, key, now)
		if err != nil {
			return total, err
		}
		if ok {
			total++
		}
	}
	return total, nil
}

// PauseJob pauses every trigger of a job. It returns the number paused.
func (m *Machine) PauseJob(ctx context.Context, key job.Key) (int, error) {
	var total int
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		total = 0
		keys, err := tx.SelectTriggerKeysForJob(ctx, key)
		if err != nil {
			return err
		}
		for _, tk := range keys {
			n, err := pauseTrigger(ctx, tx, tk)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

// ResumeJob resumes every trigger of a job. It returns the number resumed.
func (m *Machine) ResumeJob(ctx context.Context, key job.Key) (int, error) {
	now := m.clock()
	var total int
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		total = 0
		keys, err := tx.SelectTriggerKeysForJob(ctx, key)
		if err != nil {
			return err
		}
		for _, tk := range keys {
			ok, err := m.resumeTrigger(ctx, tx, tk, now)
			if err != nil {
				return err
			}
			if ok {
				total++
			}
		}
		return nil
	})
	return total, err
}

// PauseAll pauses every trigger group and records the all-groups marker so
// that triggers stored into new groups start paused.
func (m *Machine) PauseAll(ctx context.Context) (int, error) {
	var total int
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		total = 0
		groups, err := tx.SelectTriggerGroups(ctx)
		if err != nil {
			return err
		}
		for _, g := range groups {
			n, err := pauseGroup(ctx, tx, g)
			if err != nil {
				return err
			}
			total += n
		}
		return tx.InsertPausedTriggerGroup(ctx, trigger.AllGroupsPaused)
	})
	if err == nil {
		m.logger.Info("all triggers paused", slog.Int("triggers", total))
	}
	return total, err
}

// ResumeAll resumes every trigger group and clears all paused markers.
func (m *Machine) ResumeAll(ctx context.Context) (int, error) {
	now := m.clock()
	var total int
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		total = 0
		groups, err := tx.SelectTriggerGroups(ctx)
		if err != nil {
			return err
		}
		for _, g := range groups {
			n, err := m.resumeGroup(ctx, tx, g, now)
			if err != nil {
				return err
			}
			total += n
		}
		_, err = tx.DeleteAllPausedTriggerGroups(ctx)
		return err
	})
	if err == nil {
		m.logger.Info("all triggers resumed", slog.Int("triggers", total))
	}
	return total, err
}
