package machine

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/calendar"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/trigger"
)

// RecoveryStats counts what Recover did.
type RecoveryStats struct {
	// Released is the number of fired records reclaimed.
	Released int
	// Synthesized is the number of recovery triggers stored.
	Synthesized int
}

// Recover reclaims fired records left behind by a dead instance inside
// the caller's transaction. Each record is deleted and its trigger
// returned to WAITING, PAUSED when its group is paused, or COMPLETE when it
// has nothing left to fire. A job
// that requested recovery and was executing gets a one-shot recovery
// trigger pinned to the original fired time; its original trigger is then
// advanced past that fire. Running it again over the same records changes
// nothing.
func (m *Machine) Recover(ctx context.Context, tx store.Tx, records []*ledger.FiredRecord) (RecoveryStats, error) {
	var stats RecoveryStats
	for _, rec := range records {
		synthesized, err := recoverRecord(ctx, tx, rec)
		if err != nil {
			return stats, errors.Wrapf(err, "recover entry %s", rec.EntryID)
		}
		stats.Released++
		if synthesized {
			stats.Synthesized++
		}
	}
	return stats, nil
}

func recoverRecord(ctx context.Context, tx store.Tx, rec *ledger.FiredRecord) (bool, error) {
	if _, err := tx.DeleteFiredTrigger(ctx, rec.EntryID); err != nil {
		return false, err
	}

	t, err := tx.SelectTrigger(ctx, rec.TriggerKey)
	if err != nil && !errors.Is(err, beacon.ErrTriggerNotFound) {
		return false, err
	}

	rerun := rec.RequestsRecovery && rec.State == ledger.FiredExecuting
	synthesized := false
	if rerun {
		var data []byte
		if t != nil {
			data = t.Data
		}
		synthesized, err = storeRecoveryTrigger(ctx, tx, rec, data)
		if err != nil {
			return false, err
		}
	}

	if t != nil {
		if err := releaseTrigger(ctx, tx, t, rerun); err != nil {
			return synthesized, err
		}
	}
	if rec.Stateful {
		if err := releaseIfIdle(ctx, tx, rec.JobKey); err != nil {
			return synthesized, err
		}
	}
	return synthesized, nil
}

// storeRecoveryTrigger inserts the recovery trigger of rec unless it
// already exists or its job is gone.
func storeRecoveryTrigger(ctx context.Context, tx store.Tx, rec *ledger.FiredRecord, data []byte) (bool, error) {
	exists, err := tx.TriggerExists(ctx, trigger.RecoveryKey(rec.EntryID))
	if err != nil || exists {
		return false, err
	}
	j, err := tx.SelectJob(ctx, rec.JobKey)
	if errors.Is(err, beacon.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	rt, err := trigger.NewRecoveryTrigger(rec.RecoverySource(data))
	if err != nil {
		return false, err
	}
	state, err := initialState(ctx, tx, rt.Key.Group, j)
	if err != nil {
		return false, err
	}
	if err := tx.InsertTrigger(ctx, rt, state); err != nil {
		return false, err
	}
	return true, nil
}

// releaseTrigger moves an in-flight trigger back to an acquirable state,
// or to PAUSED when its group was paused meanwhile. With advance set the fire is considered consumed and the next fire time
// moves past it.
func releaseTrigger(ctx context.Context, tx store.Tx, t *trigger.Trigger, advance bool) error {
	state, err := tx.SelectTriggerState(ctx, t.Key)
	if err != nil {
		return err
	}
	to, ok := trigger.CanTransition(state, trigger.EventRelease)
	if !ok {
		return nil
	}
	if advance && state == trigger.StateExecuting {
		cal, err := calendar.Load(ctx, tx, t.CalendarName)
		if err != nil {
			return err
		}
		t.Triggered(cal)
	}
	if to == trigger.StateWaiting {
		if t.NextFireTime == nil {
			to = trigger.StateComplete
		} else if paused, err := isGroupPaused(ctx, tx, t.Key.Group); err != nil {
			return err
		} else if paused {
			to = trigger.StatePaused
		}
	}
	_, err = tx.UpdateTriggerFromStates(ctx, t, to, state)
	return err
}

// ReleaseUndecodable returns the triggers of fired records that could not
// be decoded from ACQUIRED or EXECUTING to WAITING, or PAUSED when their
// group is paused, inside the caller's transaction. The records must
// already be deleted. Siblings of a stateful job are unblocked once it has
// no execution left. It returns the number of triggers released.
func (m *Machine) ReleaseUndecodable(ctx context.Context, tx store.Tx, recs []*ledger.UndecodableRecord) (int, error) {
	released := 0
	for _, u := range recs {
		to := trigger.StateWaiting
		paused, err := isGroupPaused(ctx, tx, u.TriggerKey.Group)
		if err != nil {
			return released, err
		}
		if paused {
			to = trigger.StatePaused
		}
		n, err := tx.UpdateTriggerStateFromStates(ctx, u.TriggerKey, to, trigger.StateAcquired, trigger.StateExecuting)
		if err != nil {
			return released, err
		}
		released += n

		stateful, err := tx.IsJobStateful(ctx, u.JobKey)
		if errors.Is(err, beacon.ErrJobNotFound) {
			continue
		}
		if err != nil {
			return released, err
		}
		if stateful {
			if err := releaseIfIdle(ctx, tx, u.JobKey); err != nil {
				return released, err
			}
		}
	}
	if released > 0 {
		m.logger.Warn("released triggers of undecodable fired records", slog.Int("triggers", released))
	}
	return released, nil
}

// PurgeVolatile removes volatile triggers and jobs, with their fired
// records, inside the caller's transaction. It runs on startup, when
// volatile state from a previous run is meaningless. It returns the number
// of triggers and jobs removed.
func (m *Machine) PurgeVolatile(ctx context.Context, tx store.Tx) (int, error) {
	if _, err := tx.DeleteVolatileFiredTriggers(ctx); err != nil {
		return 0, err
	}
	removed := 0
	keys, err := tx.SelectVolatileTriggers(ctx)
	if err != nil {
		return 0, err
	}
	for _, k := range keys {
		ok, err := removeTrigger(ctx, tx, k)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	jobs, err := tx.SelectVolatileJobs(ctx)
	if err != nil {
		return removed, err
	}
	for _, k := range jobs {
		ok, err := removeJob(ctx, tx, k)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}
