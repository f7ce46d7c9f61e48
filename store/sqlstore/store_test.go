package sqlstore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/calendar"
	"github.com/xraph/beacon/cluster"
	"github.com/xraph/beacon/coordinator"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/machine"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/store/sqlstore"
	"github.com/xraph/beacon/trigger"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T) *sqlstore.Gateway {
	t.Helper()
	ctx := context.Background()
	dsn := "file:" + filepath.Join(t.TempDir(), "beacon.db") + "?_pragma=busy_timeout(5000)"
	gw, err := sqlstore.Open(ctx, sqlstore.SQLite, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Close() })
	require.NoError(t, gw.Migrate(ctx))
	return gw
}

func newJob(name string) *job.Job {
	return &job.Job{Entity: beacon.NewEntity(), Key: job.NewKey(name, ""), Type: "noop", Data: []byte(`{"n":1}`)}
}

func everyMinute(name string, jk job.Key) *trigger.Trigger {
	return trigger.New(trigger.NewKey(name, ""), jk, t0, trigger.Every(time.Minute, trigger.RepeatIndefinitely))
}

func inTx(t *testing.T, gw store.Gateway, fn store.TxFunc) {
	t.Helper()
	require.NoError(t, gw.InTx(context.Background(), fn))
}

func TestMigrateIsIdempotent(t *testing.T) {
	gw := openSQLite(t)
	require.NoError(t, gw.Migrate(context.Background()))
	require.NoError(t, gw.Ping(context.Background()))
}

func TestJobRoundTrip(t *testing.T) {
	ctx := context.Background()
	gw := openSQLite(t)
	j := newJob("report")
	j.Stateful = true

	inTx(t, gw, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertJob(ctx, j)
	})

	err := gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertJob(ctx, j)
	})
	assert.ErrorIs(t, err, beacon.ErrObjectAlreadyExists)

	err = gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		got, err := tx.SelectJob(ctx, j.Key)
		require.NoError(t, err)
		assert.Equal(t, j.Key, got.Key)
		assert.Equal(t, j.Data, got.Data)
		assert.True(t, got.Stateful)

		stateful, err := tx.IsJobStateful(ctx, j.Key)
		require.NoError(t, err)
		assert.True(t, stateful)

		_, err = tx.SelectJob(ctx, job.NewKey("missing", ""))
		assert.ErrorIs(t, err, beacon.ErrJobNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestViewRejectsWrites(t *testing.T) {
	ctx := context.Background()
	gw := openSQLite(t)
	err := gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertJob(ctx, newJob("report"))
	})
	assert.ErrorIs(t, err, beacon.ErrReadOnly)
}

func TestFailedCallbackRollsBack(t *testing.T) {
	ctx := context.Background()
	gw := openSQLite(t)
	err := gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertJob(ctx, newJob("report")); err != nil {
			return err
		}
		return beacon.ErrInvalidState
	})
	require.ErrorIs(t, err, beacon.ErrInvalidState)

	err = gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		n, err := tx.CountJobs(ctx)
		assert.Zero(t, n)
		return err
	})
	require.NoError(t, err)
}

func TestConditionalStateUpdates(t *testing.T) {
	gw := openSQLite(t)
	j := newJob("report")
	a, b := everyMinute("a", j.Key), everyMinute("b", j.Key)

	inTx(t, gw, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertJob(ctx, j); err != nil {
			return err
		}
		if err := tx.InsertTrigger(ctx, a, trigger.StateWaiting); err != nil {
			return err
		}
		return tx.InsertTrigger(ctx, b, trigger.StateBlocked)
	})

	inTx(t, gw, func(ctx context.Context, tx store.Tx) error {
		n, err := tx.UpdateTriggerStateFromStates(ctx, a.Key, trigger.StateAcquired, trigger.StateWaiting)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		// A lost race is zero rows, not an error.
		n, err = tx.UpdateTriggerStateFromStates(ctx, a.Key, trigger.StateAcquired, trigger.StateWaiting)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = tx.UpdateTriggerGroupStateFromStates(ctx, job.DefaultGroup, trigger.StatePaused,
			trigger.StateWaiting, trigger.StateAcquired)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = tx.UpdateTriggerStatesForJob(ctx, j.Key, trigger.StateError)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		return nil
	})
}

func TestAcquisitionOrder(t *testing.T) {
	ctx := context.Background()
	gw := openSQLite(t)
	j := newJob("report")

	low := everyMinute("low", j.Key)
	high := everyMinute("high", j.Key)
	high.Priority = 10
	late := trigger.New(trigger.NewKey("late", ""), j.Key, t0.Add(time.Minute), trigger.Once())
	paused := everyMinute("paused", j.Key)

	inTx(t, gw, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertJob(ctx, j); err != nil {
			return err
		}
		for _, tr := range []*trigger.Trigger{low, high, late, paused} {
			tr.ComputeFirstFireTime(nil)
			state := trigger.StateWaiting
			if tr == paused {
				state = trigger.StatePaused
			}
			if err := tx.InsertTrigger(ctx, tr, state); err != nil {
				return err
			}
		}
		return nil
	})

	err := gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		cs, err := tx.SelectTriggersToAcquire(ctx, t0.Add(time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, cs, 3)
		assert.Equal(t, "high", cs[0].Key.Name)
		assert.Equal(t, "low", cs[1].Key.Name)
		assert.Equal(t, "late", cs[2].Key.Name)

		cs, err = tx.SelectTriggersToAcquire(ctx, t0.Add(time.Minute), 1)
		require.NoError(t, err)
		assert.Len(t, cs, 1)

		next, err := tx.SelectNextFireTime(ctx)
		require.NoError(t, err)
		require.NotNil(t, next)
		assert.True(t, next.Equal(t0))

		misfired, more, err := tx.SelectMisfiredTriggers(ctx, trigger.MisfireQuery{Before: t0.Add(2 * time.Minute), Limit: 2})
		require.NoError(t, err)
		assert.Len(t, misfired, 2)
		assert.True(t, more)
		return nil
	})
	require.NoError(t, err)
}

func TestBatchSelectsReportCorruptRows(t *testing.T) {
	ctx := context.Background()
	gw := openSQLite(t)
	j := newJob("report")
	good, bad, odd := everyMinute("good", j.Key), everyMinute("bad", j.Key), everyMinute("odd", j.Key)

	inTx(t, gw, func(ctx context.Context, tx store.Tx) error {
		if err := tx.InsertJob(ctx, j); err != nil {
			return err
		}
		for _, tr := range []*trigger.Trigger{good, bad, odd} {
			if err := tx.InsertTrigger(ctx, tr, trigger.StateWaiting); err != nil {
				return err
			}
		}
		return nil
	})
	_, err := gw.DB().ExecContext(ctx, `UPDATE beacon_triggers SET schedule = ? WHERE trigger_name = 'bad'`, []byte("{not json"))
	require.NoError(t, err)
	_, err = gw.DB().ExecContext(ctx, `UPDATE beacon_triggers SET trigger_state = 'SLEEPING' WHERE trigger_name = 'odd'`)
	require.NoError(t, err)

	err = gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		trs, err := tx.SelectTriggersForJob(ctx, j.Key)
		require.Len(t, trs, 1)
		assert.Equal(t, "good", trs[0].Key.Name)

		var batch *beacon.BatchError
		require.ErrorAs(t, err, &batch)
		assert.Len(t, batch.Rows, 2)
		assert.ErrorIs(t, err, beacon.ErrPayloadCorrupt)
		assert.ErrorIs(t, err, beacon.ErrUnknownState)

		_, err = tx.SelectTrigger(ctx, bad.Key)
		assert.ErrorIs(t, err, beacon.ErrPayloadCorrupt)
		_, err = tx.SelectTriggerState(ctx, odd.Key)
		assert.ErrorIs(t, err, beacon.ErrUnknownState)
		return nil
	})
	require.NoError(t, err)
}

func TestFiredRecords(t *testing.T) {
	ctx := context.Background()
	gw := openSQLite(t)
	j := newJob("report")
	tr := everyMinute("t", j.Key)
	tr.ComputeFirstFireTime(nil)

	l := ledger.New("node-1")
	rec := &ledger.FiredRecord{
		EntryID:    id.NewFiredID(),
		TriggerKey: tr.Key,
		JobKey:     j.Key,
		InstanceID: "node-1",
		FiredTime:  t0,
		Priority:   tr.Priority,
		State:      ledger.FiredExecuting,
	}
	inTx(t, gw, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertFiredTrigger(ctx, rec)
	})

	err := gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertFiredTrigger(ctx, rec)
	})
	assert.True(t, beacon.IsRetryable(err), "duplicate entry should be contention: %v", err)

	err = gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		n, err := l.JobExecutionCount(ctx, tx, j.Key)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		recs, err := tx.SelectInstancesFiredTriggerRecords(ctx, "node-1")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, rec.EntryID.String(), recs[0].EntryID.String())
		assert.True(t, recs[0].FiredTime.Equal(t0))
		return nil
	})
	require.NoError(t, err)
}

func TestSchedulerStateClaim(t *testing.T) {
	gw := openSQLite(t)
	inTx(t, gw, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertSchedulerState(ctx, &cluster.SchedulerState{
			InstanceID: "I1", LastCheckIn: t0, CheckInInterval: 7500 * time.Millisecond,
		})
	})

	inTx(t, gw, func(ctx context.Context, tx store.Tx) error {
		ok, err := tx.ClaimSchedulerState(ctx, "I1", t0, "", "I2")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = tx.ClaimSchedulerState(ctx, "I1", t0, "", "I3")
		require.NoError(t, err)
		assert.False(t, ok, "second claim must lose")

		s, err := tx.SelectSchedulerState(ctx, "I1")
		require.NoError(t, err)
		assert.Equal(t, "I2", s.Recoverer)
		assert.Equal(t, 7500*time.Millisecond, s.CheckInInterval)

		// A check-in revives the row and clears the claim.
		ok, err = tx.UpdateSchedulerState(ctx, "I1", t0.Add(time.Second), time.Second)
		require.NoError(t, err)
		assert.True(t, ok)
		s, err = tx.SelectSchedulerState(ctx, "I1")
		require.NoError(t, err)
		assert.Empty(t, s.Recoverer)
		return nil
	})
}

func TestCalendarReferences(t *testing.T) {
	ctx := context.Background()
	gw := openSQLite(t)
	m := machine.New(gw, "node-1", machine.WithClock(func() time.Time { return t0 }))

	c := &calendar.Calendar{Entity: beacon.NewEntity(), Name: "weekdays", Rules: []byte(`{"excluded_weekdays":[0,6]}`)}
	require.NoError(t, m.StoreCalendar(ctx, c, false, false))

	j := newJob("report")
	tr := everyMinute("t", j.Key)
	tr.CalendarName = "weekdays"
	require.NoError(t, m.StoreJobAndTrigger(ctx, j, tr))

	_, err := m.RemoveCalendar(ctx, "weekdays")
	assert.ErrorIs(t, err, beacon.ErrCalendarReferenced)
}

// The crash scenario end to end on a real database: I1 fires a trigger
// and dies, I2 detects it and returns the trigger to WAITING.
func TestFailoverOnSQLite(t *testing.T) {
	ctx := context.Background()
	gw := openSQLite(t)
	now := t0
	clock := func() time.Time { return now }

	m1 := machine.New(gw, "I1", machine.WithClock(clock))
	m2 := machine.New(gw, "I2", machine.WithClock(clock))
	c1 := coordinator.New(m1, coordinator.WithCheckInInterval(10*time.Second))
	c2 := coordinator.New(m2, coordinator.WithCheckInInterval(10*time.Second))

	j := newJob("report")
	tr := everyMinute("t", j.Key)
	require.NoError(t, m1.StoreJobAndTrigger(ctx, j, tr))
	_, err := c1.CheckIn(ctx, now)
	require.NoError(t, err)

	res, err := m1.AcquireNextTriggers(ctx, now, 0, 1)
	require.NoError(t, err)
	require.Len(t, res.Triggers, 1)
	b, err := m1.TriggerFired(ctx, res.Triggers[0].Record.EntryID)
	require.NoError(t, err)
	require.NotNil(t, b)

	now = t0.Add(time.Minute)
	cycle, err := c2.Cycle(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, cycle.Recovered)

	st, err := m2.TriggerStatus(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, st.State)
	require.NotNil(t, st.NextFireTime)
	assert.True(t, st.NextFireTime.Equal(t0))

	err = gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		records, err := tx.SelectFiredTriggerRecords(ctx, tr.Key)
		assert.Empty(t, records)
		return err
	})
	require.NoError(t, err)
}

// A fired record whose state no longer parses still releases its trigger
// when the owning instance is recovered.
func TestFailoverReleasesUndecodableRecord(t *testing.T) {
	ctx := context.Background()
	gw := openSQLite(t)
	now := t0
	clock := func() time.Time { return now }

	m1 := machine.New(gw, "I1", machine.WithClock(clock))
	m2 := machine.New(gw, "I2", machine.WithClock(clock))
	c1 := coordinator.New(m1, coordinator.WithCheckInInterval(10*time.Second))
	c2 := coordinator.New(m2, coordinator.WithCheckInInterval(10*time.Second))

	j := newJob("report")
	tr := everyMinute("t", j.Key)
	require.NoError(t, m1.StoreJobAndTrigger(ctx, j, tr))
	_, err := c1.CheckIn(ctx, now)
	require.NoError(t, err)

	res, err := m1.AcquireNextTriggers(ctx, now, 0, 1)
	require.NoError(t, err)
	require.Len(t, res.Triggers, 1)
	_, err = gw.DB().ExecContext(ctx, `UPDATE beacon_fired_triggers SET state = 'BOGUS' WHERE instance_id = 'I1'`)
	require.NoError(t, err)

	err = gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.SelectInstancesFiredTriggerRecords(ctx, "I1")
		undecodable := ledger.Undecodable(err)
		require.Len(t, undecodable, 1)
		assert.Equal(t, tr.Key, undecodable[0].TriggerKey)
		assert.Equal(t, j.Key, undecodable[0].JobKey)
		assert.ErrorIs(t, err, beacon.ErrUnknownState)
		return nil
	})
	require.NoError(t, err)

	now = t0.Add(time.Minute)
	cycle, err := c2.Cycle(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, cycle.Recovered)
	assert.Equal(t, 1, cycle.Stats.Released)

	st, err := m2.TriggerStatus(ctx, tr.Key)
	require.NoError(t, err)
	assert.Equal(t, trigger.StateWaiting, st.State)

	var left int
	require.NoError(t, gw.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM beacon_fired_triggers`).Scan(&left))
	assert.Zero(t, left)

	res, err = m2.AcquireNextTriggers(ctx, now, 0, 1)
	require.NoError(t, err)
	assert.Len(t, res.Triggers, 1, "released trigger is acquirable again")
}

func TestRemoveJobDeletesUndecodableRecords(t *testing.T) {
	ctx := context.Background()
	gw := openSQLite(t)
	m := machine.New(gw, "I1", machine.WithClock(func() time.Time { return t0 }))

	j := newJob("report")
	tr := everyMinute("t", j.Key)
	require.NoError(t, m.StoreJobAndTrigger(ctx, j, tr))
	res, err := m.AcquireNextTriggers(ctx, t0, 0, 1)
	require.NoError(t, err)
	require.Len(t, res.Triggers, 1)
	// The record outlived its trigger row and no longer decodes.
	_, err = gw.DB().ExecContext(ctx, `UPDATE beacon_fired_triggers SET state = 'BOGUS', trigger_name = 'gone'`)
	require.NoError(t, err)

	ok, err := m.RemoveJob(ctx, j.Key)
	require.NoError(t, err)
	assert.True(t, ok)

	var left int
	require.NoError(t, gw.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM beacon_fired_triggers`).Scan(&left))
	assert.Zero(t, left)
}

// Readers running alongside RemoveJob see either the whole job or nothing
// of it.
func TestRemoveJobAtomicForReaders(t *testing.T) {
	ctx := context.Background()
	gw := openSQLite(t)
	m := machine.New(gw, "I1", machine.WithClock(func() time.Time { return t0 }))

	j := newJob("report")
	j.Durable = true
	require.NoError(t, m.StoreJob(ctx, j, false))
	for i := 0; i < 10; i++ {
		require.NoError(t, m.StoreTrigger(ctx, everyMinute(fmt.Sprintf("t%d", i), j.Key), false))
	}

	var (
		snapshots atomic.Int32
		removed   atomic.Bool
		started   = make(chan struct{})
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			last := removed.Load()
			err := gw.View(gctx, func(ctx context.Context, tx store.Tx) error {
				exists, err := tx.JobExists(ctx, j.Key)
				if err != nil {
					return err
				}
				n, err := tx.CountTriggersForJob(ctx, j.Key)
				if err != nil {
					return err
				}
				if !exists && n > 0 {
					return fmt.Errorf("job gone with %d triggers left", n)
				}
				return nil
			})
			if snapshots.Add(1) == 1 {
				close(started)
			}
			if err != nil || last {
				return err
			}
		}
	})

	<-started
	ok, err := m.RemoveJob(ctx, j.Key)
	removed.Store(true)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, g.Wait())
	assert.GreaterOrEqual(t, snapshots.Load(), int32(2))
}
