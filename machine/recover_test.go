package machine_test

import (
	"context"
	"testing"
	"time"

	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/machine"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/store/memory"
	"github.com/xraph/beacon/trigger"
)

func recoverInstance(t *testing.T, g store.Gateway, m *machine.Machine, dead string) machine.RecoveryStats {
	t.Helper()
	var stats machine.RecoveryStats
	err := g.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		records, err := tx.SelectInstancesFiredTriggerRecords(ctx, dead)
		if err != nil {
			return err
		}
		stats, err = m.Recover(ctx, tx, records)
		return err
	})
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	return stats
}

func TestRecoverRestoresExecutingTrigger(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	c := &clock{now: t0}
	dead := newMachine(g, "node-1", c)
	survivor := newMachine(g, "node-2", c)

	j := newJob("report")
	tr := everyMinute("t", "", j.Key)
	if err := dead.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	if b := acquireAndFire(t, dead, t0); b == nil {
		t.Fatal("expected a bundle")
	}
	if n := len(recordsOf(t, g, "node-1")); n != 1 {
		t.Fatalf("records before recovery = %d", n)
	}

	stats := recoverInstance(t, g, survivor, "node-1")
	if stats.Released != 1 || stats.Synthesized != 0 {
		t.Errorf("stats = %+v", stats)
	}
	mustState(t, survivor, tr.Key, trigger.StateWaiting)
	mustNext(t, survivor, tr.Key, t0)
	if n := len(recordsOf(t, g, "node-1")); n != 0 {
		t.Errorf("records after recovery = %d", n)
	}

	if again := recoverInstance(t, g, survivor, "node-1"); again != (machine.RecoveryStats{}) {
		t.Errorf("second recovery = %+v", again)
	}
}

func TestRecoverSynthesizesRecoveryTrigger(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	c := &clock{now: t0}
	dead := newMachine(g, "node-1", c)
	survivor := newMachine(g, "node-2", c)

	j := newJob("report", recovering, stateful)
	tr := everyMinute("t", "", j.Key)
	tr.Data = []byte(`{"region":"eu"}`)
	sibling := everyMinute("u", "", j.Key)
	if err := dead.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	if err := dead.StoreTrigger(ctx, sibling, false); err != nil {
		t.Fatal(err)
	}
	c.Set(t0.Add(3 * time.Second))
	b := acquireAndFire(t, dead, t0)
	if b == nil {
		t.Fatal("expected a bundle")
	}
	mustState(t, survivor, sibling.Key, trigger.StateBlocked)

	var records []*ledger.FiredRecord
	err := g.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		records, err = tx.SelectInstancesFiredTriggerRecords(ctx, "node-1")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	// Replaying the same stale records must not add a second recovery
	// trigger.
	for i := 0; i < 2; i++ {
		err := g.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			stats, err := survivor.Recover(ctx, tx, records)
			if err != nil {
				return err
			}
			if want := 1 - i; stats.Synthesized != want {
				t.Errorf("pass %d synthesized %d, want %d", i, stats.Synthesized, want)
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	rk := trigger.RecoveryKey(b.EntryID)
	rt, err := survivor.RetrieveTrigger(ctx, rk)
	if err != nil {
		t.Fatalf("recovery trigger: %v", err)
	}
	if rt.NextFireTime == nil || !rt.NextFireTime.Equal(t0.Add(3*time.Second)) {
		t.Errorf("recovery trigger next = %v, want fired time", rt.NextFireTime)
	}
	info, err := rt.Recovery()
	if err != nil || info == nil || info.Original != tr.Key {
		t.Errorf("recovery info = %+v, %v", info, err)
	}
	keys, err := survivor.TriggerKeys(ctx, trigger.RecoveryGroup)
	if err != nil || len(keys) != 1 {
		t.Errorf("recovery group = %v, %v", keys, err)
	}

	// The original fire is consumed by the recovery trigger.
	mustState(t, survivor, tr.Key, trigger.StateWaiting)
	mustNext(t, survivor, tr.Key, t0.Add(time.Minute))
	mustState(t, survivor, sibling.Key, trigger.StateWaiting)
	assertExecutionCount(t, g, j.Key, 0)
}

func TestRecoveryTriggerRunsOnce(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	c := &clock{now: t0}
	dead := newMachine(g, "node-1", c)
	survivor := newMachine(g, "node-2", c)

	j := newJob("report", recovering)
	tr := everyMinute("t", "", j.Key)
	tr.StartTime = t0.Add(time.Hour)
	if err := dead.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	c.Set(t0.Add(time.Hour))
	if b := acquireAndFire(t, dead, t0.Add(time.Hour)); b == nil {
		t.Fatal("expected a bundle")
	}
	recoverInstance(t, g, survivor, "node-1")

	// The original trigger now waits for its next minute; only the
	// recovery trigger is due.
	b := acquireAndFire(t, survivor, t0.Add(time.Hour))
	if b == nil || !b.Recovering {
		t.Fatalf("expected the recovery trigger, got %+v", b)
	}
	if b.ScheduledFireTime == nil || !b.ScheduledFireTime.Equal(t0.Add(time.Hour)) {
		t.Errorf("recovered scheduled time = %v", b.ScheduledFireTime)
	}
	if err := survivor.TriggeredJobComplete(ctx, b, machine.Noop, nil); err != nil {
		t.Fatal(err)
	}
	if ok, _ := survivor.CheckTriggerExists(ctx, b.Trigger.Key); ok {
		t.Error("spent recovery trigger should be removed")
	}
	if ok, _ := survivor.CheckJobExists(ctx, j.Key); !ok {
		t.Error("job still has its original trigger")
	}
}

func TestRecoverAcquiredTriggerDoesNotRerun(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	c := &clock{now: t0}
	dead := newMachine(g, "node-1", c)
	survivor := newMachine(g, "node-2", c)

	j := newJob("report", recovering)
	tr := everyMinute("t", "", j.Key)
	if err := dead.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	if _, err := dead.AcquireNextTriggers(ctx, t0, 0, 1); err != nil {
		t.Fatal(err)
	}
	stats := recoverInstance(t, g, survivor, "node-1")
	if stats.Released != 1 || stats.Synthesized != 0 {
		t.Errorf("stats = %+v", stats)
	}
	mustState(t, survivor, tr.Key, trigger.StateWaiting)
	mustNext(t, survivor, tr.Key, t0)
}

func TestRecoverIntoPausedGroup(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	c := &clock{now: t0}
	dead := newMachine(g, "node-1", c)
	survivor := newMachine(g, "node-2", c)

	j := newJob("report")
	tr := everyMinute("t", "grp", j.Key)
	if err := dead.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	if b := acquireAndFire(t, dead, t0); b == nil {
		t.Fatal("expected a bundle")
	}
	// The executing trigger is not paused, only the group marker is set.
	if _, err := survivor.PauseTriggerGroup(ctx, "grp"); err != nil {
		t.Fatal(err)
	}
	mustState(t, survivor, tr.Key, trigger.StateExecuting)

	recoverInstance(t, g, survivor, "node-1")
	mustState(t, survivor, tr.Key, trigger.StatePaused)

	res, err := survivor.AcquireNextTriggers(ctx, t0, time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Triggers) != 0 {
		t.Errorf("acquired %d triggers from a paused group", len(res.Triggers))
	}

	if _, err := survivor.ResumeTriggerGroup(ctx, "grp"); err != nil {
		t.Fatal(err)
	}
	mustState(t, survivor, tr.Key, trigger.StateWaiting)
}

func TestRecoverUnderAllGroupsMarker(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	c := &clock{now: t0}
	dead := newMachine(g, "node-1", c)
	survivor := newMachine(g, "node-2", c)

	j := newJob("report")
	tr := everyMinute("t", "", j.Key)
	if err := dead.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	if b := acquireAndFire(t, dead, t0); b == nil {
		t.Fatal("expected a bundle")
	}
	err := g.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertPausedTriggerGroup(ctx, trigger.AllGroupsPaused)
	})
	if err != nil {
		t.Fatal(err)
	}

	recoverInstance(t, g, survivor, "node-1")
	mustState(t, survivor, tr.Key, trigger.StatePaused)
	mustNext(t, survivor, tr.Key, t0)
}
