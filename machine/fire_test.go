package machine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/machine"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/store/memory"
	"github.com/xraph/beacon/trigger"
)

func TestFireCycle(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: t0}
	g := memory.New()
	m := newMachine(g, "node-1", c)

	j := newJob("report")
	tr := everyMinute("t", "", j.Key)
	if err := m.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}

	res, err := m.AcquireNextTriggers(ctx, t0, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	entry := firedID(t, res, 0)
	mustState(t, m, tr.Key, trigger.StateAcquired)
	if rec := res.Triggers[0].Record; rec.State != ledger.FiredAcquired || rec.InstanceID != "node-1" {
		t.Errorf("record = %+v", rec)
	}

	c.Set(t0.Add(2 * time.Second))
	b, err := m.TriggerFired(ctx, entry)
	if err != nil || b == nil {
		t.Fatalf("TriggerFired = %v, %v", b, err)
	}
	mustState(t, m, tr.Key, trigger.StateExecuting)
	if !b.FireTime.Equal(t0.Add(2*time.Second)) || !b.ScheduledFireTime.Equal(t0) {
		t.Errorf("bundle times: fire %v scheduled %v", b.FireTime, b.ScheduledFireTime)
	}
	if b.NextFireTime == nil || !b.NextFireTime.Equal(t0.Add(time.Minute)) {
		t.Errorf("bundle next = %v", b.NextFireTime)
	}
	// The stored next fire time stays pinned while executing.
	mustNext(t, m, tr.Key, t0)

	recs := recordsOf(t, g, "node-1")
	if len(recs) != 1 || recs[0].State != ledger.FiredExecuting {
		t.Fatalf("records while executing = %+v", recs)
	}

	if err := m.TriggeredJobComplete(ctx, b, machine.Noop, nil); err != nil {
		t.Fatal(err)
	}
	mustState(t, m, tr.Key, trigger.StateWaiting)
	mustNext(t, m, tr.Key, t0.Add(time.Minute))
	if recs := recordsOf(t, g, "node-1"); len(recs) != 0 {
		t.Errorf("records after completion = %+v", recs)
	}
}

func TestFireOnceCompletes(t *testing.T) {
	ctx := context.Background()
	m := newMachine(memory.New(), "node-1", &clock{now: t0})
	j := newJob("report", durable)
	tr := trigger.New(trigger.NewKey("once", ""), j.Key, t0, trigger.Once())
	if err := m.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	b := acquireAndFire(t, m, t0)
	if b.NextFireTime != nil {
		t.Errorf("once trigger has next %v", b.NextFireTime)
	}
	if err := m.TriggeredJobComplete(ctx, b, machine.Noop, nil); err != nil {
		t.Fatal(err)
	}
	mustState(t, m, tr.Key, trigger.StateComplete)

	res, err := m.AcquireNextTriggers(ctx, t0.Add(time.Hour), time.Hour, 10)
	if err != nil || len(res.Triggers) != 0 {
		t.Errorf("complete trigger acquired again: %+v, %v", res, err)
	}
}

func TestCompletionInstructions(t *testing.T) {
	tests := []struct {
		instr   machine.Instruction
		want    trigger.State
		sibling trigger.State
		gone    bool
	}{
		{instr: machine.SetTriggerComplete, want: trigger.StateComplete, sibling: trigger.StateWaiting},
		{instr: machine.SetTriggerError, want: trigger.StateError, sibling: trigger.StateWaiting},
		{instr: machine.SetAllJobTriggersComplete, want: trigger.StateComplete, sibling: trigger.StateComplete},
		{instr: machine.SetAllJobTriggersError, want: trigger.StateError, sibling: trigger.StateError},
		{instr: machine.DeleteTrigger, sibling: trigger.StateWaiting, gone: true},
	}
	for _, tt := range tests {
		t.Run(tt.instr.String(), func(t *testing.T) {
			ctx := context.Background()
			m := newMachine(memory.New(), "node-1", &clock{now: t0})
			j := newJob("report", durable)
			if err := m.StoreJob(ctx, j, false); err != nil {
				t.Fatal(err)
			}
			first := everyMinute("a", "", j.Key)
			second := everyMinute("b", "", j.Key)
			second.StartTime = t0.Add(time.Hour)
			for _, tr := range []*trigger.Trigger{first, second} {
				if err := m.StoreTrigger(ctx, tr, false); err != nil {
					t.Fatal(err)
				}
			}

			b := acquireAndFire(t, m, t0)
			if err := m.TriggeredJobComplete(ctx, b, tt.instr, nil); err != nil {
				t.Fatal(err)
			}
			if tt.gone {
				if ok, _ := m.CheckTriggerExists(ctx, first.Key); ok {
					t.Error("trigger should be deleted")
				}
			} else {
				mustState(t, m, first.Key, tt.want)
			}
			mustState(t, m, second.Key, tt.sibling)
		})
	}
}

func TestReExecuteKeepsTriggerExecuting(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	m := newMachine(g, "node-1", &clock{now: t0})
	j := newJob("report")
	tr := everyMinute("t", "", j.Key)
	if err := m.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	b := acquireAndFire(t, m, t0)
	if err := m.TriggeredJobComplete(ctx, b, machine.ReExecute, nil); err != nil {
		t.Fatal(err)
	}
	mustState(t, m, tr.Key, trigger.StateExecuting)
	if len(recordsOf(t, g, "node-1")) != 1 {
		t.Error("record should be kept for re-execution")
	}
}

func TestReleaseAcquiredTrigger(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	m := newMachine(g, "node-1", &clock{now: t0})
	j := newJob("report")
	tr := everyMinute("t", "", j.Key)
	if err := m.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	res, err := m.AcquireNextTriggers(ctx, t0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.ReleaseAcquiredTrigger(ctx, firedID(t, res, 0)); err != nil {
		t.Fatal(err)
	}
	mustState(t, m, tr.Key, trigger.StateWaiting)
	if len(recordsOf(t, g, "node-1")) != 0 {
		t.Error("record should be dropped")
	}
}

func TestAcquireOrderAndLookahead(t *testing.T) {
	ctx := context.Background()
	m := newMachine(memory.New(), "node-1", &clock{now: t0})
	j := newJob("report", durable)
	if err := m.StoreJob(ctx, j, false); err != nil {
		t.Fatal(err)
	}
	late := everyMinute("late", "", j.Key)
	late.StartTime = t0.Add(30 * time.Second)
	low := everyMinute("low", "", j.Key)
	low.Priority = 1
	high := everyMinute("high", "", j.Key)
	high.Priority = 9
	far := everyMinute("far", "", j.Key)
	far.StartTime = t0.Add(time.Hour)
	for _, tr := range []*trigger.Trigger{late, low, high, far} {
		if err := m.StoreTrigger(ctx, tr, false); err != nil {
			t.Fatal(err)
		}
	}

	res, err := m.AcquireNextTriggers(ctx, t0, time.Minute, 10)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, a := range res.Triggers {
		got = append(got, a.Trigger.Key.Name)
	}
	want := []string{"high", "low", "late"}
	if len(got) != len(want) {
		t.Fatalf("acquired %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("acquired %v, want %v", got, want)
		}
	}
	mustState(t, m, far.Key, trigger.StateWaiting)
}

func TestAcquireAppliesMisfirePolicy(t *testing.T) {
	late := t0.Add(30 * time.Minute)
	tests := []struct {
		name     string
		policy   trigger.MisfirePolicy
		acquired bool
		misfired int
		next     time.Time
	}{
		{name: "do nothing waits for the next slot", policy: trigger.MisfireDoNothing, misfired: 1, next: late.Add(time.Minute)},
		{name: "reschedule next waits", policy: trigger.MisfireRescheduleNextWithRemainingCount, misfired: 1, next: late.Add(time.Minute)},
		{name: "fire now fires at now", policy: trigger.MisfireFireNow, acquired: true, misfired: 1, next: late},
		{name: "ignore fires the missed time", policy: trigger.MisfireIgnore, acquired: true, next: t0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			m := newMachine(memory.New(), "node-1", &clock{now: late})
			j := newJob("report")
			tr := everyMinute("t", "", j.Key)
			tr.MisfirePolicy = tt.policy
			if err := m.StoreJobAndTrigger(ctx, j, tr); err != nil {
				t.Fatal(err)
			}

			res, err := m.AcquireNextTriggers(ctx, late, 0, 1)
			if err != nil {
				t.Fatal(err)
			}
			if got := len(res.Triggers) == 1; got != tt.acquired {
				t.Fatalf("acquired = %v, want %v", got, tt.acquired)
			}
			if len(res.Misfired) != tt.misfired {
				t.Errorf("misfired = %d, want %d", len(res.Misfired), tt.misfired)
			}
			if tt.acquired {
				mustState(t, m, tr.Key, trigger.StateAcquired)
				if got := res.Triggers[0].Trigger.NextFireTime; got == nil || !got.Equal(tt.next) {
					t.Errorf("acquired next fire = %v, want %v", got, tt.next)
				}
			} else {
				mustState(t, m, tr.Key, trigger.StateWaiting)
				if n := len(recordsOf(t, m.Gateway(), "node-1")); n != 0 {
					t.Errorf("fired records = %d, want 0", n)
				}
			}
			mustNext(t, m, tr.Key, tt.next)
		})
	}
}

func TestAcquireMovesOrphanedTriggerToError(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	m := newMachine(g, "node-1", &clock{now: t0})
	j := newJob("report")
	tr := everyMinute("t", "", j.Key)
	if err := m.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	err := g.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.DeleteJob(ctx, j.Key)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := m.AcquireNextTriggers(ctx, t0, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Triggers) != 0 || len(res.Failures) != 1 {
		t.Fatalf("result = %+v", res)
	}
	if f := res.Failures[0]; f.Key != tr.Key || !errors.Is(f.Err, beacon.ErrJobNotFound) {
		t.Errorf("failure = %+v", f)
	}
	mustState(t, m, tr.Key, trigger.StateError)
}

func TestFireAfterPauseDropsRecord(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	m := newMachine(g, "node-1", &clock{now: t0})
	j := newJob("report")
	tr := everyMinute("t", "", j.Key)
	if err := m.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	res, err := m.AcquireNextTriggers(ctx, t0, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := m.PauseTrigger(ctx, tr.Key); err != nil || !ok {
		t.Fatalf("PauseTrigger = %v, %v", ok, err)
	}
	if len(recordsOf(t, g, "node-1")) != 0 {
		t.Error("pausing an acquired trigger must void its record")
	}
	b, err := m.TriggerFired(ctx, firedID(t, res, 0))
	if err != nil || b != nil {
		t.Errorf("TriggerFired on paused trigger = %v, %v", b, err)
	}
	mustState(t, m, tr.Key, trigger.StatePaused)
}

// ──────────────────────────────────────────────────
// Stateful exclusivity
// ──────────────────────────────────────────────────

func TestStatefulJobBlocksSiblings(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	m := newMachine(g, "node-1", &clock{now: t0})

	j := newJob("sync", stateful, durable)
	if err := m.StoreJob(ctx, j, false); err != nil {
		t.Fatal(err)
	}
	a := everyMinute("a", "", j.Key)
	b := everyMinute("b", "", j.Key)
	p := everyMinute("p", "", j.Key)
	for _, tr := range []*trigger.Trigger{a, b, p} {
		if err := m.StoreTrigger(ctx, tr, false); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := m.PauseTrigger(ctx, p.Key); err != nil {
		t.Fatal(err)
	}

	res, err := m.AcquireNextTriggers(ctx, t0, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Triggers) != 1 {
		t.Fatalf("a stateful job may be acquired once per pass, got %d", len(res.Triggers))
	}
	bundle, err := m.TriggerFired(ctx, firedID(t, res, 0))
	if err != nil || bundle == nil {
		t.Fatalf("TriggerFired = %v, %v", bundle, err)
	}
	mustState(t, m, a.Key, trigger.StateExecuting)
	mustState(t, m, b.Key, trigger.StateBlocked)
	mustState(t, m, p.Key, trigger.StatePausedBlocked)

	if ok, err := m.ResumeTrigger(ctx, p.Key); err != nil || !ok {
		t.Fatalf("ResumeTrigger = %v, %v", ok, err)
	}
	mustState(t, m, p.Key, trigger.StateBlocked)
	if _, err := m.PauseTrigger(ctx, p.Key); err != nil {
		t.Fatal(err)
	}
	mustState(t, m, p.Key, trigger.StatePausedBlocked)

	data := []byte(`{"cursor":42}`)
	if err := m.TriggeredJobComplete(ctx, bundle, machine.Noop, data); err != nil {
		t.Fatal(err)
	}
	mustState(t, m, a.Key, trigger.StateWaiting)
	mustState(t, m, b.Key, trigger.StateWaiting)
	mustState(t, m, p.Key, trigger.StatePaused)

	stored, err := m.RetrieveJob(ctx, j.Key)
	if err != nil {
		t.Fatal(err)
	}
	if string(stored.Data) != string(data) {
		t.Errorf("stateful job data = %s", stored.Data)
	}
}

func TestStatefulExclusivityAcrossInstances(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	c := &clock{now: t0}
	m1 := newMachine(g, "node-1", c)
	m2 := newMachine(g, "node-2", c)

	j := newJob("sync", stateful, durable)
	if err := m1.StoreJob(ctx, j, false); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"a", "b"} {
		if err := m1.StoreTrigger(ctx, everyMinute(name, "", j.Key), false); err != nil {
			t.Fatal(err)
		}
	}

	r1, err := m1.AcquireNextTriggers(ctx, t0, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := m2.AcquireNextTriggers(ctx, t0, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(r1.Triggers) != 1 || len(r2.Triggers) != 1 {
		t.Fatalf("acquired %d and %d", len(r1.Triggers), len(r2.Triggers))
	}

	var (
		wg      sync.WaitGroup
		bundles [2]*machine.Bundle
		errs    [2]error
	)
	for i, pair := range []struct {
		m   *machine.Machine
		res *machine.AcquireResult
	}{{m1, r1}, {m2, r2}} {
		wg.Add(1)
		go func(i int, m *machine.Machine, res *machine.AcquireResult) {
			defer wg.Done()
			bundles[i], errs[i] = m.TriggerFired(ctx, res.Triggers[0].Record.EntryID)
		}(i, pair.m, pair.res)
	}
	wg.Wait()

	running := 0
	for i := range bundles {
		if errs[i] != nil {
			t.Fatalf("TriggerFired: %v", errs[i])
		}
		if bundles[i] != nil {
			running++
		}
	}
	if running != 1 {
		t.Fatalf("%d executions of a stateful job", running)
	}
	assertExecutionCount(t, g, j.Key, 1)

	blocked, err := m1.TriggerKeys(ctx, trigger.DefaultGroup)
	if err != nil {
		t.Fatal(err)
	}
	states := map[trigger.State]int{}
	for _, k := range blocked {
		s, err := m1.TriggerState(ctx, k)
		if err != nil {
			t.Fatal(err)
		}
		states[s]++
	}
	if states[trigger.StateExecuting] != 1 || states[trigger.StateBlocked] != 1 {
		t.Errorf("states = %v", states)
	}
}

func assertExecutionCount(t *testing.T, g store.Gateway, jk job.Key, want int) {
	t.Helper()
	err := g.View(context.Background(), func(ctx context.Context, tx store.Tx) error {
		n, err := tx.SelectJobExecutionCount(ctx, jk)
		if err != nil {
			return err
		}
		if n != want {
			t.Errorf("execution count = %d, want %d", n, want)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
