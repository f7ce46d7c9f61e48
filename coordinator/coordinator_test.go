package coordinator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/cluster"
	"github.com/xraph/beacon/coordinator"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/machine"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/store/memory"
	"github.com/xraph/beacon/trigger"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

const interval = 10 * time.Second

type node struct {
	m *machine.Machine
	c *coordinator.Coordinator
}

func newNode(g store.Gateway, instance string, now *time.Time) node {
	m := machine.New(g, instance, machine.WithClock(func() time.Time { return *now }))
	c := coordinator.New(m,
		coordinator.WithCheckInInterval(interval),
		coordinator.WithFailureFactor(2),
	)
	return node{m: m, c: c}
}

func seedJob(t *testing.T, m *machine.Machine, requestsRecovery bool) *trigger.Trigger {
	t.Helper()
	j := &job.Job{Entity: beacon.NewEntity(), Key: job.NewKey("report", ""), Type: "noop", RequestsRecovery: requestsRecovery}
	tr := trigger.New(trigger.NewKey("T", ""), j.Key, t0, trigger.Every(time.Minute, trigger.RepeatIndefinitely))
	if err := m.StoreJobAndTrigger(context.Background(), j, tr); err != nil {
		t.Fatal(err)
	}
	return tr
}

func fire(t *testing.T, m *machine.Machine) *machine.Bundle {
	t.Helper()
	ctx := context.Background()
	res, err := m.AcquireNextTriggers(ctx, t0, 0, 1)
	if err != nil || len(res.Triggers) != 1 {
		t.Fatalf("acquire = %+v, %v", res, err)
	}
	b, err := m.TriggerFired(ctx, res.Triggers[0].Record.EntryID)
	if err != nil || b == nil {
		t.Fatalf("fire = %v, %v", b, err)
	}
	return b
}

func countRecords(t *testing.T, g store.Gateway, key trigger.Key) int {
	t.Helper()
	var n int
	err := g.View(context.Background(), func(ctx context.Context, tx store.Tx) error {
		recs, err := tx.SelectFiredTriggerRecords(ctx, key)
		n = len(recs)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func schedulerStates(t *testing.T, g store.Gateway) []*cluster.SchedulerState {
	t.Helper()
	var out []*cluster.SchedulerState
	err := g.View(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.SelectSchedulerStateRecords(ctx)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestCheckInDetectsFailedPeers(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	now := t0
	n1 := newNode(g, "I1", &now)
	n2 := newNode(g, "I2", &now)

	for _, n := range []node{n1, n2} {
		failed, err := n.c.CheckIn(ctx, now)
		if err != nil || len(failed) != 0 {
			t.Fatalf("CheckIn = %v, %v", failed, err)
		}
	}

	// Within the failure window nobody is failed.
	now = t0.Add(2 * interval)
	failed, err := n2.c.CheckIn(ctx, now)
	if err != nil || len(failed) != 0 {
		t.Fatalf("at window edge: %v, %v", failed, err)
	}

	now = t0.Add(2*interval + time.Millisecond)
	failed, err = n2.c.CheckIn(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].InstanceID != "I1" {
		t.Fatalf("failed = %v", failed)
	}
}

// I1 acquires and starts T, then stops heartbeating. I2 detects the
// failure, claims I1 and returns T to WAITING at its original fire time.
func TestFailoverScenario(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	now := t0
	n1 := newNode(g, "I1", &now)
	n2 := newNode(g, "I2", &now)

	tr := seedJob(t, n1.m, false)
	if _, err := n1.c.CheckIn(ctx, now); err != nil {
		t.Fatal(err)
	}
	if _, err := n2.c.CheckIn(ctx, now); err != nil {
		t.Fatal(err)
	}
	fire(t, n1.m)
	if got := countRecords(t, g, tr.Key); got != 1 {
		t.Fatalf("records before recovery = %d", got)
	}

	now = t0.Add(2*interval + time.Second)
	res, err := n2.c.Cycle(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Recovered != 1 || res.Stats.Released != 1 {
		t.Fatalf("cycle = %+v", res)
	}

	st, err := n2.m.TriggerStatus(ctx, tr.Key)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != trigger.StateWaiting || st.NextFireTime == nil || !st.NextFireTime.Equal(t0) {
		t.Errorf("status after recovery = %+v", st)
	}
	if got := countRecords(t, g, tr.Key); got != 0 {
		t.Errorf("records after recovery = %d", got)
	}
	states := schedulerStates(t, g)
	if len(states) != 1 || states[0].InstanceID != "I2" {
		t.Errorf("scheduler states = %v", states)
	}

	// A second cycle finds nothing to do.
	again, err := n2.c.Cycle(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if again.Failed != 0 || again.Recovered != 0 {
		t.Errorf("second cycle = %+v", again)
	}
}

func TestFailoverSynthesizesRecoveryTrigger(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	now := t0
	n1 := newNode(g, "I1", &now)
	n2 := newNode(g, "I2", &now)

	tr := seedJob(t, n1.m, true)
	if _, err := n1.c.CheckIn(ctx, now); err != nil {
		t.Fatal(err)
	}
	b := fire(t, n1.m)

	now = t0.Add(time.Minute)
	res, err := n2.c.Cycle(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Stats.Synthesized != 1 {
		t.Fatalf("cycle = %+v", res)
	}
	rt, err := n2.m.RetrieveTrigger(ctx, trigger.RecoveryKey(b.EntryID))
	if err != nil {
		t.Fatalf("recovery trigger: %v", err)
	}
	if rt.Key.Group != trigger.RecoveryGroup || !rt.NextFireTime.Equal(t0) {
		t.Errorf("recovery trigger = %+v", rt)
	}
	if got := countRecords(t, g, tr.Key); got != 0 {
		t.Errorf("records after recovery = %d", got)
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	now := t0
	dead := newNode(g, "I1", &now)
	if _, err := dead.c.CheckIn(ctx, now); err != nil {
		t.Fatal(err)
	}
	now = t0.Add(time.Minute)

	var observed *cluster.SchedulerState
	for _, s := range schedulerStates(t, g) {
		if s.InstanceID == "I1" {
			observed = s
		}
	}
	if observed == nil {
		t.Fatal("I1 has no scheduler state")
	}

	const peers = 6
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < peers; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			n := newNode(g, name, &now)
			if _, err := n.c.CheckIn(ctx, now); err != nil {
				t.Errorf("CheckIn: %v", err)
				return
			}
			ok, err := n.c.Claim(ctx, observed, now)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(string(rune('A' + i)))
	}
	wg.Wait()
	if wins != 1 {
		t.Errorf("%d claim winners, want 1", wins)
	}
}

func TestStaleClaimIsTakenOver(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	now := t0
	dead := newNode(g, "I1", &now)
	first := newNode(g, "I2", &now)
	second := newNode(g, "I3", &now)

	for _, n := range []node{dead, first} {
		if _, err := n.c.CheckIn(ctx, now); err != nil {
			t.Fatal(err)
		}
	}
	now = t0.Add(time.Minute)
	failed, err := first.c.CheckIn(ctx, now)
	if err != nil || len(failed) != 1 {
		t.Fatalf("CheckIn = %v, %v", failed, err)
	}
	if ok, err := first.c.Claim(ctx, failed[0], now); err != nil || !ok {
		t.Fatalf("first claim = %v, %v", ok, err)
	}

	// A live recoverer keeps its claim.
	failed, err = second.c.CheckIn(ctx, now)
	if err != nil || len(failed) != 1 {
		t.Fatalf("CheckIn = %v, %v", failed, err)
	}
	if ok, err := second.c.Claim(ctx, failed[0], now); err != nil || ok {
		t.Fatalf("claim over live recoverer = %v, %v", ok, err)
	}

	// The recoverer dies too before finishing; its claim goes stale.
	now = t0.Add(3 * time.Minute)
	failed, err = second.c.CheckIn(ctx, now)
	if err != nil || len(failed) != 2 {
		t.Fatalf("CheckIn = %v, %v", failed, err)
	}
	var target *cluster.SchedulerState
	for _, s := range failed {
		if s.InstanceID == "I1" {
			target = s
		}
	}
	if ok, err := second.c.Claim(ctx, target, now); err != nil || !ok {
		t.Fatalf("claim over stale recoverer = %v, %v", ok, err)
	}
	if _, err := first.c.Recover(ctx, "I1"); err != nil {
		t.Fatal(err)
	}
	if len(schedulerStates(t, g)) != 3 {
		t.Error("a recoverer that lost its claim must not delete the row")
	}
	if _, err := second.c.Recover(ctx, "I1"); err != nil {
		t.Fatal(err)
	}
	for _, s := range schedulerStates(t, g) {
		if s.InstanceID == "I1" {
			t.Error("I1 should be gone after recovery")
		}
	}
}

func TestClaimRejectsRevivedInstance(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	now := t0
	flaky := newNode(g, "I1", &now)
	peer := newNode(g, "I2", &now)

	if _, err := flaky.c.CheckIn(ctx, now); err != nil {
		t.Fatal(err)
	}
	now = t0.Add(time.Minute)
	failed, err := peer.c.CheckIn(ctx, now)
	if err != nil || len(failed) != 1 {
		t.Fatalf("CheckIn = %v, %v", failed, err)
	}
	if _, err := flaky.c.CheckIn(ctx, now); err != nil {
		t.Fatal(err)
	}
	if ok, err := peer.c.Claim(ctx, failed[0], now); err != nil || ok {
		t.Errorf("claim on revived instance = %v, %v", ok, err)
	}
}

func TestMaxRecoveriesPerCycle(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	now := t0
	for _, name := range []string{"A", "B", "C"} {
		n := newNode(g, name, &now)
		if _, err := n.c.CheckIn(ctx, now); err != nil {
			t.Fatal(err)
		}
	}
	m := machine.New(g, "Z", machine.WithClock(func() time.Time { return now }))
	z := coordinator.New(m,
		coordinator.WithCheckInInterval(interval),
		coordinator.WithMaxRecoveriesPerCycle(2),
	)
	now = t0.Add(time.Minute)

	res, err := z.Cycle(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 3 || res.Recovered != 2 {
		t.Fatalf("first cycle = %+v", res)
	}
	res, err = z.Cycle(ctx, now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if res.Failed != 1 || res.Recovered != 1 {
		t.Errorf("second cycle = %+v", res)
	}
}

func TestRecoverOwn(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	now := t0
	n := newNode(g, "I1", &now)

	tr := seedJob(t, n.m, false)
	fire(t, n.m)

	volatileJob := &job.Job{Entity: beacon.NewEntity(), Key: job.NewKey("scratch", ""), Volatile: true, Durable: true}
	if err := n.m.StoreJob(ctx, volatileJob, false); err != nil {
		t.Fatal(err)
	}

	// The process restarts an hour later with the same instance id.
	now = t0.Add(time.Hour)
	restarted := newNode(g, "I1", &now)
	out, err := restarted.c.RecoverOwn(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if out.Stats.Released != 1 || out.Misfired != 1 || out.Volatile != 1 {
		t.Errorf("own recovery = %+v", out)
	}
	st, err := restarted.m.TriggerStatus(ctx, tr.Key)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != trigger.StateWaiting || !st.NextFireTime.After(now) {
		t.Errorf("status = %+v", st)
	}
	if ok, _ := restarted.m.CheckJobExists(ctx, volatileJob.Key); ok {
		t.Error("volatile job should be purged")
	}
}

func TestShutdownRemovesOwnState(t *testing.T) {
	ctx := context.Background()
	g := memory.New()
	now := t0
	n := newNode(g, "I1", &now)
	if _, err := n.c.CheckIn(ctx, now); err != nil {
		t.Fatal(err)
	}
	if err := n.c.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if states := schedulerStates(t, g); len(states) != 0 {
		t.Errorf("states after shutdown = %v", states)
	}
}
