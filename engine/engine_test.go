package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/cluster"
	"github.com/xraph/beacon/coordinator"
	"github.com/xraph/beacon/engine"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/machine"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/store/memory"
	"github.com/xraph/beacon/trigger"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func testConfig(instance string) beacon.Config {
	cfg := beacon.DefaultConfig()
	cfg.InstanceID = instance
	cfg.CheckInInterval = 50 * time.Millisecond
	cfg.IdleWaitTime = 100 * time.Millisecond
	cfg.DBRetryInterval = 50 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	cfg.Concurrency = 2
	return cfg
}

func newEngine(t *testing.T, gw store.Gateway, cfg beacon.Config, opts ...engine.Option) *engine.Engine {
	t.Helper()
	eng, err := engine.New(gw, append([]engine.Option{engine.WithConfig(cfg)}, opts...)...)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func start(t *testing.T, eng *engine.Engine) {
	t.Helper()
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
}

func newJob(name string, opts ...job.Option) *job.Job {
	def := job.NewDefinition(name, func(context.Context, *job.Context, struct{}) error { return nil }, opts...)
	return def.NewJob(name, nil)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func schedulerStates(t *testing.T, gw store.Gateway) []*cluster.SchedulerState {
	t.Helper()
	var out []*cluster.SchedulerState
	err := gw.View(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.SelectSchedulerStateRecords(ctx)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// ──────────────────────────────────────────────────
// Construction
// ──────────────────────────────────────────────────

func TestEngine_NewRequiresStore(t *testing.T) {
	if _, err := engine.New(nil); !errors.Is(err, beacon.ErrNoStore) {
		t.Fatalf("expected ErrNoStore, got %v", err)
	}
}

func TestEngine_NewValidatesConfig(t *testing.T) {
	cfg := beacon.DefaultConfig()
	cfg.MaxBatchSize = 0
	if _, err := engine.New(memory.New(), engine.WithConfig(cfg)); err == nil {
		t.Fatal("expected config error")
	}
}

func TestEngine_AutoInstanceID(t *testing.T) {
	eng := newEngine(t, memory.New(), beacon.DefaultConfig())
	if eng.InstanceID() == "" || eng.InstanceID() == beacon.AutoInstanceID {
		t.Fatalf("instance id not generated: %q", eng.InstanceID())
	}
}

// ──────────────────────────────────────────────────
// End-to-end
// ──────────────────────────────────────────────────

func TestEngine_FiresScheduledJob(t *testing.T) {
	gw := memory.New()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	eng := newEngine(t, gw, testConfig("node-1"), engine.WithTracerProvider(tp), engine.WithMeterProvider(mp))

	ran := make(chan *job.Context, 1)
	engine.Register(eng, job.NewDefinition("report", func(_ context.Context, jc *job.Context, in struct{ Day string }) error {
		if in.Day != "monday" {
			t.Errorf("payload day = %q", in.Day)
		}
		ran <- jc
		return nil
	}))
	start(t, eng)

	j := newJob("report")
	j.Data = []byte(`{"Day":"monday"}`)
	tr := trigger.New(trigger.NewKey("now", ""), j.Key, time.Now(), trigger.Once())
	if err := eng.ScheduleJob(context.Background(), j, tr); err != nil {
		t.Fatalf("ScheduleJob: %v", err)
	}

	select {
	case jc := <-ran:
		if jc.TriggerName != "now" || jc.Recovering {
			t.Errorf("unexpected context: %+v", jc)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("job did not run")
	}

	waitFor(t, "trigger completion", func() bool {
		st, err := eng.Machine().TriggerState(context.Background(), tr.Key)
		return err == nil && st == trigger.StateComplete
	})

	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if states := schedulerStates(t, gw); len(states) != 0 {
		t.Errorf("scheduler states after stop = %d, want 0", len(states))
	}

	var sawAcquire bool
	for _, s := range sr.Ended() {
		if s.Name() == "beacon.cycle.acquire" {
			sawAcquire = true
		}
	}
	if !sawAcquire {
		t.Error("no beacon.cycle.acquire span recorded")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var completed int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "beacon.trigger.completed" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				completed += dp.Value
			}
		}
	}
	if completed != 1 {
		t.Errorf("beacon.trigger.completed = %d, want 1", completed)
	}
}

func TestEngine_RepeatingTrigger(t *testing.T) {
	eng := newEngine(t, memory.New(), testConfig("node-1"))

	var runs atomic.Int32
	eng.Registry().Register("tick", func(context.Context, *job.Context) error {
		runs.Add(1)
		return nil
	})
	start(t, eng)

	j := newJob("tick")
	tr := trigger.New(trigger.NewKey("every-50ms", ""), j.Key, time.Now(), trigger.Every(50*time.Millisecond, 2))
	if err := eng.ScheduleJob(context.Background(), j, tr); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "three runs", func() bool { return runs.Load() == 3 })
	waitFor(t, "trigger completion", func() bool {
		st, err := eng.Machine().TriggerState(context.Background(), tr.Key)
		return err == nil && st == trigger.StateComplete
	})
}

func TestEngine_StartReleasesOwnLeftovers(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()

	// A previous run of node-1 acquired the trigger and crashed.
	prev := machine.New(gw, "node-1")
	j := newJob("leftover")
	tr := trigger.New(trigger.NewKey("T", ""), j.Key, time.Now(), trigger.Once())
	if err := prev.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	res, err := prev.AcquireNextTriggers(ctx, time.Now(), time.Minute, 1)
	if err != nil || len(res.Triggers) != 1 {
		t.Fatalf("acquire = %+v, %v", res, err)
	}

	eng := newEngine(t, gw, testConfig("node-1"))
	var runs atomic.Int32
	eng.Registry().Register("leftover", func(context.Context, *job.Context) error {
		runs.Add(1)
		return nil
	})
	start(t, eng)

	waitFor(t, "leftover run", func() bool { return runs.Load() == 1 })
}

func TestEngine_RecoversDeadPeer(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()

	// "dead" checked in a minute ago and was executing a job that asked
	// for recovery.
	dead := machine.New(gw, "dead")
	deadCoord := coordinator.New(dead, coordinator.WithCheckInInterval(50*time.Millisecond))
	if _, err := deadCoord.CheckIn(ctx, time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	j := newJob("billing", job.WithRequestsRecovery())
	tr := trigger.New(trigger.NewKey("once", ""), j.Key, time.Now().Add(-time.Second), trigger.Once())
	if err := dead.StoreJobAndTrigger(ctx, j, tr); err != nil {
		t.Fatal(err)
	}
	res, err := dead.AcquireNextTriggers(ctx, time.Now(), 0, 1)
	if err != nil || len(res.Triggers) != 1 {
		t.Fatalf("acquire = %+v, %v", res, err)
	}
	if b, err := dead.TriggerFired(ctx, res.Triggers[0].Record.EntryID); err != nil || b == nil {
		t.Fatalf("fire = %v, %v", b, err)
	}

	eng := newEngine(t, gw, testConfig("node-1"))
	var (
		mu    sync.Mutex
		calls []*job.Context
	)
	eng.Registry().Register("billing", func(_ context.Context, jc *job.Context) error {
		mu.Lock()
		calls = append(calls, jc)
		mu.Unlock()
		return nil
	})
	start(t, eng)

	waitFor(t, "recovery run", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1
	})
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("runs = %d, want exactly the recovery run", len(calls))
	}
	if !calls[0].Recovering {
		t.Error("recovery execution not marked recovering")
	}
	for _, s := range schedulerStates(t, gw) {
		if s.InstanceID == "dead" {
			t.Error("dead instance state not removed")
		}
	}
}

func TestEngine_StartAfterStop(t *testing.T) {
	eng := newEngine(t, memory.New(), testConfig("node-1"))
	start(t, eng)
	if err := eng.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := eng.Stop(context.Background()); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := eng.Start(context.Background()); !errors.Is(err, engine.ErrStopped) {
		t.Fatalf("Start after Stop = %v, want ErrStopped", err)
	}
}

func TestEngine_RunStopsOnCancel(t *testing.T) {
	gw := memory.New()
	eng := newEngine(t, gw, testConfig("node-1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	waitFor(t, "check-in", func() bool { return len(schedulerStates(t, gw)) == 1 })
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	if len(schedulerStates(t, gw)) != 0 {
		t.Error("scheduler state left behind")
	}
}
