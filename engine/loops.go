package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/beacon/backoff"
	"github.com/xraph/beacon/machine"
)

// minIdleWait keeps the acquisition loop from spinning when the earliest
// trigger is due but was taken by a peer.
const minIdleWait = 50 * time.Millisecond

// ──────────────────────────────────────────────────
// Cluster
// ──────────────────────────────────────────────────

func (eng *Engine) clusterLoop(ctx context.Context) error {
	tracker := backoff.NewTracker(eng.retry)
	wait := eng.cfg.CheckInInterval
	for sleep(ctx, wait) {
		wait = eng.cfg.CheckInInterval
		if err := eng.clusterCycle(ctx); err != nil {
			wait = tracker.Failure()
			eng.logger.Error("cluster check-in failed",
				slog.String("error", err.Error()),
				slog.Int("failures", tracker.Failures()),
				slog.Duration("retry_in", wait),
			)
			continue
		}
		tracker.Success()
	}
	return nil
}

func (eng *Engine) clusterCycle(ctx context.Context) (err error) {
	ctx, span := eng.startCycle(ctx, "checkin")
	defer func() { endCycle(span, err) }()

	res, err := eng.coord.Cycle(ctx, time.Now())
	if err != nil {
		return err
	}
	span.SetAttributes(
		attribute.Int("beacon.failed_instances", res.Failed),
		attribute.Int("beacon.recovered_instances", res.Recovered),
	)
	if res.Recovered > 0 {
		eng.Signal()
	}
	return nil
}

// ──────────────────────────────────────────────────
// Misfires
// ──────────────────────────────────────────────────

func (eng *Engine) misfireLoop(ctx context.Context) error {
	tracker := backoff.NewTracker(eng.retry)
	var wait time.Duration
	for sleep(ctx, wait) {
		wait = eng.cfg.MisfireThreshold
		more, err := eng.misfireCycle(ctx)
		if err != nil {
			wait = tracker.Failure()
			eng.logger.Error("misfire scan failed",
				slog.String("error", err.Error()),
				slog.Int("failures", tracker.Failures()),
				slog.Duration("retry_in", wait),
			)
			continue
		}
		tracker.Success()
		if more {
			wait = 0
		}
	}
	return nil
}

// misfireCycle runs one detector pass and reports whether another should
// follow at once.
func (eng *Engine) misfireCycle(ctx context.Context) (more bool, err error) {
	ctx, span := eng.startCycle(ctx, "misfire")
	defer func() { endCycle(span, err) }()

	res, err := eng.detector.Scan(ctx, time.Now())
	if err != nil {
		return false, err
	}
	span.SetAttributes(
		attribute.Int("beacon.misfired", res.Handled),
		attribute.Bool("beacon.has_more", res.HasMore),
	)
	if res.Anomalies != nil {
		eng.logger.Warn("misfire scan skipped rows", slog.String("error", res.Anomalies.Error()))
	}
	if res.Handled > 0 {
		eng.Signal()
	}
	return res.Handled > 0 && res.HasMore, nil
}

// ──────────────────────────────────────────────────
// Acquisition
// ──────────────────────────────────────────────────

func (eng *Engine) acquireLoop(ctx context.Context) error {
	tracker := backoff.NewTracker(eng.retry)
	for ctx.Err() == nil {
		if eng.limiter != nil {
			if err := eng.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		slots, err := eng.pool.Reserve(ctx, eng.cfg.MaxBatchSize)
		if err != nil {
			return nil
		}

		wait, err := eng.acquireCycle(ctx, slots)
		if err != nil {
			wait = tracker.Failure()
			eng.logger.Error("trigger acquisition failed",
				slog.String("error", err.Error()),
				slog.Int("failures", tracker.Failures()),
				slog.Duration("retry_in", wait),
			)
			sleep(ctx, wait)
			continue
		}
		tracker.Success()
		if wait > 0 {
			eng.idle(ctx, wait)
		}
	}
	return nil
}

// acquireCycle claims up to slots due triggers, waits for each one's fire
// time and hands it to the pool. Every reserved slot is either used or
// released before it returns. A positive wait asks the loop to idle.
func (eng *Engine) acquireCycle(ctx context.Context, slots int) (wait time.Duration, err error) {
	ctx, span := eng.startCycle(ctx, "acquire")
	defer func() { endCycle(span, err) }()

	res, err := eng.machine.AcquireNextTriggers(ctx, time.Now(), eng.cfg.AcquireLookahead, slots)
	if err != nil {
		eng.pool.Release(slots)
		return 0, err
	}
	span.SetAttributes(attribute.Int("beacon.acquired", len(res.Triggers)))
	eng.pool.Release(slots - len(res.Triggers))

	if len(res.Triggers) == 0 {
		return eng.idleWait(ctx), nil
	}

	for i, a := range res.Triggers {
		if !eng.waitForFire(ctx, fireTime(a)) {
			eng.releaseAcquired(ctx, res.Triggers[i:])
			return 0, nil
		}
		b, err := eng.machine.TriggerFired(ctx, a.Record.EntryID)
		if err != nil {
			eng.logger.Error("failed to fire trigger",
				slog.String("trigger", a.Trigger.Key.String()),
				slog.String("error", err.Error()),
			)
			eng.releaseAcquired(ctx, res.Triggers[i:i+1])
			continue
		}
		if b == nil {
			eng.pool.Release(1)
			continue
		}
		eng.pool.Run(b)
	}
	return 0, nil
}

// releaseAcquired hands acquired triggers back and frees their slots. It
// runs detached from ctx so a stop still releases them.
func (eng *Engine) releaseAcquired(ctx context.Context, acquired []*machine.Acquired) {
	ctx = context.WithoutCancel(ctx)
	for _, a := range acquired {
		if err := eng.machine.ReleaseAcquiredTrigger(ctx, a.Record.EntryID); err != nil {
			eng.logger.Warn("failed to release acquired trigger",
				slog.String("trigger", a.Trigger.Key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	eng.pool.Release(len(acquired))
}

// idleWait returns how long to sleep when nothing was acquired: until the
// next trigger enters the lookahead window, at most IdleWaitTime.
func (eng *Engine) idleWait(ctx context.Context) time.Duration {
	wait := eng.cfg.IdleWaitTime
	next, err := eng.machine.NextFireTime(ctx)
	if err == nil && next != nil {
		if until := time.Until(*next) - eng.cfg.AcquireLookahead; until < wait {
			wait = until
		}
	}
	if wait < minIdleWait {
		wait = minIdleWait
	}
	return wait
}

func fireTime(a *machine.Acquired) time.Time {
	if a.Record.ScheduledTime != nil {
		return *a.Record.ScheduledTime
	}
	if a.Trigger.NextFireTime != nil {
		return *a.Trigger.NextFireTime
	}
	return time.Now()
}

// waitForFire blocks until at. It returns false when ctx ends or the
// schedule changed, in which case the batch is handed back.
func (eng *Engine) waitForFire(ctx context.Context, at time.Time) bool {
	d := time.Until(at)
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-eng.wake:
		return false
	case <-ctx.Done():
		return false
	}
}

// idle sleeps for d unless woken by Signal or ctx.
func (eng *Engine) idle(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-eng.wake:
	case <-ctx.Done():
	}
}

// sleep waits d and reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// ──────────────────────────────────────────────────
// Tracing
// ──────────────────────────────────────────────────

func (eng *Engine) startCycle(ctx context.Context, name string) (context.Context, trace.Span) {
	return eng.tracer.Start(ctx, "beacon.cycle."+name,
		trace.WithAttributes(attribute.String("beacon.instance_id", eng.cfg.InstanceID)),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func endCycle(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
