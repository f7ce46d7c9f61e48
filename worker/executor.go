// Package worker runs fired triggers. An Executor invokes the registered
// handler of one firing through middleware and reports the outcome back to
// the trigger store; a Pool bounds how many firings run at once.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/backoff"
	"github.com/xraph/beacon/ext"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/machine"
	"github.com/xraph/beacon/middleware"
	"github.com/xraph/beacon/payload"
)

// ErrNoHandler is returned when a fired job's type has no registered
// handler. Every trigger of the job is moved to ERROR.
var ErrNoHandler = errors.New("beacon: no handler registered for job type")

// maxCompleteAttempts bounds retries of the completion transaction. A
// record left behind is reclaimed by startup recovery.
const maxCompleteAttempts = 5

// Executor runs a single firing through middleware and the registered
// handler, then records completion and emits lifecycle events.
type Executor struct {
	registry   *job.Registry
	machine    *machine.Machine
	extensions *ext.Registry
	retry      backoff.Strategy
	mw         middleware.Middleware
	logger     *slog.Logger
	onComplete func()
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	m *machine.Machine,
	extensions *ext.Registry,
	retry backoff.Strategy,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if retry == nil {
		retry = backoff.ForStore(beacon.DefaultConfig().DBRetryInterval)
	}
	return &Executor{
		registry:   registry,
		machine:    m,
		extensions: extensions,
		retry:      retry,
		mw:         middleware.Chain(mws...),
		logger:     logger,
	}
}

// OnComplete registers fn to run after every completed firing, once its
// trigger is back on schedule.
func (e *Executor) OnComplete(fn func()) { e.onComplete = fn }

// Execute runs the job of b and completes the firing.
// On success the trigger advances on its schedule and JobCompleted fires.
// On failure JobFailed fires and the handler's error picks the trigger's
// fate (see job.ErrUnscheduleTrigger). The handler error is returned.
func (e *Executor) Execute(ctx context.Context, b *machine.Bundle) error {
	handler, ok := e.registry.Get(b.Job.Type)
	if !ok {
		err := errors.Wrapf(ErrNoHandler, "job %s type %q", b.Job.Key, b.Job.Type)
		e.logger.Error("cannot execute job", slog.String("error", err.Error()))
		e.extensions.EmitJobFailed(ctx, b.Job, b.Trigger, err)
		e.complete(ctx, b, machine.SetAllJobTriggersError, nil)
		return err
	}

	jc := NewContext(b)
	start := time.Now()
	var err error
	for {
		err = e.mw(ctx, jc, func(ctx context.Context) error {
			return handler(ctx, jc)
		})
		if !errors.Is(err, job.ErrRefireImmediately) || ctx.Err() != nil {
			break
		}
		e.logger.Debug("refiring job", slog.String("job", b.Job.Key.String()))
	}
	elapsed := time.Since(start)

	if err != nil {
		e.extensions.EmitJobFailed(ctx, b.Job, b.Trigger, err)
	} else {
		e.extensions.EmitJobCompleted(ctx, b.Job, b.Trigger, elapsed)
	}

	var jobData []byte
	if b.Job.Stateful {
		encoded, encErr := payload.Encode(jc.JobData)
		if encErr != nil {
			e.logger.Warn("discarding unencodable job data",
				slog.String("job", b.Job.Key.String()),
				slog.String("error", encErr.Error()),
			)
		} else {
			jobData = encoded
		}
	}
	e.complete(ctx, b, instructionFor(err), jobData)
	return err
}

// instructionFor maps a handler result to what happens to the trigger.
func instructionFor(err error) machine.Instruction {
	switch {
	case errors.Is(err, job.ErrUnscheduleAllTriggers):
		return machine.SetAllJobTriggersComplete
	case errors.Is(err, job.ErrUnscheduleTrigger):
		return machine.SetTriggerComplete
	default:
		return machine.Noop
	}
}

// complete records the end of the firing. It runs detached from ctx so a
// cancelled handler still releases its trigger, and retries transient
// store failures.
func (e *Executor) complete(ctx context.Context, b *machine.Bundle, instr machine.Instruction, jobData []byte) {
	ctx = context.WithoutCancel(ctx)
	tracker := backoff.NewTracker(e.retry)
	for {
		err := e.machine.TriggeredJobComplete(ctx, b, instr, jobData)
		if err == nil {
			if e.onComplete != nil {
				e.onComplete()
			}
			return
		}
		if !beacon.IsRetryable(err) || tracker.Failures()+1 >= maxCompleteAttempts {
			e.logger.Error("failed to complete fired trigger",
				slog.String("trigger", b.Trigger.Key.String()),
				slog.String("entry_id", b.EntryID.String()),
				slog.String("error", err.Error()),
			)
			return
		}
		time.Sleep(tracker.Failure())
	}
}

// NewContext builds the handler context of a firing. Data is the job data
// overlaid with the trigger data; JobData is a private copy of the job's
// own map.
func NewContext(b *machine.Bundle) *job.Context {
	jobData, err := payload.Decode(b.Job.Data)
	if err != nil || jobData == nil {
		jobData = payload.DataMap{}
	}
	merged := jobData.Clone()
	if trigData, err := payload.Decode(b.Trigger.Data); err == nil {
		for k, v := range trigData {
			merged[k] = v
		}
	}

	jc := &job.Context{
		JobKey:       b.Job.Key,
		JobType:      b.Job.Type,
		TriggerName:  b.Trigger.Key.Name,
		TriggerGroup: b.Trigger.Key.Group,
		EntryID:      b.EntryID.String(),
		FireTime:     b.FireTime,
		Recovering:   b.Recovering,
		Data:         merged,
		JobData:      jobData,
	}
	if b.ScheduledFireTime != nil {
		jc.ScheduledFireTime = *b.ScheduledFireTime
	}
	return jc
}
