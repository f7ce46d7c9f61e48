package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/beacon/cluster"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/trigger"
)

// Named entry types pair a hook implementation with the extension name
// captured at registration time. This avoids type-asserting back to
// Extension inside the emit methods.
type triggerAcquiredEntry struct {
	name string
	hook TriggerAcquired
}

type triggerMisfiredEntry struct {
	name string
	hook TriggerMisfired
}

type triggerFailedEntry struct {
	name string
	hook TriggerFailed
}

type jobStartedEntry struct {
	name string
	hook JobStarted
}

type jobCompletedEntry struct {
	name string
	hook JobCompleted
}

type jobFailedEntry struct {
	name string
	hook JobFailed
}

type checkedInEntry struct {
	name string
	hook CheckedIn
}

type instanceFailedEntry struct {
	name string
	hook InstanceFailed
}

type instanceRecoveredEntry struct {
	name string
	hook InstanceRecovered
}

type shutdownEntry struct {
	name string
	hook Shutdown
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. It type-caches extensions at registration time so emit calls
// iterate only over extensions that implement the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	// Type-cached slices for each lifecycle hook.
	triggerAcquired   []triggerAcquiredEntry
	triggerMisfired   []triggerMisfiredEntry
	triggerFailed     []triggerFailedEntry
	jobStarted        []jobStartedEntry
	jobCompleted      []jobCompletedEntry
	jobFailed         []jobFailedEntry
	checkedIn         []checkedInEntry
	instanceFailed    []instanceFailedEntry
	instanceRecovered []instanceRecoveredEntry
	shutdown          []shutdownEntry
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// SetLogger replaces the logger used to report hook errors.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Register adds an extension and type-asserts it into all applicable
// hook caches. Extensions are notified in registration order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	if h, ok := e.(TriggerAcquired); ok {
		r.triggerAcquired = append(r.triggerAcquired, triggerAcquiredEntry{name, h})
	}
	if h, ok := e.(TriggerMisfired); ok {
		r.triggerMisfired = append(r.triggerMisfired, triggerMisfiredEntry{name, h})
	}
	if h, ok := e.(TriggerFailed); ok {
		r.triggerFailed = append(r.triggerFailed, triggerFailedEntry{name, h})
	}
	if h, ok := e.(JobStarted); ok {
		r.jobStarted = append(r.jobStarted, jobStartedEntry{name, h})
	}
	if h, ok := e.(JobCompleted); ok {
		r.jobCompleted = append(r.jobCompleted, jobCompletedEntry{name, h})
	}
	if h, ok := e.(JobFailed); ok {
		r.jobFailed = append(r.jobFailed, jobFailedEntry{name, h})
	}
	if h, ok := e.(CheckedIn); ok {
		r.checkedIn = append(r.checkedIn, checkedInEntry{name, h})
	}
	if h, ok := e.(InstanceFailed); ok {
		r.instanceFailed = append(r.instanceFailed, instanceFailedEntry{name, h})
	}
	if h, ok := e.(InstanceRecovered); ok {
		r.instanceRecovered = append(r.instanceRecovered, instanceRecoveredEntry{name, h})
	}
	if h, ok := e.(Shutdown); ok {
		r.shutdown = append(r.shutdown, shutdownEntry{name, h})
	}
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Trigger event emitters
// ──────────────────────────────────────────────────

// EmitTriggerAcquired notifies all extensions that implement TriggerAcquired.
func (r *Registry) EmitTriggerAcquired(ctx context.Context, t *trigger.Trigger, rec *ledger.FiredRecord) {
	for _, e := range r.triggerAcquired {
		if err := e.hook.OnTriggerAcquired(ctx, t, rec); err != nil {
			r.logHookError("OnTriggerAcquired", e.name, err)
		}
	}
}

// EmitTriggerMisfired notifies all extensions that implement TriggerMisfired.
func (r *Registry) EmitTriggerMisfired(ctx context.Context, t *trigger.Trigger) {
	for _, e := range r.triggerMisfired {
		if err := e.hook.OnTriggerMisfired(ctx, t); err != nil {
			r.logHookError("OnTriggerMisfired", e.name, err)
		}
	}
}

// EmitTriggerFailed notifies all extensions that implement TriggerFailed.
func (r *Registry) EmitTriggerFailed(ctx context.Context, key trigger.Key, failure error) {
	for _, e := range r.triggerFailed {
		if err := e.hook.OnTriggerFailed(ctx, key, failure); err != nil {
			r.logHookError("OnTriggerFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job, t *trigger.Trigger) {
	for _, e := range r.jobStarted {
		if err := e.hook.OnJobStarted(ctx, j, t); err != nil {
			r.logHookError("OnJobStarted", e.name, err)
		}
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, t *trigger.Trigger, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		if err := e.hook.OnJobCompleted(ctx, j, t, elapsed); err != nil {
			r.logHookError("OnJobCompleted", e.name, err)
		}
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, j *job.Job, t *trigger.Trigger, jobErr error) {
	for _, e := range r.jobFailed {
		if err := e.hook.OnJobFailed(ctx, j, t, jobErr); err != nil {
			r.logHookError("OnJobFailed", e.name, err)
		}
	}
}

// ──────────────────────────────────────────────────
// Cluster event emitters
// ──────────────────────────────────────────────────

// EmitCheckedIn notifies all extensions that implement CheckedIn.
func (r *Registry) EmitCheckedIn(ctx context.Context, instanceID string, at time.Time) {
	for _, e := range r.checkedIn {
		if err := e.hook.OnCheckedIn(ctx, instanceID, at); err != nil {
			r.logHookError("OnCheckedIn", e.name, err)
		}
	}
}

// EmitInstanceFailed notifies all extensions that implement InstanceFailed.
func (r *Registry) EmitInstanceFailed(ctx context.Context, s *cluster.SchedulerState) {
	for _, e := range r.instanceFailed {
		if err := e.hook.OnInstanceFailed(ctx, s); err != nil {
			r.logHookError("OnInstanceFailed", e.name, err)
		}
	}
}

// EmitInstanceRecovered notifies all extensions that implement InstanceRecovered.
func (r *Registry) EmitInstanceRecovered(ctx context.Context, instanceID string, released, synthesized int) {
	for _, e := range r.instanceRecovered {
		if err := e.hook.OnInstanceRecovered(ctx, instanceID, released, synthesized); err != nil {
			r.logHookError("OnInstanceRecovered", e.name, err)
		}
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		if err := e.hook.OnShutdown(ctx); err != nil {
			r.logHookError("OnShutdown", e.name, err)
		}
	}
}

// logHookError logs a warning when a lifecycle hook returns an error.
// Errors from hooks are never propagated; they must not block the
// scheduler.
func (r *Registry) logHookError(hook, extName string, err error) {
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
