package ext

import (
	"context"
	"time"

	"github.com/xraph/beacon/cluster"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/trigger"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Trigger lifecycle hooks
// ──────────────────────────────────────────────────

// TriggerAcquired is called after a trigger was acquired and its fired
// record committed.
type TriggerAcquired interface {
	OnTriggerAcquired(ctx context.Context, t *trigger.Trigger, rec *ledger.FiredRecord) error
}

// TriggerMisfired is called after the misfire detector rescheduled a
// trigger. A nil NextFireTime means the trigger was completed.
type TriggerMisfired interface {
	OnTriggerMisfired(ctx context.Context, t *trigger.Trigger) error
}

// TriggerFailed is called when a trigger was moved to ERROR because it
// could not be fired.
type TriggerFailed interface {
	OnTriggerFailed(ctx context.Context, key trigger.Key, err error) error
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobStarted is called when a fired trigger's job begins executing.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job, t *trigger.Trigger) error
}

// JobCompleted is called after a job finishes successfully.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, t *trigger.Trigger, elapsed time.Duration) error
}

// JobFailed is called when a job returns an error.
type JobFailed interface {
	OnJobFailed(ctx context.Context, j *job.Job, t *trigger.Trigger, err error) error
}

// ──────────────────────────────────────────────────
// Cluster lifecycle hooks
// ──────────────────────────────────────────────────

// CheckedIn is called after an instance refreshed its heartbeat row.
type CheckedIn interface {
	OnCheckedIn(ctx context.Context, instanceID string, at time.Time) error
}

// InstanceFailed is called when a peer is detected as failed.
type InstanceFailed interface {
	OnInstanceFailed(ctx context.Context, s *cluster.SchedulerState) error
}

// InstanceRecovered is called after a failed instance's fired records were
// recovered. released counts the records processed and synthesized the
// recovery triggers created.
type InstanceRecovered interface {
	OnInstanceRecovered(ctx context.Context, instanceID string, released, synthesized int) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
