package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/beacon/cluster"
	"github.com/xraph/beacon/ext"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/trigger"
)

// Compile-time interface checks.
var (
	_ ext.Extension         = (*Extension)(nil)
	_ ext.TriggerAcquired   = (*Extension)(nil)
	_ ext.TriggerMisfired   = (*Extension)(nil)
	_ ext.TriggerFailed     = (*Extension)(nil)
	_ ext.JobStarted        = (*Extension)(nil)
	_ ext.JobCompleted      = (*Extension)(nil)
	_ ext.JobFailed         = (*Extension)(nil)
	_ ext.InstanceFailed    = (*Extension)(nil)
	_ ext.InstanceRecovered = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	// Record persists a fully-formed audit event.
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one audit trail entry.
type AuditEvent struct {
	// What happened
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Category string `json:"category"`

	// Details
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record calls f.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Severity constants.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Outcome constants.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Extension bridges scheduler lifecycle events to an audit trail backend.
// Each lifecycle hook emits a structured audit event through the [Recorder].
// Recorder failures are logged and never fail the hook.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements ext.Extension.
func (e *Extension) Name() string { return "audit-hook" }

// ── Trigger lifecycle hooks ─────────────────────────

// OnTriggerAcquired implements ext.TriggerAcquired.
func (e *Extension) OnTriggerAcquired(ctx context.Context, t *trigger.Trigger, rec *ledger.FiredRecord) error {
	return e.record(ctx, ActionTriggerAcquired, SeverityInfo, OutcomeSuccess,
		ResourceTrigger, t.Key.String(), CategoryTrigger, nil,
		"job_key", t.JobKey.String(),
		"entry_id", rec.EntryID.String(),
		"instance_id", rec.InstanceID,
		"scheduled_time", formatTime(rec.ScheduledTime),
	)
}

// OnTriggerMisfired implements ext.TriggerMisfired.
func (e *Extension) OnTriggerMisfired(ctx context.Context, t *trigger.Trigger) error {
	return e.record(ctx, ActionTriggerMisfired, SeverityWarning, OutcomeFailure,
		ResourceTrigger, t.Key.String(), CategoryTrigger, nil,
		"job_key", t.JobKey.String(),
		"policy", t.MisfirePolicy.String(),
		"next_fire_time", formatTime(t.NextFireTime),
	)
}

// OnTriggerFailed implements ext.TriggerFailed.
func (e *Extension) OnTriggerFailed(ctx context.Context, key trigger.Key, failure error) error {
	return e.record(ctx, ActionTriggerFailed, SeverityCritical, OutcomeFailure,
		ResourceTrigger, key.String(), CategoryTrigger, failure,
	)
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobStarted implements ext.JobStarted.
func (e *Extension) OnJobStarted(ctx context.Context, j *job.Job, t *trigger.Trigger) error {
	return e.record(ctx, ActionJobStarted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.Key.String(), CategoryJob, nil,
		"job_type", j.Type,
		"trigger_key", t.Key.String(),
		"recovering", t.IsRecovering(),
	)
}

// OnJobCompleted implements ext.JobCompleted.
func (e *Extension) OnJobCompleted(ctx context.Context, j *job.Job, t *trigger.Trigger, elapsed time.Duration) error {
	return e.record(ctx, ActionJobCompleted, SeverityInfo, OutcomeSuccess,
		ResourceJob, j.Key.String(), CategoryJob, nil,
		"job_type", j.Type,
		"trigger_key", t.Key.String(),
		"elapsed_ms", elapsed.Milliseconds(),
	)
}

// OnJobFailed implements ext.JobFailed.
func (e *Extension) OnJobFailed(ctx context.Context, j *job.Job, t *trigger.Trigger, jobErr error) error {
	return e.record(ctx, ActionJobFailed, SeverityCritical, OutcomeFailure,
		ResourceJob, j.Key.String(), CategoryJob, jobErr,
		"job_type", j.Type,
		"trigger_key", t.Key.String(),
	)
}

// ── Cluster lifecycle hooks ─────────────────────────

// OnInstanceFailed implements ext.InstanceFailed.
func (e *Extension) OnInstanceFailed(ctx context.Context, s *cluster.SchedulerState) error {
	return e.record(ctx, ActionInstanceFailed, SeverityWarning, OutcomeFailure,
		ResourceInstance, s.InstanceID, CategoryCluster, nil,
		"last_checkin", s.LastCheckIn.UTC().Format(time.RFC3339Nano),
		"checkin_interval_ms", s.CheckInInterval.Milliseconds(),
	)
}

// OnInstanceRecovered implements ext.InstanceRecovered.
func (e *Extension) OnInstanceRecovered(ctx context.Context, instanceID string, released, synthesized int) error {
	return e.record(ctx, ActionInstanceRecovered, SeverityInfo, OutcomeSuccess,
		ResourceInstance, instanceID, CategoryCluster, nil,
		"released", released,
		"recovery_triggers", synthesized,
	)
}

// ── Internal helpers ────────────────────────────────

// record builds and sends an audit event if the action is enabled.
// The kvPairs argument is a list of key-value pairs added to Metadata.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
