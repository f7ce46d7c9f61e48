package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/beacon/cluster"
	"github.com/xraph/beacon/ext"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/trigger"
)

// ScopeName is the instrumentation scope of beacon's meters and tracers.
const ScopeName = "github.com/xraph/beacon"

// Compile-time interface checks.
var (
	_ ext.Extension         = (*MetricsExtension)(nil)
	_ ext.TriggerAcquired   = (*MetricsExtension)(nil)
	_ ext.TriggerMisfired   = (*MetricsExtension)(nil)
	_ ext.TriggerFailed     = (*MetricsExtension)(nil)
	_ ext.JobStarted        = (*MetricsExtension)(nil)
	_ ext.JobCompleted      = (*MetricsExtension)(nil)
	_ ext.JobFailed         = (*MetricsExtension)(nil)
	_ ext.CheckedIn         = (*MetricsExtension)(nil)
	_ ext.InstanceFailed    = (*MetricsExtension)(nil)
	_ ext.InstanceRecovered = (*MetricsExtension)(nil)
)

// MetricsExtension records lifecycle counters through an OTel meter.
//
// Instruments:
//   - beacon.trigger.acquired, beacon.trigger.misfired, beacon.trigger.failed
//   - beacon.job.started, beacon.trigger.completed, beacon.job.failed
//   - beacon.job.duration (seconds)
//   - beacon.cluster.checkin, beacon.cluster.failed, beacon.cluster.recovered
//   - beacon.recovery.triggers
type MetricsExtension struct {
	TriggerAcquired  metric.Int64Counter
	TriggerMisfired  metric.Int64Counter
	TriggerFailed    metric.Int64Counter
	JobStarted       metric.Int64Counter
	TriggerCompleted metric.Int64Counter
	JobFailed        metric.Int64Counter
	JobDuration      metric.Float64Histogram
	CheckIns         metric.Int64Counter
	InstancesFailed  metric.Int64Counter
	RecordsRecovered metric.Int64Counter
	RecoveryTriggers metric.Int64Counter
}

// NewMetricsExtension creates instruments from mp. A nil provider uses the
// global MeterProvider, which is a noop until one is installed.
func NewMetricsExtension(mp metric.MeterProvider) *MetricsExtension {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	return NewMetricsExtensionWithMeter(mp.Meter(ScopeName))
}

// NewMetricsExtensionWithMeter creates instruments from a specific meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// On error the API returns noop instruments, so failures are ignored.
	counter := func(name, desc, unit string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		return c
	}
	duration, _ := meter.Float64Histogram("beacon.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	return &MetricsExtension{
		TriggerAcquired:  counter("beacon.trigger.acquired", "Triggers acquired for firing", "{trigger}"),
		TriggerMisfired:  counter("beacon.trigger.misfired", "Misfired triggers rescheduled", "{trigger}"),
		TriggerFailed:    counter("beacon.trigger.failed", "Triggers moved to ERROR", "{trigger}"),
		JobStarted:       counter("beacon.job.started", "Job executions started", "{execution}"),
		TriggerCompleted: counter("beacon.trigger.completed", "Firings completed successfully", "{execution}"),
		JobFailed:        counter("beacon.job.failed", "Job executions that returned an error", "{execution}"),
		JobDuration:      duration,
		CheckIns:         counter("beacon.cluster.checkin", "Heartbeats recorded by this instance", "{checkin}"),
		InstancesFailed:  counter("beacon.cluster.failed", "Peers detected as failed", "{instance}"),
		RecordsRecovered: counter("beacon.cluster.recovered", "Fired records recovered from failed peers", "{record}"),
		RecoveryTriggers: counter("beacon.recovery.triggers", "Recovery triggers synthesized", "{trigger}"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ──────────────────────────────────────────────────
// Trigger lifecycle hooks
// ──────────────────────────────────────────────────

// OnTriggerAcquired implements ext.TriggerAcquired.
func (m *MetricsExtension) OnTriggerAcquired(ctx context.Context, t *trigger.Trigger, _ *ledger.FiredRecord) error {
	m.TriggerAcquired.Add(ctx, 1, triggerAttrs(t.Key))
	return nil
}

// OnTriggerMisfired implements ext.TriggerMisfired.
func (m *MetricsExtension) OnTriggerMisfired(ctx context.Context, t *trigger.Trigger) error {
	m.TriggerMisfired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("trigger_group", t.Key.Group),
		attribute.String("policy", t.MisfirePolicy.String()),
		attribute.Bool("completed", t.NextFireTime == nil),
	))
	return nil
}

// OnTriggerFailed implements ext.TriggerFailed.
func (m *MetricsExtension) OnTriggerFailed(ctx context.Context, key trigger.Key, _ error) error {
	m.TriggerFailed.Add(ctx, 1, triggerAttrs(key))
	return nil
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// OnJobStarted implements ext.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, j *job.Job, t *trigger.Trigger) error {
	m.JobStarted.Add(ctx, 1, jobAttrs(j, t))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, j *job.Job, t *trigger.Trigger, elapsed time.Duration) error {
	attrs := jobAttrs(j, t)
	m.TriggerCompleted.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, elapsed.Seconds(), attrs)
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, j *job.Job, t *trigger.Trigger, _ error) error {
	m.JobFailed.Add(ctx, 1, jobAttrs(j, t))
	return nil
}

// ──────────────────────────────────────────────────
// Cluster lifecycle hooks
// ──────────────────────────────────────────────────

// OnCheckedIn implements ext.CheckedIn.
func (m *MetricsExtension) OnCheckedIn(ctx context.Context, instanceID string, _ time.Time) error {
	m.CheckIns.Add(ctx, 1, metric.WithAttributes(attribute.String("instance_id", instanceID)))
	return nil
}

// OnInstanceFailed implements ext.InstanceFailed.
func (m *MetricsExtension) OnInstanceFailed(ctx context.Context, s *cluster.SchedulerState) error {
	m.InstancesFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("instance_id", s.InstanceID)))
	return nil
}

// OnInstanceRecovered implements ext.InstanceRecovered.
func (m *MetricsExtension) OnInstanceRecovered(ctx context.Context, instanceID string, released, synthesized int) error {
	attrs := metric.WithAttributes(attribute.String("instance_id", instanceID))
	m.RecordsRecovered.Add(ctx, int64(released), attrs)
	m.RecoveryTriggers.Add(ctx, int64(synthesized), attrs)
	return nil
}

func triggerAttrs(key trigger.Key) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("trigger_group", key.Group))
}

func jobAttrs(j *job.Job, t *trigger.Trigger) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("job_group", j.Key.Group),
		attribute.String("job_type", j.Type),
		attribute.Bool("recovering", t != nil && t.IsRecovering()),
	)
}

// Tracer returns the beacon tracer from tp, or from the global provider
// when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(ScopeName)
}
