package audithook_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	ah "github.com/xraph/beacon/audit_hook"
	"github.com/xraph/beacon/cluster"
	"github.com/xraph/beacon/ext"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/trigger"
)

// ── Mock recorder ────────────────────────────────────

// mockRecorder captures audit events for verification.
type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) findByAction(action string) *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range m.events {
		if evt.Action == action {
			return evt
		}
	}
	return nil
}

// ── Test helpers ─────────────────────────────────────

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestJob() *job.Job {
	return &job.Job{
		Key:  job.NewKey("send-email", "mail"),
		Type: "email.send",
	}
}

func newTestTrigger(j *job.Job) *trigger.Trigger {
	t := trigger.New(trigger.NewKey("every-minute", "mail"), j.Key, start, trigger.Every(time.Minute, trigger.RepeatIndefinitely))
	t.ComputeFirstFireTime(nil)
	return t
}

func newTestRecord(t *trigger.Trigger) *ledger.FiredRecord {
	return &ledger.FiredRecord{
		EntryID:       id.NewFiredID(),
		TriggerKey:    t.Key,
		JobKey:        t.JobKey,
		InstanceID:    "node-1",
		FiredTime:     start,
		ScheduledTime: t.NextFireTime,
		State:         ledger.FiredAcquired,
	}
}

// ── Tests ───────────────────────────────────────────

func TestExtension_Name(t *testing.T) {
	e := ah.New(&mockRecorder{})
	if e.Name() != "audit-hook" {
		t.Errorf("expected name %q, got %q", "audit-hook", e.Name())
	}
}

func TestExtension_TriggerAcquired(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	j := newTestJob()
	tr := newTestTrigger(j)
	fr := newTestRecord(tr)

	if err := e.OnTriggerAcquired(context.Background(), tr, fr); err != nil {
		t.Fatalf("OnTriggerAcquired: %v", err)
	}

	evt := rec.last()
	if evt == nil {
		t.Fatal("expected an event")
	}
	if evt.Action != ah.ActionTriggerAcquired {
		t.Errorf("Action: want %q, got %q", ah.ActionTriggerAcquired, evt.Action)
	}
	if evt.Resource != ah.ResourceTrigger {
		t.Errorf("Resource: want %q, got %q", ah.ResourceTrigger, evt.Resource)
	}
	if evt.ResourceID != "mail.every-minute" {
		t.Errorf("ResourceID: want %q, got %q", "mail.every-minute", evt.ResourceID)
	}
	if evt.Category != ah.CategoryTrigger {
		t.Errorf("Category: want %q, got %q", ah.CategoryTrigger, evt.Category)
	}
	if evt.Severity != ah.SeverityInfo || evt.Outcome != ah.OutcomeSuccess {
		t.Errorf("want info/success, got %s/%s", evt.Severity, evt.Outcome)
	}
	if evt.Metadata["entry_id"] != fr.EntryID.String() {
		t.Errorf("Metadata[entry_id]: want %q, got %v", fr.EntryID.String(), evt.Metadata["entry_id"])
	}
	if evt.Metadata["instance_id"] != "node-1" {
		t.Errorf("Metadata[instance_id]: want node-1, got %v", evt.Metadata["instance_id"])
	}
	if evt.Metadata["scheduled_time"] != "2026-05-04T09:00:00Z" {
		t.Errorf("Metadata[scheduled_time]: got %v", evt.Metadata["scheduled_time"])
	}
}

func TestExtension_TriggerMisfired(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	tr := newTestTrigger(newTestJob())
	tr.MisfirePolicy = trigger.MisfireDoNothing
	tr.NextFireTime = nil

	if err := e.OnTriggerMisfired(context.Background(), tr); err != nil {
		t.Fatalf("OnTriggerMisfired: %v", err)
	}

	evt := rec.last()
	if evt.Severity != ah.SeverityWarning {
		t.Errorf("Severity: want %q, got %q", ah.SeverityWarning, evt.Severity)
	}
	if evt.Metadata["policy"] != "do-nothing" {
		t.Errorf("Metadata[policy]: want do-nothing, got %v", evt.Metadata["policy"])
	}
	if evt.Metadata["next_fire_time"] != "" {
		t.Errorf("completed trigger should have empty next_fire_time, got %v", evt.Metadata["next_fire_time"])
	}
}

func TestExtension_TriggerFailed(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	failure := errors.New("no handler for email.send")

	if err := e.OnTriggerFailed(context.Background(), trigger.NewKey("t1", ""), failure); err != nil {
		t.Fatalf("OnTriggerFailed: %v", err)
	}

	evt := rec.last()
	if evt.Severity != ah.SeverityCritical || evt.Outcome != ah.OutcomeFailure {
		t.Errorf("want critical/failure, got %s/%s", evt.Severity, evt.Outcome)
	}
	if evt.Reason != failure.Error() {
		t.Errorf("Reason: want %q, got %q", failure.Error(), evt.Reason)
	}
	if evt.Metadata["error"] != failure.Error() {
		t.Errorf("Metadata[error]: want %q, got %v", failure.Error(), evt.Metadata["error"])
	}
}

func TestExtension_JobHooks(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	ctx := context.Background()
	j := newTestJob()
	tr := newTestTrigger(j)

	if err := e.OnJobStarted(ctx, j, tr); err != nil {
		t.Fatalf("OnJobStarted: %v", err)
	}
	started := rec.last()
	if started.ResourceID != "mail.send-email" {
		t.Errorf("ResourceID: want %q, got %q", "mail.send-email", started.ResourceID)
	}
	if started.Metadata["recovering"] != false {
		t.Errorf("Metadata[recovering]: want false, got %v", started.Metadata["recovering"])
	}

	if err := e.OnJobCompleted(ctx, j, tr, 1500*time.Millisecond); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	if ms := rec.last().Metadata["elapsed_ms"]; ms != int64(1500) {
		t.Errorf("Metadata[elapsed_ms]: want 1500, got %v", ms)
	}

	if err := e.OnJobFailed(ctx, j, tr, errors.New("smtp timeout")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}
	failed := rec.last()
	if failed.Severity != ah.SeverityCritical {
		t.Errorf("Severity: want %q, got %q", ah.SeverityCritical, failed.Severity)
	}
	if failed.Reason != "smtp timeout" {
		t.Errorf("Reason: want %q, got %q", "smtp timeout", failed.Reason)
	}
}

func TestExtension_ClusterHooks(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	ctx := context.Background()

	state := &cluster.SchedulerState{InstanceID: "node-2", LastCheckIn: start, CheckInInterval: 7500 * time.Millisecond}
	if err := e.OnInstanceFailed(ctx, state); err != nil {
		t.Fatalf("OnInstanceFailed: %v", err)
	}
	evt := rec.last()
	if evt.Resource != ah.ResourceInstance || evt.ResourceID != "node-2" {
		t.Errorf("want instance node-2, got %s %s", evt.Resource, evt.ResourceID)
	}
	if evt.Metadata["checkin_interval_ms"] != int64(7500) {
		t.Errorf("Metadata[checkin_interval_ms]: want 7500, got %v", evt.Metadata["checkin_interval_ms"])
	}

	if err := e.OnInstanceRecovered(ctx, "node-2", 4, 1); err != nil {
		t.Fatalf("OnInstanceRecovered: %v", err)
	}
	evt = rec.last()
	if evt.Metadata["released"] != 4 || evt.Metadata["recovery_triggers"] != 1 {
		t.Errorf("unexpected recovery metadata: %v", evt.Metadata)
	}
}

// ── WithActions filter tests ─────────────────────────

func TestExtension_WithActions_FiltersDisabled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionJobCompleted, ah.ActionJobFailed))

	ctx := context.Background()
	j := newTestJob()
	tr := newTestTrigger(j)

	// Started is NOT enabled.
	if err := e.OnJobStarted(ctx, j, tr); err != nil {
		t.Fatalf("OnJobStarted: %v", err)
	}
	if rec.count() != 0 {
		t.Errorf("expected 0 events (started disabled), got %d", rec.count())
	}

	if err := e.OnJobCompleted(ctx, j, tr, 50*time.Millisecond); err != nil {
		t.Fatalf("OnJobCompleted: %v", err)
	}
	if err := e.OnJobFailed(ctx, j, tr, errors.New("boom")); err != nil {
		t.Fatalf("OnJobFailed: %v", err)
	}
	if rec.count() != 2 {
		t.Errorf("expected 2 events, got %d", rec.count())
	}
}

// ── Recorder error handling test ─────────────────────

func TestExtension_RecorderError_DoesNotPropagate(t *testing.T) {
	failingRecorder := ah.RecorderFunc(func(_ context.Context, _ *ah.AuditEvent) error {
		return errors.New("audit backend down")
	})

	e := ah.New(failingRecorder)
	if err := e.OnTriggerFailed(context.Background(), trigger.NewKey("t1", ""), errors.New("x")); err != nil {
		t.Fatalf("expected no error (audit failure swallowed), got: %v", err)
	}
}

// ── Registry integration test ────────────────────────

func TestExtension_ViaRegistry(t *testing.T) {
	rec := &mockRecorder{}
	reg := ext.NewRegistry(slog.Default())
	reg.Register(ah.New(rec))

	ctx := context.Background()
	j := newTestJob()
	tr := newTestTrigger(j)

	reg.EmitTriggerAcquired(ctx, tr, newTestRecord(tr))
	reg.EmitTriggerMisfired(ctx, tr)
	reg.EmitTriggerFailed(ctx, tr.Key, errors.New("fail"))
	reg.EmitJobStarted(ctx, j, tr)
	reg.EmitJobCompleted(ctx, j, tr, time.Second)
	reg.EmitJobFailed(ctx, j, tr, errors.New("fail"))
	reg.EmitInstanceFailed(ctx, &cluster.SchedulerState{InstanceID: "node-2"})
	reg.EmitInstanceRecovered(ctx, "node-2", 1, 1)
	reg.EmitCheckedIn(ctx, "node-1", start)

	allActions := ah.AllActions()
	if rec.count() != len(allActions) {
		t.Fatalf("expected %d events, got %d", len(allActions), rec.count())
	}
	for _, action := range allActions {
		if rec.findByAction(action) == nil {
			t.Errorf("missing event for action %q", action)
		}
	}
}
