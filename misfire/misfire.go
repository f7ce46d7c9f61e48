package misfire

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/calendar"
	"github.com/xraph/beacon/ext"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/trigger"
)

// Tx is the subset of store.Tx a misfire needs.
type Tx interface {
	trigger.Store
	calendar.Store
}

// Handle reschedules t, currently in from, as misfired at now and persists
// the result with a conditional update. A trigger left without a next fire
// time becomes COMPLETE. It reports whether the trigger was written.
func Handle(ctx context.Context, tx Tx, t *trigger.Trigger, from trigger.State, now time.Time) (bool, error) {
	cal, err := calendar.Load(ctx, tx, t.CalendarName)
	if err != nil {
		return false, err
	}
	if !t.ApplyMisfire(now, cal) {
		return false, nil
	}
	to := from
	if t.NextFireTime == nil {
		to = trigger.StateComplete
	}
	n, err := tx.UpdateTriggerFromStates(ctx, t, to, from)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Result summarizes one scan.
type Result struct {
	// Handled is the number of triggers rescheduled or completed.
	Handled int
	// HasMore reports that the batch limit was hit and another scan
	// should follow immediately.
	HasMore bool
	// Earliest is the earliest new next fire time among handled triggers.
	Earliest *time.Time
	// Misfired holds the handled triggers as written.
	Misfired []*trigger.Trigger
	// Anomalies collects rows that could not be handled. They never abort
	// the scan.
	Anomalies *beacon.BatchError
}

// Option configures a Detector.
type Option func(*Detector)

// WithThreshold sets how late a trigger may be before it misfires.
func WithThreshold(d time.Duration) Option {
	return func(det *Detector) { det.threshold = d }
}

// WithMaxPerScan bounds the triggers handled per scan.
func WithMaxPerScan(n int) Option {
	return func(det *Detector) { det.maxPerScan = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(det *Detector) { det.logger = l }
}

// WithExtensions sets the registry notified of misfires.
func WithExtensions(r *ext.Registry) Option {
	return func(det *Detector) { det.extensions = r }
}

// Detector scans for misfired triggers.
type Detector struct {
	gw         store.Gateway
	threshold  time.Duration
	maxPerScan int
	logger     *slog.Logger
	extensions *ext.Registry
}

// NewDetector returns a detector with the defaults of beacon.DefaultConfig.
func NewDetector(gw store.Gateway, opts ...Option) *Detector {
	cfg := beacon.DefaultConfig()
	d := &Detector{
		gw:         gw,
		threshold:  cfg.MisfireThreshold,
		maxPerScan: cfg.MaxMisfiresPerPass,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.extensions == nil {
		d.extensions = ext.NewRegistry(d.logger)
	}
	return d
}

// Threshold returns the configured misfire threshold.
func (d *Detector) Threshold() time.Duration { return d.threshold }

// Scan handles up to the configured number of misfired WAITING triggers
// in one transaction.
func (d *Detector) Scan(ctx context.Context, now time.Time) (*Result, error) {
	return d.scan(ctx, trigger.MisfireQuery{State: trigger.StateWaiting}, now)
}

// ScanGroup is Scan restricted to one group and state.
func (d *Detector) ScanGroup(ctx context.Context, group string, state trigger.State, now time.Time) (*Result, error) {
	return d.scan(ctx, trigger.MisfireQuery{State: state, Group: group}, now)
}

func (d *Detector) scan(ctx context.Context, q trigger.MisfireQuery, now time.Time) (*Result, error) {
	now = now.UTC().Truncate(time.Millisecond)
	if q.State == "" {
		q.State = trigger.StateWaiting
	}
	q.Before = now.Add(-d.threshold)
	q.Limit = d.maxPerScan

	var res *Result
	err := d.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		res, err = handleBatch(ctx, tx, q, now)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "beacon/misfire: scan")
	}

	for _, t := range res.Misfired {
		d.extensions.EmitTriggerMisfired(ctx, t)
	}
	if res.Anomalies != nil {
		d.logger.Warn("misfire scan skipped rows",
			slog.Int("count", len(res.Anomalies.Rows)),
			slog.String("error", res.Anomalies.Error()),
		)
	}
	if res.Handled > 0 {
		d.logger.Info("handled misfired triggers",
			slog.Int("count", res.Handled),
			slog.Bool("has_more", res.HasMore),
		)
	}
	return res, nil
}

// HandleAll handles every misfired trigger in state, without a batch
// limit, inside the caller's transaction. Used by startup recovery.
func HandleAll(ctx context.Context, tx Tx, state trigger.State, now, before time.Time) (*Result, error) {
	return handleBatch(ctx, tx, trigger.MisfireQuery{State: state, Before: before}, now)
}

func handleBatch(ctx context.Context, tx Tx, q trigger.MisfireQuery, now time.Time) (*Result, error) {
	candidates, more, err := tx.SelectMisfiredTriggers(ctx, q)
	if err != nil {
		return nil, err
	}
	res := &Result{HasMore: more}
	anomalies := &beacon.BatchError{}

	for _, c := range candidates {
		t, err := tx.SelectTrigger(ctx, c.Key)
		if errors.Is(err, beacon.ErrTriggerNotFound) {
			continue
		}
		if err != nil {
			if !isRowAnomaly(err) {
				return nil, err
			}
			anomalies.Add(c.Key.String(), err)
			continue
		}

		written, err := Handle(ctx, tx, t, q.State, now)
		if err != nil {
			if !isRowAnomaly(err) {
				return nil, err
			}
			anomalies.Add(c.Key.String(), err)
			continue
		}
		if !written {
			continue
		}
		res.Handled++
		res.Misfired = append(res.Misfired, t)
		if t.NextFireTime != nil && (res.Earliest == nil || t.NextFireTime.Before(*res.Earliest)) {
			v := *t.NextFireTime
			res.Earliest = &v
		}
	}
	if anomalies.ErrOrNil() != nil {
		res.Anomalies = anomalies
	}
	return res, nil
}

// isRowAnomaly reports errors confined to one row: undecodable payloads,
// unknown states and dangling calendar names.
func isRowAnomaly(err error) bool {
	return errors.IsAny(err, beacon.ErrPayloadCorrupt, beacon.ErrUnknownState, beacon.ErrCalendarNotFound)
}
