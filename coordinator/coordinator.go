package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/cluster"
	"github.com/xraph/beacon/ext"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/machine"
	"github.com/xraph/beacon/misfire"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/trigger"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithCheckInInterval sets how often this instance is expected to check in.
func WithCheckInInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.checkInInterval = d }
}

// WithFailureFactor sets how many of its own intervals a peer may miss
// before it is considered failed.
func WithFailureFactor(n int) Option {
	return func(c *Coordinator) { c.failureFactor = n }
}

// WithMaxRecoveriesPerCycle bounds how many failed peers one cycle
// recovers.
func WithMaxRecoveriesPerCycle(n int) Option {
	return func(c *Coordinator) { c.maxRecoveries = n }
}

// WithMisfireThreshold sets the threshold used by startup recovery.
func WithMisfireThreshold(d time.Duration) Option {
	return func(c *Coordinator) { c.misfireThreshold = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithExtensions sets the registry notified of cluster events.
func WithExtensions(r *ext.Registry) Option {
	return func(c *Coordinator) { c.extensions = r }
}

// Coordinator runs the heartbeat, failure detection and recovery protocol
// for one instance.
type Coordinator struct {
	gw               store.Gateway
	machine          *machine.Machine
	instanceID       string
	checkInInterval  time.Duration
	failureFactor    int
	maxRecoveries    int
	misfireThreshold time.Duration
	logger           *slog.Logger
	extensions       *ext.Registry
}

// New returns a Coordinator acting as m's instance.
func New(m *machine.Machine, opts ...Option) *Coordinator {
	cfg := beacon.DefaultConfig()
	c := &Coordinator{
		gw:               m.Gateway(),
		machine:          m,
		instanceID:       m.InstanceID(),
		checkInInterval:  cfg.CheckInInterval,
		failureFactor:    cfg.ClusterFailureFactor,
		maxRecoveries:    cfg.MaxRecoveriesPerCycle,
		misfireThreshold: cfg.MisfireThreshold,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.extensions == nil {
		c.extensions = ext.NewRegistry(c.logger)
	}
	return c
}

// InstanceID returns the instance the coordinator acts as.
func (c *Coordinator) InstanceID() string { return c.instanceID }

// CheckInInterval returns the configured heartbeat interval.
func (c *Coordinator) CheckInInterval() time.Duration { return c.checkInInterval }

// ──────────────────────────────────────────────────
// Heartbeat and detection
// ──────────────────────────────────────────────────

// CheckIn records a heartbeat at now and returns the peers that have
// failed, ordered by instance id. The own row is created on first use.
func (c *Coordinator) CheckIn(ctx context.Context, now time.Time) ([]*cluster.SchedulerState, error) {
	now = now.UTC().Truncate(time.Millisecond)
	var failed []*cluster.SchedulerState
	err := c.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		failed = nil
		ok, err := tx.UpdateSchedulerState(ctx, c.instanceID, now, c.checkInInterval)
		if err != nil {
			return err
		}
		if !ok {
			err := tx.InsertSchedulerState(ctx, &cluster.SchedulerState{
				InstanceID:      c.instanceID,
				LastCheckIn:     now,
				CheckInInterval: c.checkInInterval,
			})
			if err != nil {
				return err
			}
		}

		states, err := tx.SelectSchedulerStateRecords(ctx)
		if err != nil {
			return err
		}
		for _, s := range states {
			if s.InstanceID != c.instanceID && s.IsFailed(now, c.failureFactor) {
				failed = append(failed, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "beacon/coordinator: check in")
	}
	c.extensions.EmitCheckedIn(ctx, c.instanceID, now)
	return failed, nil
}

// Claim marks dead as being recovered by this instance. It succeeds when
// the row is unclaimed, already ours, or claimed by an instance that has
// itself failed, and only while the row still shows the check-in observed
// in dead. Losing to a peer returns false and no error.
func (c *Coordinator) Claim(ctx context.Context, dead *cluster.SchedulerState, now time.Time) (bool, error) {
	var claimed bool
	err := c.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		claimed = false
		cur, err := tx.SelectSchedulerState(ctx, dead.InstanceID)
		if errors.Is(err, beacon.ErrInstanceNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !cur.LastCheckIn.Equal(dead.LastCheckIn) || !cur.IsFailed(now, c.failureFactor) {
			return nil
		}
		if cur.Recoverer == c.instanceID {
			claimed = true
			return nil
		}
		if cur.IsClaimed() {
			stale, err := c.isStaleClaim(ctx, tx, cur.Recoverer, now)
			if err != nil || !stale {
				return err
			}
		}
		claimed, err = tx.ClaimSchedulerState(ctx, cur.InstanceID, cur.LastCheckIn, cur.Recoverer, c.instanceID)
		return err
	})
	if err != nil {
		return false, errors.Wrapf(err, "beacon/coordinator: claim %s", dead.InstanceID)
	}
	if claimed {
		c.logger.Info("claimed failed instance",
			slog.String("instance", dead.InstanceID),
			slog.Time("last_checkin", dead.LastCheckIn),
		)
	}
	return claimed, nil
}

// isStaleClaim reports whether recoverer has stopped checking in, leaving
// its claim abandoned.
func (c *Coordinator) isStaleClaim(ctx context.Context, tx store.Tx, recoverer string, now time.Time) (bool, error) {
	rs, err := tx.SelectSchedulerState(ctx, recoverer)
	if errors.Is(err, beacon.ErrInstanceNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return rs.IsFailed(now, c.failureFactor), nil
}

// ──────────────────────────────────────────────────
// Recovery
// ──────────────────────────────────────────────────

// Recover reclaims the fired records of a dead instance this coordinator
// has claimed and deletes its SchedulerState, in one transaction. A row
// that is gone or claimed by someone else is left alone.
func (c *Coordinator) Recover(ctx context.Context, instanceID string) (machine.RecoveryStats, error) {
	var (
		stats     machine.RecoveryStats
		recovered bool
		skipped   *beacon.BatchError
	)
	err := c.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		stats, recovered, skipped = machine.RecoveryStats{}, false, nil
		cur, err := tx.SelectSchedulerState(ctx, instanceID)
		if err != nil && !errors.Is(err, beacon.ErrInstanceNotFound) {
			return err
		}
		if cur == nil || cur.Recoverer != c.instanceID {
			return nil
		}

		stats, skipped, err = c.recoverRecords(ctx, tx, instanceID)
		if err != nil {
			return err
		}
		if _, err := tx.DeleteSchedulerState(ctx, instanceID); err != nil {
			return err
		}
		recovered = true
		return nil
	})
	if err != nil {
		return machine.RecoveryStats{}, errors.Wrapf(err, "beacon/coordinator: recover %s", instanceID)
	}
	if !recovered {
		return stats, nil
	}

	if skipped != nil {
		c.logger.Warn("recovery deleted undecodable fired records",
			slog.String("instance", instanceID),
			slog.String("error", skipped.Error()),
		)
	}
	c.logger.Info("recovered failed instance",
		slog.String("instance", instanceID),
		slog.Int("released", stats.Released),
		slog.Int("recovery_triggers", stats.Synthesized),
	)
	c.extensions.EmitInstanceRecovered(ctx, instanceID, stats.Released, stats.Synthesized)
	return stats, nil
}

// recoverRecords releases every fired record of instanceID. Records that
// cannot be decoded are deleted, their triggers are released without
// recovery and they are returned as skipped.
func (c *Coordinator) recoverRecords(ctx context.Context, tx store.Tx, instanceID string) (machine.RecoveryStats, *beacon.BatchError, error) {
	records, err := tx.SelectInstancesFiredTriggerRecords(ctx, instanceID)
	var batch *beacon.BatchError
	if err != nil && !errors.As(err, &batch) {
		return machine.RecoveryStats{}, nil, err
	}
	stats, recErr := c.machine.Recover(ctx, tx, records)
	if recErr != nil {
		return stats, nil, recErr
	}
	if batch == nil {
		return stats, nil, nil
	}
	if _, err := tx.DeleteFiredTriggersForInstance(ctx, instanceID); err != nil {
		return stats, nil, err
	}
	n, err := c.machine.ReleaseUndecodable(ctx, tx, ledger.Undecodable(batch))
	if err != nil {
		return stats, nil, err
	}
	stats.Released += n
	return stats, batch, nil
}

// CycleResult summarizes one coordinator cycle.
type CycleResult struct {
	// Failed is the number of failed peers detected.
	Failed int
	// Recovered is the number of peers recovered by this instance.
	Recovered int
	// Stats totals the work recovered.
	Stats machine.RecoveryStats
}

// Cycle checks in, then claims and recovers up to the configured number of
// failed peers. A failure on one peer is logged and does not stop the
// others; it is retried next cycle.
func (c *Coordinator) Cycle(ctx context.Context, now time.Time) (*CycleResult, error) {
	failed, err := c.CheckIn(ctx, now)
	if err != nil {
		return nil, err
	}
	res := &CycleResult{Failed: len(failed)}
	for i, dead := range failed {
		if i >= c.maxRecoveries {
			c.logger.Debug("deferring recovery to next cycle",
				slog.Int("remaining", len(failed)-i),
			)
			break
		}
		c.extensions.EmitInstanceFailed(ctx, dead)

		ok, err := c.Claim(ctx, dead, now)
		if err != nil {
			c.logger.Warn("claim failed", slog.String("instance", dead.InstanceID), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		stats, err := c.Recover(ctx, dead.InstanceID)
		if err != nil {
			c.logger.Warn("recovery failed", slog.String("instance", dead.InstanceID), slog.String("error", err.Error()))
			continue
		}
		res.Recovered++
		res.Stats.Released += stats.Released
		res.Stats.Synthesized += stats.Synthesized
	}
	return res, nil
}

// OwnRecovery summarizes startup recovery.
type OwnRecovery struct {
	Stats    machine.RecoveryStats
	Misfired int
	Volatile int
}

// RecoverOwn reclaims work left behind by a previous run of this instance,
// handles every trigger that misfired while it was down and purges
// volatile state, in one transaction. It runs once before the first
// check-in.
func (c *Coordinator) RecoverOwn(ctx context.Context, now time.Time) (*OwnRecovery, error) {
	now = now.UTC().Truncate(time.Millisecond)
	var (
		out     *OwnRecovery
		skipped *beacon.BatchError
	)
	err := c.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		out = &OwnRecovery{}
		var err error
		out.Stats, skipped, err = c.recoverRecords(ctx, tx, c.instanceID)
		if err != nil {
			return err
		}
		res, err := misfire.HandleAll(ctx, tx, trigger.StateWaiting, now, now.Add(-c.misfireThreshold))
		if err != nil {
			return err
		}
		out.Misfired = res.Handled
		out.Volatile, err = c.machine.PurgeVolatile(ctx, tx)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "beacon/coordinator: recover own")
	}
	if skipped != nil {
		c.logger.Warn("startup recovery dropped undecodable fired records", slog.String("error", skipped.Error()))
	}
	c.logger.Info("startup recovery complete",
		slog.String("instance", c.instanceID),
		slog.Int("released", out.Stats.Released),
		slog.Int("recovery_triggers", out.Stats.Synthesized),
		slog.Int("misfired", out.Misfired),
		slog.Int("volatile", out.Volatile),
	)
	return out, nil
}

// Shutdown removes this instance's SchedulerState so peers do not wait
// out the failure window before recovering nothing.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	err := c.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.DeleteSchedulerState(ctx, c.instanceID)
		return err
	})
	if err != nil {
		return errors.Wrap(err, "beacon/coordinator: shutdown")
	}
	return nil
}
