package machine

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/calendar"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/misfire"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/trigger"
)

// ──────────────────────────────────────────────────
// Acquisition
// ──────────────────────────────────────────────────

// Acquired is a trigger this instance won, with its job and fired record.
type Acquired struct {
	Trigger *trigger.Trigger
	Job     *job.Job
	Record  *ledger.FiredRecord
}

// Failure names a trigger that could not be acquired. The trigger was
// moved to ERROR.
type Failure struct {
	Key trigger.Key
	Err error
}

// AcquireResult is the outcome of one acquisition pass.
type AcquireResult struct {
	Triggers []*Acquired
	Failures []Failure
	// Misfired holds candidates whose misfire policy was applied before
	// acquisition, as written.
	Misfired []*trigger.Trigger
}

// AcquireNextTriggers claims up to max WAITING triggers due no later than
// now+lookahead, in acquisition order, and records a fired entry for each.
// A misfired candidate has its misfire policy applied first and is taken
// only if it is still due. Candidates taken by a peer first are skipped.
// At most one trigger per stateful job is taken per pass.
func (m *Machine) AcquireNextTriggers(ctx context.Context, now time.Time, lookahead time.Duration, max int) (*AcquireResult, error) {
	if max <= 0 {
		max = 1
	}
	now = now.UTC().Truncate(time.Millisecond)

	var res *AcquireResult
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p := &acquirePass{
			now:         now,
			noLaterThan: now.Add(lookahead),
			stateful:    make(map[job.Key]bool),
			res:         &AcquireResult{},
		}
		candidates, err := tx.SelectTriggersToAcquire(ctx, p.noLaterThan, max)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			if err := m.acquire(ctx, tx, c.Key, p); err != nil {
				return err
			}
		}
		res = p.res
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "beacon/machine: acquire")
	}

	for _, t := range res.Misfired {
		m.extensions.EmitTriggerMisfired(ctx, t)
	}
	for _, a := range res.Triggers {
		m.extensions.EmitTriggerAcquired(ctx, a.Trigger, a.Record)
	}
	for _, f := range res.Failures {
		m.logger.Warn("trigger moved to error during acquisition",
			slog.String("trigger", f.Key.String()),
			slog.String("error", f.Err.Error()),
		)
		m.extensions.EmitTriggerFailed(ctx, f.Key, f.Err)
	}
	return res, nil
}

// acquirePass carries the state of one acquisition transaction.
type acquirePass struct {
	now         time.Time
	noLaterThan time.Time
	stateful    map[job.Key]bool
	res         *AcquireResult
}

func (p *acquirePass) fail(ctx context.Context, tx store.Tx, key trigger.Key, cause error) {
	p.res.Failures = append(p.res.Failures, *failTrigger(ctx, tx, key, trigger.StateWaiting, cause))
}

func (m *Machine) acquire(ctx context.Context, tx store.Tx, key trigger.Key, p *acquirePass) error {
	t, err := tx.SelectTrigger(ctx, key)
	if errors.Is(err, beacon.ErrTriggerNotFound) {
		return nil
	}
	if isAnomaly(err) {
		p.fail(ctx, tx, key, err)
		return nil
	}
	if err != nil {
		return err
	}

	// A misfired trigger follows its policy before it may fire.
	if t.IsMisfired(p.now, m.misfireThreshold) {
		written, err := misfire.Handle(ctx, tx, t, trigger.StateWaiting, p.now)
		if isAnomaly(err) {
			p.fail(ctx, tx, key, err)
			return nil
		}
		if err != nil {
			return err
		}
		if written {
			p.res.Misfired = append(p.res.Misfired, t)
		}
		if t.NextFireTime == nil || t.NextFireTime.After(p.noLaterThan) {
			return nil
		}
	}

	j, err := tx.SelectJob(ctx, t.JobKey)
	if errors.Is(err, beacon.ErrJobNotFound) || isAnomaly(err) {
		p.fail(ctx, tx, key, err)
		return nil
	}
	if err != nil {
		return err
	}
	if j.Stateful {
		if p.stateful[j.Key] {
			return nil
		}
		p.stateful[j.Key] = true
	}

	n, err := tx.UpdateTriggerStateFromStates(ctx, key, trigger.StateAcquired, trigger.StateWaiting)
	if err != nil || n == 0 {
		return err
	}
	rec, err := m.ledger.Insert(ctx, tx, t, j, ledger.FiredAcquired, p.now)
	if err != nil {
		return err
	}
	p.res.Triggers = append(p.res.Triggers, &Acquired{Trigger: t, Job: j, Record: rec})
	return nil
}

// failTrigger moves key from one of from to ERROR and describes why. A
// failed conditional update still reports the failure.
func failTrigger(ctx context.Context, tx store.Tx, key trigger.Key, from trigger.State, cause error) *Failure {
	if _, err := tx.UpdateTriggerStateFromStates(ctx, key, trigger.StateError, from); err != nil {
		cause = errors.WithSecondaryError(cause, err)
	}
	return &Failure{Key: key, Err: cause}
}

// isAnomaly reports errors caused by one bad row rather than the store.
func isAnomaly(err error) bool {
	return err != nil && errors.IsAny(err,
		beacon.ErrPayloadCorrupt,
		beacon.ErrUnknownState,
		beacon.ErrCalendarNotFound,
	)
}

// ReleaseAcquiredTrigger returns an acquired trigger to WAITING and drops
// its fired record. It is used when an instance cannot fire what it
// acquired.
func (m *Machine) ReleaseAcquiredTrigger(ctx context.Context, entryID id.FiredID) error {
	return m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rec, err := tx.SelectFiredTrigger(ctx, entryID)
		if errors.Is(err, beacon.ErrFiredNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.UpdateTriggerStateFromStates(ctx, rec.TriggerKey, trigger.StateWaiting, trigger.StateAcquired); err != nil {
			return err
		}
		return m.ledger.Delete(ctx, tx, entryID)
	})
}

// ──────────────────────────────────────────────────
// Firing
// ──────────────────────────────────────────────────

// Bundle is everything an executor needs to run one firing.
type Bundle struct {
	EntryID           id.FiredID
	Job               *job.Job
	Trigger           *trigger.Trigger
	Calendar          calendar.Excluder
	FireTime          time.Time
	ScheduledFireTime *time.Time
	PreviousFireTime  *time.Time
	NextFireTime      *time.Time
	Recovering        bool
}

// TriggerFired moves an acquired trigger to EXECUTING and marks its fired
// record executing. For a stateful job the job's other triggers are
// blocked; if the job is already executing the trigger goes to BLOCKED
// instead and no bundle is returned. A nil bundle also means the trigger
// was paused, deleted or failed since acquisition.
func (m *Machine) TriggerFired(ctx context.Context, entryID id.FiredID) (*Bundle, error) {
	now := m.clock()
	var (
		bundle  *Bundle
		failure *Failure
	)
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		bundle, failure, err = m.fire(ctx, tx, entryID, now)
		return err
	})
	if err != nil {
		return nil, errors.Wrap(err, "beacon/machine: trigger fired")
	}
	if failure != nil {
		m.logger.Warn("trigger moved to error while firing",
			slog.String("trigger", failure.Key.String()),
			slog.String("error", failure.Err.Error()),
		)
		m.extensions.EmitTriggerFailed(ctx, failure.Key, failure.Err)
	}
	if bundle != nil {
		m.extensions.EmitJobStarted(ctx, bundle.Job, bundle.Trigger)
	}
	return bundle, nil
}

func (m *Machine) fire(ctx context.Context, tx store.Tx, entryID id.FiredID, now time.Time) (*Bundle, *Failure, error) {
	rec, err := tx.SelectFiredTrigger(ctx, entryID)
	if errors.Is(err, beacon.ErrFiredNotFound) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	state, err := tx.SelectTriggerState(ctx, rec.TriggerKey)
	if err != nil && !errors.Is(err, beacon.ErrTriggerNotFound) {
		return nil, nil, err
	}
	if state != trigger.StateAcquired {
		return nil, nil, m.ledger.Delete(ctx, tx, entryID)
	}

	t, err := tx.SelectTrigger(ctx, rec.TriggerKey)
	if err != nil {
		return nil, nil, err
	}
	j, err := tx.SelectJob(ctx, t.JobKey)
	if errors.Is(err, beacon.ErrJobNotFound) || isAnomaly(err) {
		return nil, failTrigger(ctx, tx, t.Key, trigger.StateAcquired, err), m.ledger.Delete(ctx, tx, entryID)
	}
	if err != nil {
		return nil, nil, err
	}
	cal, err := calendar.Load(ctx, tx, t.CalendarName)
	if isAnomaly(err) {
		return nil, failTrigger(ctx, tx, t.Key, trigger.StateAcquired, err), m.ledger.Delete(ctx, tx, entryID)
	}
	if err != nil {
		return nil, nil, err
	}

	ev := trigger.EventFire
	if j.Stateful {
		if err := tx.LockJob(ctx, j.Key); err != nil {
			return nil, nil, err
		}
		n, err := tx.SelectJobExecutionCount(ctx, j.Key)
		if err != nil {
			return nil, nil, err
		}
		if n > 0 {
			ev = trigger.EventFireBlocked
		}
	}

	moved, err := applyMoves(ev, func(to trigger.State, from ...trigger.State) (int, error) {
		return tx.UpdateTriggerStateFromStates(ctx, t.Key, to, from...)
	})
	if err != nil {
		return nil, nil, err
	}
	if moved == 0 || ev == trigger.EventFireBlocked {
		return nil, nil, m.ledger.Delete(ctx, tx, entryID)
	}
	if j.Stateful {
		if err := blockSiblings(ctx, tx, j.Key); err != nil {
			return nil, nil, err
		}
	}

	rec.State = ledger.FiredExecuting
	rec.FiredTime = now
	if err := tx.UpdateFiredTrigger(ctx, rec); err != nil {
		return nil, nil, err
	}

	b := &Bundle{
		EntryID:           entryID,
		Job:               j,
		Trigger:           t,
		Calendar:          cal,
		FireTime:          now,
		ScheduledFireTime: rec.ScheduledTime,
		PreviousFireTime:  t.PreviousFireTime,
		Recovering:        t.IsRecovering(),
	}
	next := t.Clone()
	next.Triggered(cal)
	b.NextFireTime = next.NextFireTime

	if b.Recovering {
		if info, err := t.Recovery(); err == nil && info != nil && info.ScheduledTime != nil {
			b.ScheduledFireTime = info.ScheduledTime
		}
	}
	return b, nil, nil
}

// ──────────────────────────────────────────────────
// Completion
// ──────────────────────────────────────────────────

// Instruction tells TriggeredJobComplete what to do with the trigger.
type Instruction int

const (
	// Noop advances the trigger to its next fire time, or COMPLETE.
	Noop Instruction = iota
	// ReExecute keeps the trigger executing so the job can run again.
	ReExecute
	// SetTriggerComplete completes the trigger.
	SetTriggerComplete
	// DeleteTrigger removes the trigger.
	DeleteTrigger
	// SetTriggerError moves the trigger to ERROR.
	SetTriggerError
	// SetAllJobTriggersComplete completes every trigger of the job.
	SetAllJobTriggersComplete
	// SetAllJobTriggersError moves every trigger of the job to ERROR.
	SetAllJobTriggersError
)

// String returns a readable instruction name.
func (i Instruction) String() string {
	switch i {
	case Noop:
		return "noop"
	case ReExecute:
		return "re-execute"
	case SetTriggerComplete:
		return "set-trigger-complete"
	case DeleteTrigger:
		return "delete-trigger"
	case SetTriggerError:
		return "set-trigger-error"
	case SetAllJobTriggersComplete:
		return "set-all-job-triggers-complete"
	case SetAllJobTriggersError:
		return "set-all-job-triggers-error"
	default:
		return "unknown"
	}
}

// TriggeredJobComplete finishes the firing described by b. The trigger is
// advanced or retired per instr, blocked triggers of a stateful job are
// released, and the fired record is deleted. jobData, when non-nil,
// replaces the data of a stateful job.
func (m *Machine) TriggeredJobComplete(ctx context.Context, b *Bundle, instr Instruction, jobData []byte) error {
	if instr == ReExecute {
		return nil
	}
	err := m.gw.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return m.complete(ctx, tx, b, instr, jobData)
	})
	if err != nil {
		return errors.Wrapf(err, "beacon/machine: complete %s", b.Trigger.Key)
	}
	return nil
}

func (m *Machine) complete(ctx context.Context, tx store.Tx, b *Bundle, instr Instruction, jobData []byte) error {
	key, jobKey := b.Trigger.Key, b.Job.Key
	if b.Job.Stateful {
		if err := tx.LockJob(ctx, jobKey); err != nil {
			return err
		}
		if jobData != nil {
			if err := tx.UpdateJobData(ctx, jobKey, jobData); err != nil && !errors.Is(err, beacon.ErrJobNotFound) {
				return err
			}
		}
	}

	// The record goes first so the stateful release below sees the job idle.
	if err := m.ledger.Delete(ctx, tx, b.EntryID); err != nil {
		return err
	}

	var err error
	switch instr {
	case Noop:
		err = m.advance(ctx, tx, key)
	case SetTriggerComplete:
		_, err = tx.UpdateTriggerState(ctx, key, trigger.StateComplete)
	case DeleteTrigger:
		_, err = removeTrigger(ctx, tx, key)
	case SetTriggerError:
		_, err = tx.UpdateTriggerState(ctx, key, trigger.StateError)
	case SetAllJobTriggersComplete:
		_, err = tx.UpdateTriggerStatesForJob(ctx, jobKey, trigger.StateComplete)
	case SetAllJobTriggersError:
		_, err = tx.UpdateTriggerStatesForJob(ctx, jobKey, trigger.StateError)
	default:
		err = errors.Newf("beacon: unknown completion instruction %d", int(instr))
	}
	if err != nil {
		return err
	}

	if b.Job.Stateful {
		return releaseIfIdle(ctx, tx, jobKey)
	}
	return nil
}

// advance moves an EXECUTING trigger past the fire that just completed.
// It returns to WAITING, or PAUSED when its group was paused meanwhile, or
// COMPLETE when nothing remains. A spent recovery trigger is removed.
func (m *Machine) advance(ctx context.Context, tx store.Tx, key trigger.Key) error {
	t, err := tx.SelectTrigger(ctx, key)
	if errors.Is(err, beacon.ErrTriggerNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	cal, err := calendar.Load(ctx, tx, t.CalendarName)
	if err != nil {
		return err
	}
	t.Triggered(cal)

	if t.NextFireTime == nil && t.IsRecovering() {
		_, err := removeTrigger(ctx, tx, key)
		return err
	}

	ev := trigger.EventComplete
	if t.NextFireTime == nil {
		ev = trigger.EventCompleteFinal
	}
	for _, mv := range trigger.Moves(ev) {
		to := mv.To
		if to == trigger.StateWaiting {
			paused, err := isGroupPaused(ctx, tx, key.Group)
			if err != nil {
				return err
			}
			if paused {
				to = trigger.StatePaused
			}
		}
		if _, err := tx.UpdateTriggerFromStates(ctx, t, to, mv.From...); err != nil {
			return err
		}
	}
	return nil
}

func isGroupPaused(ctx context.Context, tx store.Tx, group string) (bool, error) {
	paused, err := tx.IsTriggerGroupPaused(ctx, group)
	if err != nil || paused {
		return paused, err
	}
	return tx.IsTriggerGroupPaused(ctx, trigger.AllGroupsPaused)
}

// releaseIfIdle unblocks a stateful job's triggers once no execution of
// the job remains.
func releaseIfIdle(ctx context.Context, tx store.Tx, jobKey job.Key) error {
	n, err := tx.SelectJobExecutionCount(ctx, jobKey)
	if err != nil || n > 0 {
		return err
	}
	return releaseSiblings(ctx, tx, jobKey)
}
