package machine

import (
	"context"
	"time"

	"github.com/xraph/beacon/calendar"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/ledger"
	"github.com/xraph/beacon/store"
	"github.com/xraph/beacon/trigger"
)

// view runs fn in a read-only snapshot and returns its value.
func view[T any](ctx context.Context, gw store.Gateway, fn func(ctx context.Context, tx store.Tx) (T, error)) (T, error) {
	var out T
	err := gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = fn(ctx, tx)
		return err
	})
	return out, err
}

// RetrieveJob returns a job or beacon.ErrJobNotFound.
func (m *Machine) RetrieveJob(ctx context.Context, key job.Key) (*job.Job, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) (*job.Job, error) {
		return tx.SelectJob(ctx, key)
	})
}

// RetrieveTrigger returns a trigger or beacon.ErrTriggerNotFound.
func (m *Machine) RetrieveTrigger(ctx context.Context, key trigger.Key) (*trigger.Trigger, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) (*trigger.Trigger, error) {
		return tx.SelectTrigger(ctx, key)
	})
}

// RetrieveCalendar returns a calendar or beacon.ErrCalendarNotFound.
func (m *Machine) RetrieveCalendar(ctx context.Context, name string) (*calendar.Calendar, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) (*calendar.Calendar, error) {
		return tx.SelectCalendar(ctx, name)
	})
}

// TriggerState returns the stored state of a trigger.
func (m *Machine) TriggerState(ctx context.Context, key trigger.Key) (trigger.State, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) (trigger.State, error) {
		return tx.SelectTriggerState(ctx, key)
	})
}

// TriggerStatus returns the state, job and next fire time of a trigger.
func (m *Machine) TriggerStatus(ctx context.Context, key trigger.Key) (*trigger.Status, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) (*trigger.Status, error) {
		return tx.SelectTriggerStatus(ctx, key)
	})
}

// TriggersForJob returns the triggers of a job. Undecodable rows are
// reported in a *beacon.BatchError next to the good ones.
func (m *Machine) TriggersForJob(ctx context.Context, key job.Key) ([]*trigger.Trigger, error) {
	var (
		out     []*trigger.Trigger
		partial error
	)
	err := m.gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.SelectTriggersForJob(ctx, key)
		if isBatch(err) {
			partial = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, partial
}

// Counts are the number of stored jobs, triggers and calendars.
type Counts struct {
	Jobs      int
	Triggers  int
	Calendars int
}

// Counts returns the number of stored jobs, triggers and calendars.
func (m *Machine) Counts(ctx context.Context) (Counts, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) (Counts, error) {
		var c Counts
		var err error
		if c.Jobs, err = tx.CountJobs(ctx); err != nil {
			return c, err
		}
		if c.Triggers, err = tx.CountTriggers(ctx); err != nil {
			return c, err
		}
		c.Calendars, err = tx.CountCalendars(ctx)
		return c, err
	})
}

// JobGroups returns the distinct job groups.
func (m *Machine) JobGroups(ctx context.Context) ([]string, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) ([]string, error) {
		return tx.SelectJobGroups(ctx)
	})
}

// JobKeys returns the keys of the jobs in group.
func (m *Machine) JobKeys(ctx context.Context, group string) ([]job.Key, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) ([]job.Key, error) {
		return tx.SelectJobsInGroup(ctx, group)
	})
}

// TriggerGroups returns the distinct trigger groups.
func (m *Machine) TriggerGroups(ctx context.Context) ([]string, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) ([]string, error) {
		return tx.SelectTriggerGroups(ctx)
	})
}

// TriggerKeys returns the keys of the triggers in group.
func (m *Machine) TriggerKeys(ctx context.Context, group string) ([]trigger.Key, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) ([]trigger.Key, error) {
		return tx.SelectTriggersInGroup(ctx, group)
	})
}

// CalendarNames returns every calendar name.
func (m *Machine) CalendarNames(ctx context.Context) ([]string, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) ([]string, error) {
		return tx.SelectCalendarNames(ctx)
	})
}

// PausedTriggerGroups returns the paused-group markers.
func (m *Machine) PausedTriggerGroups(ctx context.Context) ([]string, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) ([]string, error) {
		return tx.SelectPausedTriggerGroups(ctx)
	})
}

// CheckJobExists reports whether a job exists.
func (m *Machine) CheckJobExists(ctx context.Context, key job.Key) (bool, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) (bool, error) {
		return tx.JobExists(ctx, key)
	})
}

// CheckTriggerExists reports whether a trigger exists.
func (m *Machine) CheckTriggerExists(ctx context.Context, key trigger.Key) (bool, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) (bool, error) {
		return tx.TriggerExists(ctx, key)
	})
}

// NextFireTime returns the earliest next fire time among WAITING triggers,
// or nil when nothing is scheduled.
func (m *Machine) NextFireTime(ctx context.Context) (*time.Time, error) {
	return view(ctx, m.gw, func(ctx context.Context, tx store.Tx) (*time.Time, error) {
		return tx.SelectNextFireTime(ctx)
	})
}

// FiredRecords returns the fired records owned by this instance.
func (m *Machine) FiredRecords(ctx context.Context) ([]*ledger.FiredRecord, error) {
	var (
		out     []*ledger.FiredRecord
		partial error
	)
	err := m.gw.View(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = m.ledger.Own(ctx, tx)
		if isBatch(err) {
			partial = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, partial
}
