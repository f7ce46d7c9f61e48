package trigger

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/calendar"
)

// Kind names the variant held by a Schedule.
type Kind string

// Schedule kinds.
const (
	KindSimple Kind = "SIMPLE"
	KindCron   Kind = "CRON"
	KindBlob   Kind = "BLOB"
)

// ParseKind validates a stored kind string.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindSimple, KindCron, KindBlob:
		return k, nil
	default:
		return "", errors.Wrapf(beacon.ErrPayloadCorrupt, "schedule kind %q", s)
	}
}

// RepeatIndefinitely is the SimpleSchedule repeat count that never ends.
const RepeatIndefinitely = -1

// maxCalendarSkips bounds how many excluded fire times are skipped before a
// schedule is treated as never firing again.
const maxCalendarSkips = 100_000

// SimpleSchedule fires at StartTime and then every RepeatInterval,
// RepeatCount more times.
type SimpleSchedule struct {
	RepeatCount    int           `json:"repeat_count"`
	RepeatInterval time.Duration `json:"repeat_interval"`
	TimesTriggered int           `json:"times_triggered"`
}

// CronSchedule fires whenever a cron expression matches, evaluated in
// TimeZone. Expressions accept an optional leading seconds field and
// descriptors such as "@hourly".
type CronSchedule struct {
	Expression string `json:"expression"`
	TimeZone   string `json:"time_zone,omitempty"`
}

// Schedule is a tagged union over the trigger variants. Exactly the field
// matching Kind is set. Blob schedules are opaque: they fire at their stored
// next fire time and compute no successor.
type Schedule struct {
	Kind   Kind            `json:"kind"`
	Simple *SimpleSchedule `json:"simple,omitempty"`
	Cron   *CronSchedule   `json:"cron,omitempty"`
	Blob   []byte          `json:"blob,omitempty"`
}

// Once returns a simple schedule that fires a single time.
func Once() Schedule {
	return Schedule{Kind: KindSimple, Simple: &SimpleSchedule{}}
}

// Every returns a simple schedule repeating every interval, repeat more
// times. Use RepeatIndefinitely for no limit.
func Every(interval time.Duration, repeat int) Schedule {
	return Schedule{Kind: KindSimple, Simple: &SimpleSchedule{RepeatCount: repeat, RepeatInterval: interval}}
}

// Cron returns a cron schedule.
func Cron(expr, timeZone string) Schedule {
	return Schedule{Kind: KindCron, Cron: &CronSchedule{Expression: expr, TimeZone: timeZone}}
}

// Blob returns an opaque schedule.
func Blob(data []byte) Schedule {
	return Schedule{Kind: KindBlob, Blob: data}
}

// Validate checks that the variant matching Kind is present and usable.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindSimple:
		if s.Simple == nil {
			return errors.Wrap(beacon.ErrInvalidSchedule, "simple schedule missing")
		}
		if s.Simple.RepeatCount < RepeatIndefinitely {
			return errors.Wrapf(beacon.ErrInvalidSchedule, "repeat count %d", s.Simple.RepeatCount)
		}
		if s.Simple.RepeatCount != 0 && s.Simple.RepeatInterval <= 0 {
			return errors.Wrap(beacon.ErrInvalidSchedule, "repeating schedule needs a positive interval")
		}
	case KindCron:
		if s.Cron == nil {
			return errors.Wrap(beacon.ErrInvalidSchedule, "cron schedule missing")
		}
		if _, err := parseCron(s.Cron.Expression); err != nil {
			return errors.Wrapf(beacon.ErrInvalidSchedule, "cron %q: %v", s.Cron.Expression, err)
		}
		if _, err := loadLocation(s.Cron.TimeZone); err != nil {
			return errors.Wrapf(beacon.ErrInvalidSchedule, "time zone %q: %v", s.Cron.TimeZone, err)
		}
	case KindBlob:
	default:
		return errors.Wrapf(beacon.ErrInvalidSchedule, "unknown kind %q", s.Kind)
	}
	return nil
}

func (s Schedule) clone() Schedule {
	out := s
	if s.Simple != nil {
		v := *s.Simple
		out.Simple = &v
	}
	if s.Cron != nil {
		v := *s.Cron
		out.Cron = &v
	}
	if s.Blob != nil {
		out.Blob = append([]byte(nil), s.Blob...)
	}
	return out
}

// ──────────────────────────────────────────────────
// Next-fire math
// ──────────────────────────────────────────────────

// FireTimeAfter returns the first fire time strictly after after that the
// calendar includes and that does not pass EndTime, or nil if the trigger
// will not fire again. cal may be nil.
func (t *Trigger) FireTimeAfter(after time.Time, cal calendar.Excluder) *time.Time {
	next := t.rawFireTimeAfter(after)
	for i := 0; next != nil && cal != nil && !cal.IsTimeIncluded(*next); i++ {
		if i >= maxCalendarSkips {
			return nil
		}
		next = t.rawFireTimeAfter(*next)
	}
	if next != nil && t.EndTime != nil && next.After(*t.EndTime) {
		return nil
	}
	return next
}

// ComputeFirstFireTime sets and returns the first fire time at or after
// StartTime.
func (t *Trigger) ComputeFirstFireTime(cal calendar.Excluder) *time.Time {
	t.NextFireTime = t.FireTimeAfter(t.StartTime.Add(-time.Millisecond), cal)
	return t.NextFireTime
}

// Triggered records a firing: the current next fire time becomes the
// previous one and the next is advanced past it.
func (t *Trigger) Triggered(cal calendar.Excluder) {
	if t.Schedule.Kind == KindSimple && t.Schedule.Simple != nil {
		t.Schedule.Simple.TimesTriggered++
	}
	t.PreviousFireTime = cloneTime(t.NextFireTime)
	if t.NextFireTime == nil {
		return
	}
	t.NextFireTime = t.FireTimeAfter(*t.NextFireTime, cal)
}

// UpdateWithNewCalendar moves the next fire time forward until cal
// includes it.
func (t *Trigger) UpdateWithNewCalendar(cal calendar.Excluder) {
	if t.NextFireTime == nil || cal == nil || cal.IsTimeIncluded(*t.NextFireTime) {
		return
	}
	t.NextFireTime = t.FireTimeAfter(*t.NextFireTime, cal)
}

// MayFireAgain reports whether the trigger still has a next fire time.
func (t *Trigger) MayFireAgain() bool { return t.NextFireTime != nil }

func (t *Trigger) rawFireTimeAfter(after time.Time) *time.Time {
	switch t.Schedule.Kind {
	case KindSimple:
		return t.simpleFireTimeAfter(after)
	case KindCron:
		return t.cronFireTimeAfter(after)
	default:
		return nil
	}
}

func (t *Trigger) simpleFireTimeAfter(after time.Time) *time.Time {
	s := t.Schedule.Simple
	if s == nil {
		return nil
	}
	if s.RepeatCount != RepeatIndefinitely && s.TimesTriggered > s.RepeatCount {
		return nil
	}
	if after.Before(t.StartTime) {
		return timePtr(t.StartTime)
	}
	if s.RepeatCount == 0 || s.RepeatInterval <= 0 {
		return nil
	}
	n := int64(after.Sub(t.StartTime)/s.RepeatInterval) + 1
	if s.RepeatCount != RepeatIndefinitely && n > int64(s.RepeatCount) {
		return nil
	}
	return timePtr(t.StartTime.Add(time.Duration(n) * s.RepeatInterval))
}

func (t *Trigger) cronFireTimeAfter(after time.Time) *time.Time {
	c := t.Schedule.Cron
	if c == nil {
		return nil
	}
	sched, err := parseCron(c.Expression)
	if err != nil {
		return nil
	}
	loc, err := loadLocation(c.TimeZone)
	if err != nil {
		return nil
	}
	if after.Before(t.StartTime) {
		after = t.StartTime.Add(-time.Second)
	}
	next := sched.Next(after.In(loc))
	if next.IsZero() {
		return nil
	}
	return timePtr(next.UTC())
}

// cronParser supports an optional seconds field, the standard five fields
// and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom |
		cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// parsed caches parsed cron expressions.
var (
	parsedMu sync.RWMutex
	parsed   = make(map[string]cronlib.Schedule)
)

// ParseCron parses a cron expression.
func ParseCron(expr string) (cronlib.Schedule, error) {
	return parseCron(expr)
}

func parseCron(expr string) (cronlib.Schedule, error) {
	parsedMu.RLock()
	sched, ok := parsed[expr]
	parsedMu.RUnlock()
	if ok {
		return sched, nil
	}

	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}

	parsedMu.Lock()
	parsed[expr] = sched
	parsedMu.Unlock()
	return sched, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
