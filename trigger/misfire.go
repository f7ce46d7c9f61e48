package trigger

import (
	"time"

	"github.com/xraph/beacon/calendar"
)

// MisfirePolicy selects how a misfired trigger is rescheduled.
type MisfirePolicy int

const (
	// MisfireSmart picks a policy from the schedule kind.
	MisfireSmart MisfirePolicy = 0
	// MisfireIgnore leaves the trigger alone; it fires as soon as possible
	// and is never selected by misfire scans.
	MisfireIgnore MisfirePolicy = -1
	// MisfireFireNow fires once immediately.
	MisfireFireNow MisfirePolicy = 1
	// MisfireRescheduleNowWithExistingCount restarts the schedule now with
	// the fires it has left. Fires already made reduce the repeat count.
	MisfireRescheduleNowWithExistingCount MisfirePolicy = 2
	// MisfireRescheduleNextWithRemainingCount skips the missed fires and
	// waits for the next scheduled one.
	MisfireRescheduleNextWithRemainingCount MisfirePolicy = 3
	// MisfireDoNothing waits for the next scheduled fire time.
	MisfireDoNothing MisfirePolicy = 4
)

// String returns a readable policy name.
func (p MisfirePolicy) String() string {
	switch p {
	case MisfireSmart:
		return "smart"
	case MisfireIgnore:
		return "ignore"
	case MisfireFireNow:
		return "fire-now"
	case MisfireRescheduleNowWithExistingCount:
		return "reschedule-now-existing-count"
	case MisfireRescheduleNextWithRemainingCount:
		return "reschedule-next-remaining-count"
	case MisfireDoNothing:
		return "do-nothing"
	default:
		return "unknown"
	}
}

// IsMisfired reports whether t's next fire time lies before now minus
// threshold. Triggers with MisfireIgnore never misfire.
func (t *Trigger) IsMisfired(now time.Time, threshold time.Duration) bool {
	if t.NextFireTime == nil || t.MisfirePolicy == MisfireIgnore {
		return false
	}
	return t.NextFireTime.Before(now.Add(-threshold))
}

// effectivePolicy resolves MisfireSmart for the schedule kind.
func (t *Trigger) effectivePolicy() MisfirePolicy {
	if t.MisfirePolicy != MisfireSmart {
		return t.MisfirePolicy
	}
	if t.Schedule.Kind == KindSimple && t.Schedule.Simple != nil {
		switch t.Schedule.Simple.RepeatCount {
		case 0:
			return MisfireFireNow
		case RepeatIndefinitely:
			return MisfireRescheduleNextWithRemainingCount
		default:
			return MisfireRescheduleNowWithExistingCount
		}
	}
	return MisfireFireNow
}

// ApplyMisfire recomputes the next fire time of a misfired trigger. It
// reports whether the trigger changed. Recovery triggers keep their
// original fire time. A nil NextFireTime afterwards means the trigger is
// complete.
func (t *Trigger) ApplyMisfire(now time.Time, cal calendar.Excluder) bool {
	if t.MisfirePolicy == MisfireIgnore || t.IsRecovering() {
		return false
	}
	now = now.UTC()

	switch t.effectivePolicy() {
	case MisfireFireNow:
		t.NextFireTime = t.includedAtOrAfter(now, cal)
	case MisfireRescheduleNowWithExistingCount:
		if t.EndTime != nil && now.After(*t.EndTime) {
			t.NextFireTime = nil
			break
		}
		t.StartTime = now
		if s := t.Schedule.Simple; t.Schedule.Kind == KindSimple && s != nil {
			// The restarted schedule only has the fires not yet made.
			if s.RepeatCount != RepeatIndefinitely {
				s.RepeatCount = max(s.RepeatCount-s.TimesTriggered, 0)
			}
			s.TimesTriggered = 0
		}
		t.NextFireTime = t.includedAtOrAfter(now, cal)
	case MisfireRescheduleNextWithRemainingCount, MisfireDoNothing:
		t.NextFireTime = t.FireTimeAfter(now, cal)
	default:
		return false
	}
	return true
}

func (t *Trigger) includedAtOrAfter(now time.Time, cal calendar.Excluder) *time.Time {
	if t.EndTime != nil && now.After(*t.EndTime) {
		return nil
	}
	if cal == nil || cal.IsTimeIncluded(now) {
		return timePtr(now)
	}
	return t.FireTimeAfter(now, cal)
}
