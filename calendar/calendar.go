// Package calendar defines calendars: named sets of exclusion rules that
// remove time spans from a trigger's schedule.
//
// Rules are stored as an opaque JSON document. Calendar math is pure: the
// store never evaluates it.
package calendar

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
)

// Calendar is a named, persisted rule set.
type Calendar struct {
	beacon.Entity

	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Rules       []byte `json:"rules"`
}

// Excluder decides whether an instant is available for firing.
type Excluder interface {
	IsTimeIncluded(t time.Time) bool
}

// Window is a daily excluded span in "15:04" form. End before Start wraps
// past midnight.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

// Rules is the decoded form of Calendar.Rules.
type Rules struct {
	// Location is the IANA zone the rules are evaluated in. Empty is UTC.
	Location string `json:"location,omitempty"`

	// ExcludedWeekdays removes whole days of the week.
	ExcludedWeekdays []time.Weekday `json:"excluded_weekdays,omitempty"`

	// ExcludedDates removes whole dates in "2006-01-02" form.
	ExcludedDates []string `json:"excluded_dates,omitempty"`

	// ExcludedWindows removes a span of every day.
	ExcludedWindows []Window `json:"excluded_windows,omitempty"`

	loc     *time.Location
	dates   map[string]struct{}
	windows [][2]int
}

// Parse decodes and validates rules. Malformed documents are reported as
// beacon.ErrPayloadCorrupt.
func Parse(data []byte) (*Rules, error) {
	r := &Rules{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, r); err != nil {
			return nil, corrupt(err)
		}
	}
	if err := r.compile(); err != nil {
		return nil, corrupt(err)
	}
	return r, nil
}

// Encode serializes the rules.
func (r *Rules) Encode() ([]byte, error) {
	return json.Marshal(r)
}

func (r *Rules) compile() error {
	r.loc = time.UTC
	if r.Location != "" {
		loc, err := time.LoadLocation(r.Location)
		if err != nil {
			return errors.Wrapf(err, "location %q", r.Location)
		}
		r.loc = loc
	}

	r.dates = make(map[string]struct{}, len(r.ExcludedDates))
	for _, d := range r.ExcludedDates {
		if _, err := time.Parse(time.DateOnly, d); err != nil {
			return errors.Wrapf(err, "excluded date %q", d)
		}
		r.dates[d] = struct{}{}
	}

	for _, wd := range r.ExcludedWeekdays {
		if wd < time.Sunday || wd > time.Saturday {
			return errors.Newf("excluded weekday %d out of range", wd)
		}
	}

	r.windows = r.windows[:0]
	for _, w := range r.ExcludedWindows {
		start, err := minuteOfDay(w.Start)
		if err != nil {
			return err
		}
		end, err := minuteOfDay(w.End)
		if err != nil {
			return err
		}
		r.windows = append(r.windows, [2]int{start, end})
	}
	return nil
}

// IsTimeIncluded reports whether t survives every exclusion rule.
func (r *Rules) IsTimeIncluded(t time.Time) bool {
	local := t.In(r.loc)

	for _, wd := range r.ExcludedWeekdays {
		if local.Weekday() == wd {
			return false
		}
	}
	if _, ok := r.dates[local.Format(time.DateOnly)]; ok {
		return false
	}

	minute := local.Hour()*60 + local.Minute()
	for _, w := range r.windows {
		if inWindow(minute, w[0], w[1]) {
			return false
		}
	}
	return true
}

// NextIncludedTime returns the first included minute boundary strictly
// after t, searching at most a year ahead. It returns the zero time when
// every instant in that range is excluded.
func (r *Rules) NextIncludedTime(t time.Time) time.Time {
	limit := t.AddDate(1, 0, 0)
	for c := t.Truncate(time.Minute).Add(time.Minute); c.Before(limit); c = c.Add(time.Minute) {
		if r.IsTimeIncluded(c) {
			return c
		}
	}
	return time.Time{}
}

func inWindow(minute, start, end int) bool {
	if start <= end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

func minuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, errors.Wrapf(err, "window bound %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func corrupt(err error) error {
	return errors.WithSecondaryError(
		errors.Wrap(beacon.ErrPayloadCorrupt, "beacon/calendar: rules"),
		err,
	)
}
