package calendar

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Store defines the persistence contract for calendars.
type Store interface {
	// InsertCalendar persists a new calendar. Returns
	// beacon.ErrObjectAlreadyExists if one with the same name exists.
	InsertCalendar(ctx context.Context, c *Calendar) error

	// UpdateCalendar replaces a calendar. Returns beacon.ErrCalendarNotFound
	// if it does not exist.
	UpdateCalendar(ctx context.Context, c *Calendar) error

	// CalendarExists reports whether a calendar with the name exists.
	CalendarExists(ctx context.Context, name string) (bool, error)

	// SelectCalendar returns the calendar or beacon.ErrCalendarNotFound.
	SelectCalendar(ctx context.Context, name string) (*Calendar, error)

	// CalendarIsReferenced reports whether any trigger names the calendar.
	CalendarIsReferenced(ctx context.Context, name string) (bool, error)

	// DeleteCalendar removes a calendar. Returns false if it did not exist.
	DeleteCalendar(ctx context.Context, name string) (bool, error)

	// CountCalendars returns the number of stored calendars.
	CountCalendars(ctx context.Context) (int, error)

	// SelectCalendarNames returns all calendar names, sorted.
	SelectCalendarNames(ctx context.Context) ([]string, error)
}

// Load returns the rules of the named calendar, or a nil Excluder when name
// is empty. A missing calendar is beacon.ErrCalendarNotFound.
func Load(ctx context.Context, s Store, name string) (Excluder, error) {
	if name == "" {
		return nil, nil
	}
	c, err := s.SelectCalendar(ctx, name)
	if err != nil {
		return nil, err
	}
	rules, err := Parse(c.Rules)
	if err != nil {
		return nil, errors.Wrapf(err, "calendar %q", name)
	}
	return rules, nil
}
