package memory

import (
	"context"
	"time"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/calendar"
)

// ──────────────────────────────────────────────────
// Calendar Store
// ──────────────────────────────────────────────────

// InsertCalendar persists a new calendar.
func (t *tx) InsertCalendar(_ context.Context, c *calendar.Calendar) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, exists := t.d.calendars[c.Name]; exists {
		return beacon.ErrObjectAlreadyExists
	}
	t.d.calendars[c.Name] = cloneCalendar(c)
	return nil
}

// UpdateCalendar replaces a calendar.
func (t *tx) UpdateCalendar(_ context.Context, c *calendar.Calendar) error {
	if err := t.writable(); err != nil {
		return err
	}
	old, ok := t.d.calendars[c.Name]
	if !ok {
		return beacon.ErrCalendarNotFound
	}
	cp := cloneCalendar(c)
	cp.CreatedAt = old.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	t.d.calendars[c.Name] = cp
	return nil
}

// CalendarExists reports whether the calendar exists.
func (t *tx) CalendarExists(_ context.Context, name string) (bool, error) {
	_, ok := t.d.calendars[name]
	return ok, nil
}

// SelectCalendar returns a copy of the calendar.
func (t *tx) SelectCalendar(_ context.Context, name string) (*calendar.Calendar, error) {
	c, ok := t.d.calendars[name]
	if !ok {
		return nil, beacon.ErrCalendarNotFound
	}
	return cloneCalendar(c), nil
}

// CalendarIsReferenced reports whether any trigger names the calendar.
func (t *tx) CalendarIsReferenced(_ context.Context, name string) (bool, error) {
	for _, row := range t.d.triggers {
		if row.t.CalendarName == name {
			return true, nil
		}
	}
	return false, nil
}

// DeleteCalendar removes a calendar.
func (t *tx) DeleteCalendar(_ context.Context, name string) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	if _, ok := t.d.calendars[name]; !ok {
		return false, nil
	}
	delete(t.d.calendars, name)
	return true, nil
}

// CountCalendars returns the number of calendars.
func (t *tx) CountCalendars(_ context.Context) (int, error) {
	return len(t.d.calendars), nil
}

// SelectCalendarNames returns all calendar names.
func (t *tx) SelectCalendarNames(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{}, len(t.d.calendars))
	for name := range t.d.calendars {
		seen[name] = struct{}{}
	}
	return sortedSet(seen), nil
}

func cloneCalendar(c *calendar.Calendar) *calendar.Calendar {
	cp := *c
	cp.Rules = append([]byte(nil), c.Rules...)
	return &cp
}
