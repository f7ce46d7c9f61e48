package sqlstore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/calendar"
)

// ──────────────────────────────────────────────────
// Calendar Store
// ──────────────────────────────────────────────────

// InsertCalendar persists a new calendar.
func (t *tx) InsertCalendar(ctx context.Context, c *calendar.Calendar) error {
	return t.insert(ctx, "insert calendar", "calendar "+c.Name, `
		INSERT INTO beacon_calendars (calendar_name, description, rules, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.Name, c.Description, c.Rules, millis(c.CreatedAt), millis(c.UpdatedAt),
	)
}

// UpdateCalendar replaces a calendar.
func (t *tx) UpdateCalendar(ctx context.Context, c *calendar.Calendar) error {
	n, err := t.exec(ctx, "update calendar", `
		UPDATE beacon_calendars SET description = ?, rules = ?, updated_at = ?
		WHERE calendar_name = ?`,
		c.Description, c.Rules, millis(time.Now()), c.Name,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(beacon.ErrCalendarNotFound, "calendar %q", c.Name)
	}
	return nil
}

// CalendarExists reports whether the calendar exists.
func (t *tx) CalendarExists(ctx context.Context, name string) (bool, error) {
	return t.exists(ctx, "calendar exists",
		`SELECT COUNT(*) FROM beacon_calendars WHERE calendar_name = ?`, name)
}

// SelectCalendar returns the calendar.
func (t *tx) SelectCalendar(ctx context.Context, name string) (*calendar.Calendar, error) {
	var (
		c                calendar.Calendar
		created, updated int64
	)
	err := t.queryRow(ctx, `
		SELECT calendar_name, description, rules, created_at, updated_at
		FROM beacon_calendars WHERE calendar_name = ?`, name,
	).Scan(&c.Name, &c.Description, &c.Rules, &created, &updated)
	if isNoRows(err) {
		return nil, errors.Wrapf(beacon.ErrCalendarNotFound, "calendar %q", name)
	}
	if err != nil {
		return nil, t.fail("select calendar", err)
	}
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// CalendarIsReferenced reports whether any trigger names the calendar.
func (t *tx) CalendarIsReferenced(ctx context.Context, name string) (bool, error) {
	return t.exists(ctx, "calendar is referenced",
		`SELECT COUNT(*) FROM beacon_triggers WHERE calendar_name = ?`, name)
}

// DeleteCalendar removes a calendar.
func (t *tx) DeleteCalendar(ctx context.Context, name string) (bool, error) {
	n, err := t.exec(ctx, "delete calendar",
		`DELETE FROM beacon_calendars WHERE calendar_name = ?`, name)
	return n > 0, err
}

// CountCalendars returns the number of calendars.
func (t *tx) CountCalendars(ctx context.Context) (int, error) {
	return t.count(ctx, "count calendars", `SELECT COUNT(*) FROM beacon_calendars`)
}

// SelectCalendarNames returns every calendar name.
func (t *tx) SelectCalendarNames(ctx context.Context) ([]string, error) {
	return t.texts(ctx, "select calendar names",
		`SELECT calendar_name FROM beacon_calendars ORDER BY calendar_name`)
}
