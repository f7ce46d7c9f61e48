package sqlstore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/cluster"
)

// ──────────────────────────────────────────────────
// Cluster Store
// ──────────────────────────────────────────────────

// InsertSchedulerState persists a new heartbeat row.
func (t *tx) InsertSchedulerState(ctx context.Context, s *cluster.SchedulerState) error {
	return t.insert(ctx, "insert scheduler state", "scheduler state "+s.InstanceID, `
		INSERT INTO beacon_scheduler_state (instance_id, last_checkin, checkin_interval, recoverer)
		VALUES (?, ?, ?, ?)`,
		s.InstanceID, millis(s.LastCheckIn), s.CheckInInterval.Milliseconds(), s.Recoverer,
	)
}

// UpdateSchedulerState records a check-in and clears any claim.
func (t *tx) UpdateSchedulerState(ctx context.Context, instanceID string, checkIn time.Time, interval time.Duration) (bool, error) {
	n, err := t.exec(ctx, "update scheduler state", `
		UPDATE beacon_scheduler_state
		SET last_checkin = ?, checkin_interval = ?, recoverer = ''
		WHERE instance_id = ?`,
		millis(checkIn), interval.Milliseconds(), instanceID,
	)
	return n > 0, err
}

// ClaimSchedulerState sets the recoverer while the row still shows the
// expected check-in and recoverer.
func (t *tx) ClaimSchedulerState(ctx context.Context, instanceID string, expectedCheckIn time.Time, expectedRecoverer, recoverer string) (bool, error) {
	n, err := t.exec(ctx, "claim scheduler state", `
		UPDATE beacon_scheduler_state SET recoverer = ?
		WHERE instance_id = ? AND last_checkin = ? AND recoverer = ?`,
		recoverer, instanceID, millis(expectedCheckIn), expectedRecoverer,
	)
	return n > 0, err
}

// DeleteSchedulerState removes a heartbeat row.
func (t *tx) DeleteSchedulerState(ctx context.Context, instanceID string) (bool, error) {
	n, err := t.exec(ctx, "delete scheduler state",
		`DELETE FROM beacon_scheduler_state WHERE instance_id = ?`, instanceID)
	return n > 0, err
}

// SelectSchedulerState returns a heartbeat row.
func (t *tx) SelectSchedulerState(ctx context.Context, instanceID string) (*cluster.SchedulerState, error) {
	row := t.queryRow(ctx, `
		SELECT instance_id, last_checkin, checkin_interval, recoverer
		FROM beacon_scheduler_state WHERE instance_id = ?`, instanceID)
	s, err := scanSchedulerState(row)
	if isNoRows(err) {
		return nil, errors.Wrapf(beacon.ErrInstanceNotFound, "instance %s", instanceID)
	}
	if err != nil {
		return nil, t.fail("select scheduler state", err)
	}
	return s, nil
}

// SelectSchedulerStateRecords returns every heartbeat row.
func (t *tx) SelectSchedulerStateRecords(ctx context.Context) ([]*cluster.SchedulerState, error) {
	const op = "select scheduler states"
	rows, err := t.query(ctx, op, `
		SELECT instance_id, last_checkin, checkin_interval, recoverer
		FROM beacon_scheduler_state ORDER BY instance_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*cluster.SchedulerState, 0)
	for rows.Next() {
		s, err := scanSchedulerState(rows)
		if err != nil {
			return nil, t.fail(op, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail(op, err)
	}
	return out, nil
}

func scanSchedulerState(sc scanner) (*cluster.SchedulerState, error) {
	var (
		s                 cluster.SchedulerState
		checkIn, interval int64
	)
	if err := sc.Scan(&s.InstanceID, &checkIn, &interval, &s.Recoverer); err != nil {
		return nil, err
	}
	s.LastCheckIn = fromMillis(checkIn)
	s.CheckInInterval = time.Duration(interval) * time.Millisecond
	return &s, nil
}
