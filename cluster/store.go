package cluster

import (
	"context"
	"time"
)

// Store defines the persistence contract for scheduler heartbeat rows.
type Store interface {
	// InsertSchedulerState persists a new row. Returns
	// beacon.ErrObjectAlreadyExists if the instance already has one.
	InsertSchedulerState(ctx context.Context, s *SchedulerState) error

	// UpdateSchedulerState records a check-in: it sets LastCheckIn and
	// CheckInInterval and clears Recoverer. Returns false when the row is
	// absent.
	UpdateSchedulerState(ctx context.Context, instanceID string, checkIn time.Time, interval time.Duration) (bool, error)

	// ClaimSchedulerState sets Recoverer to recoverer only while the row
	// still shows expectedCheckIn and expectedRecoverer. Returns false when
	// a peer changed the row first.
	ClaimSchedulerState(ctx context.Context, instanceID string, expectedCheckIn time.Time, expectedRecoverer, recoverer string) (bool, error)

	// DeleteSchedulerState removes a row. Returns false if it was absent.
	DeleteSchedulerState(ctx context.Context, instanceID string) (bool, error)

	// SelectSchedulerState returns a row or beacon.ErrInstanceNotFound.
	SelectSchedulerState(ctx context.Context, instanceID string) (*SchedulerState, error)

	// SelectSchedulerStateRecords returns every row, sorted by instance.
	SelectSchedulerStateRecords(ctx context.Context) ([]*SchedulerState, error)
}
