package ledger

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/trigger"
)

// FiredState is the lifecycle state of a fired record.
type FiredState string

const (
	// FiredAcquired means the trigger was acquired but not yet fired.
	FiredAcquired FiredState = "ACQUIRED"
	// FiredExecuting means the job is running.
	FiredExecuting FiredState = "EXECUTING"
	// FiredComplete means the job finished and the record awaits removal.
	FiredComplete FiredState = "COMPLETE"
	// FiredOrphaned marks a record whose trigger no longer exists.
	FiredOrphaned FiredState = "ORPHANED"
)

// ParseFiredState validates a stored fired state.
func ParseFiredState(s string) (FiredState, error) {
	switch st := FiredState(s); st {
	case FiredAcquired, FiredExecuting, FiredComplete, FiredOrphaned:
		return st, nil
	default:
		return "", errors.Wrapf(beacon.ErrUnknownState, "fired state %q", s)
	}
}

// UndecodableRecord is a fired row that could not be decoded, with the keys
// still readable from it. Backends report it as the cause of a
// *beacon.RowError.
type UndecodableRecord struct {
	EntryID    string
	TriggerKey trigger.Key
	JobKey     job.Key
	Err        error
}

func (e *UndecodableRecord) Error() string { return e.Err.Error() }

func (e *UndecodableRecord) Unwrap() error { return e.Err }

// Undecodable returns the undecodable records named by err, an error from
// a batch select. It returns nil for any other error.
func Undecodable(err error) []*UndecodableRecord {
	var batch *beacon.BatchError
	if !errors.As(err, &batch) {
		return nil
	}
	var out []*UndecodableRecord
	for _, row := range batch.Rows {
		var u *UndecodableRecord
		if errors.As(row, &u) {
			out = append(out, u)
		}
	}
	return out
}

// FiredRecord is one row of the fired-trigger ledger.
type FiredRecord struct {
	EntryID          id.FiredID  `json:"entry_id"`
	TriggerKey       trigger.Key `json:"trigger_key"`
	JobKey           job.Key     `json:"job_key"`
	InstanceID       string      `json:"instance_id"`
	FiredTime        time.Time   `json:"fired_time"`
	ScheduledTime    *time.Time  `json:"scheduled_time,omitempty"`
	Priority         int         `json:"priority"`
	State            FiredState  `json:"state"`
	Stateful         bool        `json:"stateful"`
	RequestsRecovery bool        `json:"requests_recovery"`
	Volatile         bool        `json:"volatile"`
}

// Clone returns a copy of r.
func (r *FiredRecord) Clone() *FiredRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.ScheduledTime != nil {
		v := *r.ScheduledTime
		out.ScheduledTime = &v
	}
	return &out
}

// RecoverySource describes the recovery trigger that re-runs r. The
// original trigger's data is filled in by the caller.
func (r *FiredRecord) RecoverySource(data []byte) trigger.RecoverySource {
	return trigger.RecoverySource{
		EntryID:       r.EntryID,
		TriggerKey:    r.TriggerKey,
		JobKey:        r.JobKey,
		FiredTime:     r.FiredTime,
		ScheduledTime: r.ScheduledTime,
		Priority:      r.Priority,
		Data:          data,
	}
}
