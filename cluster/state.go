package cluster

import "time"

// SchedulerState is the heartbeat row of one instance.
type SchedulerState struct {
	InstanceID      string        `json:"instance_id"`
	LastCheckIn     time.Time     `json:"last_checkin"`
	CheckInInterval time.Duration `json:"checkin_interval"`
	// Recoverer is the instance that claimed this row for recovery, or
	// empty while unclaimed.
	Recoverer string `json:"recoverer,omitempty"`
}

// FailedAt returns the instant after which s is presumed dead.
func (s *SchedulerState) FailedAt(factor int) time.Time {
	if factor < 1 {
		factor = 1
	}
	return s.LastCheckIn.Add(s.CheckInInterval * time.Duration(factor))
}

// IsFailed reports whether s missed its check-in window at now.
func (s *SchedulerState) IsFailed(now time.Time, factor int) bool {
	return s.FailedAt(factor).Before(now)
}

// IsClaimed reports whether a recoverer holds the row.
func (s *SchedulerState) IsClaimed() bool { return s.Recoverer != "" }

// Clone returns a copy of s.
func (s *SchedulerState) Clone() *SchedulerState {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}
