package trigger

import (
	"time"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/id"
	"github.com/xraph/beacon/job"
	"github.com/xraph/beacon/payload"
)

// RecoveryGroup holds the one-shot triggers synthesized to re-run jobs
// that were executing on a failed instance.
const RecoveryGroup = "RECOVERING_JOBS"

// Data map keys written on recovery triggers.
const (
	DataRecoveringTriggerName   = "beacon.recovering.trigger_name"
	DataRecoveringTriggerGroup  = "beacon.recovering.trigger_group"
	DataRecoveringFiredTime     = "beacon.recovering.fired_time"
	DataRecoveringScheduledTime = "beacon.recovering.scheduled_time"
	DataRecoveringEntryID       = "beacon.recovering.entry_id"
)

// RecoverySource is the fired entry a recovery trigger re-runs.
type RecoverySource struct {
	EntryID       id.FiredID
	TriggerKey    Key
	JobKey        job.Key
	FiredTime     time.Time
	ScheduledTime *time.Time
	Priority      int
	Data          []byte
}

// RecoveryKey returns the deterministic key of the recovery trigger for a
// fired entry.
func RecoveryKey(entry id.FiredID) Key {
	return Key{Name: id.RecoveryName(entry), Group: RecoveryGroup}
}

// NewRecoveryTrigger synthesizes the one-shot trigger that re-runs src.
// Its next fire time is pinned to the original fired time and it ignores
// misfire handling, so it fires as soon as possible in original order.
func NewRecoveryTrigger(src RecoverySource) (*Trigger, error) {
	data, decErr := payload.Decode(src.Data)
	if decErr != nil {
		data = payload.DataMap{}
	}
	data[DataRecoveringTriggerName] = src.TriggerKey.Name
	data[DataRecoveringTriggerGroup] = src.TriggerKey.Group
	data[DataRecoveringEntryID] = src.EntryID.String()
	data.SetTime(DataRecoveringFiredTime, src.FiredTime)
	if src.ScheduledTime != nil {
		data.SetTime(DataRecoveringScheduledTime, *src.ScheduledTime)
	}

	encoded, err := payload.Encode(data)
	if err != nil {
		return nil, err
	}

	fired := src.FiredTime.UTC()
	t := &Trigger{
		Entity:        beacon.NewEntity(),
		Key:           RecoveryKey(src.EntryID),
		JobKey:        src.JobKey,
		Description:   "recovers " + src.TriggerKey.String(),
		StartTime:     fired,
		Priority:      src.Priority,
		MisfirePolicy: MisfireIgnore,
		Data:          encoded,
		Schedule:      Once(),
	}
	t.ComputeFirstFireTime(nil)
	return t, nil
}

// IsRecovering reports whether t was synthesized by NewRecoveryTrigger.
func (t *Trigger) IsRecovering() bool {
	return t.Key.Group == RecoveryGroup && id.IsRecoveryName(t.Key.Name)
}

// RecoveryInfo is the decoded provenance of a recovery trigger.
type RecoveryInfo struct {
	Original      Key
	EntryID       string
	FiredTime     time.Time
	ScheduledTime *time.Time
}

// Recovery decodes the provenance carried by a recovery trigger. It
// returns nil for ordinary triggers.
func (t *Trigger) Recovery() (*RecoveryInfo, error) {
	if !t.IsRecovering() {
		return nil, nil //nolint:nilnil // not a recovery trigger
	}
	data, err := payload.Decode(t.Data)
	if err != nil {
		return nil, err
	}
	info := &RecoveryInfo{}
	info.Original.Name, _ = data.String(DataRecoveringTriggerName)
	info.Original.Group, _ = data.String(DataRecoveringTriggerGroup)
	info.EntryID, _ = data.String(DataRecoveringEntryID)
	info.FiredTime, _ = data.Time(DataRecoveringFiredTime)
	if st, ok := data.Time(DataRecoveringScheduledTime); ok {
		info.ScheduledTime = &st
	}
	return info, nil
}
