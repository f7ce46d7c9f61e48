package trigger

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/job"
)

// DefaultGroup is the group used when a key names none.
const DefaultGroup = job.DefaultGroup

// DefaultPriority is the priority given to triggers that set none.
const DefaultPriority = 5

// Key identifies a trigger by name within a group.
type Key struct {
	Name  string `json:"name"`
	Group string `json:"group"`
}

// NewKey builds a key, defaulting an empty group to DefaultGroup.
func NewKey(name, group string) Key {
	if group == "" {
		group = DefaultGroup
	}
	return Key{Name: name, Group: group}
}

// String returns "group.name".
func (k Key) String() string { return k.Group + "." + k.Name }

// Validate reports an error when the key has no name or group.
func (k Key) Validate() error {
	if k.Name == "" {
		return errors.New("beacon: trigger key: name is required")
	}
	if k.Group == "" {
		return errors.Newf("beacon: trigger key %q: group is required", k.Name)
	}
	return nil
}

// Trigger is a persisted schedule bound to one job.
type Trigger struct {
	beacon.Entity

	Key              Key           `json:"key"`
	JobKey           job.Key       `json:"job_key"`
	Description      string        `json:"description,omitempty"`
	CalendarName     string        `json:"calendar_name,omitempty"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          *time.Time    `json:"end_time,omitempty"`
	NextFireTime     *time.Time    `json:"next_fire_time,omitempty"`
	PreviousFireTime *time.Time    `json:"previous_fire_time,omitempty"`
	Priority         int           `json:"priority"`
	MisfirePolicy    MisfirePolicy `json:"misfire_policy"`
	Volatile         bool          `json:"volatile"`
	Data             []byte        `json:"data,omitempty"`
	Schedule         Schedule      `json:"schedule"`
}

// New builds a trigger for jobKey with the given schedule, starting at
// start, with default priority and smart misfire handling.
func New(key Key, jobKey job.Key, start time.Time, sched Schedule) *Trigger {
	return &Trigger{
		Entity:    beacon.NewEntity(),
		Key:       key,
		JobKey:    jobKey,
		StartTime: start.UTC(),
		Priority:  DefaultPriority,
		Schedule:  sched,
	}
}

// Validate checks the key, job key and schedule.
func (t *Trigger) Validate() error {
	if err := t.Key.Validate(); err != nil {
		return err
	}
	if err := t.JobKey.Validate(); err != nil {
		return errors.Wrapf(err, "beacon: trigger %s", t.Key)
	}
	if t.EndTime != nil && t.EndTime.Before(t.StartTime) {
		return errors.Wrapf(beacon.ErrInvalidSchedule, "trigger %s: end time before start time", t.Key)
	}
	if err := t.Schedule.Validate(); err != nil {
		return errors.Wrapf(err, "trigger %s", t.Key)
	}
	return nil
}

// Clone returns a deep copy of t.
func (t *Trigger) Clone() *Trigger {
	if t == nil {
		return nil
	}
	out := *t
	out.EndTime = cloneTime(t.EndTime)
	out.NextFireTime = cloneTime(t.NextFireTime)
	out.PreviousFireTime = cloneTime(t.PreviousFireTime)
	if t.Data != nil {
		out.Data = append([]byte(nil), t.Data...)
	}
	out.Schedule = t.Schedule.clone()
	return &out
}

// Status is the lightweight view returned by status queries.
type Status struct {
	Key          Key
	JobKey       job.Key
	State        State
	NextFireTime *time.Time
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
