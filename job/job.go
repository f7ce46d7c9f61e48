package job

import (
	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
)

// DefaultGroup is the group used when a key names none.
const DefaultGroup = "DEFAULT"

// Key identifies a job by name within a group.
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
		return errors.New("beacon: job key: name is required")
	}
	if k.Group == "" {
		return errors.Newf("beacon: job key %q: group is required", k.Name)
	}
	return nil
}

// Job is a persisted unit of work. Triggers reference it by Key.
type Job struct {
	beacon.Entity

	Key              Key    `json:"key"`
	Type             string `json:"type"`
	Description      string `json:"description,omitempty"`
	Durable          bool   `json:"durable"`
	Stateful         bool   `json:"stateful"`
	RequestsRecovery bool   `json:"requests_recovery"`
	Volatile         bool   `json:"volatile"`
	Data             []byte `json:"data,omitempty"`
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Data != nil {
		out.Data = append([]byte(nil), j.Data...)
	}
	return &out
}
