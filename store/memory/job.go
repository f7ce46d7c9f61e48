package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/job"
)

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// InsertJob persists a new job.
func (t *tx) InsertJob(_ context.Context, j *job.Job) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, exists := t.d.jobs[j.Key]; exists {
		return beacon.ErrObjectAlreadyExists
	}
	t.d.jobs[j.Key] = j.Clone()
	return nil
}

// UpdateJob replaces an existing job.
func (t *tx) UpdateJob(_ context.Context, j *job.Job) error {
	if err := t.writable(); err != nil {
		return err
	}
	old, ok := t.d.jobs[j.Key]
	if !ok {
		return beacon.ErrJobNotFound
	}
	cp := j.Clone()
	cp.CreatedAt = old.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	t.d.jobs[j.Key] = cp
	return nil
}

// UpdateJobData replaces the data of a job.
func (t *tx) UpdateJobData(_ context.Context, key job.Key, data []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	old, ok := t.d.jobs[key]
	if !ok {
		return beacon.ErrJobNotFound
	}
	cp := old.Clone()
	cp.Data = append([]byte(nil), data...)
	cp.UpdatedAt = time.Now().UTC()
	t.d.jobs[key] = cp
	return nil
}

// DeleteJob removes a job.
func (t *tx) DeleteJob(_ context.Context, key job.Key) (bool, error) {
	if err := t.writable(); err != nil {
		return false, err
	}
	if _, ok := t.d.jobs[key]; !ok {
		return false, nil
	}
	delete(t.d.jobs, key)
	return true, nil
}

// JobExists reports whether the job exists.
func (t *tx) JobExists(_ context.Context, key job.Key) (bool, error) {
	_, ok := t.d.jobs[key]
	return ok, nil
}

// SelectJob returns a copy of the job.
func (t *tx) SelectJob(_ context.Context, key job.Key) (*job.Job, error) {
	j, ok := t.d.jobs[key]
	if !ok {
		return nil, beacon.ErrJobNotFound
	}
	return j.Clone(), nil
}

// IsJobStateful reports the job's Stateful flag.
func (t *tx) IsJobStateful(_ context.Context, key job.Key) (bool, error) {
	j, ok := t.d.jobs[key]
	if !ok {
		return false, beacon.ErrJobNotFound
	}
	return j.Stateful, nil
}

// LockJob is a no-op: memory transactions are already serialized.
func (t *tx) LockJob(_ context.Context, _ job.Key) error { return nil }

// CountJobs returns the number of jobs.
func (t *tx) CountJobs(_ context.Context) (int, error) {
	return len(t.d.jobs), nil
}

// SelectJobGroups returns the distinct job groups.
func (t *tx) SelectJobGroups(_ context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for k := range t.d.jobs {
		seen[k.Group] = struct{}{}
	}
	return sortedSet(seen), nil
}

// SelectJobsInGroup returns the keys of a group's jobs.
func (t *tx) SelectJobsInGroup(_ context.Context, group string) ([]job.Key, error) {
	keys := make([]job.Key, 0)
	for k := range t.d.jobs {
		if k.Group == group {
			keys = append(keys, k)
		}
	}
	sortJobKeys(keys)
	return keys, nil
}

// SelectVolatileJobs returns the keys of volatile jobs.
func (t *tx) SelectVolatileJobs(_ context.Context) ([]job.Key, error) {
	keys := make([]job.Key, 0)
	for k, j := range t.d.jobs {
		if j.Volatile {
			keys = append(keys, k)
		}
	}
	sortJobKeys(keys)
	return keys, nil
}

// InsertJobListener associates a listener with a job.
func (t *tx) InsertJobListener(_ context.Context, key job.Key, listener string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, ok := t.d.jobs[key]; !ok {
		return beacon.ErrJobNotFound
	}
	t.d.jobListeners[key] = appendUnique(t.d.jobListeners[key], listener)
	return nil
}

// SelectJobListeners returns a job's listeners.
func (t *tx) SelectJobListeners(_ context.Context, key job.Key) ([]string, error) {
	return append([]string{}, t.d.jobListeners[key]...), nil
}

// DeleteJobListeners removes a job's listeners.
func (t *tx) DeleteJobListeners(_ context.Context, key job.Key) (int, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	n := len(t.d.jobListeners[key])
	delete(t.d.jobListeners, key)
	return n, nil
}

func sortJobKeys(keys []job.Key) {
	sort.Slice(keys, func(i, k int) bool {
		if keys[i].Group != keys[k].Group {
			return keys[i].Group < keys[k].Group
		}
		return keys[i].Name < keys[k].Name
	})
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
