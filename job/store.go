package job

import "context"

// Store defines the persistence contract for jobs and their listener
// associations. Implementations run every call inside the caller's
// transaction.
type Store interface {
	// InsertJob persists a new job. Returns beacon.ErrObjectAlreadyExists
	// if a job with the same key exists.
	InsertJob(ctx context.Context, j *Job) error

	// UpdateJob replaces the stored job with the same key. Returns
	// beacon.ErrJobNotFound if none exists.
	UpdateJob(ctx context.Context, j *Job) error

	// UpdateJobData replaces only the data map of a job.
	UpdateJobData(ctx context.Context, key Key, data []byte) error

	// DeleteJob removes a job. Returns false if it did not exist.
	DeleteJob(ctx context.Context, key Key) (bool, error)

	// JobExists reports whether a job with the key exists.
	JobExists(ctx context.Context, key Key) (bool, error)

	// SelectJob returns the job with the key or beacon.ErrJobNotFound.
	SelectJob(ctx context.Context, key Key) (*Job, error)

	// IsJobStateful reports the job's Stateful flag.
	IsJobStateful(ctx context.Context, key Key) (bool, error)

	// LockJob serializes concurrent transactions touching the same job.
	// Backends with a single writer may implement it as a no-op.
	LockJob(ctx context.Context, key Key) error

	// CountJobs returns the number of stored jobs.
	CountJobs(ctx context.Context) (int, error)

	// SelectJobGroups returns the distinct job groups, sorted.
	SelectJobGroups(ctx context.Context) ([]string, error)

	// SelectJobsInGroup returns the keys of all jobs in group, sorted by name.
	SelectJobsInGroup(ctx context.Context, group string) ([]Key, error)

	// SelectVolatileJobs returns the keys of all volatile jobs.
	SelectVolatileJobs(ctx context.Context) ([]Key, error)

	// InsertJobListener associates a named listener with a job.
	InsertJobListener(ctx context.Context, key Key, listener string) error

	// SelectJobListeners returns the listeners associated with a job.
	SelectJobListeners(ctx context.Context, key Key) ([]string, error)

	// DeleteJobListeners removes every listener association of a job.
	DeleteJobListeners(ctx context.Context, key Key) (int, error)
}
