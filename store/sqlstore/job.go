package sqlstore

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/xraph/beacon"
	"github.com/xraph/beacon/job"
)

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

const jobColumns = `job_name, job_group, job_type, description, is_durable, is_stateful,
	requests_recovery, is_volatile, job_data, created_at, updated_at`

// InsertJob persists a new job.
func (t *tx) InsertJob(ctx context.Context, j *job.Job) error {
	return t.insert(ctx, "insert job", "job "+j.Key.String(), `
		INSERT INTO beacon_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.Key.Name, j.Key.Group, j.Type, j.Description, j.Durable, j.Stateful,
		j.RequestsRecovery, j.Volatile, j.Data, millis(j.CreatedAt), millis(j.UpdatedAt),
	)
}

// UpdateJob replaces an existing job, keeping its creation time.
func (t *tx) UpdateJob(ctx context.Context, j *job.Job) error {
	n, err := t.exec(ctx, "update job", `
		UPDATE beacon_jobs SET
			job_type = ?, description = ?, is_durable = ?, is_stateful = ?,
			requests_recovery = ?, is_volatile = ?, job_data = ?, updated_at = ?
		WHERE job_name = ? AND job_group = ?`,
		j.Type, j.Description, j.Durable, j.Stateful,
		j.RequestsRecovery, j.Volatile, j.Data, millis(time.Now()),
		j.Key.Name, j.Key.Group,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(beacon.ErrJobNotFound, "job %s", j.Key)
	}
	return nil
}

// UpdateJobData replaces the data of a job.
func (t *tx) UpdateJobData(ctx context.Context, key job.Key, data []byte) error {
	n, err := t.exec(ctx, "update job data", `
		UPDATE beacon_jobs SET job_data = ?, updated_at = ?
		WHERE job_name = ? AND job_group = ?`,
		data, millis(time.Now()), key.Name, key.Group,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(beacon.ErrJobNotFound, "job %s", key)
	}
	return nil
}

// DeleteJob removes a job.
func (t *tx) DeleteJob(ctx context.Context, key job.Key) (bool, error) {
	n, err := t.exec(ctx, "delete job",
		`DELETE FROM beacon_jobs WHERE job_name = ? AND job_group = ?`,
		key.Name, key.Group,
	)
	return n > 0, err
}

// JobExists reports whether the job exists.
func (t *tx) JobExists(ctx context.Context, key job.Key) (bool, error) {
	return t.exists(ctx, "job exists",
		`SELECT COUNT(*) FROM beacon_jobs WHERE job_name = ? AND job_group = ?`,
		key.Name, key.Group,
	)
}

// SelectJob returns the job.
func (t *tx) SelectJob(ctx context.Context, key job.Key) (*job.Job, error) {
	row := t.queryRow(ctx,
		`SELECT `+jobColumns+` FROM beacon_jobs WHERE job_name = ? AND job_group = ?`,
		key.Name, key.Group,
	)
	j, err := scanJob(row)
	if isNoRows(err) {
		return nil, errors.Wrapf(beacon.ErrJobNotFound, "job %s", key)
	}
	if err != nil {
		return nil, t.fail("select job", err)
	}
	return j, nil
}

// IsJobStateful reports the job's Stateful flag.
func (t *tx) IsJobStateful(ctx context.Context, key job.Key) (bool, error) {
	var stateful bool
	err := t.queryRow(ctx,
		`SELECT is_stateful FROM beacon_jobs WHERE job_name = ? AND job_group = ?`,
		key.Name, key.Group,
	).Scan(&stateful)
	if isNoRows(err) {
		return false, errors.Wrapf(beacon.ErrJobNotFound, "job %s", key)
	}
	if err != nil {
		return false, t.fail("is job stateful", err)
	}
	return stateful, nil
}

// LockJob takes a row lock on the job where the dialect supports one. A
// missing job takes no lock and is not an error.
func (t *tx) LockJob(ctx context.Context, key job.Key) error {
	if t.d.lockSuffix == "" {
		return nil
	}
	rows, err := t.query(ctx, "lock job",
		`SELECT job_name FROM beacon_jobs WHERE job_name = ? AND job_group = ?`+t.d.lockSuffix,
		key.Name, key.Group,
	)
	if err != nil {
		return err
	}
	return rows.Close()
}

// CountJobs returns the number of jobs.
func (t *tx) CountJobs(ctx context.Context) (int, error) {
	return t.count(ctx, "count jobs", `SELECT COUNT(*) FROM beacon_jobs`)
}

// SelectJobGroups returns the distinct job groups.
func (t *tx) SelectJobGroups(ctx context.Context) ([]string, error) {
	return t.texts(ctx, "select job groups",
		`SELECT DISTINCT job_group FROM beacon_jobs ORDER BY job_group`)
}

// SelectJobsInGroup returns the keys of a group's jobs.
func (t *tx) SelectJobsInGroup(ctx context.Context, group string) ([]job.Key, error) {
	return t.jobKeys(ctx, "select jobs in group", `
		SELECT job_name, job_group FROM beacon_jobs
		WHERE job_group = ? ORDER BY job_name`, group)
}

// SelectVolatileJobs returns the keys of volatile jobs.
func (t *tx) SelectVolatileJobs(ctx context.Context) ([]job.Key, error) {
	return t.jobKeys(ctx, "select volatile jobs", `
		SELECT job_name, job_group FROM beacon_jobs
		WHERE is_volatile = ? ORDER BY job_group, job_name`, true)
}

func (t *tx) jobKeys(ctx context.Context, op, query string, args ...any) ([]job.Key, error) {
	rows, err := t.query(ctx, op, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]job.Key, 0)
	for rows.Next() {
		var k job.Key
		if err := rows.Scan(&k.Name, &k.Group); err != nil {
			return nil, t.fail(op, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, t.fail(op, err)
	}
	return keys, nil
}

// InsertJobListener associates a listener with a job. Inserting an
// existing association is a no-op.
func (t *tx) InsertJobListener(ctx context.Context, key job.Key, listener string) error {
	ok, err := t.JobExists(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(beacon.ErrJobNotFound, "job %s", key)
	}
	_, err = t.exec(ctx, "insert job listener", `
		INSERT INTO beacon_job_listeners (job_name, job_group, listener)
		VALUES (?, ?, ?)
		ON CONFLICT (job_name, job_group, listener) DO NOTHING`,
		key.Name, key.Group, listener,
	)
	return err
}

// SelectJobListeners returns a job's listeners.
func (t *tx) SelectJobListeners(ctx context.Context, key job.Key) ([]string, error) {
	return t.texts(ctx, "select job listeners", `
		SELECT listener FROM beacon_job_listeners
		WHERE job_name = ? AND job_group = ? ORDER BY listener`,
		key.Name, key.Group,
	)
}

// DeleteJobListeners removes a job's listeners.
func (t *tx) DeleteJobListeners(ctx context.Context, key job.Key) (int, error) {
	return t.exec(ctx, "delete job listeners",
		`DELETE FROM beacon_job_listeners WHERE job_name = ? AND job_group = ?`,
		key.Name, key.Group,
	)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*job.Job, error) {
	var (
		j                job.Job
		created, updated   int64
	)
	err := s.Scan(
		&j.Key.Name, &j.Key.Group, &j.Type, &j.Description, &j.Durable, &j.Stateful,
		&j.RequestsRecovery, &j.Volatile, &j.Data, &created, &updated,
	)
	if err != nil {
		return nil, err
	}
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}
