package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/jobservice/internal/job"
)

// maxTransitionRetries bounds how often Transition re-reads a job after
// losing a compare-and-swap
const maxTransitionRetries = 3

const jobColumns = `id, callback, payload, fire_at, timeout_ns, state, max_retries, attempts,
	last_error, created_at, updated_at, fired_at, delivered_at, finished_at`

// JobStore implements job.Store on SQLite
type JobStore struct {
	db *DB
}

var _ job.Store = (*JobStore)(nil)

// NewJobStore creates a store backed by db. The schema must already be migrated.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

// Create inserts a new job in the SCHEDULED state.
// An empty ID is replaced by a random UUID.
func (s *JobStore) Create(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = j.CreatedAt
	j.State = job.StateScheduled
	j.Attempts = 0
	j.LastError = ""
	j.FiredAt, j.DeliveredAt, j.FinishedAt = nil, nil, nil

	var payload []byte
	if len(j.Payload) > 0 {
		payload = j.Payload
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, callback, payload, fire_at, timeout_ns, state, max_retries,
			attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?)
	`, j.ID, j.Callback, payload, toNanos(j.FireAt), int64(j.Timeout), string(j.State),
		j.MaxRetries, toNanos(j.CreatedAt), toNanos(j.UpdatedAt))
	if err != nil {
		if IsDuplicate(err) {
			return fmt.Errorf("%w: %s", job.ErrDuplicate, j.ID)
		}
		return wrap("create job", err)
	}

	return nil
}

// Get retrieves a job by ID
func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if err != nil {
		return nil, wrap("get job", err)
	}
	return j, nil
}

// List returns jobs matching f ordered by fire time
func (s *JobStore) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	query := "SELECT " + jobColumns + " FROM jobs"
	var args []any

	if len(f.States) > 0 {
		query += " WHERE state IN (" + placeholders(len(f.States)) + ")"
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}

	query += " ORDER BY fire_at, id LIMIT ? OFFSET ?"
	args = append(args, sqlLimit(f.Limit), max(f.Offset, 0))

	return s.queryJobs(ctx, "list jobs", query, args...)
}

// Transition moves a job to a new state with a compare-and-swap on the
// state column, and on fire_at when opts.FireAt is set. A caller that loses
// the race re-reads the job and gets a *job.TransitionError if the new state
// no longer allows the change, or a *job.StaleFireTimeError if the job was
// rescheduled.
func (s *JobStore) Transition(ctx context.Context, id string, to job.State, opts job.TransitionOpts) (*job.Job, error) {
	at := opts.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	for i := 0; i < maxTransitionRetries; i++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if !job.CanTransition(cur.State, to) {
			return nil, &job.TransitionError{ID: id, From: cur.State, To: to}
		}
		// A delivered callback cannot be failed after the fact
		if to == job.StateFailed && cur.DeliveredAt != nil {
			return nil, &job.TransitionError{ID: id, From: cur.State, To: to}
		}
		if err := opts.CheckFireAt(cur); err != nil {
			return nil, err
		}

		var firedAt, finishedAt sql.NullInt64
		switch to {
		case job.StateFired, job.StateTimedOut:
			firedAt = nullNanos(&at)
		case job.StateCancelled, job.StateFailed:
			finishedAt = nullNanos(&at)
		}

		query := `
			UPDATE jobs
			SET state = ?,
				updated_at = ?,
				fired_at = COALESCE(?, fired_at),
				finished_at = COALESCE(?, finished_at),
				last_error = CASE WHEN ? = '' THEN last_error ELSE ? END
			WHERE id = ? AND state = ? AND delivered_at IS NULL`
		args := []any{string(to), toNanos(at), firedAt, finishedAt, opts.LastError, opts.LastError,
			id, string(cur.State)}
		if !opts.FireAt.IsZero() {
			query += " AND fire_at = ?"
			args = append(args, toNanos(opts.FireAt))
		}

		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return nil, wrap("transition job", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return nil, wrap("transition job", err)
		}
		if n == 1 {
			return s.Get(ctx, id)
		}
		// Lost the race, look at the state the winner left behind
	}

	return nil, fmt.Errorf("db: transition job %s to %s: too much contention", id, to)
}

// Due returns scheduled jobs whose fire time is at or before now
func (s *JobStore) Due(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	return s.queryJobs(ctx, "due jobs", `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = ? AND fire_at <= ?
		ORDER BY fire_at, id
		LIMIT ?
	`, string(job.StateScheduled), toNanos(now), sqlLimit(limit))
}

// Reschedule changes the fire time of a job that has not fired yet
func (s *JobStore) Reschedule(ctx context.Context, id string, fireAt time.Time) (*job.Job, error) {
	if fireAt.IsZero() {
		return nil, fmt.Errorf("%w: fire time is required", job.ErrInvalidJob)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET fire_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`, toNanos(fireAt), toNanos(time.Now()), id, string(job.StateScheduled))
	if err != nil {
		return nil, wrap("reschedule job", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, wrap("reschedule job", err)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, &job.RescheduleError{ID: id, State: cur.State}
	}
	return cur, nil
}

// MarkDelivered records the successful callback of a fired or timed out
// job. Marking an already delivered job again is a no-op.
func (s *JobStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET delivered_at = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND state IN (?, ?) AND delivered_at IS NULL
	`, toNanos(at), toNanos(at), toNanos(at), id, string(job.StateFired), string(job.StateTimedOut))
	if err != nil {
		return wrap("mark delivered", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return wrap("mark delivered", err)
	}
	if n == 1 {
		return nil
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cur.DeliveredAt != nil {
		return nil
	}
	return fmt.Errorf("%w: job %s is %s and owes no callback", job.ErrInvalidTransition, id, cur.State)
}

// RecordAttempt stores a dispatch attempt and bumps the job's attempt counter
func (s *JobStore) RecordAttempt(ctx context.Context, a *job.Attempt) error {
	return s.db.WithTransaction(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_attempts (job_id, number, started_at, duration_ns, status_code, error)
			VALUES (?, ?, ?, ?, ?, ?)
		`, a.JobID, a.Number, toNanos(a.StartedAt), int64(a.Duration), a.StatusCode, a.Error)
		if err != nil {
			if IsForeignKey(err) {
				return fmt.Errorf("%w: %s", job.ErrNotFound, a.JobID)
			}
			if IsDuplicate(err) {
				return fmt.Errorf("%w: attempt %d of job %s", job.ErrDuplicate, a.Number, a.JobID)
			}
			return wrap("record attempt", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET attempts = MAX(attempts, ?), last_error = ?, updated_at = ?
			WHERE id = ?
		`, a.Number, a.Error, toNanos(a.StartedAt.Add(a.Duration)), a.JobID)
		if err != nil {
			return wrap("record attempt", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return wrap("record attempt", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s", job.ErrNotFound, a.JobID)
		}
		return nil
	})
}

// Attempts lists the dispatch attempts of a job, oldest first
func (s *JobStore) Attempts(ctx context.Context, id string) ([]job.Attempt, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, number, started_at, duration_ns, status_code, error
		FROM job_attempts WHERE job_id = ? ORDER BY number
	`, id)
	if err != nil {
		return nil, wrap("list attempts", err)
	}
	defer rows.Close()

	attempts := []job.Attempt{}
	for rows.Next() {
		var a job.Attempt
		var startedAt, duration int64
		if err := rows.Scan(&a.JobID, &a.Number, &startedAt, &duration, &a.StatusCode, &a.Error); err != nil {
			return nil, wrap("list attempts", err)
		}
		a.StartedAt = fromNanos(startedAt)
		a.Duration = time.Duration(duration)
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

// Undelivered returns fired or timed out jobs whose callback has not been
// acknowledged and whose dispatch lease is free at now
func (s *JobStore) Undelivered(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	return s.queryJobs(ctx, "undelivered jobs", `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN (?, ?) AND delivered_at IS NULL
			AND (lease_until IS NULL OR lease_until <= ?)
		ORDER BY fired_at, id
		LIMIT ?
	`, string(job.StateFired), string(job.StateTimedOut), toNanos(now), sqlLimit(limit))
}

// Claim takes or renews the dispatch lease of a job owing a callback
func (s *JobStore) Claim(ctx context.Context, id, owner string, now, until time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_owner = ?, lease_until = ?
		WHERE id = ? AND state IN (?, ?) AND delivered_at IS NULL
			AND (lease_until IS NULL OR lease_until <= ? OR lease_owner = ?)
	`, owner, toNanos(until), id, string(job.StateFired), string(job.StateTimedOut),
		toNanos(now), owner)
	if err != nil {
		return wrap("claim job", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return wrap("claim job", err)
	}
	if n == 1 {
		return nil
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !cur.State.NeedsDispatch() || cur.DeliveredAt != nil {
		return fmt.Errorf("%w: job %s is %s and owes no callback", job.ErrInvalidTransition, id, cur.State)
	}
	return fmt.Errorf("%w: %s", job.ErrLeased, id)
}

// Release drops the dispatch lease if owner holds it
func (s *JobStore) Release(ctx context.Context, id, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET lease_owner = '', lease_until = NULL
		WHERE id = ? AND lease_owner = ?
	`, id, owner)
	if err != nil {
		return wrap("release job", err)
	}
	return nil
}

// Purge deletes jobs that finished before the cutoff together with their attempts
func (s *JobStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithTransaction(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM job_attempts WHERE job_id IN (
				SELECT id FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?
			)
		`, toNanos(before))
		if err != nil {
			return wrap("purge attempts", err)
		}

		res, err := tx.ExecContext(ctx,
			"DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < ?", toNanos(before))
		if err != nil {
			return wrap("purge jobs", err)
		}

		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Counts returns the number of jobs in every state, including empty ones
func (s *JobStore) Counts(ctx context.Context) (map[job.State]int64, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM jobs GROUP BY state")
	if err != nil {
		return nil, wrap("count jobs", err)
	}
	defer rows.Close()

	counts := make(map[job.State]int64, len(job.States))
	for _, st := range job.States {
		counts[st] = 0
	}

	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, wrap("count jobs", err)
		}
		counts[job.State(state)] = n
	}

	return counts, rows.Err()
}

func (s *JobStore) queryJobs(ctx context.Context, op, query string, args ...any) ([]*job.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrap(op, err)
	}
	defer rows.Close()

	jobs := []*job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrap(op, err)
		}
		jobs = append(jobs, j)
	}

	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*job.Job, error) {
	var (
		j                              job.Job
		payload                        []byte
		state                          string
		fireAt, timeout                int64
		createdAt, updatedAt           int64
		firedAt, deliveredAt, finished sql.NullInt64
	)

	err := row.Scan(
		&j.ID, &j.Callback, &payload, &fireAt, &timeout, &state, &j.MaxRetries, &j.Attempts,
		&j.LastError, &createdAt, &updatedAt, &firedAt, &deliveredAt, &finished,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		j.Payload = append([]byte(nil), payload...)
	}
	j.State = job.State(strings.TrimSpace(state))
	j.FireAt = fromNanos(fireAt)
	j.Timeout = time.Duration(timeout)
	j.CreatedAt = fromNanos(createdAt)
	j.UpdatedAt = fromNanos(updatedAt)
	j.FiredAt = timePtr(firedAt)
	j.DeliveredAt = timePtr(deliveredAt)
	j.FinishedAt = timePtr(finished)

	return &j, nil
}

// sqlLimit maps "no limit" to SQLite's -1
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
