package pgstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/livinlefevreloca/jobservice/internal/job"
)

// maxTransitionRetries bounds re-reads after a lost compare-and-swap
const maxTransitionRetries = 3

const jobColumns = `id, callback, payload, fire_at, timeout_ns, state, max_retries, attempts,
	last_error, created_at, updated_at, fired_at, delivered_at, finished_at`

// Create persists a new job in the SCHEDULED state.
func (s *Store) Create(ctx context.Context, j *job.Job) error {
	if err := j.Validate(); err != nil {
		return err
	}

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
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

	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (
			id, callback, payload, fire_at, timeout_ns, state, max_retries,
			attempts, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, '', $8, $9)`,
		j.ID, j.Callback, payload, j.FireAt, j.Timeout.Nanoseconds(), string(j.State),
		j.MaxRetries, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("%w: %s", job.ErrDuplicate, j.ID)
		}
		return fmt.Errorf("pgstore: create job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
		}
		return nil, fmt.Errorf("pgstore: get job: %w", err)
	}
	return j, nil
}

// List returns jobs matching f ordered by fire time.
func (s *Store) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	var states []string
	for _, st := range f.States {
		states = append(states, string(st))
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE $1::text[] IS NULL OR state = ANY($1)
		ORDER BY fire_at, id
		LIMIT $2 OFFSET $3`,
		states, pgLimit(f.Limit), max(f.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// Transition moves a job to a new state if the stored state still allows it
// and, when opts.FireAt is set, the job was not rescheduled in between.
func (s *Store) Transition(ctx context.Context, id string, to job.State, opts job.TransitionOpts) (*job.Job, error) {
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

		if !job.CanTransition(cur.State, to) || (to == job.StateFailed && cur.DeliveredAt != nil) {
			return nil, &job.TransitionError{ID: id, From: cur.State, To: to}
		}
		if err := opts.CheckFireAt(cur); err != nil {
			return nil, err
		}

		var firedAt, finishedAt, expectFireAt *time.Time
		if !opts.FireAt.IsZero() {
			expectFireAt = &opts.FireAt
		}
		switch to {
		case job.StateFired, job.StateTimedOut:
			firedAt = &at
		case job.StateCancelled, job.StateFailed:
			finishedAt = &at
		}

		row := s.pool.QueryRow(ctx, `
			UPDATE jobs SET
				state = $2,
				updated_at = $3,
				fired_at = COALESCE($4, fired_at),
				finished_at = COALESCE($5, finished_at),
				last_error = CASE WHEN $6::text = '' THEN last_error ELSE $6::text END
			WHERE id = $1 AND state = $7 AND delivered_at IS NULL
				AND ($8::timestamptz IS NULL OR fire_at = $8)
			RETURNING `+jobColumns,
			id, string(to), at, firedAt, finishedAt, opts.LastError, string(cur.State), expectFireAt,
		)

		j, err := scanJob(row)
		if err == nil {
			return j, nil
		}
		if !isNoRows(err) {
			return nil, fmt.Errorf("pgstore: transition job: %w", err)
		}
		// Lost the race, re-read the winner's state
	}

	return nil, fmt.Errorf("pgstore: transition job %s to %s: too much contention", id, to)
}

// Due returns scheduled jobs whose fire time is at or before now.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = $1 AND fire_at <= $2
		ORDER BY fire_at, id
		LIMIT $3`,
		string(job.StateScheduled), now, pgLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: due jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// Reschedule changes the fire time of a job that has not fired yet.
func (s *Store) Reschedule(ctx context.Context, id string, fireAt time.Time) (*job.Job, error) {
	if fireAt.IsZero() {
		return nil, fmt.Errorf("%w: fire time is required", job.ErrInvalidJob)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET fire_at = $2, updated_at = NOW()
		WHERE id = $1 AND state = $3
		RETURNING `+jobColumns,
		id, fireAt, string(job.StateScheduled),
	)

	j, err := scanJob(row)
	if err == nil {
		return j, nil
	}
	if !isNoRows(err) {
		return nil, fmt.Errorf("pgstore: reschedule job: %w", err)
	}

	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, &job.RescheduleError{ID: id, State: cur.State}
}

// MarkDelivered records a successful callback. Repeated calls are no-ops.
func (s *Store) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET delivered_at = $2, finished_at = $2, updated_at = $2
		WHERE id = $1 AND state IN ($3, $4) AND delivered_at IS NULL`,
		id, at.UTC(), string(job.StateFired), string(job.StateTimedOut),
	)
	if err != nil {
		return fmt.Errorf("pgstore: mark delivered: %w", err)
	}
	if tag.RowsAffected() == 1 {
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

// RecordAttempt appends a dispatch attempt and bumps the job's counter.
func (s *Store) RecordAttempt(ctx context.Context, a *job.Attempt) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO job_attempts (job_id, number, started_at, duration_ns, status_code, error)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			a.JobID, a.Number, a.StartedAt, a.Duration.Nanoseconds(), a.StatusCode, a.Error,
		)
		if err != nil {
			if isForeignKey(err) {
				return fmt.Errorf("%w: %s", job.ErrNotFound, a.JobID)
			}
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: attempt %d of job %s", job.ErrDuplicate, a.Number, a.JobID)
			}
			return fmt.Errorf("pgstore: record attempt: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE jobs SET attempts = GREATEST(attempts, $2), last_error = $3, updated_at = $4
			WHERE id = $1`,
			a.JobID, a.Number, a.Error, a.StartedAt.Add(a.Duration),
		)
		if err != nil {
			return fmt.Errorf("pgstore: record attempt: %w", err)
		}
		return nil
	})
}

// Attempts lists the dispatch attempts of a job, oldest first.
func (s *Store) Attempts(ctx context.Context, id string) ([]job.Attempt, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT job_id, number, started_at, duration_ns, status_code, error
		FROM job_attempts WHERE job_id = $1 ORDER BY number`, id)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list attempts: %w", err)
	}
	defer rows.Close()

	attempts := []job.Attempt{}
	for rows.Next() {
		var a job.Attempt
		var durationNs int64
		if err := rows.Scan(&a.JobID, &a.Number, &a.StartedAt, &durationNs, &a.StatusCode, &a.Error); err != nil {
			return nil, fmt.Errorf("pgstore: scan attempt: %w", err)
		}
		a.StartedAt = a.StartedAt.UTC()
		a.Duration = time.Duration(durationNs)
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

// Undelivered returns fired or timed out jobs still owing a callback whose
// lease is free at now.
func (s *Store) Undelivered(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state IN ($1, $2) AND delivered_at IS NULL
			AND (lease_until IS NULL OR lease_until <= $3)
		ORDER BY fired_at, id
		LIMIT $4`,
		string(job.StateFired), string(job.StateTimedOut), now, pgLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: undelivered jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// Claim takes or renews the dispatch lease of a job owing a callback.
func (s *Store) Claim(ctx context.Context, id, owner string, now, until time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_owner = $2, lease_until = $3
		WHERE id = $1 AND state IN ($4, $5) AND delivered_at IS NULL
			AND (lease_until IS NULL OR lease_until <= $6 OR lease_owner = $2)`,
		id, owner, until.UTC(), string(job.StateFired), string(job.StateTimedOut), now.UTC(),
	)
	if err != nil {
		return fmt.Errorf("pgstore: claim job: %w", err)
	}
	if tag.RowsAffected() == 1 {
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

// Release drops the dispatch lease if owner holds it.
func (s *Store) Release(ctx context.Context, id, owner string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET lease_owner = '', lease_until = NULL
		WHERE id = $1 AND lease_owner = $2`, id, owner)
	if err != nil {
		return fmt.Errorf("pgstore: release job: %w", err)
	}
	return nil
}

// Purge deletes finished jobs older than the cutoff. Attempts go with them
// through ON DELETE CASCADE.
func (s *Store) Purge(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs WHERE finished_at IS NOT NULL AND finished_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("pgstore: purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Counts returns the number of jobs per state, zero-filled.
func (s *Store) Counts(ctx context.Context) (map[job.State]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: count jobs: %w", err)
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
			return nil, fmt.Errorf("pgstore: scan count: %w", err)
		}
		counts[job.State(state)] = n
	}

	return counts, rows.Err()
}

func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j         job.Job
		payload   []byte
		stateStr  string
		timeoutNs int64
	)

	err := row.Scan(
		&j.ID, &j.Callback, &payload, &j.FireAt, &timeoutNs, &stateStr, &j.MaxRetries, &j.Attempts,
		&j.LastError, &j.CreatedAt, &j.UpdatedAt, &j.FiredAt, &j.DeliveredAt, &j.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(payload) > 0 {
		j.Payload = payload
	}
	j.State = job.State(stateStr)
	j.Timeout = time.Duration(timeoutNs)
	j.FireAt = j.FireAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.FiredAt = utc(j.FiredAt)
	j.DeliveredAt = utc(j.DeliveredAt)
	j.FinishedAt = utc(j.FinishedAt)

	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	jobs := []*job.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
