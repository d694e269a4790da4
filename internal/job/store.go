package job

import (
	"context"
	"time"
)

// Filter narrows List queries
type Filter struct {
	// States restricts the result to these states. Empty means all states.
	States []State
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
}

// TransitionOpts carries the fields written together with a state change
type TransitionOpts struct {
	// At is the transition instant. Zero means time.Now().
	At time.Time
	// LastError is stored when moving to StateFailed
	LastError string
	// FireAt, when set, makes the swap also require the stored fire time to
	// equal it. The evaluator passes the fire time its decision was based on
	// so a concurrent Reschedule wins.
	FireAt time.Time
}

// CheckFireAt returns a *StaleFireTimeError when opts.FireAt is set and
// differs from the fire time of j
func (o TransitionOpts) CheckFireAt(j *Job) error {
	if o.FireAt.IsZero() || o.FireAt.Equal(j.FireAt) {
		return nil
	}
	return &StaleFireTimeError{ID: j.ID, Expected: o.FireAt, Actual: j.FireAt}
}

// Store defines the persistence contract for jobs.
//
// Transition is the only way to change State. Implementations validate the
// requested change with CanTransition against the stored state and apply it
// with a compare-and-swap on the state column, so concurrent callers racing
// on the same job observe exactly one winner.
//
// Delivery of a callback is guarded by a dispatch lease. A dispatcher must
// hold the lease through Claim before each attempt, so two dispatchers
// sharing a store never POST the same job at the same time.
type Store interface {
	// Create persists a new job in StateScheduled
	Create(ctx context.Context, j *Job) error

	// Get retrieves a job by ID
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs matching the filter ordered by fire time
	List(ctx context.Context, f Filter) ([]*Job, error)

	// Transition moves a job to a new state and returns the updated job
	Transition(ctx context.Context, id string, to State, opts TransitionOpts) (*Job, error)

	// Due returns up to limit scheduled jobs whose fire time is at or before now
	Due(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// Reschedule changes the fire time of a scheduled job. A job in any
	// other state yields a *RescheduleError.
	Reschedule(ctx context.Context, id string, fireAt time.Time) (*Job, error)

	// MarkDelivered records a successful callback for a fired or timed out job
	MarkDelivered(ctx context.Context, id string, at time.Time) error

	// RecordAttempt appends a dispatch attempt and updates the job counters
	RecordAttempt(ctx context.Context, a *Attempt) error

	// Attempts lists the dispatch attempts for a job, oldest first
	Attempts(ctx context.Context, id string) ([]Attempt, error)

	// Undelivered returns fired or timed out jobs still owing a callback
	// whose dispatch lease is free or expired at now
	Undelivered(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	// Claim takes or renews the dispatch lease of a job owing a callback
	// until the given time. It fails with ErrLeased while another owner
	// holds a lease that has not expired at now.
	Claim(ctx context.Context, id, owner string, now, until time.Time) error

	// Release drops the lease held by owner. Releasing a lease held by
	// someone else, or no lease, is a no-op.
	Release(ctx context.Context, id, owner string) error

	// Purge deletes finished jobs whose FinishedAt is before the cutoff
	Purge(ctx context.Context, before time.Time) (int64, error)

	// Counts returns the number of jobs per state
	Counts(ctx context.Context) (map[State]int64, error)
}
