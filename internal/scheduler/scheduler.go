// Package scheduler runs the timeout evaluator: a ticker loop that settles
// due jobs as FIRED or TIMED_OUT and hands them to the dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/jobservice/internal/inbox"
	"github.com/livinlefevreloca/jobservice/internal/job"
	"github.com/livinlefevreloca/jobservice/internal/metrics"
)

// Clock supplies the current time to the loop
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures optional Scheduler dependencies
type Option func(*Scheduler)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithMetrics records loop activity on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Stats is a snapshot of evaluator activity
type Stats struct {
	Iterations            int64         `json:"iterations"`
	Fired                 int64         `json:"fired"`
	TimedOut              int64         `json:"timed_out"`
	LostRaces             int64         `json:"lost_races"`
	Recovered             int64         `json:"recovered"`
	Purged                int64         `json:"purged"`
	Errors                int64         `json:"errors"`
	Backlog               int           `json:"backlog"`
	LastIteration         time.Time     `json:"last_iteration"`
	LastIterationDuration time.Duration `json:"last_iteration_duration"`
	Inbox                 inbox.Stats   `json:"inbox"`
}

// Scheduler is the timeout evaluator. It is the only component that moves
// jobs out of SCHEDULED on a timer.
type Scheduler struct {
	// Configuration
	config  Config
	logger  *slog.Logger
	clock   Clock
	metrics *metrics.Metrics

	// Dependencies
	store job.Store
	out   *inbox.Inbox[*job.Job]

	// State (accessed only by main loop)
	backlog   []*job.Job
	lastPurge time.Time

	// Stats
	statsMu sync.Mutex
	stats   Stats

	// Control
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// NewScheduler creates a new evaluator with validated configuration.
// Settled jobs are sent to out, which the dispatcher drains.
func NewScheduler(config Config, store job.Store, out *inbox.Inbox[*job.Job], logger *slog.Logger, opts ...Option) (*Scheduler, error) {
	// 1. Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	if store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if out == nil {
		return nil, errors.New("scheduler: dispatcher inbox is required")
	}

	// 2. Initialize scheduler
	s := &Scheduler{
		config:   config,
		logger:   logger,
		clock:    systemClock{},
		metrics:  metrics.Noop(),
		store:    store,
		out:      out,
		shutdown: make(chan struct{}),
	}

	// 3. Apply options
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Start recovers undelivered jobs and runs the main loop until ctx is
// done or Shutdown is called
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("starting scheduler",
		"loop_interval", s.config.LoopInterval,
		"batch_size", s.config.BatchSize)

	if err := s.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover undelivered jobs: %w", err)
	}

	s.run(ctx)
	return nil
}

// Shutdown sends a shutdown signal to the scheduler
func (s *Scheduler) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
	})
}

// Recover hands FIRED and TIMED_OUT jobs that still owe a callback to the
// dispatcher. Called once on start so a crash between settling a job and
// delivering its callback does not lose the callback. Jobs whose dispatch
// lease is still held by a live dispatcher are left to it.
func (s *Scheduler) Recover(ctx context.Context) error {
	jobs, err := s.store.Undelivered(ctx, s.clock.Now(), 0)
	if err != nil {
		return err
	}

	for _, j := range jobs {
		s.handoff(j)
	}

	s.statsMu.Lock()
	s.stats.Recovered += int64(len(jobs))
	s.stats.Backlog = len(s.backlog)
	s.statsMu.Unlock()

	if len(jobs) > 0 {
		s.logger.Info("recovered undelivered jobs", "count", len(jobs))
	}
	return nil
}

// run is the main scheduler loop
func (s *Scheduler) run(ctx context.Context) {
	ticker := time.NewTicker(s.config.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.handleShutdown()
			return

		case <-s.shutdown:
			s.handleShutdown()
			return

		case <-ticker.C:
			s.iteration(ctx)
		}
	}
}

// iterationResult counts what a single iteration did
type iterationResult struct {
	fired     int64
	timedOut  int64
	lostRaces int64
	purged    int64
	errors    int64
}

// iteration performs a single iteration of the evaluator loop
func (s *Scheduler) iteration(ctx context.Context) {
	start := time.Now()
	now := s.clock.Now()
	var res iterationResult

	// Step 1: Retry hand-offs the dispatcher refused last time
	s.flushBacklog()

	// Step 2: Settle due jobs
	if err := s.settleDue(ctx, now, &res); err != nil {
		s.logger.Error("failed to load due jobs", "error", err)
		res.errors++
	}

	// Step 3: Purge finished jobs past retention
	s.maybePurge(ctx, now, &res)

	// Step 4: Record iteration statistics
	s.recordIterationStats(ctx, now, time.Since(start), res)
}

// settleDue moves every due job out of SCHEDULED. A job whose timeout window
// has passed becomes TIMED_OUT, any other due job becomes FIRED.
func (s *Scheduler) settleDue(ctx context.Context, now time.Time, res *iterationResult) error {
	due, err := s.store.Due(ctx, now, s.config.BatchSize)
	if err != nil {
		return err
	}

	for _, j := range due {
		to := job.StateFired
		if j.Expired(now) {
			to = job.StateTimedOut
		}

		// The swap also requires the fire time read by Due, so a job
		// rescheduled in between is left alone
		settled, err := s.store.Transition(ctx, j.ID, to, job.TransitionOpts{At: now, FireAt: j.FireAt})
		if err != nil {
			if job.IsConflict(err) || job.IsNotFound(err) {
				// Cancelled, rescheduled, or settled by another evaluator since Due read it
				s.logger.Debug("lost race settling job",
					"job_id", j.ID,
					"to", to,
					"error", err)
				s.metrics.LostRace(ctx)
				res.lostRaces++
				continue
			}
			s.logger.Error("failed to settle job",
				"job_id", j.ID,
				"to", to,
				"error", err)
			res.errors++
			continue
		}

		if to == job.StateTimedOut {
			s.logger.Info("job timed out",
				"job_id", j.ID,
				"fire_at", j.FireAt,
				"deadline", j.Deadline())
			res.timedOut++
		} else {
			s.logger.Debug("job fired", "job_id", j.ID, "fire_at", j.FireAt)
			res.fired++
		}
		s.metrics.JobSettled(ctx, to)

		s.handoff(settled)
	}

	return nil
}

// handoff sends a settled job to the dispatcher. Jobs the inbox refuses are
// kept in the backlog so they are handed over in order on the next iteration.
func (s *Scheduler) handoff(j *job.Job) {
	if len(s.backlog) > 0 || !s.out.Send(j) {
		s.backlog = append(s.backlog, j)
	}
}

// flushBacklog hands over backlogged jobs until the inbox refuses one
func (s *Scheduler) flushBacklog() {
	sent := 0
	for _, j := range s.backlog {
		if !s.out.Send(j) {
			break
		}
		sent++
	}
	if sent == 0 {
		return
	}

	clear(s.backlog[:sent])
	s.backlog = s.backlog[sent:]
	s.logger.Debug("flushed dispatch backlog", "sent", sent, "remaining", len(s.backlog))
}

// maybePurge deletes finished jobs older than the retention period, at most
// once per purge interval
func (s *Scheduler) maybePurge(ctx context.Context, now time.Time, res *iterationResult) {
	if s.config.Retention == 0 {
		return
	}
	if !s.lastPurge.IsZero() && now.Sub(s.lastPurge) < s.config.PurgeInterval {
		return
	}
	s.lastPurge = now

	n, err := s.store.Purge(ctx, now.Add(-s.config.Retention))
	if err != nil {
		s.logger.Error("failed to purge finished jobs", "error", err)
		res.errors++
		return
	}
	if n > 0 {
		s.logger.Info("purged finished jobs", "count", n, "retention", s.config.Retention)
	}
	s.metrics.Purged(ctx, n)
	res.purged = n
}

// recordIterationStats folds one iteration into the running stats
func (s *Scheduler) recordIterationStats(ctx context.Context, now time.Time, duration time.Duration, res iterationResult) {
	s.metrics.Iteration(ctx, duration)

	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	s.stats.Iterations++
	s.stats.Fired += res.fired
	s.stats.TimedOut += res.timedOut
	s.stats.LostRaces += res.lostRaces
	s.stats.Purged += res.purged
	s.stats.Errors += res.errors
	s.stats.Backlog = len(s.backlog)
	s.stats.LastIteration = now
	s.stats.LastIterationDuration = duration
}

// Stats returns a snapshot of evaluator statistics
func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	stats := s.stats
	s.statsMu.Unlock()

	stats.Inbox = s.out.Stats()
	return stats
}

// handleShutdown logs the final state of the loop. Backlogged jobs stay
// FIRED or TIMED_OUT in the store and are recovered on the next start.
func (s *Scheduler) handleShutdown() {
	s.logger.Info("scheduler shutting down", "backlog", len(s.backlog))
}
