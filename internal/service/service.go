// Package service is the application layer over the job store. It validates
// and defaults job requests, resolves cron expressions to fire times and
// exposes the client operations: create, inspect, cancel and reschedule.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/robfig/cron/v3"

	"github.com/livinlefevreloca/jobservice/internal/job"
)

const scheduleCacheSize = 256

// Config holds the defaults applied to new jobs
type Config struct {
	// Timeout used when a request does not set one
	DefaultTimeout time.Duration `toml:"default_timeout"`

	// Callback retries used when a request does not set them
	DefaultMaxRetries int `toml:"default_max_retries"`

	// Upper bound on requested retries
	MaxRetriesLimit int `toml:"max_retries_limit"`
}

// DefaultConfig returns the job defaults
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:    5 * time.Minute,
		DefaultMaxRetries: 3,
		MaxRetriesLimit:   20,
	}
}

// Validate checks the job defaults
func (c Config) Validate() error {
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("DefaultTimeout must not be negative, got %v", c.DefaultTimeout)
	}
	if c.MaxRetriesLimit < 0 {
		return fmt.Errorf("MaxRetriesLimit must not be negative, got %d", c.MaxRetriesLimit)
	}
	if c.DefaultMaxRetries < 0 || c.DefaultMaxRetries > c.MaxRetriesLimit {
		return fmt.Errorf("DefaultMaxRetries must be between 0 and %d, got %d", c.MaxRetriesLimit, c.DefaultMaxRetries)
	}
	return nil
}

// CreateRequest describes a job to schedule. Exactly one of FireAt and
// Schedule must be set. Nil Timeout and MaxRetries take the configured defaults.
type CreateRequest struct {
	ID         string
	Callback   string
	Payload    json.RawMessage
	FireAt     *time.Time
	Schedule   string
	Timeout    *time.Duration
	MaxRetries *int
}

// Option configures optional Service dependencies
type Option func(*Service)

// WithClock replaces the wall clock used to resolve cron schedules
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements the client operations on jobs
type Service struct {
	config Config
	store  job.Store
	logger *slog.Logger
	now    func() time.Time
	parser cron.Parser

	// Parsed schedules by expression
	schedules *lru.Cache[string, cron.Schedule]
}

// New creates a job service backed by store
func New(config Config, store job.Store, logger *slog.Logger, opts ...Option) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("service: store is required")
	}

	schedules, err := lru.New[string, cron.Schedule](scheduleCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Service{
		config: config,
		store:  store,
		logger: logger,
		now:    time.Now,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),

		schedules: schedules,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Create validates req and stores a new SCHEDULED job
func (s *Service) Create(ctx context.Context, req CreateRequest) (*job.Job, error) {
	fireAt, err := s.resolveFireAt(req)
	if err != nil {
		return nil, err
	}

	timeout := s.config.DefaultTimeout
	if req.Timeout != nil {
		timeout = *req.Timeout
	}

	maxRetries := s.config.DefaultMaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries > s.config.MaxRetriesLimit {
		return nil, fmt.Errorf("%w: max retries must be at most %d, got %d",
			job.ErrInvalidJob, s.config.MaxRetriesLimit, maxRetries)
	}

	j := &job.Job{
		ID:         req.ID,
		Callback:   req.Callback,
		Payload:    req.Payload,
		FireAt:     fireAt.UTC(),
		Timeout:    timeout,
		MaxRetries: maxRetries,
	}
	if err := j.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, j); err != nil {
		return nil, err
	}

	s.logger.Info("job created",
		"job_id", j.ID,
		"fire_at", j.FireAt,
		"timeout", j.Timeout,
		"callback", j.Callback)
	return j, nil
}

// resolveFireAt returns the explicit fire time or the next occurrence of the schedule
func (s *Service) resolveFireAt(req CreateRequest) (time.Time, error) {
	switch {
	case req.FireAt != nil && req.Schedule != "":
		return time.Time{}, fmt.Errorf("%w: fire_at and schedule are mutually exclusive", job.ErrInvalidJob)

	case req.FireAt != nil:
		if req.FireAt.IsZero() {
			return time.Time{}, fmt.Errorf("%w: fire time is required", job.ErrInvalidJob)
		}
		return *req.FireAt, nil

	case req.Schedule != "":
		sched, err := s.schedule(req.Schedule)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: invalid schedule %q: %v", job.ErrInvalidJob, req.Schedule, err)
		}
		next := sched.Next(s.now())
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: schedule %q never fires", job.ErrInvalidJob, req.Schedule)
		}
		return next, nil

	default:
		return time.Time{}, fmt.Errorf("%w: fire_at or schedule is required", job.ErrInvalidJob)
	}
}

// schedule parses expr, reusing earlier parses of the same expression
func (s *Service) schedule(expr string) (cron.Schedule, error) {
	if sched, ok := s.schedules.Get(expr); ok {
		return sched, nil
	}
	sched, err := s.parser.Parse(expr)
	if err != nil {
		return nil, err
	}
	s.schedules.Add(expr, sched)
	return sched, nil
}

// Get returns a job by ID
func (s *Service) Get(ctx context.Context, id string) (*job.Job, error) {
	return s.store.Get(ctx, id)
}

// List returns jobs matching the filter
func (s *Service) List(ctx context.Context, f job.Filter) ([]*job.Job, error) {
	if f.Limit < 0 || f.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", job.ErrInvalidJob)
	}
	return s.store.List(ctx, f)
}

// Cancel moves a SCHEDULED job to CANCELLED. A job that already fired, timed
// out or finished is left untouched and a conflict is returned.
func (s *Service) Cancel(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.store.Transition(ctx, id, job.StateCancelled, job.TransitionOpts{})
	if err != nil {
		if job.IsConflict(err) {
			s.logger.Info("cancel rejected", "job_id", id, "error", err)
		}
		return nil, err
	}

	s.logger.Info("job cancelled", "job_id", id)
	return j, nil
}

// Reschedule moves the fire time of a SCHEDULED job
func (s *Service) Reschedule(ctx context.Context, id string, fireAt time.Time) (*job.Job, error) {
	if fireAt.IsZero() {
		return nil, fmt.Errorf("%w: fire time is required", job.ErrInvalidJob)
	}

	j, err := s.store.Reschedule(ctx, id, fireAt.UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Info("job rescheduled", "job_id", id, "fire_at", j.FireAt)
	return j, nil
}

// Attempts returns the callback history of a job
func (s *Service) Attempts(ctx context.Context, id string) ([]job.Attempt, error) {
	return s.store.Attempts(ctx, id)
}

// Counts returns the number of jobs per state
func (s *Service) Counts(ctx context.Context) (map[job.State]int64, error) {
	return s.store.Counts(ctx)
}
