// Package dispatcher delivers the callback of every FIRED or TIMED_OUT job.
// A pool of workers drains the evaluator's inbox, POSTs each job to its
// callback URL and retries failures with backoff. A job that cannot be
// delivered within its retry budget is marked FAILED.
//
// Every attempt is made under a dispatch lease taken in the store, so
// dispatchers of several instances sharing a database never deliver the
// same job concurrently.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/livinlefevreloca/jobservice/internal/backoff"
	"github.com/livinlefevreloca/jobservice/internal/inbox"
	"github.com/livinlefevreloca/jobservice/internal/job"
	"github.com/livinlefevreloca/jobservice/internal/metrics"
)

// maxResponseBody bounds how much of a callback response is read
const maxResponseBody = 64 << 10

// releaseTimeout bounds dropping a lease after the dispatch context is gone
const releaseTimeout = 5 * time.Second

// Envelope is the JSON body POSTed to a callback
type Envelope struct {
	ID      string          `json:"id"`
	State   job.State       `json:"state"`
	FireAt  time.Time       `json:"fire_at"`
	FiredAt *time.Time      `json:"fired_at,omitempty"`
	Attempt int             `json:"attempt"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StatusError is returned for a non-2xx callback response
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("callback returned %d %s", e.Code, http.StatusText(e.Code))
}

// Permanent reports whether retrying cannot succeed. Client errors are
// permanent except request timeout and rate limiting.
func (e *StatusError) Permanent() bool {
	return e.Code >= 400 && e.Code < 500 &&
		e.Code != http.StatusRequestTimeout &&
		e.Code != http.StatusTooManyRequests
}

func isPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Permanent()
}

// Stats is a snapshot of dispatcher activity
type Stats struct {
	Attempts  int64 `json:"attempts"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Abandoned int64 `json:"abandoned"`
	Skipped   int64 `json:"skipped"`
	InFlight  int64 `json:"in_flight"`
}

// Option configures optional Dispatcher dependencies
type Option func(*Dispatcher)

// WithHTTPClient replaces the callback HTTP client
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// WithTracer records a span per callback attempt on tracer
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithMetrics records callback activity on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithOwner sets the name under which dispatch leases are taken. Defaults to
// a random UUID per dispatcher.
func WithOwner(owner string) Option {
	return func(d *Dispatcher) { d.owner = owner }
}

// WithBackoff overrides the configured retry strategy
func WithBackoff(s backoff.Strategy) Option {
	return func(d *Dispatcher) { d.backoff = s }
}

// Dispatcher runs the callback worker pool
type Dispatcher struct {
	config  Config
	store   job.Store
	in      *inbox.Inbox[*job.Job]
	logger  *slog.Logger
	client  *http.Client
	limiter *rate.Limiter
	backoff backoff.Strategy
	tracer  trace.Tracer
	metrics *metrics.Metrics
	owner   string

	attempts  atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	abandoned atomic.Int64
	skipped   atomic.Int64
	inFlight  atomic.Int64

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup

	// stopping ends the receive loops and interrupts retry waits.
	// cancelJobs aborts in-flight requests once the stop deadline passes.
	stopping   context.Context
	stop       context.CancelFunc
	jobs       context.Context
	cancelJobs context.CancelFunc
}

// New creates a dispatcher reading settled jobs from in
func New(config Config, store job.Store, in *inbox.Inbox[*job.Job], logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, errors.New("dispatcher: store is required")
	}
	if in == nil {
		return nil, errors.New("dispatcher: inbox is required")
	}

	strategy, err := config.strategy()
	if err != nil {
		return nil, err
	}

	limit := rate.Inf
	if config.RateLimit > 0 {
		limit = rate.Limit(config.RateLimit)
	}

	d := &Dispatcher{
		config:  config,
		store:   store,
		in:      in,
		logger:  logger,
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, max(config.Burst, 1)),
		backoff: strategy,
		tracer:  otel.Tracer(metrics.ScopeName),
		metrics: metrics.Noop(),
		owner:   uuid.NewString(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start launches the workers and returns immediately
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return
	}
	d.running = true

	base := context.WithoutCancel(ctx)
	d.stopping, d.stop = context.WithCancel(base)
	d.jobs, d.cancelJobs = context.WithCancel(base)

	d.logger.Info("dispatcher starting",
		"workers", d.config.Workers,
		"rate_limit", d.config.RateLimit,
		"owner", d.owner)

	for range d.config.Workers {
		d.wg.Add(1)
		go d.worker()
	}
}

// Stop stops receiving jobs and waits for in-flight callbacks. When ctx is
// done first the remaining callbacks are cancelled; their jobs stay
// undelivered and are recovered on the next start.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info("dispatcher stopping", "in_flight", d.inFlight.Load())
	d.stop()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	defer d.cancelJobs()
	select {
	case <-done:
		d.logger.Info("dispatcher stopped gracefully")
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out, cancelling in-flight callbacks")
		d.cancelJobs()
		<-done
		return ctx.Err()
	}
}

// Stats returns a snapshot of dispatcher statistics
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Attempts:  d.attempts.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Abandoned: d.abandoned.Load(),
		Skipped:   d.skipped.Load(),
		InFlight:  d.inFlight.Load(),
	}
}

// worker is run by each worker goroutine
func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		j, ok := d.in.Receive(d.stopping)
		if !ok {
			return
		}

		d.inFlight.Add(1)
		d.Deliver(d.jobs, j)
		d.inFlight.Add(-1)
	}
}

// Deliver invokes the callback of j until it is acknowledged, fails
// permanently or runs out of retries. A job whose lease is held by another
// dispatcher is skipped.
func (d *Dispatcher) Deliver(ctx context.Context, j *job.Job) {
	logger := d.logger.With("job_id", j.ID, "state", j.State)

	if !j.State.NeedsDispatch() {
		logger.Warn("skipping job that owes no callback")
		return
	}

	number := j.Attempts
	lastErr := j.LastError
	for {
		// Retry budget already spent before a restart
		if number > j.MaxRetries {
			if d.claim(ctx, logger, j, 0) {
				d.fail(ctx, logger, j, lastErr)
			}
			return
		}
		number++

		if number > 1 {
			delay := d.backoff.Delay(number - 1)
			// Keep the lease across the wait
			if !d.claim(ctx, logger, j, delay) {
				return
			}
			logger.Debug("waiting before retry", "attempt", number, "delay", delay)
			if !d.wait(ctx, delay) {
				d.abandon(ctx, logger, j, number-1)
				return
			}
		}

		if !d.throttle(ctx) {
			d.abandon(ctx, logger, j, number-1)
			return
		}
		if !d.claim(ctx, logger, j, 0) {
			return
		}

		attempt := d.attempt(ctx, j, number)
		if ctx.Err() != nil {
			d.abandon(ctx, logger, j, number-1)
			return
		}

		if err := d.store.RecordAttempt(ctx, attempt); err != nil {
			logger.Error("failed to record attempt", "attempt", number, "error", err)
		}

		if attempt.Succeeded() {
			d.succeed(ctx, logger, j, number)
			return
		}

		lastErr = attempt.Error
		logger.Info("callback attempt failed",
			"attempt", number,
			"max_retries", j.MaxRetries,
			"status_code", attempt.StatusCode,
			"error", attempt.Error)

		if attempt.StatusCode > 0 && (&StatusError{Code: attempt.StatusCode}).Permanent() {
			d.fail(ctx, logger, j, lastErr)
			return
		}
	}
}

// wait sleeps for delay unless the dispatcher is stopping
func (d *Dispatcher) wait(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-d.stoppingDone():
		return false
	}
}

// throttle waits for the rate limiter unless the dispatcher is stopping
func (d *Dispatcher) throttle(ctx context.Context) bool {
	if d.stopping != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(d.stopping, cancel)
		defer stop()
	}
	return d.limiter.Wait(ctx) == nil
}

// claim takes or renews the dispatch lease of j for the lease duration plus
// hold. It reports false when the job must not be attempted.
func (d *Dispatcher) claim(ctx context.Context, logger *slog.Logger, j *job.Job, hold time.Duration) bool {
	now := time.Now()
	err := d.store.Claim(ctx, j.ID, d.owner, now, now.Add(hold+d.config.Lease))
	switch {
	case err == nil:
		return true
	case job.IsLeased(err):
		d.skipped.Add(1)
		logger.Info("job leased by another dispatcher, skipping")
	case job.IsConflict(err), job.IsNotFound(err):
		d.skipped.Add(1)
		logger.Info("job no longer owes a callback, skipping", "error", err)
	case ctx.Err() != nil:
		d.abandoned.Add(1)
		logger.Warn("dispatch interrupted by shutdown, job left for recovery")
	default:
		d.abandoned.Add(1)
		logger.Error("failed to claim job, leaving it for recovery", "error", err)
	}
	return false
}

func (d *Dispatcher) stoppingDone() <-chan struct{} {
	if d.stopping == nil {
		return nil
	}
	return d.stopping.Done()
}

// attempt performs a single callback invocation
func (d *Dispatcher) attempt(ctx context.Context, j *job.Job, number int) *job.Attempt {
	ctx, span := d.tracer.Start(ctx, "jobservice.callback",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("jobservice.job.id", j.ID),
			attribute.String("jobservice.job.state", j.State.String()),
			attribute.Int("jobservice.attempt", number),
		),
	)
	defer span.End()

	a := &job.Attempt{
		JobID:     j.ID,
		Number:    number,
		StartedAt: time.Now().UTC(),
	}

	code, err := d.call(ctx, j, number)
	a.Duration = time.Since(a.StartedAt)
	a.StatusCode = code
	d.attempts.Add(1)

	status := "ok"
	if err != nil {
		a.Error = err.Error()
		status = "error"
		if isPermanent(err) {
			status = "permanent"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	if code > 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", code))
	}
	d.metrics.Attempt(ctx, status, code, a.Duration)

	return a
}

// call POSTs the envelope and returns the response status code
func (d *Dispatcher) call(ctx context.Context, j *job.Job, number int) (int, error) {
	body, err := json.Marshal(Envelope{
		ID:      j.ID,
		State:   j.State,
		FireAt:  j.FireAt,
		FiredAt: j.FiredAt,
		Attempt: number,
		Payload: j.Payload,
	})
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.Callback, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "jobservice")
	req.Header.Set("X-Job-Id", j.ID)
	req.Header.Set("X-Job-State", j.State.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, &StatusError{Code: resp.StatusCode}
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) succeed(ctx context.Context, logger *slog.Logger, j *job.Job, number int) {
	if err := d.store.MarkDelivered(ctx, j.ID, time.Now()); err != nil {
		logger.Error("failed to mark job delivered", "error", err)
		return
	}
	d.delivered.Add(1)
	d.metrics.Outcome(ctx, "delivered", j.State)
	logger.Info("callback delivered", "attempts", number)
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, j *job.Job, lastErr string) {
	if lastErr == "" {
		lastErr = "retries exhausted"
	}
	_, err := d.store.Transition(ctx, j.ID, job.StateFailed, job.TransitionOpts{LastError: lastErr})
	if err != nil {
		logger.Error("failed to mark job failed", "error", err)
		return
	}
	d.failed.Add(1)
	d.metrics.Outcome(ctx, "failed", j.State)
	logger.Warn("callback failed, job marked FAILED",
		"max_retries", j.MaxRetries,
		"error", lastErr)
}

// abandon leaves the job undelivered for recovery after a restart and
// drops its lease so recovery does not wait for it to expire
func (d *Dispatcher) abandon(ctx context.Context, logger *slog.Logger, j *job.Job, attempts int) {
	d.abandoned.Add(1)
	logger.Warn("dispatch interrupted by shutdown, job left for recovery", "attempts", attempts)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := d.store.Release(ctx, j.ID, d.owner); err != nil {
		logger.Warn("failed to release dispatch lease", "error", err)
	}
}
