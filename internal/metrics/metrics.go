// Package metrics defines the OpenTelemetry instruments recorded by the
// evaluator and the dispatcher.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/livinlefevreloca/jobservice/internal/job"
)

// ScopeName is the instrumentation scope of every instrument and span
const ScopeName = "github.com/livinlefevreloca/jobservice"

// Metrics holds the service instruments. Instruments are safe for concurrent use.
type Metrics struct {
	settled           metric.Int64Counter
	lostRaces         metric.Int64Counter
	purged            metric.Int64Counter
	iterationDuration metric.Float64Histogram
	attempts          metric.Int64Counter
	attemptDuration   metric.Float64Histogram
	outcomes          metric.Int64Counter
}

// New creates instruments on the global MeterProvider
func New() (*Metrics, error) {
	return NewWithMeter(otel.Meter(ScopeName))
}

// Noop returns instruments that record nothing
func Noop() *Metrics {
	m, _ := NewWithMeter(noop.NewMeterProvider().Meter(ScopeName))
	return m
}

// NewWithMeter creates instruments on meter
func NewWithMeter(meter metric.Meter) (*Metrics, error) {
	var (
		m   Metrics
		err error
	)

	if m.settled, err = meter.Int64Counter(
		"jobservice.jobs.settled",
		metric.WithDescription("Jobs moved out of SCHEDULED by the evaluator, by resulting state"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}

	if m.lostRaces, err = meter.Int64Counter(
		"jobservice.evaluator.lost_races",
		metric.WithDescription("Evaluator transitions rejected because the job changed state first"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}

	if m.purged, err = meter.Int64Counter(
		"jobservice.jobs.purged",
		metric.WithDescription("Finished jobs deleted after the retention period"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}

	if m.iterationDuration, err = meter.Float64Histogram(
		"jobservice.evaluator.iteration.duration",
		metric.WithDescription("Duration of one evaluator iteration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.attempts, err = meter.Int64Counter(
		"jobservice.callback.attempts",
		metric.WithDescription("Callback invocations, by status"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}

	if m.attemptDuration, err = meter.Float64Histogram(
		"jobservice.callback.duration",
		metric.WithDescription("Duration of a callback invocation in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.outcomes, err = meter.Int64Counter(
		"jobservice.callback.outcomes",
		metric.WithDescription("Final dispatch outcome per job: delivered or failed"),
		metric.WithUnit("{job}"),
	); err != nil {
		return nil, err
	}

	return &m, nil
}

// RegisterJobCounts exports the per-state job counts as an observable gauge
// read through counts on every collection
func RegisterJobCounts(meter metric.Meter, counts func(ctx context.Context) (map[job.State]int64, error)) (metric.Registration, error) {
	gauge, err := meter.Int64ObservableGauge(
		"jobservice.jobs",
		metric.WithDescription("Jobs currently stored, by state"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		byState, err := counts(ctx)
		if err != nil {
			return err
		}
		for _, st := range job.States {
			o.ObserveInt64(gauge, byState[st], metric.WithAttributes(attribute.String("state", st.String())))
		}
		return nil
	}, gauge)
}

// JobSettled records a SCHEDULED job reaching state
func (m *Metrics) JobSettled(ctx context.Context, state job.State) {
	m.settled.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state.String())))
}

// LostRace records a rejected evaluator transition
func (m *Metrics) LostRace(ctx context.Context) {
	m.lostRaces.Add(ctx, 1)
}

// Purged records n deleted jobs
func (m *Metrics) Purged(ctx context.Context, n int64) {
	if n > 0 {
		m.purged.Add(ctx, n)
	}
}

// Iteration records the duration of an evaluator iteration
func (m *Metrics) Iteration(ctx context.Context, d time.Duration) {
	m.iterationDuration.Record(ctx, d.Seconds())
}

// Attempt records one callback invocation. status is "ok", "error" or "permanent".
func (m *Metrics) Attempt(ctx context.Context, status string, code int, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.Int("http.status_code", code),
	)
	m.attempts.Add(ctx, 1, attrs)
	m.attemptDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}

// Outcome records the end of dispatch for a job: "delivered" or "failed"
func (m *Metrics) Outcome(ctx context.Context, outcome string, state job.State) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("state", state.String()),
	))
}
