package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config selects the telemetry exporters
type Config struct {
	Enabled bool `toml:"enabled"`

	// Exporter is "stdout" or "none". "none" keeps the SDK so instruments are
	// live but nothing is exported.
	Exporter string `toml:"exporter"`

	// How often metrics are pushed to the exporter
	Interval time.Duration `toml:"interval"`

	// Export a span per callback attempt
	Tracing bool `toml:"tracing"`
}

// DefaultConfig returns telemetry disabled with sane export settings
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		Exporter: "stdout",
		Interval: 30 * time.Second,
		Tracing:  false,
	}
}

// Validate checks the exporter settings
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Exporter != "stdout" && c.Exporter != "none" {
		return fmt.Errorf("unknown metrics exporter: %s (must be stdout or none)", c.Exporter)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("metrics interval must be positive, got %v", c.Interval)
	}
	return nil
}

// Setup installs the global meter and tracer providers described by cfg,
// writing stdout exports to w. The returned function flushes and shuts
// them down. With telemetry disabled the global noop providers stay.
func Setup(cfg Config, w io.Writer) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	var opts []sdkmetric.Option
	if cfg.Exporter == "stdout" {
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("metrics: stdout exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.Interval)),
		))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	shutdowns := []func(context.Context) error{mp.Shutdown}

	if cfg.Tracing {
		var topts []sdktrace.TracerProviderOption
		if cfg.Exporter == "stdout" {
			exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
			if err != nil {
				return nil, fmt.Errorf("metrics: stdout trace exporter: %w", err)
			}
			topts = append(topts, sdktrace.WithBatcher(exp))
		}
		tp := sdktrace.NewTracerProvider(topts...)
		otel.SetTracerProvider(tp)
		shutdowns = append(shutdowns, tp.Shutdown)
	}

	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range shutdowns {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}, nil
}
