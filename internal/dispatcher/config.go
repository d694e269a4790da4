package dispatcher

import (
	"fmt"
	"time"

	"github.com/livinlefevreloca/jobservice/internal/backoff"
)

// Config defines the callback worker pool
type Config struct {
	// Number of concurrent callback workers
	Workers int `toml:"workers"`

	// Timeout for a single callback request
	RequestTimeout time.Duration `toml:"request_timeout"`

	// How long a dispatch lease lasts. It must outlive a request; a
	// dispatcher that stops renewing loses the job to recovery after it.
	Lease time.Duration `toml:"lease"`

	// Callback requests per second across all workers. Zero means unlimited.
	RateLimit float64 `toml:"rate_limit"`
	Burst     int     `toml:"burst"`

	// Retry delay strategy: constant, linear, exponential or exponential_jitter
	Backoff      string        `toml:"backoff"`
	InitialDelay time.Duration `toml:"initial_delay"`
	MaxDelay     time.Duration `toml:"max_delay"`

	// How long Stop waits for in-flight callbacks before cancelling them
	StopTimeout time.Duration `toml:"stop_timeout"`
}

// DefaultConfig returns dispatcher defaults
func DefaultConfig() Config {
	return Config{
		Workers:        16,
		RequestTimeout: 10 * time.Second,
		Lease:          1 * time.Minute,
		RateLimit:      0,
		Burst:          1,
		Backoff:        backoff.KindJitter,
		InitialDelay:   1 * time.Second,
		MaxDelay:       1 * time.Minute,
		StopTimeout:    30 * time.Second,
	}
}

// Validate checks the dispatcher configuration
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("Workers must be positive, got %d", c.Workers)
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("RequestTimeout must be positive, got %v", c.RequestTimeout)
	}

	if c.Lease <= c.RequestTimeout {
		return fmt.Errorf("Lease must exceed RequestTimeout (%v), got %v", c.RequestTimeout, c.Lease)
	}

	if c.RateLimit < 0 {
		return fmt.Errorf("RateLimit must not be negative, got %v", c.RateLimit)
	}

	if c.RateLimit > 0 && c.Burst <= 0 {
		return fmt.Errorf("Burst must be positive when RateLimit is set, got %d", c.Burst)
	}

	if _, err := c.strategy(); err != nil {
		return err
	}

	if c.StopTimeout <= 0 {
		return fmt.Errorf("StopTimeout must be positive, got %v", c.StopTimeout)
	}

	return nil
}

func (c Config) strategy() (backoff.Strategy, error) {
	return backoff.New(c.Backoff, c.InitialDelay, c.MaxDelay)
}
