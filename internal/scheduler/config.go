package scheduler

import (
	"fmt"
	"time"
)

// Config defines configuration for the evaluator loop and its hand-off to the dispatcher
type Config struct {
	// Main loop iteration interval
	LoopInterval time.Duration `toml:"loop_interval"`

	// Maximum due jobs settled per iteration
	BatchSize int `toml:"batch_size"`

	// Dispatcher inbox buffer size
	InboxBufferSize int `toml:"inbox_buffer_size"`

	// Timeout for sending to the dispatcher inbox
	InboxSendTimeout time.Duration `toml:"inbox_send_timeout"`

	// How often finished jobs are purged
	PurgeInterval time.Duration `toml:"purge_interval"`

	// How long finished jobs are kept. Zero disables purging.
	Retention time.Duration `toml:"retention"`
}

// DefaultConfig returns OLTP-friendly evaluator configuration defaults
func DefaultConfig() Config {
	return Config{
		LoopInterval:     1 * time.Second,
		BatchSize:        500,
		InboxBufferSize:  10000,
		InboxSendTimeout: 100 * time.Millisecond,
		PurgeInterval:    10 * time.Minute,
		Retention:        7 * 24 * time.Hour,
	}
}

// Validate checks the evaluator configuration
func (c Config) Validate() error {
	return validateConfig(c)
}

// validateConfig validates scheduler configuration and returns error if invalid
func validateConfig(config Config) error {
	if config.LoopInterval <= 0 {
		return fmt.Errorf("LoopInterval must be positive, got %v", config.LoopInterval)
	}

	if config.BatchSize <= 0 {
		return fmt.Errorf("BatchSize must be positive, got %d", config.BatchSize)
	}

	if config.InboxBufferSize <= 0 {
		return fmt.Errorf("InboxBufferSize must be positive, got %d", config.InboxBufferSize)
	}

	if config.InboxSendTimeout <= 0 {
		return fmt.Errorf("InboxSendTimeout must be positive, got %v", config.InboxSendTimeout)
	}

	if config.InboxSendTimeout >= config.LoopInterval {
		return fmt.Errorf("InboxSendTimeout (%v) must be less than LoopInterval (%v)",
			config.InboxSendTimeout, config.LoopInterval)
	}

	if config.PurgeInterval <= 0 {
		return fmt.Errorf("PurgeInterval must be positive, got %v", config.PurgeInterval)
	}

	if config.Retention < 0 {
		return fmt.Errorf("Retention must not be negative, got %v", config.Retention)
	}

	return nil
}
