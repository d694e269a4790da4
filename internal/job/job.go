// Package job holds the job model, its state machine and the persistence
// contract shared by every store implementation.
package job

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// Job is a scheduled unit of work with an associated callback
type Job struct {
	ID       string          `json:"id"`
	Callback string          `json:"callback"`
	Payload  json.RawMessage `json:"payload,omitempty"`

	FireAt  time.Time     `json:"fire_at"`
	Timeout time.Duration `json:"timeout"`

	State      State  `json:"state"`
	MaxRetries int    `json:"max_retries"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	FiredAt     *time.Time `json:"fired_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Deadline returns the instant after which the job times out.
// The zero time means the job never times out.
func (j *Job) Deadline() time.Time {
	if j.Timeout <= 0 {
		return time.Time{}
	}
	return j.FireAt.Add(j.Timeout)
}

// Expired reports whether now is strictly past the timeout window
func (j *Job) Expired(now time.Time) bool {
	deadline := j.Deadline()
	if deadline.IsZero() {
		return false
	}
	return now.After(deadline)
}

// Due reports whether the timer has elapsed
func (j *Job) Due(now time.Time) bool {
	return !now.Before(j.FireAt)
}

// Validate checks the fields a caller controls
func (j *Job) Validate() error {
	if j.Callback == "" {
		return fmt.Errorf("%w: callback is required", ErrInvalidJob)
	}
	u, err := url.Parse(j.Callback)
	if err != nil {
		return fmt.Errorf("%w: callback: %v", ErrInvalidJob, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: callback scheme must be http or https, got %q", ErrInvalidJob, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: callback host is required", ErrInvalidJob)
	}
	if j.FireAt.IsZero() {
		return fmt.Errorf("%w: fire time is required", ErrInvalidJob)
	}
	if j.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidJob)
	}
	if j.MaxRetries < 0 {
		return fmt.Errorf("%w: max retries must not be negative", ErrInvalidJob)
	}
	if len(j.Payload) > 0 && !json.Valid(j.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidJob)
	}
	return nil
}

// Attempt records a single callback invocation
type Attempt struct {
	JobID      string        `json:"job_id"`
	Number     int           `json:"number"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// Succeeded reports whether the attempt was acknowledged
func (a *Attempt) Succeeded() bool {
	return a.Error == ""
}
