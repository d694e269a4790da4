package job

import (
	"errors"
	"fmt"
	"time"
)

// Standard errors returned by every Store implementation
var (
	ErrNotFound          = errors.New("job: not found")
	ErrDuplicate         = errors.New("job: duplicate id")
	ErrInvalidTransition = errors.New("job: invalid state transition")
	ErrInvalidJob        = errors.New("job: invalid job")
	ErrLeased            = errors.New("job: leased by another dispatcher")
)

// TransitionError describes a rejected state change
type TransitionError struct {
	ID   string
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot transition from %s to %s", e.ID, e.From, e.To)
}

// Unwrap lets errors.Is match ErrInvalidTransition
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// RescheduleError reports a fire time change on a job that already left
// StateScheduled
type RescheduleError struct {
	ID    string
	State State
}

func (e *RescheduleError) Error() string {
	return fmt.Sprintf("job %s: cannot reschedule, job is already %s", e.ID, e.State)
}

// Unwrap lets errors.Is match ErrInvalidTransition
func (e *RescheduleError) Unwrap() error {
	return ErrInvalidTransition
}

// StaleFireTimeError is returned by Transition when TransitionOpts.FireAt no
// longer matches the stored fire time
type StaleFireTimeError struct {
	ID       string
	Expected time.Time
	Actual   time.Time
}

func (e *StaleFireTimeError) Error() string {
	return fmt.Sprintf("job %s: fire time changed from %s to %s",
		e.ID, e.Expected.Format(time.RFC3339Nano), e.Actual.Format(time.RFC3339Nano))
}

// Unwrap lets errors.Is match ErrInvalidTransition
func (e *StaleFireTimeError) Unwrap() error {
	return ErrInvalidTransition
}

// IsNotFound checks if err is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict checks if err reports a state conflict
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

// IsLeased checks if err reports a dispatch lease held by someone else
func IsLeased(err error) bool {
	return errors.Is(err, ErrLeased)
}
