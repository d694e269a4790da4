package job

import "fmt"

// State represents the lifecycle state of a job
type State string

const (
	// Waiting for the fire time
	StateScheduled State = "SCHEDULED"

	// Timer fired inside the timeout window, callback pending or delivered
	StateFired State = "FIRED"

	// Timer could not fire inside the timeout window, callback pending or delivered
	StateTimedOut State = "TIMED_OUT"

	// Explicitly cancelled before firing
	StateCancelled State = "CANCELLED"

	// Callback dispatch exhausted its retries
	StateFailed State = "FAILED"
)

// States lists every state in lifecycle order
var States = []State{
	StateScheduled,
	StateFired,
	StateTimedOut,
	StateCancelled,
	StateFailed,
}

// allowedTransitions is the complete state machine. A state missing from the
// map, or mapped to an empty set, has no outgoing transitions.
var allowedTransitions = map[State][]State{
	StateScheduled: {StateFired, StateTimedOut, StateCancelled},
	StateFired:     {StateFailed},
	StateTimedOut:  {StateFailed},
}

// ParseState converts a string into a State
func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown job state: %q", s)
}

// String returns the wire representation of the state
func (s State) String() string {
	return string(s)
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to State) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition can ever leave the state
func (s State) IsTerminal() bool {
	return len(allowedTransitions[s]) == 0
}

// IsSettled reports whether the timer part of the job is over. Settled jobs
// only leave their state through a dispatch failure.
func (s State) IsSettled() bool {
	return s != StateScheduled
}

// NeedsDispatch reports whether a job in this state owes a callback
func (s State) NeedsDispatch() bool {
	return s == StateFired || s == StateTimedOut
}
