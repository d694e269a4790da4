// Package testutil holds fakes shared by package tests: an in-memory
// job.Store, a manual clock and a slog capture.
package testutil

import (
	"sync"
	"time"
)

// MockClock is a manually advanced clock. Now satisfies the scheduler and
// service clock hooks.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{current: start}
}

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}

// TestingT is the subset of testing.TB used by WaitFor
type TestingT interface {
	Helper()
	Errorf(format string, args ...interface{})
}

// WaitFor polls condition every 10ms until it holds or timeout passes
func WaitFor(t TestingT, condition func() bool, timeout time.Duration, msgAndArgs ...interface{}) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			t.Errorf("timeout waiting for condition: %v", msgAndArgs)
			return false
		}
		<-ticker.C
	}
	return true
}
