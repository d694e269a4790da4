// Package jobtest holds the behavioural tests every job.Store implementation must pass.
package jobtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/jobservice/internal/job"
)

// Base is the reference instant used by the suite. Stores are only required
// to keep microsecond precision.
var Base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// NewJob returns a valid job firing at fireAt
func NewJob(id string, fireAt time.Time) *job.Job {
	return &job.Job{
		ID:         id,
		Callback:   "http://localhost:9000/callback/" + id,
		Payload:    json.RawMessage(`{"id":"` + id + `"}`),
		FireAt:     fireAt,
		Timeout:    time.Minute,
		MaxRetries: 3,
	}
}

// RunStoreSuite runs the store contract against stores created by open.
// Each subtest gets a fresh, empty store.
func RunStoreSuite(t *testing.T, open func(t *testing.T) job.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s job.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"CreateAssignsID", testCreateAssignsID},
		{"CreateDuplicate", testCreateDuplicate},
		{"CreateInvalid", testCreateInvalid},
		{"GetNotFound", testGetNotFound},
		{"List", testList},
		{"Due", testDue},
		{"TransitionFire", testTransitionFire},
		{"TransitionConflicts", testTransitionConflicts},
		{"TransitionNotFound", testTransitionNotFound},
		{"FailStoresLastError", testFailStoresLastError},
		{"FailAfterDelivery", testFailAfterDelivery},
		{"ConcurrentCancelAndFire", testConcurrentCancelAndFire},
		{"TransitionStaleFireTime", testTransitionStaleFireTime},
		{"Reschedule", testReschedule},
		{"MarkDelivered", testMarkDelivered},
		{"Attempts", testAttempts},
		{"Undelivered", testUndelivered},
		{"Claim", testClaim},
		{"ClaimExpiredLease", testClaimExpiredLease},
		{"Purge", testPurge},
		{"Counts", testCounts},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func mustCreate(t *testing.T, s job.Store, j *job.Job) *job.Job {
	t.Helper()
	if err := s.Create(context.Background(), j); err != nil {
		t.Fatalf("Create(%s) failed: %v", j.ID, err)
	}
	return j
}

func mustTransition(t *testing.T, s job.Store, id string, to job.State, at time.Time) *job.Job {
	t.Helper()
	j, err := s.Transition(context.Background(), id, to, job.TransitionOpts{At: at})
	if err != nil {
		t.Fatalf("Transition(%s, %s) failed: %v", id, to, err)
	}
	return j
}

func ids(jobs []*job.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func sameIDs(got []*job.Job, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].ID != want[i] {
			return false
		}
	}
	return true
}

// =============================================================================
// Create / Get / List
// =============================================================================

func testCreateAndGet(t *testing.T, s job.Store) {
	ctx := context.Background()
	in := mustCreate(t, s, NewJob("job-1", Base))

	if in.State != job.StateScheduled {
		t.Errorf("state after Create = %s, want SCHEDULED", in.State)
	}

	got, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if got.Callback != in.Callback {
		t.Errorf("callback = %q, want %q", got.Callback, in.Callback)
	}
	if string(got.Payload) != string(in.Payload) {
		t.Errorf("payload = %s, want %s", got.Payload, in.Payload)
	}
	if !got.FireAt.Equal(Base) {
		t.Errorf("fire_at = %v, want %v", got.FireAt, Base)
	}
	if got.Timeout != time.Minute {
		t.Errorf("timeout = %v, want 1m", got.Timeout)
	}
	if got.MaxRetries != 3 {
		t.Errorf("max_retries = %d, want 3", got.MaxRetries)
	}
	if got.State != job.StateScheduled {
		t.Errorf("state = %s, want SCHEDULED", got.State)
	}
	if got.FiredAt != nil || got.DeliveredAt != nil || got.FinishedAt != nil {
		t.Error("new job must not carry lifecycle timestamps")
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func testCreateAssignsID(t *testing.T, s job.Store) {
	j := NewJob("", Base)
	mustCreate(t, s, j)

	if j.ID == "" {
		t.Fatal("expected Create to assign an ID")
	}
	if _, err := s.Get(context.Background(), j.ID); err != nil {
		t.Errorf("Get(%s) failed: %v", j.ID, err)
	}
}

func testCreateDuplicate(t *testing.T, s job.Store) {
	mustCreate(t, s, NewJob("job-1", Base))

	err := s.Create(context.Background(), NewJob("job-1", Base))
	if !errors.Is(err, job.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func testCreateInvalid(t *testing.T, s job.Store) {
	j := NewJob("job-1", Base)
	j.Callback = ""

	err := s.Create(context.Background(), j)
	if !errors.Is(err, job.ErrInvalidJob) {
		t.Errorf("expected ErrInvalidJob, got %v", err)
	}
}

func testGetNotFound(t *testing.T, s job.Store) {
	_, err := s.Get(context.Background(), "missing")
	if !job.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testList(t *testing.T, s job.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustCreate(t, s, NewJob(fmt.Sprintf("job-%d", i), Base.Add(time.Duration(i)*time.Second)))
	}
	mustTransition(t, s, "job-1", job.StateCancelled, Base)
	mustTransition(t, s, "job-3", job.StateFired, Base)

	tests := []struct {
		name   string
		filter job.Filter
		want   []string
	}{
		{"all", job.Filter{}, []string{"job-0", "job-1", "job-2", "job-3", "job-4"}},
		{"scheduled", job.Filter{States: []job.State{job.StateScheduled}}, []string{"job-0", "job-2", "job-4"}},
		{"two states", job.Filter{States: []job.State{job.StateCancelled, job.StateFired}}, []string{"job-1", "job-3"}},
		{"limit", job.Filter{Limit: 2}, []string{"job-0", "job-1"}},
		{"offset", job.Filter{Limit: 2, Offset: 3}, []string{"job-3", "job-4"}},
		{"offset past end", job.Filter{Offset: 10}, []string{}},
		{"no match", job.Filter{States: []job.State{job.StateFailed}}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, tt.filter)
			if err != nil {
				t.Fatalf("List failed: %v", err)
			}
			if !sameIDs(got, tt.want...) {
				t.Errorf("List = %v, want %v", ids(got), tt.want)
			}
		})
	}
}

// =============================================================================
// Due / Transition
// =============================================================================

func testDue(t *testing.T, s job.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("late", Base.Add(-time.Minute)))
	mustCreate(t, s, NewJob("now", Base))
	mustCreate(t, s, NewJob("future", Base.Add(time.Second)))
	mustCreate(t, s, NewJob("cancelled", Base.Add(-2*time.Minute)))
	mustTransition(t, s, "cancelled", job.StateCancelled, Base)

	due, err := s.Due(ctx, Base, 0)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if !sameIDs(due, "late", "now") {
		t.Errorf("Due = %v, want [late now]", ids(due))
	}

	due, err = s.Due(ctx, Base, 1)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if !sameIDs(due, "late") {
		t.Errorf("Due with limit = %v, want [late]", ids(due))
	}
}

func testTransitionFire(t *testing.T, s job.Store) {
	mustCreate(t, s, NewJob("job-1", Base))

	firedAt := Base.Add(time.Second)
	j := mustTransition(t, s, "job-1", job.StateFired, firedAt)

	if j.State != job.StateFired {
		t.Errorf("state = %s, want FIRED", j.State)
	}
	if j.FiredAt == nil || !j.FiredAt.Equal(firedAt) {
		t.Errorf("fired_at = %v, want %v", j.FiredAt, firedAt)
	}
	if j.FinishedAt != nil {
		t.Error("fired job is not finished until delivered")
	}

	// Fire again
	_, err := s.Transition(context.Background(), "job-1", job.StateFired, job.TransitionOpts{})
	var te *job.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransitionError, got %v", err)
	}
	if te.From != job.StateFired {
		t.Errorf("TransitionError.From = %s, want FIRED", te.From)
	}
}

func testTransitionConflicts(t *testing.T, s job.Store) {
	tests := []struct {
		name  string
		first job.State
		then  job.State
	}{
		{"cancel after fire", job.StateFired, job.StateCancelled},
		{"cancel after timeout", job.StateTimedOut, job.StateCancelled},
		{"fire after cancel", job.StateCancelled, job.StateFired},
		{"timeout after fire", job.StateFired, job.StateTimedOut},
		{"cancel twice", job.StateCancelled, job.StateCancelled},
		{"fail before fire", job.StateCancelled, job.StateFailed},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := fmt.Sprintf("job-%d", i)
			mustCreate(t, s, NewJob(id, Base))
			mustTransition(t, s, id, tt.first, Base)

			_, err := s.Transition(context.Background(), id, tt.then, job.TransitionOpts{})
			if !job.IsConflict(err) {
				t.Errorf("expected conflict, got %v", err)
			}

			got, err := s.Get(context.Background(), id)
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			if got.State != tt.first {
				t.Errorf("state = %s, want %s", got.State, tt.first)
			}
		})
	}

	mustCreate(t, s, NewJob("direct-fail", Base))
	if _, err := s.Transition(context.Background(), "direct-fail", job.StateFailed, job.TransitionOpts{}); !job.IsConflict(err) {
		t.Errorf("SCHEDULED -> FAILED: expected conflict, got %v", err)
	}
}

func testTransitionNotFound(t *testing.T, s job.Store) {
	_, err := s.Transition(context.Background(), "missing", job.StateCancelled, job.TransitionOpts{})
	if !job.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testFailStoresLastError(t *testing.T, s job.Store) {
	mustCreate(t, s, NewJob("job-1", Base))
	mustTransition(t, s, "job-1", job.StateTimedOut, Base)

	j, err := s.Transition(context.Background(), "job-1", job.StateFailed, job.TransitionOpts{
		At:        Base.Add(time.Minute),
		LastError: "callback returned 500",
	})
	if err != nil {
		t.Fatalf("Transition failed: %v", err)
	}

	if j.State != job.StateFailed {
		t.Errorf("state = %s, want FAILED", j.State)
	}
	if j.LastError != "callback returned 500" {
		t.Errorf("last_error = %q", j.LastError)
	}
	if j.FinishedAt == nil || !j.FinishedAt.Equal(Base.Add(time.Minute)) {
		t.Errorf("finished_at = %v", j.FinishedAt)
	}
	if j.FiredAt == nil || !j.FiredAt.Equal(Base) {
		t.Errorf("fired_at must survive the failure, got %v", j.FiredAt)
	}
}

func testFailAfterDelivery(t *testing.T, s job.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("job-1", Base))
	mustTransition(t, s, "job-1", job.StateFired, Base)

	if err := s.MarkDelivered(ctx, "job-1", Base.Add(time.Second)); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	_, err := s.Transition(ctx, "job-1", job.StateFailed, job.TransitionOpts{LastError: "late"})
	if !job.IsConflict(err) {
		t.Errorf("expected conflict failing a delivered job, got %v", err)
	}
}

// testConcurrentCancelAndFire races cancels against fires on the same jobs.
// Exactly one caller may win each job and the stored state must be the winner's.
func testConcurrentCancelAndFire(t *testing.T, s job.Store) {
	const (
		jobs    = 10
		callers = 8
	)

	ctx := context.Background()
	for i := 0; i < jobs; i++ {
		mustCreate(t, s, NewJob(fmt.Sprintf("job-%d", i), Base))
	}

	for i := 0; i < jobs; i++ {
		id := fmt.Sprintf("job-%d", i)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []job.State
		)

		for c := 0; c < callers; c++ {
			to := job.StateFired
			if c%2 == 0 {
				to = job.StateCancelled
			}

			wg.Add(1)
			go func(to job.State) {
				defer wg.Done()
				_, err := s.Transition(ctx, id, to, job.TransitionOpts{})
				if err == nil {
					mu.Lock()
					winners = append(winners, to)
					mu.Unlock()
					return
				}
				if !job.IsConflict(err) {
					t.Errorf("%s -> %s: unexpected error %v", id, to, err)
				}
			}(to)
		}
		wg.Wait()

		if len(winners) != 1 {
			t.Fatalf("%s: %d winners %v, want exactly 1", id, len(winners), winners)
		}

		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.State != winners[0] {
			t.Errorf("%s: stored state %s, winner %s", id, got.State, winners[0])
		}
	}
}

// testTransitionStaleFireTime reschedules a job between the evaluator reading
// it and settling it. The settle must lose to the reschedule.
func testTransitionStaleFireTime(t *testing.T, s job.Store) {
	ctx := context.Background()

	for _, to := range []job.State{job.StateFired, job.StateTimedOut} {
		id := "stale-" + to.String()
		read := mustCreate(t, s, NewJob(id, Base))

		later := Base.Add(time.Hour)
		if _, err := s.Reschedule(ctx, id, later); err != nil {
			t.Fatalf("Reschedule failed: %v", err)
		}

		_, err := s.Transition(ctx, id, to, job.TransitionOpts{At: Base.Add(2 * time.Minute), FireAt: read.FireAt})
		if !job.IsConflict(err) {
			t.Errorf("%s with stale fire time: expected conflict, got %v", to, err)
		}
		var se *job.StaleFireTimeError
		if !errors.As(err, &se) {
			t.Fatalf("expected *StaleFireTimeError, got %v", err)
		}
		if !se.Actual.Equal(later) {
			t.Errorf("StaleFireTimeError.Actual = %v, want %v", se.Actual, later)
		}

		got, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if got.State != job.StateScheduled || !got.FireAt.Equal(later) {
			t.Errorf("rescheduled job = %s at %v, want SCHEDULED at %v", got.State, got.FireAt, later)
		}

		j, err := s.Transition(ctx, id, to, job.TransitionOpts{At: later, FireAt: later})
		if err != nil {
			t.Fatalf("Transition with current fire time failed: %v", err)
		}
		if j.State != to {
			t.Errorf("state = %s, want %s", j.State, to)
		}
	}
}

// =============================================================================
// Reschedule / Delivery / Attempts
// =============================================================================

func testReschedule(t *testing.T, s job.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("job-1", Base))

	later := Base.Add(time.Hour)
	j, err := s.Reschedule(ctx, "job-1", later)
	if err != nil {
		t.Fatalf("Reschedule failed: %v", err)
	}
	if !j.FireAt.Equal(later) {
		t.Errorf("fire_at = %v, want %v", j.FireAt, later)
	}

	due, err := s.Due(ctx, Base, 0)
	if err != nil {
		t.Fatalf("Due failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("rescheduled job still due: %v", ids(due))
	}

	mustTransition(t, s, "job-1", job.StateFired, later)
	_, err = s.Reschedule(ctx, "job-1", later.Add(time.Hour))
	if !job.IsConflict(err) {
		t.Errorf("expected conflict rescheduling a fired job, got %v", err)
	}
	var re *job.RescheduleError
	if !errors.As(err, &re) {
		t.Fatalf("expected *RescheduleError, got %v", err)
	}
	if re.State != job.StateFired {
		t.Errorf("RescheduleError.State = %s, want FIRED", re.State)
	}
	var te *job.TransitionError
	if errors.As(err, &te) {
		t.Errorf("a rejected reschedule must not report a state transition: %v", err)
	}

	if _, err := s.Reschedule(ctx, "missing", later); !job.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testMarkDelivered(t *testing.T, s job.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("job-1", Base))
	mustCreate(t, s, NewJob("pending", Base))

	if err := s.MarkDelivered(ctx, "pending", Base); !job.IsConflict(err) {
		t.Errorf("expected conflict delivering a scheduled job, got %v", err)
	}
	if err := s.MarkDelivered(ctx, "missing", Base); !job.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	mustTransition(t, s, "job-1", job.StateFired, Base)

	at := Base.Add(2 * time.Second)
	if err := s.MarkDelivered(ctx, "job-1", at); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	// Redelivery after a crash must not fail
	if err := s.MarkDelivered(ctx, "job-1", at.Add(time.Second)); err != nil {
		t.Fatalf("second MarkDelivered failed: %v", err)
	}

	j, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if j.State != job.StateFired {
		t.Errorf("state = %s, want FIRED", j.State)
	}
	if j.DeliveredAt == nil || !j.DeliveredAt.Equal(at) {
		t.Errorf("delivered_at = %v, want %v", j.DeliveredAt, at)
	}
	if j.FinishedAt == nil {
		t.Error("delivered job must be finished")
	}
}

func testAttempts(t *testing.T, s job.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("job-1", Base))
	mustTransition(t, s, "job-1", job.StateFired, Base)

	empty, err := s.Attempts(ctx, "job-1")
	if err != nil {
		t.Fatalf("Attempts failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no attempts, got %d", len(empty))
	}

	records := []job.Attempt{
		{JobID: "job-1", Number: 1, StartedAt: Base, Duration: 20 * time.Millisecond, StatusCode: 503, Error: "callback returned 503"},
		{JobID: "job-1", Number: 2, StartedAt: Base.Add(time.Second), Duration: 10 * time.Millisecond, StatusCode: 200},
	}
	for i := range records {
		if err := s.RecordAttempt(ctx, &records[i]); err != nil {
			t.Fatalf("RecordAttempt(%d) failed: %v", records[i].Number, err)
		}
	}

	got, err := s.Attempts(ctx, "job-1")
	if err != nil {
		t.Fatalf("Attempts failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d attempts, want 2", len(got))
	}
	if got[0].Number != 1 || got[0].StatusCode != 503 || got[0].Error == "" {
		t.Errorf("first attempt = %+v", got[0])
	}
	if got[1].Number != 2 || !got[1].Succeeded() || got[1].Duration != 10*time.Millisecond {
		t.Errorf("second attempt = %+v", got[1])
	}
	if !got[1].StartedAt.Equal(Base.Add(time.Second)) {
		t.Errorf("started_at = %v", got[1].StartedAt)
	}

	j, err := s.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if j.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", j.Attempts)
	}
	if j.LastError != "" {
		t.Errorf("successful attempt should clear last_error, got %q", j.LastError)
	}

	dup := records[0]
	if err := s.RecordAttempt(ctx, &dup); !errors.Is(err, job.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}

	orphan := job.Attempt{JobID: "missing", Number: 1, StartedAt: Base}
	if err := s.RecordAttempt(ctx, &orphan); !job.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Attempts(ctx, "missing"); !job.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func testUndelivered(t *testing.T, s job.Store) {
	ctx := context.Background()
	for _, id := range []string{"fired", "timed-out", "delivered", "scheduled", "cancelled"} {
		mustCreate(t, s, NewJob(id, Base))
	}
	mustTransition(t, s, "fired", job.StateFired, Base)
	mustTransition(t, s, "timed-out", job.StateTimedOut, Base.Add(time.Second))
	mustTransition(t, s, "delivered", job.StateFired, Base)
	mustTransition(t, s, "cancelled", job.StateCancelled, Base)
	if err := s.MarkDelivered(ctx, "delivered", Base); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	got, err := s.Undelivered(ctx, Base, 0)
	if err != nil {
		t.Fatalf("Undelivered failed: %v", err)
	}
	if !sameIDs(got, "fired", "timed-out") {
		t.Errorf("Undelivered = %v, want [fired timed-out]", ids(got))
	}
}

// =============================================================================
// Dispatch Leases
// =============================================================================

func testClaim(t *testing.T, s job.Store) {
	ctx := context.Background()
	for _, id := range []string{"a", "b", "scheduled", "delivered"} {
		mustCreate(t, s, NewJob(id, Base))
	}
	mustTransition(t, s, "a", job.StateFired, Base)
	mustTransition(t, s, "b", job.StateTimedOut, Base)
	mustTransition(t, s, "delivered", job.StateFired, Base)
	if err := s.MarkDelivered(ctx, "delivered", Base); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	if err := s.Claim(ctx, "a", "one", Base, Base.Add(time.Minute)); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	// The holder may renew
	if err := s.Claim(ctx, "a", "one", Base.Add(10*time.Second), Base.Add(2*time.Minute)); err != nil {
		t.Fatalf("renewing Claim failed: %v", err)
	}

	err := s.Claim(ctx, "a", "two", Base.Add(90*time.Second), Base.Add(3*time.Minute))
	if !job.IsLeased(err) {
		t.Errorf("expected ErrLeased while the renewed lease is live, got %v", err)
	}

	got, err := s.Undelivered(ctx, Base.Add(90*time.Second), 0)
	if err != nil {
		t.Fatalf("Undelivered failed: %v", err)
	}
	if !sameIDs(got, "b") {
		t.Errorf("Undelivered = %v, want [b]", ids(got))
	}

	// Releasing someone else's lease does nothing
	if err := s.Release(ctx, "a", "two"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := s.Claim(ctx, "a", "two", Base.Add(90*time.Second), Base.Add(3*time.Minute)); !job.IsLeased(err) {
		t.Errorf("expected ErrLeased after a foreign release, got %v", err)
	}

	if err := s.Release(ctx, "a", "one"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	got, err = s.Undelivered(ctx, Base, 0)
	if err != nil {
		t.Fatalf("Undelivered failed: %v", err)
	}
	if !sameIDs(got, "a", "b") {
		t.Errorf("Undelivered after release = %v, want [a b]", ids(got))
	}

	if err := s.Claim(ctx, "scheduled", "one", Base, Base.Add(time.Minute)); !job.IsConflict(err) {
		t.Errorf("claiming a scheduled job: expected conflict, got %v", err)
	}
	if err := s.Claim(ctx, "delivered", "one", Base, Base.Add(time.Minute)); !job.IsConflict(err) {
		t.Errorf("claiming a delivered job: expected conflict, got %v", err)
	}
	if err := s.Claim(ctx, "missing", "one", Base, Base.Add(time.Minute)); !job.IsNotFound(err) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// testClaimExpiredLease races two owners for a job whose previous holder
// stopped renewing. Exactly one of them may take it over.
func testClaimExpiredLease(t *testing.T, s job.Store) {
	ctx := context.Background()
	mustCreate(t, s, NewJob("job-1", Base))
	mustTransition(t, s, "job-1", job.StateFired, Base)

	if err := s.Claim(ctx, "job-1", "crashed", Base, Base.Add(time.Minute)); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	now := Base.Add(time.Minute)
	got, err := s.Undelivered(ctx, now, 0)
	if err != nil {
		t.Fatalf("Undelivered failed: %v", err)
	}
	if !sameIDs(got, "job-1") {
		t.Fatalf("expired lease should be recoverable, Undelivered = %v", ids(got))
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, owner := range []string{"left", "right", "left-2", "right-2"} {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			err := s.Claim(ctx, "job-1", owner, now, now.Add(time.Minute))
			if err == nil {
				mu.Lock()
				winners = append(winners, owner)
				mu.Unlock()
				return
			}
			if !job.IsLeased(err) {
				t.Errorf("%s: unexpected error %v", owner, err)
			}
		}(owner)
	}
	wg.Wait()

	if len(winners) != 1 {
		t.Errorf("%d owners took the expired lease %v, want exactly 1", len(winners), winners)
	}
}

// =============================================================================
// Purge / Counts
// =============================================================================

func testPurge(t *testing.T, s job.Store) {
	ctx := context.Background()
	for _, id := range []string{"old-cancelled", "old-delivered", "old-undelivered", "new-cancelled", "scheduled"} {
		mustCreate(t, s, NewJob(id, Base))
	}

	old := Base.Add(-48 * time.Hour)
	mustTransition(t, s, "old-cancelled", job.StateCancelled, old)
	mustTransition(t, s, "old-delivered", job.StateFired, old)
	mustTransition(t, s, "old-undelivered", job.StateFired, old)
	mustTransition(t, s, "new-cancelled", job.StateCancelled, Base)

	if err := s.RecordAttempt(ctx, &job.Attempt{JobID: "old-delivered", Number: 1, StartedAt: old, StatusCode: 200}); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}
	if err := s.MarkDelivered(ctx, "old-delivered", old); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}

	n, err := s.Purge(ctx, Base.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if n != 2 {
		t.Errorf("purged %d jobs, want 2", n)
	}

	for _, id := range []string{"old-cancelled", "old-delivered"} {
		if _, err := s.Get(ctx, id); !job.IsNotFound(err) {
			t.Errorf("%s should be purged, got %v", id, err)
		}
	}
	for _, id := range []string{"old-undelivered", "new-cancelled", "scheduled"} {
		if _, err := s.Get(ctx, id); err != nil {
			t.Errorf("%s should survive purge: %v", id, err)
		}
	}
}

func testCounts(t *testing.T, s job.Store) {
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		mustCreate(t, s, NewJob(id, Base))
	}
	mustTransition(t, s, "a", job.StateFired, Base)
	mustTransition(t, s, "b", job.StateCancelled, Base)

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}

	want := map[job.State]int64{
		job.StateScheduled: 2,
		job.StateFired:     1,
		job.StateTimedOut:  0,
		job.StateCancelled: 1,
		job.StateFailed:    0,
	}
	for st, n := range want {
		got, ok := counts[st]
		if !ok {
			t.Errorf("counts missing state %s", st)
			continue
		}
		if got != n {
			t.Errorf("counts[%s] = %d, want %d", st, got, n)
		}
	}
}
