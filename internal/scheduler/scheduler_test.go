package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/livinlefevreloca/jobservice/internal/inbox"
	"github.com/livinlefevreloca/jobservice/internal/job"
	"github.com/livinlefevreloca/jobservice/internal/job/jobtest"
	"github.com/livinlefevreloca/jobservice/internal/testutil"
)

// testConfig returns a config with a short loop for tests that run Start
func testConfig() Config {
	config := DefaultConfig()
	config.LoopInterval = 10 * time.Millisecond
	config.InboxSendTimeout = time.Millisecond
	return config
}

type fixture struct {
	store  *testutil.MockStore
	out    *inbox.Inbox[*job.Job]
	clock  *testutil.MockClock
	logger *testutil.TestLogger
	s      *Scheduler
}

func newFixture(t *testing.T, config Config, inboxSize int) *fixture {
	t.Helper()
	f := &fixture{
		store:  testutil.NewMockStore(),
		clock:  testutil.NewMockClock(jobtest.Base),
		logger: testutil.NewTestLogger(),
	}
	f.store.SetClock(f.clock.Now)
	f.out = inbox.New[*job.Job](inboxSize, time.Millisecond, f.logger.Logger())

	s, err := NewScheduler(config, f.store, f.out, f.logger.Logger(), WithClock(f.clock))
	if err != nil {
		t.Fatalf("unexpected error creating scheduler: %v", err)
	}
	f.s = s
	return f
}

func (f *fixture) create(t *testing.T, id string, fireAt time.Time, timeout time.Duration) {
	t.Helper()
	j := jobtest.NewJob(id, fireAt)
	j.Timeout = timeout
	if err := f.store.Create(context.Background(), j); err != nil {
		t.Fatalf("failed to create job %s: %v", id, err)
	}
}

func (f *fixture) state(t *testing.T, id string) job.State {
	t.Helper()
	j, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("failed to get job %s: %v", id, err)
	}
	return j.State
}

// drain returns the ids handed to the dispatcher so far
func (f *fixture) drain() []string {
	var ids []string
	for {
		j, ok := f.out.TryReceive()
		if !ok {
			return ids
		}
		ids = append(ids, j.ID)
	}
}

// =============================================================================
// Initialization Tests
// =============================================================================

// TestNewScheduler_Success verifies that a new scheduler can be created successfully.
func TestNewScheduler_Success(t *testing.T) {
	f := newFixture(t, DefaultConfig(), 10)

	if f.s.store == nil {
		t.Error("expected store to be set")
	}
	if f.s.out == nil {
		t.Error("expected inbox to be set")
	}
	if f.s.metrics == nil {
		t.Error("expected noop metrics by default")
	}
	if f.s.clock != f.clock {
		t.Error("expected WithClock to replace the clock")
	}
}

// TestNewScheduler_InvalidConfig verifies that configuration is validated.
func TestNewScheduler_InvalidConfig(t *testing.T) {
	config := DefaultConfig()
	config.BatchSize = 0

	out := inbox.New[*job.Job](1, time.Millisecond, testutil.NewTestLogger().Logger())
	_, err := NewScheduler(config, testutil.NewMockStore(), out, testutil.NewTestLogger().Logger())
	if err == nil {
		t.Fatal("expected error for invalid config")
	}
}

// TestNewScheduler_MissingDependencies verifies that store and inbox are required.
func TestNewScheduler_MissingDependencies(t *testing.T) {
	logger := testutil.NewTestLogger().Logger()
	out := inbox.New[*job.Job](1, time.Millisecond, logger)

	if _, err := NewScheduler(DefaultConfig(), nil, out, logger); err == nil {
		t.Error("expected error for nil store")
	}
	if _, err := NewScheduler(DefaultConfig(), testutil.NewMockStore(), nil, logger); err == nil {
		t.Error("expected error for nil inbox")
	}
}

// =============================================================================
// Evaluation Tests
// =============================================================================

// TestIteration_FiresDueJobs verifies that due jobs inside their window fire and are handed off.
func TestIteration_FiresDueJobs(t *testing.T) {
	f := newFixture(t, DefaultConfig(), 10)
	f.create(t, "due", jobtest.Base.Add(-time.Second), time.Minute)
	f.create(t, "future", jobtest.Base.Add(time.Hour), time.Minute)

	f.s.iteration(context.Background())

	if got := f.state(t, "due"); got != job.StateFired {
		t.Errorf("due job state = %s, want FIRED", got)
	}
	if got := f.state(t, "future"); got != job.StateScheduled {
		t.Errorf("future job state = %s, want SCHEDULED", got)
	}

	ids := f.drain()
	if len(ids) != 1 || ids[0] != "due" {
		t.Errorf("handed off %v, want [due]", ids)
	}

	j, _ := f.store.Get(context.Background(), "due")
	if j.FiredAt == nil || !j.FiredAt.Equal(jobtest.Base) {
		t.Errorf("FiredAt = %v, want %v", j.FiredAt, jobtest.Base)
	}

	stats := f.s.Stats()
	if stats.Fired != 1 || stats.TimedOut != 0 {
		t.Errorf("stats fired=%d timed_out=%d, want 1/0", stats.Fired, stats.TimedOut)
	}
	if stats.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", stats.Iterations)
	}
}

// TestIteration_TimesOutExpiredJobs verifies that a job past its window is reported as TIMED_OUT.
func TestIteration_TimesOutExpiredJobs(t *testing.T) {
	f := newFixture(t, DefaultConfig(), 10)
	f.create(t, "late", jobtest.Base.Add(-2*time.Minute), time.Minute)

	f.s.iteration(context.Background())

	if got := f.state(t, "late"); got != job.StateTimedOut {
		t.Errorf("state = %s, want TIMED_OUT", got)
	}
	if ids := f.drain(); len(ids) != 1 {
		t.Errorf("expected timed out job to be handed off for its callback, got %v", ids)
	}
	if got := f.s.Stats().TimedOut; got != 1 {
		t.Errorf("TimedOut = %d, want 1", got)
	}
}

// TestIteration_TimeoutBoundary verifies that a timeout never fires early.
func TestIteration_TimeoutBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		timeout time.Duration
		want    job.State
	}{
		{"exactly at deadline", time.Minute, time.Minute, job.StateFired},
		{"one nanosecond past deadline", time.Minute + time.Nanosecond, time.Minute, job.StateTimedOut},
		{"inside window", 30 * time.Second, time.Minute, job.StateFired},
		{"no timeout", 24 * time.Hour, 0, job.StateFired},
		{"fire time equals now", 0, time.Minute, job.StateFired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, DefaultConfig(), 10)
			f.create(t, "j", jobtest.Base.Add(-tt.elapsed), tt.timeout)

			f.s.iteration(context.Background())

			if got := f.state(t, "j"); got != tt.want {
				t.Errorf("state = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestIteration_BatchSize verifies that at most BatchSize jobs are settled per iteration.
func TestIteration_BatchSize(t *testing.T) {
	config := DefaultConfig()
	config.BatchSize = 2
	f := newFixture(t, config, 10)
	for i := 0; i < 5; i++ {
		f.create(t, fmt.Sprintf("job-%d", i), jobtest.Base.Add(-time.Duration(5-i)*time.Second), time.Minute)
	}

	f.s.iteration(context.Background())
	if got := len(f.drain()); got != 2 {
		t.Errorf("first iteration handed off %d jobs, want 2", got)
	}

	f.s.iteration(context.Background())
	f.s.iteration(context.Background())
	if got := f.s.Stats().Fired; got != 5 {
		t.Errorf("Fired = %d, want 5", got)
	}
}

// TestIteration_LostRaceToCancel verifies that a cancel landing between the
// scan and the swap wins and the job is never dispatched.
func TestIteration_LostRaceToCancel(t *testing.T) {
	f := newFixture(t, DefaultConfig(), 10)
	f.create(t, "raced", jobtest.Base.Add(-time.Second), time.Minute)

	f.store.SetBeforeTransition(func(id string, to job.State) {
		f.store.SetBeforeTransition(nil)
		if _, err := f.store.Transition(context.Background(), id, job.StateCancelled, job.TransitionOpts{}); err != nil {
			t.Errorf("cancel failed: %v", err)
		}
	})

	f.s.iteration(context.Background())

	if got := f.state(t, "raced"); got != job.StateCancelled {
		t.Errorf("state = %s, want CANCELLED", got)
	}
	if ids := f.drain(); len(ids) != 0 {
		t.Errorf("cancelled job must not be dispatched, got %v", ids)
	}

	stats := f.s.Stats()
	if stats.LostRaces != 1 {
		t.Errorf("LostRaces = %d, want 1", stats.LostRaces)
	}
	if stats.Errors != 0 {
		t.Errorf("a lost race is not an error, got Errors = %d", stats.Errors)
	}
	entry, ok := f.logger.Find("lost race settling job")
	if !ok {
		t.Fatal("expected lost race to be logged")
	}
	if entry.Level != "DEBUG" || entry.Fields["job_id"] != "raced" {
		t.Errorf("unexpected lost race entry: %+v", entry)
	}
}

// TestIteration_LostRaceToReschedule verifies that a reschedule landing
// between the scan and the swap wins: the job keeps its new fire time and
// fires then, not at the time Due saw.
func TestIteration_LostRaceToReschedule(t *testing.T) {
	tests := []struct {
		name    string
		fireAt  time.Time
		timeout time.Duration
		settle  job.State
	}{
		{"due job", jobtest.Base.Add(-time.Second), time.Minute, job.StateFired},
		{"expired job", jobtest.Base.Add(-2 * time.Hour), time.Minute, job.StateTimedOut},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, testConfig(), 10)
			f.create(t, "moved", tt.fireAt, tt.timeout)

			later := jobtest.Base.Add(time.Hour)
			f.store.SetBeforeTransition(func(id string, to job.State) {
				f.store.SetBeforeTransition(nil)
				if to != tt.settle {
					t.Errorf("settling as %s, want %s", to, tt.settle)
				}
				if _, err := f.store.Reschedule(context.Background(), id, later); err != nil {
					t.Errorf("reschedule failed: %v", err)
				}
			})

			f.s.iteration(context.Background())

			got, err := f.store.Get(context.Background(), "moved")
			if err != nil {
				t.Fatalf("failed to get job: %v", err)
			}
			if got.State != job.StateScheduled || !got.FireAt.Equal(later) {
				t.Errorf("job = %s at %v, want SCHEDULED at %v", got.State, got.FireAt, later)
			}
			if ids := f.drain(); len(ids) != 0 {
				t.Errorf("rescheduled job must not be dispatched, got %v", ids)
			}
			if got := f.s.Stats().LostRaces; got != 1 {
				t.Errorf("LostRaces = %d, want 1", got)
			}

			// At the new fire time the job fires on time rather than timing out
			f.clock.Set(later)
			f.s.iteration(context.Background())

			if got := f.state(t, "moved"); got != job.StateFired {
				t.Errorf("state at new fire time = %s, want FIRED", got)
			}
			if ids := f.drain(); len(ids) != 1 || ids[0] != "moved" {
				t.Errorf("handed off %v, want [moved]", ids)
			}
		})
	}
}

// TestIteration_StoreErrors verifies that store failures are counted and logged, not fatal.
func TestIteration_StoreErrors(t *testing.T) {
	f := newFixture(t, DefaultConfig(), 10)
	f.create(t, "j", jobtest.Base.Add(-time.Second), time.Minute)

	f.store.SetQueryError(errors.New("connection refused"))
	f.s.iteration(context.Background())

	if got := f.s.Stats().Errors; got != 1 {
		t.Errorf("Errors = %d, want 1", got)
	}
	if !f.logger.HasError() {
		t.Error("expected error to be logged")
	}

	// Recovers once the store does
	f.store.SetQueryError(nil)
	f.s.iteration(context.Background())
	if got := f.state(t, "j"); got != job.StateFired {
		t.Errorf("state = %s, want FIRED", got)
	}
}

// TestIteration_TransitionWriteError verifies that a failed swap leaves the job scheduled.
func TestIteration_TransitionWriteError(t *testing.T) {
	config := DefaultConfig()
	config.Retention = 0
	f := newFixture(t, config, 10)
	f.create(t, "j", jobtest.Base.Add(-time.Second), time.Minute)

	f.store.SetWriteError(errors.New("disk full"))
	f.s.iteration(context.Background())
	f.store.SetWriteError(nil)

	if got := f.state(t, "j"); got != job.StateScheduled {
		t.Errorf("state = %s, want SCHEDULED", got)
	}
	if ids := f.drain(); len(ids) != 0 {
		t.Errorf("expected no hand-off, got %v", ids)
	}
	if got := f.s.Stats().Errors; got != 1 {
		t.Errorf("Errors = %d, want 1", got)
	}
}

// =============================================================================
// Hand-off Tests
// =============================================================================

// TestHandoff_BacklogWhenInboxFull verifies that refused hand-offs are retried in order.
func TestHandoff_BacklogWhenInboxFull(t *testing.T) {
	f := newFixture(t, DefaultConfig(), 1)
	f.create(t, "a", jobtest.Base.Add(-3*time.Second), time.Minute)
	f.create(t, "b", jobtest.Base.Add(-2*time.Second), time.Minute)
	f.create(t, "c", jobtest.Base.Add(-time.Second), time.Minute)

	f.s.iteration(context.Background())

	if got := f.s.Stats().Backlog; got != 2 {
		t.Fatalf("Backlog = %d, want 2", got)
	}

	var order []string
	order = append(order, f.drain()...)
	f.s.iteration(context.Background())
	order = append(order, f.drain()...)
	f.s.iteration(context.Background())
	order = append(order, f.drain()...)

	want := []string{"a", "b", "c"}
	if fmt.Sprint(order) != fmt.Sprint(want) {
		t.Errorf("hand-off order = %v, want %v", order, want)
	}
	if got := f.s.Stats().Backlog; got != 0 {
		t.Errorf("Backlog = %d, want 0", got)
	}
}

// TestRecover verifies that settled jobs still owing a callback are handed off on start.
func TestRecover(t *testing.T) {
	f := newFixture(t, DefaultConfig(), 10)
	fired := jobtest.Base.Add(-time.Minute)
	delivered := jobtest.Base.Add(-30 * time.Second)

	pending := jobtest.NewJob("pending", fired)
	pending.State = job.StateFired
	pending.FiredAt = &fired
	f.store.Put(pending)

	timedOut := jobtest.NewJob("timed-out", fired)
	timedOut.State = job.StateTimedOut
	timedOut.FiredAt = &fired
	f.store.Put(timedOut)

	done := jobtest.NewJob("done", fired)
	done.State = job.StateFired
	done.FiredAt = &fired
	done.DeliveredAt = &delivered
	done.FinishedAt = &delivered
	f.store.Put(done)

	f.create(t, "scheduled", jobtest.Base.Add(time.Hour), time.Minute)

	if err := f.s.Recover(context.Background()); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	ids := f.drain()
	if len(ids) != 2 {
		t.Fatalf("recovered %v, want pending and timed-out", ids)
	}
	for _, id := range ids {
		if id != "pending" && id != "timed-out" {
			t.Errorf("unexpected recovered job %s", id)
		}
	}
	if got := f.s.Stats().Recovered; got != 2 {
		t.Errorf("Recovered = %d, want 2", got)
	}
}

// TestRecover_SkipsLeasedJobs verifies that a job another dispatcher is still
// delivering is not handed off again, while an expired lease is taken over.
func TestRecover_SkipsLeasedJobs(t *testing.T) {
	f := newFixture(t, DefaultConfig(), 10)
	fired := jobtest.Base.Add(-time.Minute)

	for _, id := range []string{"busy", "abandoned"} {
		j := jobtest.NewJob(id, fired)
		j.State = job.StateFired
		j.FiredAt = &fired
		f.store.Put(j)
	}

	ctx := context.Background()
	if err := f.store.Claim(ctx, "busy", "other", fired, jobtest.Base.Add(time.Minute)); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := f.store.Claim(ctx, "abandoned", "crashed", fired, jobtest.Base.Add(-time.Second)); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	if err := f.s.Recover(ctx); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if ids := f.drain(); len(ids) != 1 || ids[0] != "abandoned" {
		t.Errorf("recovered %v, want [abandoned]", ids)
	}
	if got := f.s.Stats().Recovered; got != 1 {
		t.Errorf("Recovered = %d, want 1", got)
	}
}

// =============================================================================
// Purge Tests
// =============================================================================

// TestPurge_RespectsRetentionAndInterval verifies that finished jobs are deleted
// after the retention period, at most once per purge interval.
func TestPurge_RespectsRetentionAndInterval(t *testing.T) {
	config := DefaultConfig()
	config.Retention = time.Hour
	config.PurgeInterval = 10 * time.Minute
	f := newFixture(t, config, 10)

	put := func(id string, finished time.Time) {
		j := jobtest.NewJob(id, finished.Add(-time.Minute))
		j.State = job.StateCancelled
		j.FinishedAt = &finished
		f.store.Put(j)
	}
	put("old", jobtest.Base.Add(-2*time.Hour))
	put("recent", jobtest.Base.Add(-30*time.Minute))

	f.s.iteration(context.Background())
	if _, err := f.store.Get(context.Background(), "old"); !job.IsNotFound(err) {
		t.Errorf("expected old job to be purged, got %v", err)
	}
	if _, err := f.store.Get(context.Background(), "recent"); err != nil {
		t.Errorf("recent job must be kept: %v", err)
	}

	// Inside the purge interval nothing is deleted, even past the cutoff
	put("older", jobtest.Base.Add(-3*time.Hour))
	f.clock.Advance(5 * time.Minute)
	f.s.iteration(context.Background())
	if _, err := f.store.Get(context.Background(), "older"); err != nil {
		t.Fatalf("purge ran before the interval elapsed: %v", err)
	}

	f.clock.Advance(5 * time.Minute)
	f.s.iteration(context.Background())
	if _, err := f.store.Get(context.Background(), "older"); !job.IsNotFound(err) {
		t.Errorf("expected older job to be purged, got %v", err)
	}
	if got := f.s.Stats().Purged; got != 2 {
		t.Errorf("Purged = %d, want 2", got)
	}
}

// TestPurge_Disabled verifies that zero retention keeps every job.
func TestPurge_Disabled(t *testing.T) {
	config := DefaultConfig()
	config.Retention = 0
	f := newFixture(t, config, 10)

	finished := jobtest.Base.Add(-365 * 24 * time.Hour)
	j := jobtest.NewJob("ancient", finished)
	j.State = job.StateCancelled
	j.FinishedAt = &finished
	f.store.Put(j)

	f.s.iteration(context.Background())

	if _, err := f.store.Get(context.Background(), "ancient"); err != nil {
		t.Errorf("job must be kept with retention disabled: %v", err)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

// TestStartShutdown verifies that the loop settles jobs and stops on Shutdown.
func TestStartShutdown(t *testing.T) {
	f := newFixture(t, testConfig(), 10)
	f.create(t, "j", jobtest.Base.Add(-time.Second), time.Minute)

	done := make(chan error, 1)
	go func() {
		done <- f.s.Start(context.Background())
	}()

	testutil.WaitFor(t, func() bool {
		return f.out.Len() == 1
	}, time.Second, "job to be handed off")

	f.s.Shutdown()
	f.s.Shutdown()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after Shutdown")
	}
}

// TestStart_ContextCancel verifies that cancelling the context stops the loop.
func TestStart_ContextCancel(t *testing.T) {
	f := newFixture(t, testConfig(), 10)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- f.s.Start(ctx)
	}()

	testutil.WaitFor(t, func() bool {
		return f.s.Stats().Iterations > 0
	}, time.Second, "first iteration")
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop after context cancel")
	}
}

// TestStart_RecoverFails verifies that Start reports a failed recovery.
func TestStart_RecoverFails(t *testing.T) {
	f := newFixture(t, testConfig(), 10)
	f.store.SetQueryError(errors.New("connection refused"))

	if err := f.s.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when recovery cannot read the store")
	}
}

// TestConcurrentEvaluators verifies that two evaluators sharing a store
// dispatch every job exactly once.
func TestConcurrentEvaluators(t *testing.T) {
	const numJobs = 50

	f := newFixture(t, DefaultConfig(), numJobs*2)
	for i := 0; i < numJobs; i++ {
		f.create(t, fmt.Sprintf("job-%02d", i), jobtest.Base.Add(-time.Duration(i)*time.Second), time.Minute)
	}

	other, err := NewScheduler(DefaultConfig(), f.store, f.out, f.logger.Logger(), WithClock(f.clock))
	if err != nil {
		t.Fatalf("unexpected error creating scheduler: %v", err)
	}

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{f.s, other} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			s.iteration(context.Background())
		}(s)
	}
	wg.Wait()

	seen := make(map[string]int)
	for _, id := range f.drain() {
		seen[id]++
	}
	if len(seen) != numJobs {
		t.Errorf("dispatched %d distinct jobs, want %d", len(seen), numJobs)
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("job %s dispatched %d times", id, n)
		}
	}

	total := f.s.Stats().Fired + other.Stats().Fired
	if total != numJobs {
		t.Errorf("fired %d jobs in total, want %d", total, numJobs)
	}
	if got := f.store.CountTransitions(); got != numJobs {
		t.Errorf("store applied %d transitions, want %d", got, numJobs)
	}
}
