package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/jobservice/internal/job"
	"github.com/livinlefevreloca/jobservice/internal/job/jobtest"
	"github.com/livinlefevreloca/jobservice/internal/testutil"
)

func setup(t *testing.T) (*Service, *testutil.MockStore, *testutil.TestLogger) {
	t.Helper()
	store := testutil.NewMockStore()
	logger := testutil.NewTestLogger()

	s, err := New(DefaultConfig(), store, logger.Logger(), WithClock(func() time.Time { return jobtest.Base }))
	require.NoError(t, err)
	return s, store, logger
}

func ptr[T any](v T) *T { return &v }

func TestCreate(t *testing.T) {
	s, store, logger := setup(t)
	fireAt := jobtest.Base.Add(time.Hour)

	j, err := s.Create(context.Background(), CreateRequest{
		Callback: "http://localhost:9000/cb",
		Payload:  json.RawMessage(`{"order":42}`),
		FireAt:   &fireAt,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, job.StateScheduled, j.State)
	assert.True(t, j.FireAt.Equal(fireAt))
	assert.Equal(t, DefaultConfig().DefaultTimeout, j.Timeout)
	assert.Equal(t, DefaultConfig().DefaultMaxRetries, j.MaxRetries)

	stored, err := store.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"order":42}`, string(stored.Payload))
	assert.NotEmpty(t, logger.GetEntriesByLevel("INFO"))
}

func TestCreate_ExplicitValues(t *testing.T) {
	s, _, _ := setup(t)
	fireAt := jobtest.Base

	j, err := s.Create(context.Background(), CreateRequest{
		ID:         "my-job",
		Callback:   "https://example.com/cb",
		FireAt:     &fireAt,
		Timeout:    ptr(time.Duration(0)),
		MaxRetries: ptr(0),
	})
	require.NoError(t, err)

	assert.Equal(t, "my-job", j.ID)
	assert.Zero(t, j.Timeout, "explicit zero disables the timeout")
	assert.Zero(t, j.MaxRetries)
}

func TestCreate_Schedule(t *testing.T) {
	tests := []struct {
		schedule string
		want     time.Time
	}{
		{"*/15 * * * *", jobtest.Base.Add(15 * time.Minute)},
		{"0 0 * * *", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)},
		{"@hourly", jobtest.Base.Add(time.Hour)},
		{"@every 90s", jobtest.Base.Add(90 * time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			s, _, _ := setup(t)
			j, err := s.Create(context.Background(), CreateRequest{
				Callback: "http://localhost/cb",
				Schedule: tt.schedule,
			})
			require.NoError(t, err)
			assert.True(t, j.FireAt.Equal(tt.want), "fire_at = %v, want %v", j.FireAt, tt.want)
		})
	}
}

func TestCreate_ScheduleReusedAcrossClock(t *testing.T) {
	now := jobtest.Base
	s, err := New(DefaultConfig(), testutil.NewMockStore(), testutil.NewTestLogger().Logger(),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	first, err := s.Create(context.Background(), CreateRequest{Callback: "http://localhost/cb", Schedule: "@hourly"})
	require.NoError(t, err)

	now = now.Add(90 * time.Minute)
	second, err := s.Create(context.Background(), CreateRequest{Callback: "http://localhost/cb", Schedule: "@hourly"})
	require.NoError(t, err)

	assert.Equal(t, 1, s.schedules.Len(), "one cached parse per expression")
	assert.True(t, first.FireAt.Equal(jobtest.Base.Add(time.Hour)))
	assert.True(t, second.FireAt.Equal(jobtest.Base.Add(2*time.Hour)), "cached schedule still follows the clock")
}

func TestCreate_Invalid(t *testing.T) {
	fireAt := jobtest.Base

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"no fire time", CreateRequest{Callback: "http://localhost/cb"}},
		{"both fire time and schedule", CreateRequest{Callback: "http://localhost/cb", FireAt: &fireAt, Schedule: "@hourly"}},
		{"bad schedule", CreateRequest{Callback: "http://localhost/cb", Schedule: "every tuesday"}},
		{"seconds field not accepted", CreateRequest{Callback: "http://localhost/cb", Schedule: "0 */5 * * * *"}},
		{"zero fire time", CreateRequest{Callback: "http://localhost/cb", FireAt: &time.Time{}}},
		{"missing callback", CreateRequest{FireAt: &fireAt}},
		{"relative callback", CreateRequest{Callback: "/cb", FireAt: &fireAt}},
		{"ftp callback", CreateRequest{Callback: "ftp://host/cb", FireAt: &fireAt}},
		{"negative timeout", CreateRequest{Callback: "http://localhost/cb", FireAt: &fireAt, Timeout: ptr(-time.Second)}},
		{"negative retries", CreateRequest{Callback: "http://localhost/cb", FireAt: &fireAt, MaxRetries: ptr(-1)}},
		{"too many retries", CreateRequest{Callback: "http://localhost/cb", FireAt: &fireAt, MaxRetries: ptr(1000)}},
		{"bad payload", CreateRequest{Callback: "http://localhost/cb", FireAt: &fireAt, Payload: json.RawMessage(`{`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, store, _ := setup(t)
			_, err := s.Create(context.Background(), tt.req)
			assert.ErrorIs(t, err, job.ErrInvalidJob)

			counts, _ := store.Counts(context.Background())
			assert.Zero(t, counts[job.StateScheduled], "nothing stored")
		})
	}
}

func TestCreate_Duplicate(t *testing.T) {
	s, _, _ := setup(t)
	fireAt := jobtest.Base
	req := CreateRequest{ID: "dup", Callback: "http://localhost/cb", FireAt: &fireAt}

	_, err := s.Create(context.Background(), req)
	require.NoError(t, err)

	_, err = s.Create(context.Background(), req)
	assert.ErrorIs(t, err, job.ErrDuplicate)
}

func TestCancel(t *testing.T) {
	s, store, _ := setup(t)
	require.NoError(t, store.Create(context.Background(), jobtest.NewJob("j", jobtest.Base.Add(time.Hour))))

	j, err := s.Cancel(context.Background(), "j")
	require.NoError(t, err)
	assert.Equal(t, job.StateCancelled, j.State)
	assert.NotNil(t, j.FinishedAt)

	_, err = s.Cancel(context.Background(), "j")
	assert.ErrorIs(t, err, job.ErrInvalidTransition, "cancelling twice is a conflict")
}

func TestCancel_AfterFireIsConflict(t *testing.T) {
	for _, state := range []job.State{job.StateFired, job.StateTimedOut, job.StateFailed} {
		t.Run(state.String(), func(t *testing.T) {
			s, store, logger := setup(t)
			j := jobtest.NewJob("j", jobtest.Base.Add(-time.Minute))
			j.State = state
			store.Put(j)

			_, err := s.Cancel(context.Background(), "j")

			var te *job.TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, state, te.From)
			assert.Equal(t, job.StateCancelled, te.To)

			got, _ := store.Get(context.Background(), "j")
			assert.Equal(t, state, got.State, "state must not change")
			assert.Zero(t, store.CountTransitions())
			assert.False(t, logger.HasError())
		})
	}
}

func TestCancel_NotFound(t *testing.T) {
	s, _, _ := setup(t)
	_, err := s.Cancel(context.Background(), "missing")
	assert.True(t, job.IsNotFound(err))
}

// TestCancel_RacesWithFire verifies that a concurrent cancel and fire end in
// exactly one terminal state.
func TestCancel_RacesWithFire(t *testing.T) {
	for i := 0; i < 50; i++ {
		s, store, _ := setup(t)
		require.NoError(t, store.Create(context.Background(), jobtest.NewJob("j", jobtest.Base)))

		var (
			wg                 sync.WaitGroup
			cancelErr, fireErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, cancelErr = s.Cancel(context.Background(), "j")
		}()
		go func() {
			defer wg.Done()
			_, fireErr = store.Transition(context.Background(), "j", job.StateFired, job.TransitionOpts{})
		}()
		wg.Wait()

		got, _ := store.Get(context.Background(), "j")
		switch got.State {
		case job.StateCancelled:
			assert.NoError(t, cancelErr)
			assert.ErrorIs(t, fireErr, job.ErrInvalidTransition)
		case job.StateFired:
			assert.NoError(t, fireErr)
			assert.ErrorIs(t, cancelErr, job.ErrInvalidTransition)
		default:
			t.Fatalf("unexpected state %s", got.State)
		}
		assert.Equal(t, 1, store.CountTransitions())
	}
}

func TestReschedule(t *testing.T) {
	s, store, _ := setup(t)
	require.NoError(t, store.Create(context.Background(), jobtest.NewJob("j", jobtest.Base.Add(time.Hour))))

	newFire := jobtest.Base.Add(2 * time.Hour)
	j, err := s.Reschedule(context.Background(), "j", newFire)
	require.NoError(t, err)
	assert.True(t, j.FireAt.Equal(newFire))

	_, err = s.Reschedule(context.Background(), "j", time.Time{})
	assert.ErrorIs(t, err, job.ErrInvalidJob)
}

func TestReschedule_AfterFireIsConflict(t *testing.T) {
	s, store, _ := setup(t)
	j := jobtest.NewJob("j", jobtest.Base)
	j.State = job.StateFired
	store.Put(j)

	_, err := s.Reschedule(context.Background(), "j", jobtest.Base.Add(time.Hour))
	assert.ErrorIs(t, err, job.ErrInvalidTransition)
	assert.EqualError(t, err, "job j: cannot reschedule, job is already FIRED")

	var re *job.RescheduleError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, job.StateFired, re.State)
}

func TestList(t *testing.T) {
	s, store, _ := setup(t)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Create(context.Background(), jobtest.NewJob(id, jobtest.Base)))
	}
	_, err := s.Cancel(context.Background(), "b")
	require.NoError(t, err)

	jobs, err := s.List(context.Background(), job.Filter{States: []job.State{job.StateScheduled}})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	_, err = s.List(context.Background(), job.Filter{Limit: -1})
	assert.ErrorIs(t, err, job.ErrInvalidJob)
}

func TestAttemptsAndCounts(t *testing.T) {
	s, store, _ := setup(t)
	require.NoError(t, store.Create(context.Background(), jobtest.NewJob("j", jobtest.Base)))

	attempts, err := s.Attempts(context.Background(), "j")
	require.NoError(t, err)
	assert.Empty(t, attempts)

	_, err = s.Attempts(context.Background(), "missing")
	assert.True(t, job.IsNotFound(err))

	counts, err := s.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[job.StateScheduled])
}

func TestStoreErrorsPropagate(t *testing.T) {
	s, store, _ := setup(t)
	boom := errors.New("connection reset")
	store.SetQueryError(boom)

	_, err := s.Get(context.Background(), "j")
	assert.ErrorIs(t, err, boom)

	_, err = s.Counts(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	c := DefaultConfig()
	c.DefaultTimeout = -time.Second
	assert.Error(t, c.Validate())

	c = DefaultConfig()
	c.DefaultMaxRetries = c.MaxRetriesLimit + 1
	assert.Error(t, c.Validate())

	_, err := New(DefaultConfig(), nil, testutil.NewTestLogger().Logger())
	assert.Error(t, err)
}
