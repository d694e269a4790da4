package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/jobservice/internal/job"
)

// MockStore is an in-memory job.Store with error injection
type MockStore struct {
	mu         sync.Mutex
	jobs       map[string]*job.Job
	attempts   map[string][]job.Attempt
	leases     map[string]lease
	queryError error
	writeError error
	writeDelay time.Duration
	now        func() time.Time

	// BeforeTransition runs after the current state is read and before it is
	// swapped, letting tests interleave a competing transition
	beforeTransition func(id string, to job.State)

	transitions int
}

type lease struct {
	owner string
	until time.Time
}

var _ job.Store = (*MockStore)(nil)

func NewMockStore() *MockStore {
	return &MockStore{
		jobs:     make(map[string]*job.Job),
		attempts: make(map[string][]job.Attempt),
		leases:   make(map[string]lease),
		now:      time.Now,
	}
}

func (m *MockStore) SetQueryError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryError = err
}

func (m *MockStore) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

func (m *MockStore) SetWriteDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeDelay = delay
}

// SetClock replaces the clock used for default timestamps
func (m *MockStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MockStore) SetBeforeTransition(fn func(id string, to job.State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeTransition = fn
}

// CountTransitions returns how many transitions were applied
func (m *MockStore) CountTransitions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitions
}

// LeaseOf returns the current dispatch lease of a job
func (m *MockStore) LeaseOf(id string) (owner string, until time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.leases[id]
	return l.owner, l.until
}

// Put stores j as is, bypassing validation and state defaults
func (m *MockStore) Put(j *job.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = cloneJob(j)
}

func (m *MockStore) write() error {
	m.mu.Lock()
	delay := m.writeDelay
	err := m.writeError
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

func (m *MockStore) query() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queryError
}

func (m *MockStore) Create(_ context.Context, j *job.Job) error {
	if err := m.write(); err != nil {
		return err
	}
	if err := j.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if _, ok := m.jobs[j.ID]; ok {
		return fmt.Errorf("%w: %s", job.ErrDuplicate, j.ID)
	}

	if j.CreatedAt.IsZero() {
		j.CreatedAt = m.now().UTC()
	}
	j.UpdatedAt = j.CreatedAt
	j.State = job.StateScheduled
	j.Attempts = 0
	j.LastError = ""
	j.FiredAt, j.DeliveredAt, j.FinishedAt = nil, nil, nil

	m.jobs[j.ID] = cloneJob(j)
	return nil
}

func (m *MockStore) Get(_ context.Context, id string) (*job.Job, error) {
	if err := m.query(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(id)
}

func (m *MockStore) get(id string) (*job.Job, error) {
	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return cloneJob(j), nil
}

func (m *MockStore) List(_ context.Context, f job.Filter) ([]*job.Job, error) {
	if err := m.query(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	result := m.selectJobs(func(j *job.Job) bool {
		if len(f.States) == 0 {
			return true
		}
		for _, st := range f.States {
			if j.State == st {
				return true
			}
		}
		return false
	}, byFireAt)

	if f.Offset > 0 {
		if f.Offset >= len(result) {
			return []*job.Job{}, nil
		}
		result = result[f.Offset:]
	}
	return limit(result, f.Limit), nil
}

func (m *MockStore) Transition(_ context.Context, id string, to job.State, opts job.TransitionOpts) (*job.Job, error) {
	if err := m.write(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	cur, err := m.get(id)
	hook := m.beforeTransition
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if hook != nil {
		hook(id, to)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	// Compare-and-swap: the state may have moved while the lock was released
	if stored.State != cur.State {
		cur = cloneJob(stored)
	}
	if !job.CanTransition(cur.State, to) || (to == job.StateFailed && cur.DeliveredAt != nil) {
		return nil, &job.TransitionError{ID: id, From: cur.State, To: to}
	}
	if err := opts.CheckFireAt(stored); err != nil {
		return nil, err
	}

	at := opts.At
	if at.IsZero() {
		at = m.now()
	}
	at = at.UTC()

	stored.State = to
	stored.UpdatedAt = at
	switch to {
	case job.StateFired, job.StateTimedOut:
		stored.FiredAt = &at
	case job.StateCancelled, job.StateFailed:
		stored.FinishedAt = &at
	}
	if opts.LastError != "" {
		stored.LastError = opts.LastError
	}
	m.transitions++

	return cloneJob(stored), nil
}

func (m *MockStore) Due(_ context.Context, now time.Time, n int) ([]*job.Job, error) {
	if err := m.query(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return limit(m.selectJobs(func(j *job.Job) bool {
		return j.State == job.StateScheduled && !j.FireAt.After(now)
	}, byFireAt), n), nil
}

func (m *MockStore) Reschedule(_ context.Context, id string, fireAt time.Time) (*job.Job, error) {
	if err := m.write(); err != nil {
		return nil, err
	}
	if fireAt.IsZero() {
		return nil, fmt.Errorf("%w: fire time is required", job.ErrInvalidJob)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if j.State != job.StateScheduled {
		return nil, &job.RescheduleError{ID: id, State: j.State}
	}

	j.FireAt = fireAt.UTC()
	j.UpdatedAt = m.now().UTC()
	return cloneJob(j), nil
}

func (m *MockStore) MarkDelivered(_ context.Context, id string, at time.Time) error {
	if err := m.write(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if j.DeliveredAt != nil {
		return nil
	}
	if !j.State.NeedsDispatch() {
		return fmt.Errorf("%w: job %s is %s and owes no callback", job.ErrInvalidTransition, id, j.State)
	}

	at = at.UTC()
	j.DeliveredAt = &at
	j.FinishedAt = &at
	j.UpdatedAt = at
	return nil
}

func (m *MockStore) RecordAttempt(_ context.Context, a *job.Attempt) error {
	if err := m.write(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[a.JobID]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, a.JobID)
	}
	for _, prev := range m.attempts[a.JobID] {
		if prev.Number == a.Number {
			return fmt.Errorf("%w: attempt %d of job %s", job.ErrDuplicate, a.Number, a.JobID)
		}
	}

	m.attempts[a.JobID] = append(m.attempts[a.JobID], *a)
	if a.Number > j.Attempts {
		j.Attempts = a.Number
	}
	j.LastError = a.Error
	j.UpdatedAt = a.StartedAt.Add(a.Duration).UTC()
	return nil
}

func (m *MockStore) Attempts(_ context.Context, id string) ([]job.Attempt, error) {
	if err := m.query(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[id]; !ok {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}

	result := make([]job.Attempt, len(m.attempts[id]))
	copy(result, m.attempts[id])
	sort.Slice(result, func(i, k int) bool { return result[i].Number < result[k].Number })
	return result, nil
}

func (m *MockStore) Undelivered(_ context.Context, now time.Time, n int) ([]*job.Job, error) {
	if err := m.query(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return limit(m.selectJobs(func(j *job.Job) bool {
		l, leased := m.leases[j.ID]
		return j.State.NeedsDispatch() && j.DeliveredAt == nil && (!leased || !l.until.After(now))
	}, byFiredAt), n), nil
}

func (m *MockStore) Claim(_ context.Context, id, owner string, now, until time.Time) error {
	if err := m.write(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	if !j.State.NeedsDispatch() || j.DeliveredAt != nil {
		return fmt.Errorf("%w: job %s is %s and owes no callback", job.ErrInvalidTransition, id, j.State)
	}
	if l, ok := m.leases[id]; ok && l.owner != owner && l.until.After(now) {
		return fmt.Errorf("%w: %s", job.ErrLeased, id)
	}

	m.leases[id] = lease{owner: owner, until: until}
	return nil
}

func (m *MockStore) Release(_ context.Context, id, owner string) error {
	if err := m.write(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.leases[id]; ok && l.owner == owner {
		delete(m.leases, id)
	}
	return nil
}

func (m *MockStore) Purge(_ context.Context, before time.Time) (int64, error) {
	if err := m.write(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, j := range m.jobs {
		if j.FinishedAt != nil && j.FinishedAt.Before(before) {
			delete(m.jobs, id)
			delete(m.attempts, id)
			delete(m.leases, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *MockStore) Counts(_ context.Context) (map[job.State]int64, error) {
	if err := m.query(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[job.State]int64, len(job.States))
	for _, st := range job.States {
		counts[st] = 0
	}
	for _, j := range m.jobs {
		counts[j.State]++
	}
	return counts, nil
}

func (m *MockStore) selectJobs(keep func(*job.Job) bool, less func(a, b *job.Job) bool) []*job.Job {
	result := []*job.Job{}
	for _, j := range m.jobs {
		if keep(j) {
			result = append(result, cloneJob(j))
		}
	}
	sort.Slice(result, func(i, k int) bool { return less(result[i], result[k]) })
	return result
}

func byFireAt(a, b *job.Job) bool {
	if !a.FireAt.Equal(b.FireAt) {
		return a.FireAt.Before(b.FireAt)
	}
	return a.ID < b.ID
}

func byFiredAt(a, b *job.Job) bool {
	var at, bt time.Time
	if a.FiredAt != nil {
		at = *a.FiredAt
	}
	if b.FiredAt != nil {
		bt = *b.FiredAt
	}
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.ID < b.ID
}

func limit(jobs []*job.Job, n int) []*job.Job {
	if n > 0 && len(jobs) > n {
		return jobs[:n]
	}
	return jobs
}

func cloneJob(j *job.Job) *job.Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	c.FiredAt = cloneTime(j.FiredAt)
	c.DeliveredAt = cloneTime(j.DeliveredAt)
	c.FinishedAt = cloneTime(j.FinishedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
