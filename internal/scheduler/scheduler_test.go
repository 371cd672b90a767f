package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/absnate/docharvester/internal/harvest"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return "job-" + string(rune('a'+g.n-1)), nil
}

type capturingJobStore struct {
	mu      sync.Mutex
	created []harvest.Job
}

func (s *capturingJobStore) CreateJob(_ context.Context, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, job)
	return nil
}

func (s *capturingJobStore) GetJob(context.Context, string) (harvest.Job, error) {
	return harvest.Job{}, harvest.ErrNotFound
}

func (s *capturingJobStore) ListJobs(context.Context, harvest.JobKind) ([]harvest.Job, error) {
	return nil, nil
}

func (s *capturingJobStore) ListActiveJobs(context.Context) ([]harvest.Job, error) {
	return nil, nil
}

func (s *capturingJobStore) TransitionStatus(context.Context, string, harvest.JobStatus, harvest.JobStatus, string) error {
	return nil
}

func (s *capturingJobStore) ForceTerminal(context.Context, string, harvest.JobStatus, string) error {
	return nil
}

func (s *capturingJobStore) IncrementCounters(context.Context, string, harvest.JobCounters) error {
	return nil
}

func (s *capturingJobStore) SetWorkerPID(context.Context, string, *int) error { return nil }

func (s *capturingJobStore) RequestCancel(context.Context, string) error { return nil }

func (s *capturingJobStore) CancelRequested(context.Context, string) (bool, error) {
	return false, nil
}

func (s *capturingJobStore) AppendWorkerLog(context.Context, string, string) error { return nil }

func (s *capturingJobStore) WorkerLog(context.Context, string) (string, error) { return "", nil }

func (s *capturingJobStore) Stats(context.Context) (harvest.StatsTotals, error) {
	return harvest.StatsTotals{}, nil
}

func (s *capturingJobStore) PurgeFinishedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *capturingJobStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.created)
}

// casScheduleStore enforces the last_run compare-and-set like Postgres.
type casScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*harvest.Schedule
}

func newCASStore(schedules ...harvest.Schedule) *casScheduleStore {
	s := &casScheduleStore{schedules: map[string]*harvest.Schedule{}}
	for _, sc := range schedules {
		c := sc
		s.schedules[sc.ID] = &c
	}
	return s
}

func (s *casScheduleStore) CreateSchedule(_ context.Context, schedule harvest.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[schedule.ID] = &schedule
	return nil
}

func (s *casScheduleStore) GetSchedule(_ context.Context, id string) (harvest.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.schedules[id]; ok {
		return *sc, nil
	}
	return harvest.Schedule{}, harvest.ErrNotFound
}

func (s *casScheduleStore) ListSchedules(_ context.Context, enabledOnly bool) ([]harvest.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []harvest.Schedule
	for _, sc := range s.schedules {
		if !enabledOnly || sc.Enabled {
			out = append(out, *sc)
		}
	}
	return out, nil
}

func (s *casScheduleStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.schedules, id)
	return nil
}

func (s *casScheduleStore) ClaimRun(_ context.Context, id string, prev *time.Time, firedAt, nextRun time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.schedules[id]
	if !ok {
		return harvest.ErrNotFound
	}
	switch {
	case prev == nil && sc.LastRun != nil:
		return harvest.ErrConflict
	case prev != nil && (sc.LastRun == nil || !sc.LastRun.Equal(*prev)):
		return harvest.ErrConflict
	}
	sc.LastRun = &firedAt
	sc.NextRun = &nextRun
	return nil
}

func weeklySchedule(id string, nextRun *time.Time) harvest.Schedule {
	return harvest.Schedule{
		ID:               id,
		ManufacturerName: "Acme",
		Domain:           "https://acme.example.com",
		SharePointFolder: "/Docs/Acme",
		Cron:             harvest.WeeklyCronSpec,
		Enabled:          true,
		NextRun:          nextRun,
	}
}

func TestFireDueCreatesPendingJob(t *testing.T) {
	t.Parallel()
	past := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	jobs := &capturingJobStore{}
	schedules := newCASStore(weeklySchedule("sched-1", &past))
	svc, err := New(jobs, schedules, &seqIDs{}, fixedClock{now: now}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, svc.FireDue(context.Background()))

	require.Equal(t, 1, jobs.count())
	created := jobs.created[0]
	assert.Equal(t, harvest.JobStatusPending, created.Status)
	assert.Equal(t, harvest.JobKindCrawl, created.Kind)
	assert.Equal(t, "https://acme.example.com", created.Source)
	assert.False(t, created.WeeklyRecrawl)

	updated, _ := schedules.GetSchedule(context.Background(), "sched-1")
	require.NotNil(t, updated.LastRun)
	assert.Equal(t, now, updated.LastRun.UTC())
	require.NotNil(t, updated.NextRun)
	// Next Sunday 00:00 UTC after Monday June 2nd is June 8th.
	assert.Equal(t, time.Date(2025, 6, 8, 0, 0, 0, 0, time.UTC), updated.NextRun.UTC())
}

func TestFireDueTwiceFiresOnce(t *testing.T) {
	t.Parallel()
	past := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	jobs := &capturingJobStore{}
	store := newCASStore(weeklySchedule("sched-1", &past))
	svc, err := New(jobs, store, &seqIDs{}, fixedClock{now: now}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, svc.FireDue(context.Background()))
	require.NoError(t, svc.FireDue(context.Background()))

	assert.Equal(t, 1, jobs.count())
}

func TestFireDueSkipsFutureAndDisabled(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	future := now.AddDate(0, 0, 6)

	disabled := weeklySchedule("sched-disabled", nil)
	disabled.Enabled = false

	jobs := &capturingJobStore{}
	store := newCASStore(weeklySchedule("sched-future", &future), disabled)
	svc, err := New(jobs, store, &seqIDs{}, fixedClock{now: now}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, svc.FireDue(context.Background()))
	assert.Zero(t, jobs.count())
}

func TestFireDueFiresNilNextRunAtStartup(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	jobs := &capturingJobStore{}
	store := newCASStore(weeklySchedule("sched-new", nil))
	svc, err := New(jobs, store, &seqIDs{}, fixedClock{now: now}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, svc.FireDue(context.Background()))
	assert.Equal(t, 1, jobs.count())
}
