package supervisor

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/absnate/docharvester/internal/harvest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memJobStore struct {
	mu     sync.Mutex
	jobs   map[string]*harvest.Job
	cancel map[string]bool
	logs   map[string]string
}

func newMemJobStore(jobs ...harvest.Job) *memJobStore {
	s := &memJobStore{jobs: map[string]*harvest.Job{}, cancel: map[string]bool{}, logs: map[string]string{}}
	for _, j := range jobs {
		jc := j
		s.jobs[j.ID] = &jc
	}
	return s
}

func (s *memJobStore) CreateJob(_ context.Context, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &job
	return nil
}

func (s *memJobStore) GetJob(_ context.Context, id string) (harvest.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return harvest.Job{}, harvest.ErrNotFound
	}
	return *j, nil
}

func (s *memJobStore) ListJobs(context.Context, harvest.JobKind) ([]harvest.Job, error) {
	return nil, nil
}

func (s *memJobStore) ListActiveJobs(context.Context) ([]harvest.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []harvest.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			out = append(out, *j)
		}
	}
	// Oldest first, like the Postgres store; test job IDs sort in creation order.
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func (s *memJobStore) TransitionStatus(_ context.Context, id string, from, to harvest.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return harvest.ErrNotFound
	}
	if j.Status != from {
		return harvest.ErrConflict
	}
	j.Status = to
	j.ErrorText = errText
	if to.Terminal() {
		now := time.Now()
		j.FinishedAt = &now
		j.WorkerPID = nil
	}
	return nil
}

func (s *memJobStore) ForceTerminal(_ context.Context, id string, to harvest.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return harvest.ErrNotFound
	}
	if j.Status.Terminal() {
		return harvest.ErrConflict
	}
	j.Status = to
	j.ErrorText = errText
	now := time.Now()
	j.FinishedAt = &now
	j.WorkerPID = nil
	return nil
}

func (s *memJobStore) IncrementCounters(context.Context, string, harvest.JobCounters) error {
	return nil
}

func (s *memJobStore) SetWorkerPID(_ context.Context, id string, pid *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.WorkerPID = pid
	}
	return nil
}

func (s *memJobStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel[id] = true
	return nil
}

func (s *memJobStore) CancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel[id], nil
}

func (s *memJobStore) AppendWorkerLog(_ context.Context, id, tail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = tail
	return nil
}

func (s *memJobStore) WorkerLog(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[id], nil
}

func (s *memJobStore) Stats(context.Context) (harvest.StatsTotals, error) {
	return harvest.StatsTotals{}, nil
}

func (s *memJobStore) PurgeFinishedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *memJobStore) job(id string) harvest.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

// fakeProcess is a controllable worker process.
type fakeProcess struct {
	pid        int
	exitCode   int
	exited     chan struct{}
	exitOnce   sync.Once
	mu         sync.Mutex
	terminated bool
	killed     bool
	// exitOnTerm makes Terminate behave like a cooperative worker.
	exitOnTerm bool
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, exited: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Wait() (int, error) {
	<-p.exited
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, nil
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	cooperative := p.exitOnTerm
	p.mu.Unlock()
	if cooperative {
		p.exit(0)
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(137)
	return nil
}

func (p *fakeProcess) isTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

func (p *fakeProcess) isKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()
		close(p.exited)
	})
}

type fakeLauncher struct {
	mu      sync.Mutex
	started []string
	procs   map[string]*fakeProcess
	nextPID int
	// template configures spawned processes.
	exitOnTerm bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{procs: map[string]*fakeProcess{}, nextPID: 1000}
}

func (l *fakeLauncher) Start(jobID string) (Process, *ringBuffer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextPID++
	proc := newFakeProcess(l.nextPID)
	proc.exitOnTerm = l.exitOnTerm
	l.procs[jobID] = proc
	l.started = append(l.started, jobID)
	return proc, newRingBuffer(1024), nil
}

func (l *fakeLauncher) proc(jobID string) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[jobID]
}

func (l *fakeLauncher) startedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.started)
}

func pendingJob(id string) harvest.Job {
	return harvest.Job{
		ID:     id,
		Kind:   harvest.JobKindCrawl,
		Source: "https://acme.example.com",
		Status: harvest.JobStatusPending,
	}
}

func newSupervisor(store *memJobStore, launcher Launcher, clock *fakeClock, cfg Config) *Supervisor {
	s := New(store, launcher, clock, cfg, zap.NewNop())
	s.pidAlive = func(int) bool { return false }
	return s
}

func TestLaunchTransitionsAndRecordsPID(t *testing.T) {
	t.Parallel()
	store := newMemJobStore(pendingJob("job-1"))
	launcher := newFakeLauncher()
	clock := &fakeClock{now: time.Now()}
	s := newSupervisor(store, launcher, clock, Config{PollInterval: 5 * time.Millisecond})

	require.NoError(t, s.admitPending(context.Background()))

	job := store.job("job-1")
	assert.Equal(t, harvest.JobStatusCrawling, job.Status)
	require.NotNil(t, job.WorkerPID)
	assert.Equal(t, 1, s.RunningCount())

	// Worker finishes successfully and records its own terminal state.
	require.NoError(t, store.ForceTerminal(context.Background(), "job-1", harvest.JobStatusCompleted, ""))
	launcher.proc("job-1").exit(0)
	require.Eventually(t, func() bool { return s.RunningCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAdmissionCapAndFIFO(t *testing.T) {
	t.Parallel()
	store := newMemJobStore(pendingJob("job-1"), pendingJob("job-2"), pendingJob("job-3"))
	launcher := newFakeLauncher()
	clock := &fakeClock{now: time.Now()}
	s := newSupervisor(store, launcher, clock, Config{MaxConcurrentJobs: 2, PollInterval: 5 * time.Millisecond})

	require.NoError(t, s.admitPending(context.Background()))
	assert.Equal(t, 2, s.RunningCount())
	assert.Equal(t, 2, launcher.startedCount())
	assert.Equal(t, []string{"job-1", "job-2"}, launcher.started)

	// Finish one; the third is admitted on the next pass.
	first := launcher.started[0]
	require.NoError(t, store.ForceTerminal(context.Background(), first, harvest.JobStatusCompleted, ""))
	launcher.proc(first).exit(0)
	require.Eventually(t, func() bool { return s.RunningCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.admitPending(context.Background()))
	assert.Equal(t, 3, launcher.startedCount())
	assert.Equal(t, "job-3", launcher.started[2])
}

func TestCancellationCooperative(t *testing.T) {
	t.Parallel()
	store := newMemJobStore(pendingJob("job-1"))
	launcher := newFakeLauncher()
	launcher.exitOnTerm = true
	clock := &fakeClock{now: time.Now()}
	s := newSupervisor(store, launcher, clock, Config{
		PollInterval: 5 * time.Millisecond,
		GracePeriod:  time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.admitPending(ctx))

	require.NoError(t, store.RequestCancel(ctx, "job-1"))

	require.Eventually(t, func() bool {
		return store.job("job-1").Status == harvest.JobStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	job := store.job("job-1")
	assert.Nil(t, job.WorkerPID)
	assert.NotNil(t, job.FinishedAt)
	assert.True(t, launcher.proc("job-1").terminated)
	assert.False(t, launcher.proc("job-1").killed)
}

func TestCancellationCoerciveAfterGrace(t *testing.T) {
	t.Parallel()
	store := newMemJobStore(pendingJob("job-1"))
	launcher := newFakeLauncher() // processes ignore SIGTERM
	clock := &fakeClock{now: time.Now()}
	s := newSupervisor(store, launcher, clock, Config{
		PollInterval: 5 * time.Millisecond,
		GracePeriod:  50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.admitPending(ctx))

	require.NoError(t, store.RequestCancel(ctx, "job-1"))

	// Let the watcher observe the flag, then push past the grace period.
	require.Eventually(t, func() bool { return launcher.proc("job-1").isTerminated() }, time.Second, 5*time.Millisecond)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool { return launcher.proc("job-1").isKilled() }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return store.job("job-1").Status == harvest.JobStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCrashPersistsStderrTail(t *testing.T) {
	t.Parallel()
	store := newMemJobStore(pendingJob("job-1"))
	launcher := newFakeLauncher()
	clock := &fakeClock{now: time.Now()}
	s := newSupervisor(store, launcher, clock, Config{PollInterval: 5 * time.Millisecond})

	require.NoError(t, s.admitPending(context.Background()))

	s.mu.Lock()
	handle := s.running["job-1"]
	s.mu.Unlock()
	_, err := handle.ring.Write([]byte("panic: nil dereference\n"))
	require.NoError(t, err)

	launcher.proc("job-1").exit(2)

	require.Eventually(t, func() bool {
		return store.job("job-1").Status == harvest.JobStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	tail := store.logs["job-1"]
	store.mu.Unlock()
	assert.Contains(t, tail, "panic: nil dereference")
	assert.Contains(t, store.job("job-1").ErrorText, "exited with code 2")
}

func TestSweepOrphansMarksWorkerLost(t *testing.T) {
	t.Parallel()
	dead := 4242
	store := newMemJobStore(
		harvest.Job{ID: "job-orphan", Status: harvest.JobStatusClassifying, WorkerPID: &dead},
		harvest.Job{ID: "job-pending", Status: harvest.JobStatusPending},
	)
	launcher := newFakeLauncher()
	clock := &fakeClock{now: time.Now()}
	s := newSupervisor(store, launcher, clock, Config{})

	require.NoError(t, s.SweepOrphans(context.Background()))

	orphan := store.job("job-orphan")
	assert.Equal(t, harvest.JobStatusFailed, orphan.Status)
	assert.Equal(t, "worker lost", orphan.ErrorText)
	assert.Nil(t, orphan.WorkerPID)

	// Pending jobs are queued work, not orphans.
	assert.Equal(t, harvest.JobStatusPending, store.job("job-pending").Status)
}

func TestWallClockConvertsToCancellation(t *testing.T) {
	t.Parallel()
	store := newMemJobStore(pendingJob("job-1"))
	launcher := newFakeLauncher()
	launcher.exitOnTerm = true
	clock := &fakeClock{now: time.Now()}
	s := newSupervisor(store, launcher, clock, Config{
		PollInterval: 5 * time.Millisecond,
		JobWallClock: time.Hour,
		GracePeriod:  time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.admitPending(ctx))

	clock.Advance(2 * time.Hour)

	require.Eventually(t, func() bool {
		return store.job("job-1").Status == harvest.JobStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRingBuffer(t *testing.T) {
	t.Parallel()
	r := newRingBuffer(8)
	_, _ = r.Write([]byte("abc"))
	assert.Equal(t, "abc", r.Tail())

	_, _ = r.Write([]byte("defghij")) // 10 bytes total, capacity 8
	assert.Equal(t, "cdefghij", r.Tail())

	_, _ = r.Write([]byte("0123456789ABCDEF")) // larger than capacity
	assert.Equal(t, "89ABCDEF", r.Tail())
}
