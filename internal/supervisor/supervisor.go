// Package supervisor owns job lifecycles: it admits pending jobs under a
// global cap, isolates each job in a worker sub-process, propagates
// cancellation and sweeps orphans.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/absnate/docharvester/internal/harvest"
	"github.com/absnate/docharvester/internal/metrics"
)

// Config governs supervisor behavior.
type Config struct {
	MaxConcurrentJobs int
	GracePeriod       time.Duration
	JobWallClock      time.Duration
	PollInterval      time.Duration
}

// Supervisor enforces the job state machine from the service process.
type Supervisor struct {
	jobs     harvest.JobStore
	launcher Launcher
	clock    harvest.Clock
	logger   *zap.Logger
	cfg      Config

	// pidAlive is swappable in tests.
	pidAlive func(pid int) bool

	mu      sync.Mutex
	running map[string]*workerHandle
	wg      sync.WaitGroup
}

type workerHandle struct {
	jobID   string
	proc    Process
	ring    *ringBuffer
	started time.Time
}

// New constructs a Supervisor.
func New(jobs harvest.JobStore, launcher Launcher, clock harvest.Clock, cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.MaxConcurrentJobs <= 0 {
		cfg.MaxConcurrentJobs = 8
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.JobWallClock <= 0 {
		cfg.JobWallClock = 6 * time.Hour
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		jobs:     jobs,
		launcher: launcher,
		clock:    clock,
		logger:   logger,
		cfg:      cfg,
		pidAlive: PidAlive,
		running:  make(map[string]*workerHandle),
	}
}

// Run sweeps orphans once, then admits pending jobs until the context
// ends. It blocks; call it from its own goroutine and cancel the context
// to shut down.
func (s *Supervisor) Run(ctx context.Context) {
	if err := s.SweepOrphans(ctx); err != nil {
		s.logger.Error("orphan sweep failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-ticker.C:
			if err := s.admitPending(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("admission pass failed", zap.Error(err))
			}
		}
	}
}

// SweepOrphans fails every non-pending active job whose worker process is
// gone. Run at startup so a supervisor crash leaves no jobs stuck.
func (s *Supervisor) SweepOrphans(ctx context.Context) error {
	active, err := s.jobs.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	for _, job := range active {
		if job.Status == harvest.JobStatusPending {
			continue
		}
		s.mu.Lock()
		_, owned := s.running[job.ID]
		s.mu.Unlock()
		if owned {
			continue
		}
		if job.WorkerPID != nil && s.pidAlive(*job.WorkerPID) {
			continue
		}
		s.logger.Warn("orphaned job detected",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
		if err := s.jobs.ForceTerminal(ctx, job.ID, harvest.JobStatusFailed, "worker lost"); err != nil &&
			!errors.Is(err, harvest.ErrConflict) {
			s.logger.Error("orphan transition failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

// admitPending starts workers for pending jobs in FIFO order up to the
// global cap.
func (s *Supervisor) admitPending(ctx context.Context) error {
	active, err := s.jobs.ListActiveJobs(ctx)
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}
	for _, job := range active {
		if job.Status != harvest.JobStatusPending {
			continue
		}
		s.mu.Lock()
		slots := s.cfg.MaxConcurrentJobs - len(s.running)
		s.mu.Unlock()
		if slots <= 0 {
			return nil
		}
		if err := s.launch(ctx, job); err != nil {
			s.logger.Error("launch failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	return nil
}

// launch transitions pending → crawling, then spawns the worker. The
// transition is persisted before the side effect; a conflict means another
// pass already owns the job.
func (s *Supervisor) launch(ctx context.Context, job harvest.Job) error {
	err := s.jobs.TransitionStatus(ctx, job.ID, harvest.JobStatusPending, harvest.JobStatusCrawling, "")
	if err != nil {
		if errors.Is(err, harvest.ErrConflict) {
			return nil
		}
		return err
	}

	proc, ring, err := s.launcher.Start(job.ID)
	if err != nil {
		_ = s.jobs.ForceTerminal(ctx, job.ID, harvest.JobStatusFailed, "worker spawn failed: "+err.Error())
		return err
	}

	pid := proc.PID()
	if err := s.jobs.SetWorkerPID(ctx, job.ID, &pid); err != nil {
		s.logger.Error("record worker pid failed", zap.String("job_id", job.ID), zap.Error(err))
	}

	handle := &workerHandle{jobID: job.ID, proc: proc, ring: ring, started: s.clock.Now()}
	s.mu.Lock()
	s.running[job.ID] = handle
	s.mu.Unlock()

	metrics.WorkerStarted()
	s.logger.Info("worker started", zap.String("job_id", job.ID), zap.Int("pid", pid))

	s.wg.Add(2)
	go s.watch(ctx, handle)
	go s.reap(handle)
	return nil
}

// watch polls the sticky cancel flag and the soft wall clock, escalating
// SIGTERM → grace → SIGKILL.
func (s *Supervisor) watch(ctx context.Context, handle *workerHandle) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var termSentAt *time.Time
	for {
		select {
		case <-ctx.Done():
			// Service shutdown: ask workers to stop; they keep their jobs,
			// which the next startup sweep resolves.
			_ = handle.proc.Terminate()
			return
		case <-ticker.C:
		}

		s.mu.Lock()
		_, stillRunning := s.running[handle.jobID]
		s.mu.Unlock()
		if !stillRunning {
			return
		}

		now := s.clock.Now()
		if termSentAt != nil {
			if now.Sub(*termSentAt) >= s.cfg.GracePeriod {
				s.logger.Warn("grace period expired, killing worker group",
					zap.String("job_id", handle.jobID))
				_ = handle.proc.Kill()
				return
			}
			continue
		}

		cancelled, err := s.jobs.CancelRequested(ctx, handle.jobID)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("cancel flag read failed", zap.Error(err))
			}
			continue
		}
		if !cancelled && now.Sub(handle.started) >= s.cfg.JobWallClock {
			// Soft job timeout converts to a cancellation.
			s.logger.Warn("job wall clock exceeded, cancelling",
				zap.String("job_id", handle.jobID))
			if err := s.jobs.RequestCancel(ctx, handle.jobID); err != nil {
				s.logger.Warn("wall clock cancel failed", zap.Error(err))
				continue
			}
			cancelled = true
		}
		if cancelled {
			s.logger.Info("signalling worker group", zap.String("job_id", handle.jobID))
			_ = handle.proc.Terminate()
			t := now
			termSentAt = &t
		}
	}
}

// reap waits for the worker to exit and applies the terminal transition.
func (s *Supervisor) reap(handle *workerHandle) {
	defer s.wg.Done()
	exitCode, waitErr := handle.proc.Wait()

	s.mu.Lock()
	delete(s.running, handle.jobID)
	s.mu.Unlock()

	// The process is gone; the terminal transition must still land.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if waitErr != nil {
		s.logger.Error("worker wait failed", zap.String("job_id", handle.jobID), zap.Error(waitErr))
	}

	cancelled, err := s.jobs.CancelRequested(ctx, handle.jobID)
	if err != nil {
		s.logger.Warn("cancel flag read after exit failed", zap.Error(err))
	}

	outcome := s.settle(ctx, handle, exitCode, cancelled)
	metrics.WorkerFinished(outcome, s.clock.Now().Sub(handle.started))
	s.recordArtifactTotals(ctx, handle.jobID)
	s.logger.Info("worker reaped",
		zap.String("job_id", handle.jobID),
		zap.Int("exit_code", exitCode),
		zap.String("outcome", outcome),
	)
}

func (s *Supervisor) settle(ctx context.Context, handle *workerHandle, exitCode int, cancelled bool) string {
	clearPID := func() {
		if err := s.jobs.SetWorkerPID(ctx, handle.jobID, nil); err != nil {
			s.logger.Warn("clear worker pid failed", zap.Error(err))
		}
	}

	if cancelled {
		err := s.jobs.ForceTerminal(ctx, handle.jobID, harvest.JobStatusCancelled, "")
		if err != nil && !errors.Is(err, harvest.ErrConflict) {
			s.logger.Error("cancelled transition failed", zap.Error(err))
		}
		return string(harvest.JobStatusCancelled)
	}

	if exitCode != 0 {
		tail := handle.ring.Tail()
		if err := s.jobs.AppendWorkerLog(ctx, handle.jobID, tail); err != nil {
			s.logger.Warn("persist worker log failed", zap.Error(err))
		}
		reason := fmt.Sprintf("worker exited with code %d", exitCode)
		err := s.jobs.ForceTerminal(ctx, handle.jobID, harvest.JobStatusFailed, reason)
		if err != nil && !errors.Is(err, harvest.ErrConflict) {
			s.logger.Error("failed transition failed", zap.Error(err))
		}
		return string(harvest.JobStatusFailed)
	}

	// Clean exit: the worker persisted its own terminal state. If it
	// somehow did not, the job must not linger as active.
	job, err := s.jobs.GetJob(ctx, handle.jobID)
	if err != nil {
		s.logger.Warn("job read after exit failed", zap.Error(err))
		return string(harvest.JobStatusCompleted)
	}
	if !job.Status.Terminal() {
		err := s.jobs.ForceTerminal(ctx, handle.jobID, harvest.JobStatusFailed, "worker exited without finishing")
		if err != nil && !errors.Is(err, harvest.ErrConflict) {
			s.logger.Error("incomplete-exit transition failed", zap.Error(err))
		}
		return string(harvest.JobStatusFailed)
	}
	clearPID()
	return string(job.Status)
}

// recordArtifactTotals folds a finished job's persisted counters into the
// fleet-wide PDF metrics.
func (s *Supervisor) recordArtifactTotals(ctx context.Context, jobID string) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return
	}
	metrics.AddPdfs("found", job.Counters.PdfsFound)
	metrics.AddPdfs("classified", job.Counters.PdfsClassified)
	metrics.AddPdfs("uploaded", job.Counters.PdfsUploaded)
	metrics.AddPdfs("failed", job.Counters.PdfsFailed)
}

// RunningCount reports how many workers are currently owned.
func (s *Supervisor) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}
