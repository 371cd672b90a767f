// Package scheduler fires recurring recrawls from persisted schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/absnate/docharvester/internal/harvest"
)

// Service clones enabled schedule templates into new pending jobs on the
// weekly boundary. Double-firing is prevented by the store's last_run
// compare-and-set.
type Service struct {
	jobs      harvest.JobStore
	schedules harvest.ScheduleStore
	ids       harvest.IDGenerator
	clock     harvest.Clock
	logger    *zap.Logger
	cron      *cron.Cron
	schedule  cron.Schedule
}

// New builds the Service. The tick cadence is the fixed weekly cron.
func New(jobs harvest.JobStore, schedules harvest.ScheduleStore, ids harvest.IDGenerator, clock harvest.Clock, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	parsed, err := cron.ParseStandard(harvest.WeeklyCronSpec)
	if err != nil {
		return nil, fmt.Errorf("parse weekly cron: %w", err)
	}
	return &Service{
		jobs:      jobs,
		schedules: schedules,
		ids:       ids,
		clock:     clock,
		logger:    logger,
		cron:      cron.New(cron.WithLocation(time.UTC)),
		schedule:  parsed,
	}, nil
}

// Start fires missed ticks, then arms the weekly cron. Stop with Stop().
func (s *Service) Start(ctx context.Context) error {
	// A boundary crossed while the service was down fires at startup.
	if err := s.FireDue(ctx); err != nil {
		s.logger.Error("startup catch-up failed", zap.Error(err))
	}

	_, err := s.cron.AddFunc(harvest.WeeklyCronSpec, func() {
		tickCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.FireDue(tickCtx); err != nil {
			s.logger.Error("scheduled tick failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("register cron: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.String("cron", harvest.WeeklyCronSpec))
	return nil
}

// Stop halts the cron and waits for a running tick.
func (s *Service) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
}

// FireDue fires every enabled schedule whose next_run is in the past.
// Executing a tick twice for the same boundary creates at most one job.
func (s *Service) FireDue(ctx context.Context) error {
	now := s.clock.Now()
	schedules, err := s.schedules.ListSchedules(ctx, true)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, schedule := range schedules {
		if schedule.NextRun != nil && schedule.NextRun.After(now) {
			continue
		}
		if err := s.fire(ctx, schedule, now); err != nil {
			s.logger.Error("schedule fire failed",
				zap.String("schedule_id", schedule.ID), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) fire(ctx context.Context, schedule harvest.Schedule, now time.Time) error {
	nextRun := s.schedule.Next(now)

	// Claim before creating the job; a lost claim means another tick (or
	// coordinator restart race) already fired this boundary.
	err := s.schedules.ClaimRun(ctx, schedule.ID, schedule.LastRun, now, nextRun)
	if err != nil {
		if errors.Is(err, harvest.ErrConflict) {
			s.logger.Info("schedule already claimed", zap.String("schedule_id", schedule.ID))
			return nil
		}
		return fmt.Errorf("claim run: %w", err)
	}

	jobID, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate job id: %w", err)
	}
	job := harvest.Job{
		ID:               jobID,
		Kind:             harvest.JobKindCrawl,
		ManufacturerName: schedule.ManufacturerName,
		Source:           schedule.Domain,
		ProductLines:     schedule.ProductLines,
		SharePointFolder: schedule.SharePointFolder,
		WeeklyRecrawl:    false, // the schedule already exists
		Status:           harvest.JobStatusPending,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return fmt.Errorf("create recrawl job: %w", err)
	}
	s.logger.Info("recrawl job created",
		zap.String("schedule_id", schedule.ID),
		zap.String("job_id", jobID),
		zap.Time("next_run", nextRun),
	)
	return nil
}
