package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/absnate/docharvester/internal/harvest"
)

// NextSundayUTC returns the next Sunday 00:00 UTC strictly after t.
func NextSundayUTC(t time.Time) time.Time {
	t = t.UTC()
	day := t.Truncate(24 * time.Hour)
	daysAhead := (7 - int(day.Weekday())) % 7
	next := day.AddDate(0, 0, daysAhead)
	if !next.After(t) {
		next = next.AddDate(0, 0, 7)
	}
	return next
}

// maybeRegisterSchedule registers a weekly recrawl on completion of a
// crawl job that asked for one. An existing schedule for the same domain
// and destination is left alone.
func (w *Worker) maybeRegisterSchedule(ctx context.Context, job harvest.Job) error {
	if !job.WeeklyRecrawl || job.Kind != harvest.JobKindCrawl {
		return nil
	}

	existing, err := w.deps.Schedules.ListSchedules(ctx, false)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	for _, s := range existing {
		if s.Domain == job.Source && s.SharePointFolder == job.SharePointFolder {
			w.logger.Info("weekly recrawl already scheduled", zap.String("schedule_id", s.ID))
			return nil
		}
	}

	id, err := w.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate schedule id: %w", err)
	}
	next := NextSundayUTC(w.deps.Clock.Now())
	schedule := harvest.Schedule{
		ID:               id,
		ManufacturerName: job.ManufacturerName,
		Domain:           job.Source,
		ProductLines:     job.ProductLines,
		SharePointFolder: job.SharePointFolder,
		Cron:             harvest.WeeklyCronSpec,
		Enabled:          true,
		NextRun:          &next,
	}
	if err := w.deps.Schedules.CreateSchedule(ctx, schedule); err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	w.logger.Info("weekly recrawl scheduled",
		zap.String("schedule_id", id), zap.Time("next_run", next))
	return nil
}
