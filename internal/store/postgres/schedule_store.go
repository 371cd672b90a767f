package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/absnate/docharvester/internal/harvest"
)

const scheduleColumns = `id, manufacturer_name, domain, product_lines, sharepoint_folder,
	cron, enabled, last_run, next_run, created_at`

// CreateSchedule registers a recurring job template.
func (s *Store) CreateSchedule(ctx context.Context, schedule harvest.Schedule) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO schedules (id, manufacturer_name, domain, product_lines,
			sharepoint_folder, cron, enabled, last_run, next_run, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		schedule.ID, schedule.ManufacturerName, schedule.Domain, schedule.ProductLines,
		schedule.SharePointFolder, schedule.Cron, schedule.Enabled,
		schedule.LastRun, schedule.NextRun, s.clock.Now(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return harvest.ErrConflict
		}
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves one schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, scheduleID string) (harvest.Schedule, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, scheduleID)
	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Schedule{}, harvest.ErrNotFound
		}
		return harvest.Schedule{}, fmt.Errorf("get schedule: %w", err)
	}
	return schedule, nil
}

// ListSchedules returns schedules, optionally only enabled ones.
func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]harvest.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at`
	if enabledOnly {
		query = `SELECT ` + scheduleColumns + ` FROM schedules WHERE enabled ORDER BY created_at`
	}
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []harvest.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule row: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedule rows: %w", err)
	}
	return schedules, nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, scheduleID string) error {
	res, err := s.db.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, scheduleID)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if res.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

// ClaimRun advances last_run with a compare-and-set so two ticks for the
// same boundary fire at most one job.
func (s *Store) ClaimRun(ctx context.Context, scheduleID string, prevLastRun *time.Time, firedAt, nextRun time.Time) error {
	var res interface{ RowsAffected() int64 }
	var err error
	if prevLastRun == nil {
		res, err = s.db.Exec(ctx, `
			UPDATE schedules SET last_run = $1, next_run = $2
			WHERE id = $3 AND last_run IS NULL`,
			firedAt, nextRun, scheduleID)
	} else {
		res, err = s.db.Exec(ctx, `
			UPDATE schedules SET last_run = $1, next_run = $2
			WHERE id = $3 AND last_run = $4`,
			firedAt, nextRun, scheduleID, *prevLastRun)
	}
	if err != nil {
		return fmt.Errorf("claim schedule run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return harvest.ErrConflict
	}
	return nil
}

func scanSchedule(row pgx.Row) (harvest.Schedule, error) {
	var schedule harvest.Schedule
	err := row.Scan(
		&schedule.ID, &schedule.ManufacturerName, &schedule.Domain,
		&schedule.ProductLines, &schedule.SharePointFolder, &schedule.Cron,
		&schedule.Enabled, &schedule.LastRun, &schedule.NextRun, &schedule.CreatedAt,
	)
	if err != nil {
		return harvest.Schedule{}, err
	}
	return schedule, nil
}
