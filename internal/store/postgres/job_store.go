package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/absnate/docharvester/internal/harvest"
)

const jobColumns = `id, kind, manufacturer_name, source, product_lines, sharepoint_folder,
	weekly_recrawl, status, pdfs_found, pdfs_classified, pdfs_uploaded, pdfs_failed,
	error_text, worker_pid, cancel_requested, created_at, updated_at, finished_at`

// CreateJob inserts a new job in its initial state.
func (s *Store) CreateJob(ctx context.Context, job harvest.Job) error {
	now := s.clock.Now()
	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, kind, manufacturer_name, source, product_lines, sharepoint_folder,
			weekly_recrawl, status, error_text, cancel_requested, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '', FALSE, $9, $9)`,
		job.ID, job.Kind, job.ManufacturerName, job.Source, job.ProductLines,
		job.SharePointFolder, job.WeeklyRecrawl, job.Status, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return harvest.ErrConflict
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a single job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (harvest.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.Job{}, harvest.ErrNotFound
		}
		return harvest.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs of one kind, newest first.
func (s *Store) ListJobs(ctx context.Context, kind harvest.JobKind) ([]harvest.Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE kind = $1 ORDER BY created_at DESC`, kind)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// ListActiveJobs returns all jobs in a non-terminal state.
func (s *Store) ListActiveJobs(ctx context.Context) ([]harvest.Job, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status NOT IN ($1, $2, $3)
		 ORDER BY created_at`,
		harvest.JobStatusCompleted, harvest.JobStatusFailed, harvest.JobStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// TransitionStatus moves a job between states atomically. Terminal targets
// also set finished_at and clear worker_pid in the same statement, so the
// terminal-state invariant cannot be observed half-applied.
func (s *Store) TransitionStatus(ctx context.Context, jobID string, from, to harvest.JobStatus, errText string) error {
	now := s.clock.Now()
	if to.Terminal() {
		res, err := s.db.Exec(ctx, `
			UPDATE jobs
			SET status = $1, error_text = $2, updated_at = $3, finished_at = $3, worker_pid = NULL
			WHERE id = $4 AND status = $5`,
			to, errText, now, jobID, from)
		if err != nil {
			return fmt.Errorf("transition job: %w", err)
		}
		if res.RowsAffected() > 0 {
			return nil
		}
	} else {
		res, err := s.db.Exec(ctx, `
			UPDATE jobs
			SET status = $1, error_text = $2, updated_at = $3
			WHERE id = $4 AND status = $5`,
			to, errText, now, jobID, from)
		if err != nil {
			return fmt.Errorf("transition job: %w", err)
		}
		if res.RowsAffected() > 0 {
			return nil
		}
	}

	// No row matched: distinguish missing job from state conflict.
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return harvest.ErrConflict
}

// ForceTerminal moves a job from any non-terminal state into a terminal
// one; the supervisor uses this for cancellation, crashes and orphan
// sweeps where the prior state is not known.
func (s *Store) ForceTerminal(ctx context.Context, jobID string, to harvest.JobStatus, errText string) error {
	if !to.Terminal() {
		return fmt.Errorf("force terminal: %q is not a terminal status", to)
	}
	now := s.clock.Now()
	res, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = $1, error_text = $2, updated_at = $3, finished_at = $3, worker_pid = NULL
		WHERE id = $4 AND status NOT IN ($5, $6, $7)`,
		to, errText, now, jobID,
		harvest.JobStatusCompleted, harvest.JobStatusFailed, harvest.JobStatusCancelled)
	if err != nil {
		return fmt.Errorf("force terminal: %w", err)
	}
	if res.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return harvest.ErrConflict
}

// IncrementCounters adds the delta to a job's counters atomically.
func (s *Store) IncrementCounters(ctx context.Context, jobID string, delta harvest.JobCounters) error {
	res, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET pdfs_found = pdfs_found + $1,
		    pdfs_classified = pdfs_classified + $2,
		    pdfs_uploaded = pdfs_uploaded + $3,
		    pdfs_failed = pdfs_failed + $4,
		    updated_at = $5
		WHERE id = $6 AND status NOT IN ($7, $8, $9)`,
		delta.PdfsFound, delta.PdfsClassified, delta.PdfsUploaded, delta.PdfsFailed,
		s.clock.Now(), jobID,
		harvest.JobStatusCompleted, harvest.JobStatusFailed, harvest.JobStatusCancelled)
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	if res.RowsAffected() == 0 {
		// Terminal jobs reject counter updates; counters freeze at the
		// values they held when the job finished.
		return harvest.ErrConflict
	}
	return nil
}

// SetWorkerPID records or clears the worker sub-process PID.
func (s *Store) SetWorkerPID(ctx context.Context, jobID string, pid *int) error {
	res, err := s.db.Exec(ctx,
		`UPDATE jobs SET worker_pid = $1, updated_at = $2 WHERE id = $3`,
		pid, s.clock.Now(), jobID)
	if err != nil {
		return fmt.Errorf("set worker pid: %w", err)
	}
	if res.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

// RequestCancel sets the sticky cancel flag. Idempotent.
func (s *Store) RequestCancel(ctx context.Context, jobID string) error {
	res, err := s.db.Exec(ctx,
		`UPDATE jobs SET cancel_requested = TRUE, updated_at = $1 WHERE id = $2`,
		s.clock.Now(), jobID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if res.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

// CancelRequested reads the cancel flag; the worker polls this.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var cancelled bool
	err := s.db.QueryRow(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = $1`, jobID).Scan(&cancelled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, harvest.ErrNotFound
		}
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return cancelled, nil
}

// AppendWorkerLog stores the tail of a dead worker's stderr.
func (s *Store) AppendWorkerLog(ctx context.Context, jobID string, tail string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE jobs SET worker_log = $1, updated_at = $2 WHERE id = $3`,
		tail, s.clock.Now(), jobID)
	if err != nil {
		return fmt.Errorf("append worker log: %w", err)
	}
	return nil
}

// WorkerLog returns the stored stderr tail for a job.
func (s *Store) WorkerLog(ctx context.Context, jobID string) (string, error) {
	var tail string
	err := s.db.QueryRow(ctx, `SELECT worker_log FROM jobs WHERE id = $1`, jobID).Scan(&tail)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", harvest.ErrNotFound
		}
		return "", fmt.Errorf("read worker log: %w", err)
	}
	return tail, nil
}

// Stats aggregates fleet-wide totals.
func (s *Store) Stats(ctx context.Context) (harvest.StatsTotals, error) {
	var totals harvest.StatsTotals
	err := s.db.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM jobs),
			(SELECT COUNT(*) FROM jobs WHERE status NOT IN ($1, $2, $3)),
			(SELECT COUNT(*) FROM discovered_pdfs WHERE is_technical),
			(SELECT COUNT(*) FROM discovered_pdfs WHERE sharepoint_uploaded)`,
		harvest.JobStatusCompleted, harvest.JobStatusFailed, harvest.JobStatusCancelled,
	).Scan(&totals.TotalJobs, &totals.ActiveJobs, &totals.TechnicalPdfs, &totals.UploadedPdfs)
	if err != nil {
		return harvest.StatsTotals{}, fmt.Errorf("aggregate stats: %w", err)
	}
	return totals, nil
}

// PurgeFinishedBefore deletes terminal jobs (and, via cascade, their
// discovered PDFs) finished before the cutoff.
func (s *Store) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(ctx, `
		DELETE FROM jobs
		WHERE finished_at IS NOT NULL AND finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return res.RowsAffected(), nil
}

func scanJob(row pgx.Row) (harvest.Job, error) {
	var (
		job        harvest.Job
		finishedAt *time.Time
		workerPID  *int
	)
	err := row.Scan(
		&job.ID, &job.Kind, &job.ManufacturerName, &job.Source, &job.ProductLines,
		&job.SharePointFolder, &job.WeeklyRecrawl, &job.Status,
		&job.Counters.PdfsFound, &job.Counters.PdfsClassified,
		&job.Counters.PdfsUploaded, &job.Counters.PdfsFailed,
		&job.ErrorText, &workerPID, &job.CancelRequested,
		&job.CreatedAt, &job.UpdatedAt, &finishedAt,
	)
	if err != nil {
		return harvest.Job{}, err
	}
	job.WorkerPID = workerPID
	job.FinishedAt = finishedAt
	return job, nil
}

func scanJobs(rows pgx.Rows) ([]harvest.Job, error) {
	var jobs []harvest.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}
