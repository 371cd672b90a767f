package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/absnate/docharvester/internal/harvest"
)

const pdfColumns = `id, job_id, source_url, filename, file_size, document_type, is_technical,
	classification_reason, sharepoint_uploaded, sharepoint_id, part_number, error_text, created_at`

// InsertPdf records a newly discovered PDF. A second discovery of the same
// (job_id, source_url) returns ErrConflict.
func (s *Store) InsertPdf(ctx context.Context, pdf harvest.DiscoveredPdf) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO discovered_pdfs (id, job_id, source_url, filename, file_size,
			document_type, is_technical, classification_reason, sharepoint_uploaded,
			sharepoint_id, part_number, error_text, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, '', $9, $10, $11)`,
		pdf.ID, pdf.JobID, pdf.SourceURL, pdf.Filename, pdf.FileSize,
		pdf.DocumentType, pdf.IsTechnical, pdf.ClassificationReason,
		pdf.PartNumber, pdf.ErrorText, s.clock.Now(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return harvest.ErrConflict
		}
		return fmt.Errorf("insert pdf: %w", err)
	}
	return nil
}

// UpdateClassification stores the classifier verdict and the observed size.
func (s *Store) UpdateClassification(ctx context.Context, pdfID string, documentType string, isTechnical bool, reason string, fileSize int64) error {
	res, err := s.db.Exec(ctx, `
		UPDATE discovered_pdfs
		SET document_type = $1, is_technical = $2, classification_reason = $3, file_size = $4
		WHERE id = $5`,
		documentType, isTechnical, reason, fileSize, pdfID)
	if err != nil {
		return fmt.Errorf("update classification: %w", err)
	}
	if res.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

// MarkUploaded flags an artifact as present at the destination.
func (s *Store) MarkUploaded(ctx context.Context, pdfID string, sharepointID string) error {
	res, err := s.db.Exec(ctx, `
		UPDATE discovered_pdfs
		SET sharepoint_uploaded = TRUE, sharepoint_id = $1, error_text = ''
		WHERE id = $2`,
		sharepointID, pdfID)
	if err != nil {
		return fmt.Errorf("mark uploaded: %w", err)
	}
	if res.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

// SetPdfError records a per-artifact failure without failing the job.
func (s *Store) SetPdfError(ctx context.Context, pdfID string, errText string) error {
	res, err := s.db.Exec(ctx,
		`UPDATE discovered_pdfs SET error_text = $1 WHERE id = $2`, errText, pdfID)
	if err != nil {
		return fmt.Errorf("set pdf error: %w", err)
	}
	if res.RowsAffected() == 0 {
		return harvest.ErrNotFound
	}
	return nil
}

// ListPdfs returns every discovered PDF for a job in discovery order.
func (s *Store) ListPdfs(ctx context.Context, jobID string) ([]harvest.DiscoveredPdf, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+pdfColumns+` FROM discovered_pdfs WHERE job_id = $1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list pdfs: %w", err)
	}
	defer rows.Close()
	return scanPdfs(rows)
}

// ListUploadable returns technical PDFs not yet uploaded.
func (s *Store) ListUploadable(ctx context.Context, jobID string) ([]harvest.DiscoveredPdf, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+pdfColumns+` FROM discovered_pdfs
		 WHERE job_id = $1 AND is_technical AND NOT sharepoint_uploaded
		 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list uploadable pdfs: %w", err)
	}
	defer rows.Close()
	return scanPdfs(rows)
}

func scanPdfs(rows pgx.Rows) ([]harvest.DiscoveredPdf, error) {
	var pdfs []harvest.DiscoveredPdf
	for rows.Next() {
		var pdf harvest.DiscoveredPdf
		err := rows.Scan(
			&pdf.ID, &pdf.JobID, &pdf.SourceURL, &pdf.Filename, &pdf.FileSize,
			&pdf.DocumentType, &pdf.IsTechnical, &pdf.ClassificationReason,
			&pdf.SharePointUploaded, &pdf.SharePointID, &pdf.PartNumber,
			&pdf.ErrorText, &pdf.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan pdf row: %w", err)
		}
		pdfs = append(pdfs, pdf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pdf rows: %w", err)
	}
	return pdfs, nil
}
