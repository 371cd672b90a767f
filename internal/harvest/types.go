// Package harvest defines core types shared across subsystems.
package harvest

import "time"

// JobKind distinguishes crawl jobs from bulk uploads of parts lists.
type JobKind string

// Job kinds persisted in the state store.
const (
	JobKindCrawl      JobKind = "crawl"
	JobKindBulkUpload JobKind = "bulk_upload"
)

// JobStatus represents the lifecycle state of a harvest job.
type JobStatus string

// Job status values persisted in the state store.
const (
	JobStatusPending     JobStatus = "pending"
	JobStatusCrawling    JobStatus = "crawling"
	JobStatusClassifying JobStatus = "classifying"
	JobStatusUploading   JobStatus = "uploading"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
	JobStatusCancelled   JobStatus = "cancelled"
)

// Terminal reports whether a status admits no further transitions.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// JobCounters tracks per-phase artifact stats for a job. Counters are
// monotonically non-decreasing until the job reaches a terminal state.
type JobCounters struct {
	PdfsFound      int `json:"pdfs_found"`
	PdfsClassified int `json:"pdfs_classified"`
	PdfsUploaded   int `json:"pdfs_uploaded"`
	PdfsFailed     int `json:"pdfs_failed"`
}

// Job represents one run of the pipeline over one source.
type Job struct {
	ID               string      `json:"id"`
	Kind             JobKind     `json:"kind"`
	ManufacturerName string      `json:"manufacturer_name"`
	Source           string      `json:"source"`
	ProductLines     []string    `json:"product_lines"`
	SharePointFolder string      `json:"sharepoint_folder"`
	WeeklyRecrawl    bool        `json:"weekly_recrawl"`
	Status           JobStatus   `json:"status"`
	Counters         JobCounters `json:"counters"`
	ErrorText        string      `json:"error_message,omitempty"`
	WorkerPID        *int        `json:"worker_pid,omitempty"`
	CancelRequested  bool        `json:"cancel_requested"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	FinishedAt       *time.Time  `json:"finished_at,omitempty"`
}

// DiscoveredPdf is one row per PDF URL discovered in a job.
// (job_id, source_url) is unique.
type DiscoveredPdf struct {
	ID                   string    `json:"id"`
	JobID                string    `json:"job_id"`
	SourceURL            string    `json:"source_url"`
	Filename             string    `json:"filename"`
	FileSize             int64     `json:"file_size"`
	DocumentType         string    `json:"document_type,omitempty"`
	IsTechnical          bool      `json:"is_technical"`
	ClassificationReason string    `json:"classification_reason,omitempty"`
	SharePointUploaded   bool      `json:"sharepoint_uploaded"`
	SharePointID         string    `json:"sharepoint_id,omitempty"`
	PartNumber           string    `json:"part_number,omitempty"`
	ErrorText            string    `json:"error,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// WeeklyCronSpec is the fixed recrawl cadence: Sunday 00:00 UTC.
const WeeklyCronSpec = "0 0 * * 0"

// Schedule is a recurring job template fired weekly.
type Schedule struct {
	ID               string     `json:"id"`
	ManufacturerName string     `json:"manufacturer_name"`
	Domain           string     `json:"domain"`
	ProductLines     []string   `json:"product_lines"`
	SharePointFolder string     `json:"sharepoint_folder"`
	Cron             string     `json:"cron"`
	Enabled          bool       `json:"enabled"`
	LastRun          *time.Time `json:"last_run,omitempty"`
	NextRun          *time.Time `json:"next_run,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// ArtifactKey identifies an artifact at the destination for deduplication.
// Two uploads with the same key are considered equivalent.
type ArtifactKey struct {
	Folder   string
	Filename string
	Size     int64
}

// StatsTotals is the fleet-wide summary served by the stats endpoint.
type StatsTotals struct {
	TotalJobs     int `json:"total_jobs"`
	ActiveJobs    int `json:"active_jobs"`
	TechnicalPdfs int `json:"technical_pdfs"`
	UploadedPdfs  int `json:"uploaded_pdfs"`
}
