package harvest

import (
	"context"
	"io"
	"time"
)

// Store sentinel errors.
var (
	ErrNotFound = storeError("not found")
	ErrConflict = storeError("conflict")
)

type storeError string

func (e storeError) Error() string { return string(e) }

// JobStore persists jobs and enforces atomic status transitions.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, kind JobKind) ([]Job, error)
	ListActiveJobs(ctx context.Context) ([]Job, error)
	// TransitionStatus moves a job from one status to another atomically;
	// returns ErrConflict when the job is not in the expected state.
	TransitionStatus(ctx context.Context, jobID string, from, to JobStatus, errText string) error
	// ForceTerminal moves a job from any non-terminal state into a
	// terminal one; ErrConflict when the job is already terminal.
	ForceTerminal(ctx context.Context, jobID string, to JobStatus, errText string) error
	IncrementCounters(ctx context.Context, jobID string, delta JobCounters) error
	SetWorkerPID(ctx context.Context, jobID string, pid *int) error
	RequestCancel(ctx context.Context, jobID string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	AppendWorkerLog(ctx context.Context, jobID string, tail string) error
	WorkerLog(ctx context.Context, jobID string) (string, error)
	Stats(ctx context.Context) (StatsTotals, error)
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PdfStore persists discovered PDF artifacts.
type PdfStore interface {
	InsertPdf(ctx context.Context, pdf DiscoveredPdf) error
	UpdateClassification(ctx context.Context, pdfID string, documentType string, isTechnical bool, reason string, fileSize int64) error
	MarkUploaded(ctx context.Context, pdfID string, sharepointID string) error
	SetPdfError(ctx context.Context, pdfID string, errText string) error
	ListPdfs(ctx context.Context, jobID string) ([]DiscoveredPdf, error)
	ListUploadable(ctx context.Context, jobID string) ([]DiscoveredPdf, error)
}

// ScheduleStore persists recurring job templates.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, schedule Schedule) error
	GetSchedule(ctx context.Context, scheduleID string) (Schedule, error)
	ListSchedules(ctx context.Context, enabledOnly bool) ([]Schedule, error)
	DeleteSchedule(ctx context.Context, scheduleID string) error
	// ClaimRun advances last_run from its prior value to firedAt with a
	// compare-and-set; ErrConflict means another tick already claimed it.
	ClaimRun(ctx context.Context, scheduleID string, prevLastRun *time.Time, firedAt, nextRun time.Time) error
}

// Fetcher retrieves a URL's bytes and content type, or a typed FetchError.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Downloader streams a body for large transfers. Size is -1 when unknown.
type Downloader interface {
	Download(ctx context.Context, url string) (body io.ReadCloser, size int64, err error)
}

// EscalationDetector decides whether a direct-tier response warrants the
// browser tier.
type EscalationDetector interface {
	ShouldEscalate(resp FetchResponse) bool
}

// Classification is the classifier verdict for one PDF.
type Classification struct {
	DocumentType string
	IsTechnical  bool
	Confidence   float64
	Reason       string
}

// Classifier decides the document type for a discovered PDF.
type Classifier interface {
	Classify(ctx context.Context, filename, sourceURL string, firstPageText string) (Classification, error)
}

// UploadResult reports the outcome of one artifact transfer.
type UploadResult struct {
	RemoteID string
	// Deduplicated is true when a matching ArtifactKey already existed at
	// the destination and no bytes were transferred.
	Deduplicated bool
}

// Uploader transfers an artifact to the remote document store.
type Uploader interface {
	Upload(ctx context.Context, key ArtifactKey, body io.Reader) (UploadResult, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
