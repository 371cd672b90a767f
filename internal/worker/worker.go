// Package worker executes one job's pipeline inside the worker sub-process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/absnate/docharvester/internal/classifier"
	"github.com/absnate/docharvester/internal/crawler"
	"github.com/absnate/docharvester/internal/harvest"
	"github.com/absnate/docharvester/internal/partslist"
)

// ErrCancelled is returned when the job's sticky cancel flag stopped the
// pipeline; the process exits cleanly and the supervisor records the
// cancelled state.
var ErrCancelled = errors.New("job cancelled")

// Spooler stages downloaded artifacts between the classify and upload
// phases.
type Spooler interface {
	Write(artifactID string, body io.Reader) (string, int64, error)
	Open(artifactID string) (*os.File, error)
	Remove(artifactID string) error
	Path(artifactID string) string
}

// Deps are the collaborators one Worker drives.
type Deps struct {
	Jobs       harvest.JobStore
	Pdfs       harvest.PdfStore
	Schedules  harvest.ScheduleStore
	Engine     CrawlEngine
	Downloader harvest.Downloader
	Classifier harvest.Classifier
	Uploader   harvest.Uploader
	Spool      Spooler
	IDs        harvest.IDGenerator
	Clock      harvest.Clock
	// ExtractText pulls first-page text from a spooled PDF; defaults to
	// the pdfcpu-backed extractor.
	ExtractText func(path string) (string, error)
}

// CrawlEngine abstracts the crawler for tests.
type CrawlEngine interface {
	Run(ctx context.Context, seedURL string, onPdf crawler.PdfFunc) (crawler.Stats, error)
}

// Config bounds the pipeline fan-out.
type Config struct {
	ClassifyConcurrency int
	UploadConcurrency   int
	CancelPollInterval  time.Duration
}

// Worker runs the crawl → classify → upload pipeline for a single job.
type Worker struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if cfg.ClassifyConcurrency <= 0 {
		cfg.ClassifyConcurrency = 8
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 4
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 2 * time.Second
	}
	if deps.ExtractText == nil {
		deps.ExtractText = classifier.FirstPageText
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{deps: deps, cfg: cfg, logger: logger}
}

// Run executes the pipeline. It returns ErrCancelled for a cooperative
// cancel, nil on success, and any other error after recording the failed
// state.
func (w *Worker) Run(ctx context.Context, jobID string) error {
	job, err := w.deps.Jobs.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.pollCancel(ctx, jobID, cancel)

	err = w.runPipeline(ctx, job)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCancelled) || ctx.Err() != nil:
		w.logger.Info("pipeline stopped by cancellation")
		return ErrCancelled
	default:
		return err
	}
}

// pollCancel observes the sticky cancel flag at least every poll interval.
func (w *Worker) pollCancel(ctx context.Context, jobID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(w.cfg.CancelPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cancelled, err := w.deps.Jobs.CancelRequested(ctx, jobID)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Warn("cancel poll failed", zap.Error(err))
				}
				continue
			}
			if cancelled {
				w.logger.Info("cancel flag observed")
				cancel()
				return
			}
		}
	}
}

func (w *Worker) runPipeline(ctx context.Context, job harvest.Job) error {
	var (
		found int
		err   error
	)
	switch job.Kind {
	case harvest.JobKindBulkUpload:
		found, err = w.ingestPartsList(ctx, job)
	default:
		found, err = w.crawl(ctx, job)
	}
	if err != nil {
		return w.fail(ctx, job.ID, harvest.JobStatusCrawling, err)
	}

	if found == 0 {
		// Nothing discovered is a completed run, not a failure.
		if err := w.transition(ctx, job.ID, harvest.JobStatusCrawling, harvest.JobStatusCompleted, ""); err != nil {
			return err
		}
		return w.maybeRegisterSchedule(ctx, job)
	}

	if err := w.transition(ctx, job.ID, harvest.JobStatusCrawling, harvest.JobStatusClassifying, ""); err != nil {
		return err
	}
	if err := w.classifyAll(ctx, job); err != nil {
		return w.fail(ctx, job.ID, harvest.JobStatusClassifying, err)
	}

	if err := w.transition(ctx, job.ID, harvest.JobStatusClassifying, harvest.JobStatusUploading, ""); err != nil {
		return err
	}
	if err := w.uploadAll(ctx, job); err != nil {
		return w.fail(ctx, job.ID, harvest.JobStatusUploading, err)
	}

	if err := w.transition(ctx, job.ID, harvest.JobStatusUploading, harvest.JobStatusCompleted, ""); err != nil {
		return err
	}
	return w.maybeRegisterSchedule(ctx, job)
}

// crawl runs the engine, recording each discovered PDF and bumping the
// found counter per artifact.
func (w *Worker) crawl(ctx context.Context, job harvest.Job) (int, error) {
	stats, err := w.deps.Engine.Run(ctx, job.Source, func(ctx context.Context, pdfURL string) error {
		return w.recordDiscovery(ctx, job, pdfURL, "")
	})
	if err != nil {
		if harvest.FetchErrorKindOf(err) == harvest.FetchErrCancelled {
			return stats.PdfsFound, ErrCancelled
		}
		return stats.PdfsFound, err
	}
	if stats.PdfsFound == 0 && stats.FetchErrors > 0 {
		return 0, fmt.Errorf("no pdfs found after %d fetch errors", stats.FetchErrors)
	}
	return stats.PdfsFound, nil
}

// ingestPartsList replaces the crawl phase for bulk uploads: rows become
// discovery records that skip LLM classification.
func (w *Worker) ingestPartsList(ctx context.Context, job harvest.Job) (int, error) {
	f, err := os.Open(job.Source)
	if err != nil {
		return 0, fmt.Errorf("open parts list: %w", err)
	}
	defer f.Close()

	result, err := partslist.Parse(f)
	if err != nil {
		return 0, fmt.Errorf("parse parts list: %w", err)
	}
	w.logger.Info("parts list parsed",
		zap.Int("rows", len(result.Rows)), zap.Int("rejected", result.Rejected))

	found := 0
	for _, row := range result.Rows {
		if err := ctx.Err(); err != nil {
			return found, ErrCancelled
		}
		if err := w.recordDiscovery(ctx, job, row.PdfURL, row.PartNumber); err != nil {
			return found, err
		}
		found++
	}

	// The uploaded workbook is fully ingested into discovery records.
	if err := os.Remove(job.Source); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("parts list cleanup failed", zap.Error(err))
	}
	return found, nil
}

func (w *Worker) recordDiscovery(ctx context.Context, job harvest.Job, pdfURL, partNumber string) error {
	id, err := w.deps.IDs.NewID()
	if err != nil {
		return fmt.Errorf("generate pdf id: %w", err)
	}
	filename := harvest.FilenameFromURL(pdfURL)
	if filename == "" || !harvest.IsPdfURL(pdfURL) {
		if partNumber != "" {
			filename = partNumber + ".pdf"
		} else if filename == "" {
			filename = id + ".pdf"
		}
	}

	pdf := harvest.DiscoveredPdf{
		ID:         id,
		JobID:      job.ID,
		SourceURL:  pdfURL,
		Filename:   filename,
		PartNumber: partNumber,
	}
	if job.Kind == harvest.JobKindBulkUpload {
		// User-supplied technical data; no model call needed.
		pdf.DocumentType = harvest.DocTypeTechnicalData
		pdf.IsTechnical = true
		pdf.ClassificationReason = "bulk upload: user-provided technical product data"
	}

	if err := w.deps.Pdfs.InsertPdf(ctx, pdf); err != nil {
		if errors.Is(err, harvest.ErrConflict) {
			return nil // already discovered in this job
		}
		return err
	}
	if err := w.deps.Jobs.IncrementCounters(ctx, job.ID, harvest.JobCounters{PdfsFound: 1}); err != nil {
		w.logger.Warn("found counter update failed", zap.Error(err))
	}
	w.logger.Info("pdf discovered", zap.String("url", pdfURL))
	return nil
}

// classifyAll downloads and classifies every discovered PDF with bounded
// fan-out. Individual failures never fail the phase: the filename fallback
// guarantees a label.
func (w *Worker) classifyAll(ctx context.Context, job harvest.Job) error {
	pdfs, err := w.deps.Pdfs.ListPdfs(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list pdfs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.ClassifyConcurrency)
	for _, pdf := range pdfs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return ErrCancelled
			}
			w.classifyOne(gctx, job, pdf)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	return nil
}

func (w *Worker) classifyOne(ctx context.Context, job harvest.Job, pdf harvest.DiscoveredPdf) {
	size, firstPage := w.fetchSample(ctx, pdf)

	var verdict harvest.Classification
	if job.Kind == harvest.JobKindBulkUpload {
		// Pre-classified at discovery; only the size needs recording.
		verdict = harvest.Classification{
			DocumentType: pdf.DocumentType,
			IsTechnical:  pdf.IsTechnical,
			Reason:       pdf.ClassificationReason,
		}
	} else {
		var err error
		verdict, err = w.deps.Classifier.Classify(ctx, pdf.Filename, pdf.SourceURL, firstPage)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// Classifier already fell back internally; an error here means
			// even the fallback path broke. Keep the artifact with Unknown.
			w.logger.Warn("classification failed", zap.String("pdf", pdf.Filename), zap.Error(err))
			verdict = harvest.Classification{
				DocumentType: harvest.DocTypeUnknown,
				Reason:       "classification error: " + err.Error(),
			}
		}
	}

	if err := w.deps.Pdfs.UpdateClassification(ctx, pdf.ID, verdict.DocumentType, verdict.IsTechnical, verdict.Reason, size); err != nil {
		w.logger.Warn("persist classification failed", zap.String("pdf", pdf.Filename), zap.Error(err))
		return
	}
	if err := w.deps.Jobs.IncrementCounters(ctx, job.ID, harvest.JobCounters{PdfsClassified: 1}); err != nil {
		w.logger.Warn("classified counter update failed", zap.Error(err))
	}
	w.logger.Info("pdf classified",
		zap.String("pdf", pdf.Filename),
		zap.String("document_type", verdict.DocumentType),
		zap.Bool("is_technical", verdict.IsTechnical),
	)
}

// fetchSample spools the artifact and extracts first-page text. Both steps
// are best-effort; classification proceeds on the filename alone when they
// fail.
func (w *Worker) fetchSample(ctx context.Context, pdf harvest.DiscoveredPdf) (int64, string) {
	body, _, err := w.deps.Downloader.Download(ctx, pdf.SourceURL)
	if err != nil {
		w.logger.Warn("pdf download failed", zap.String("url", pdf.SourceURL), zap.Error(err))
		return 0, ""
	}
	defer body.Close()

	path, size, err := w.deps.Spool.Write(pdf.ID, body)
	if err != nil {
		w.logger.Warn("spool write failed", zap.String("pdf", pdf.Filename), zap.Error(err))
		return 0, ""
	}

	text, err := w.deps.ExtractText(path)
	if err != nil {
		w.logger.Debug("text extraction failed, classifying on filename",
			zap.String("pdf", pdf.Filename), zap.Error(err))
		return size, ""
	}
	return size, text
}

// uploadAll transfers every allow-listed artifact with bounded fan-out.
// Terminal per-artifact failures are recorded and skipped.
func (w *Worker) uploadAll(ctx context.Context, job harvest.Job) error {
	pdfs, err := w.deps.Pdfs.ListUploadable(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list uploadable: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.UploadConcurrency)
	for _, pdf := range pdfs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return ErrCancelled
			}
			w.uploadOne(gctx, job, pdf)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	return nil
}

func (w *Worker) uploadOne(ctx context.Context, job harvest.Job, pdf harvest.DiscoveredPdf) {
	if !harvest.IsUploadable(pdf.DocumentType) {
		// ListUploadable should exclude these; guard anyway.
		return
	}

	body, size, err := w.openArtifact(ctx, pdf)
	if err != nil {
		w.recordArtifactFailure(ctx, job, pdf, err)
		return
	}
	defer body.Close()

	key := harvest.ArtifactKey{Folder: job.SharePointFolder, Filename: pdf.Filename, Size: size}
	result, err := w.deps.Uploader.Upload(ctx, key, body)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.recordArtifactFailure(ctx, job, pdf, err)
		return
	}

	if err := w.deps.Pdfs.MarkUploaded(ctx, pdf.ID, result.RemoteID); err != nil {
		w.logger.Warn("persist upload failed", zap.String("pdf", pdf.Filename), zap.Error(err))
		return
	}
	// Dedup skips count as uploaded: the artifact is present at the key.
	if err := w.deps.Jobs.IncrementCounters(ctx, job.ID, harvest.JobCounters{PdfsUploaded: 1}); err != nil {
		w.logger.Warn("uploaded counter update failed", zap.Error(err))
	}
	_ = w.deps.Spool.Remove(pdf.ID)
	w.logger.Info("pdf uploaded",
		zap.String("pdf", pdf.Filename),
		zap.Bool("deduplicated", result.Deduplicated),
	)
}

// openArtifact prefers the spooled copy from the classify phase and
// re-downloads when it is gone.
func (w *Worker) openArtifact(ctx context.Context, pdf harvest.DiscoveredPdf) (io.ReadCloser, int64, error) {
	if f, err := w.deps.Spool.Open(pdf.ID); err == nil {
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, 0, fmt.Errorf("stat spool file: %w", err)
		}
		return f, info.Size(), nil
	}

	body, _, err := w.deps.Downloader.Download(ctx, pdf.SourceURL)
	if err != nil {
		return nil, 0, fmt.Errorf("download artifact: %w", err)
	}
	path, size, err := w.deps.Spool.Write(pdf.ID, body)
	_ = body.Close()
	if err != nil {
		return nil, 0, fmt.Errorf("spool artifact: %w", err)
	}
	_ = path
	f, err := w.deps.Spool.Open(pdf.ID)
	if err != nil {
		return nil, 0, err
	}
	return f, size, nil
}

func (w *Worker) recordArtifactFailure(ctx context.Context, job harvest.Job, pdf harvest.DiscoveredPdf, cause error) {
	w.logger.Warn("artifact upload failed",
		zap.String("pdf", pdf.Filename), zap.Error(cause))
	if err := w.deps.Pdfs.SetPdfError(ctx, pdf.ID, cause.Error()); err != nil {
		w.logger.Warn("persist artifact error failed", zap.Error(err))
	}
	if err := w.deps.Jobs.IncrementCounters(ctx, job.ID, harvest.JobCounters{PdfsFailed: 1}); err != nil {
		w.logger.Warn("failed counter update failed", zap.Error(err))
	}
}

// transition persists a state change before any dependent side effect runs.
func (w *Worker) transition(ctx context.Context, jobID string, from, to harvest.JobStatus, errText string) error {
	if err := ctx.Err(); err != nil {
		return ErrCancelled
	}
	if err := w.deps.Jobs.TransitionStatus(ctx, jobID, from, to, errText); err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	w.logger.Info("job state changed", zap.String("from", string(from)), zap.String("to", string(to)))
	return nil
}

// fail moves the job to failed unless the pipeline stopped for cancellation.
func (w *Worker) fail(ctx context.Context, jobID string, from harvest.JobStatus, cause error) error {
	if errors.Is(cause, ErrCancelled) || ctx.Err() != nil {
		return ErrCancelled
	}
	// Use a fresh context: the job context may already be dead.
	storeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.deps.Jobs.TransitionStatus(storeCtx, jobID, from, harvest.JobStatusFailed, cause.Error()); err != nil {
		w.logger.Error("failed-state transition rejected", zap.Error(err))
	}
	return cause
}
