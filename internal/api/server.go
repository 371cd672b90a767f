// Package api exposes the HTTP interface for the harvester service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/absnate/docharvester/internal/harvest"
	"github.com/absnate/docharvester/internal/partslist"
)

// maxPartsListBytes bounds bulk-upload request bodies.
const maxPartsListBytes = 32 << 20

// Server wires HTTP handlers to the state store.
type Server struct {
	router    chi.Router
	jobs      harvest.JobStore
	pdfs      harvest.PdfStore
	schedules harvest.ScheduleStore
	idGen     harvest.IDGenerator
	uploadDir string
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	jobs harvest.JobStore,
	pdfs harvest.PdfStore,
	schedules harvest.ScheduleStore,
	idGen harvest.IDGenerator,
	uploadDir string,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:      jobs,
		pdfs:      pdfs,
		schedules: schedules,
		idGen:     idGen,
		uploadDir: uploadDir,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.getStats)
		r.Get("/active-jobs", s.listActiveJobs)

		r.Route("/crawl-jobs", func(r chi.Router) {
			r.Get("/", s.listJobs(harvest.JobKindCrawl))
			r.Post("/", s.createCrawlJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/pdfs", s.listJobPdfs)
				r.Post("/cancel", s.cancelJob)
			})
		})

		r.Post("/bulk-upload", s.createBulkUploadJob)
		r.Route("/bulk-upload-jobs", func(r chi.Router) {
			r.Get("/", s.listJobs(harvest.JobKindBulkUpload))
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Get("/pdfs", s.listJobPdfs)
				r.Post("/cancel", s.cancelJob)
			})
		})

		r.Route("/schedules", func(r chi.Router) {
			r.Get("/", s.listSchedules)
			r.Get("/{schedule_id}", s.getSchedule)
			r.Delete("/{schedule_id}", s.deleteSchedule)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	totals, err := s.jobs.Stats(r.Context())
	if err != nil {
		s.serverError(w, "aggregate stats", err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (s *Server) listActiveJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.ListActiveJobs(r.Context())
	if err != nil {
		s.serverError(w, "list active jobs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": emptyIfNil(jobs)})
}

func (s *Server) listJobs(kind harvest.JobKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := s.jobs.ListJobs(r.Context(), kind)
		if err != nil {
			s.serverError(w, "list jobs", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": emptyIfNil(jobs)})
	}
}

type createCrawlJobRequest struct {
	ManufacturerName string   `json:"manufacturer_name"`
	Domain           string   `json:"domain"`
	ProductLines     []string `json:"product_lines"`
	SharePointFolder string   `json:"sharepoint_folder"`
	WeeklyRecrawl    bool     `json:"weekly_recrawl"`
}

func (s *Server) createCrawlJob(w http.ResponseWriter, r *http.Request) {
	var req createCrawlJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validateCrawlRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := s.newJob(harvest.JobKindCrawl, req.ManufacturerName, req.Domain,
		req.ProductLines, req.SharePointFolder, req.WeeklyRecrawl)
	if err != nil {
		s.serverError(w, "create job", err)
		return
	}
	if err := s.jobs.CreateJob(r.Context(), job); err != nil {
		s.serverError(w, "create job", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": job.ID, "status": string(job.Status)})
}

func validateCrawlRequest(req createCrawlJobRequest) error {
	if strings.TrimSpace(req.ManufacturerName) == "" {
		return errors.New("manufacturer_name is required")
	}
	if strings.TrimSpace(req.SharePointFolder) == "" {
		return errors.New("sharepoint_folder is required")
	}
	domain := strings.TrimSpace(req.Domain)
	if domain == "" {
		return errors.New("domain is required")
	}
	if !strings.HasPrefix(domain, "http://") && !strings.HasPrefix(domain, "https://") {
		domain = "https://" + domain
	}
	u, err := url.Parse(domain)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("domain %q is not a valid URL", req.Domain)
	}
	return nil
}

func (s *Server) createBulkUploadJob(w http.ResponseWriter, r *http.Request) {
	manufacturer := strings.TrimSpace(r.URL.Query().Get("manufacturer_name"))
	folder := strings.TrimSpace(r.URL.Query().Get("sharepoint_folder"))
	if manufacturer == "" || folder == "" {
		writeError(w, http.StatusBadRequest, "manufacturer_name and sharepoint_folder query parameters are required")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPartsListBytes)
	if err := r.ParseMultipartForm(maxPartsListBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	// Validate up front so the creation response can report rejected rows.
	parsed, err := partslist.Parse(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parts list is not a readable workbook: "+err.Error())
		return
	}
	if len(parsed.Rows) == 0 {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("parts list has no valid rows (%d rejected)", parsed.Rejected))
		return
	}

	job, err := s.newJob(harvest.JobKindBulkUpload, manufacturer, "", nil, folder, false)
	if err != nil {
		s.serverError(w, "create job", err)
		return
	}

	// The worker sub-process re-reads the saved workbook.
	if _, err := file.Seek(0, 0); err != nil {
		s.serverError(w, "rewind upload", err)
		return
	}
	path, err := s.savePartsList(job.ID, file)
	if err != nil {
		s.serverError(w, "save parts list", err)
		return
	}
	job.Source = path

	if err := s.jobs.CreateJob(r.Context(), job); err != nil {
		s.serverError(w, "create job", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id":        job.ID,
		"status":        string(job.Status),
		"rows_accepted": len(parsed.Rows),
		"rows_rejected": parsed.Rejected,
	})
}

func (s *Server) savePartsList(jobID string, file io.Reader) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(s.uploadDir, jobID+".xlsx")
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create parts list file: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, file); err != nil {
		return "", fmt.Errorf("write parts list: %w", err)
	}
	return path, nil
}

func (s *Server) newJob(kind harvest.JobKind, manufacturer, source string, productLines []string, folder string, weekly bool) (harvest.Job, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return harvest.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	return harvest.Job{
		ID:               id,
		Kind:             kind,
		ManufacturerName: manufacturer,
		Source:           source,
		ProductLines:     productLines,
		SharePointFolder: folder,
		WeeklyRecrawl:    weekly,
		Status:           harvest.JobStatusPending,
	}, nil
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	payload := map[string]any{"job": job}
	if job.Status == harvest.JobStatusFailed {
		if tail, err := s.jobs.WorkerLog(r.Context(), jobID); err == nil && tail != "" {
			payload["worker_log"] = tail
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) listJobPdfs(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if _, err := s.jobs.GetJob(r.Context(), jobID); err != nil {
		s.notFoundOr500(w, err)
		return
	}
	pdfs, err := s.pdfs.ListPdfs(r.Context(), jobID)
	if err != nil {
		s.serverError(w, "list pdfs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pdfs": emptyIfNil(pdfs)})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	if job.Status.Terminal() {
		writeError(w, http.StatusConflict,
			fmt.Sprintf("job is already %s", job.Status))
		return
	}
	if err := s.jobs.RequestCancel(r.Context(), jobID); err != nil {
		s.notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancel_requested"})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.schedules.ListSchedules(r.Context(), false)
	if err != nil {
		s.serverError(w, "list schedules", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": emptyIfNil(schedules)})
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.schedules.GetSchedule(r.Context(), chi.URLParam(r, "schedule_id"))
	if err != nil {
		s.notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedule": schedule})
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.schedules.DeleteSchedule(r.Context(), chi.URLParam(r, "schedule_id")); err != nil {
		s.notFoundOr500(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- helpers ---------------------------------------------------------------

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func (s *Server) notFoundOr500(w http.ResponseWriter, err error) {
	if errors.Is(err, harvest.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.serverError(w, "lookup", err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

// writeError emits the API error envelope.
func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}
