package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/absnate/docharvester/internal/harvest"
)

// memStore implements the three store interfaces in memory.
type memStore struct {
	mu        sync.Mutex
	jobs      map[string]*harvest.Job
	pdfs      map[string][]harvest.DiscoveredPdf
	schedules map[string]harvest.Schedule
	cancel    map[string]bool
	logs      map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      map[string]*harvest.Job{},
		pdfs:      map[string][]harvest.DiscoveredPdf{},
		schedules: map[string]harvest.Schedule{},
		cancel:    map[string]bool{},
		logs:      map[string]string{},
	}
}

func (s *memStore) CreateJob(_ context.Context, job harvest.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.CreatedAt = time.Now()
	s.jobs[job.ID] = &job
	return nil
}

func (s *memStore) GetJob(_ context.Context, id string) (harvest.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		return *j, nil
	}
	return harvest.Job{}, harvest.ErrNotFound
}

func (s *memStore) ListJobs(_ context.Context, kind harvest.JobKind) ([]harvest.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []harvest.Job
	for _, j := range s.jobs {
		if j.Kind == kind {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memStore) ListActiveJobs(context.Context) ([]harvest.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []harvest.Job
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (s *memStore) TransitionStatus(context.Context, string, harvest.JobStatus, harvest.JobStatus, string) error {
	return nil
}

func (s *memStore) ForceTerminal(context.Context, string, harvest.JobStatus, string) error {
	return nil
}

func (s *memStore) IncrementCounters(context.Context, string, harvest.JobCounters) error {
	return nil
}

func (s *memStore) SetWorkerPID(context.Context, string, *int) error { return nil }

func (s *memStore) RequestCancel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return harvest.ErrNotFound
	}
	s.cancel[id] = true
	return nil
}

func (s *memStore) CancelRequested(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel[id], nil
}

func (s *memStore) AppendWorkerLog(_ context.Context, id, tail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[id] = tail
	return nil
}

func (s *memStore) WorkerLog(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[id], nil
}

func (s *memStore) Stats(context.Context) (harvest.StatsTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	totals := harvest.StatsTotals{TotalJobs: len(s.jobs)}
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			totals.ActiveJobs++
		}
	}
	return totals, nil
}

func (s *memStore) PurgeFinishedBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *memStore) InsertPdf(_ context.Context, pdf harvest.DiscoveredPdf) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pdfs[pdf.JobID] = append(s.pdfs[pdf.JobID], pdf)
	return nil
}

func (s *memStore) UpdateClassification(context.Context, string, string, bool, string, int64) error {
	return nil
}

func (s *memStore) MarkUploaded(context.Context, string, string) error { return nil }

func (s *memStore) SetPdfError(context.Context, string, string) error { return nil }

func (s *memStore) ListPdfs(_ context.Context, jobID string) ([]harvest.DiscoveredPdf, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pdfs[jobID], nil
}

func (s *memStore) ListUploadable(context.Context, string) ([]harvest.DiscoveredPdf, error) {
	return nil, nil
}

func (s *memStore) CreateSchedule(_ context.Context, schedule harvest.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[schedule.ID] = schedule
	return nil
}

func (s *memStore) GetSchedule(_ context.Context, id string) (harvest.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc, ok := s.schedules[id]; ok {
		return sc, nil
	}
	return harvest.Schedule{}, harvest.ErrNotFound
}

func (s *memStore) ListSchedules(context.Context, bool) ([]harvest.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []harvest.Schedule
	for _, sc := range s.schedules {
		out = append(out, sc)
	}
	return out, nil
}

func (s *memStore) DeleteSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return harvest.ErrNotFound
	}
	delete(s.schedules, id)
	return nil
}

func (s *memStore) ClaimRun(context.Context, string, *time.Time, time.Time, time.Time) error {
	return nil
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%03d", g.n), nil
}

func newTestServer(t *testing.T) (*Server, *memStore) {
	t.Helper()
	store := newMemStore()
	srv := NewServer(store, store, store, &seqIDs{}, t.TempDir(), zap.NewNop())
	return srv, store
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateCrawlJob(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/crawl-jobs", map[string]any{
		"manufacturer_name": "Acme",
		"domain":            "https://acme.example.com",
		"product_lines":     []string{"pumps"},
		"sharepoint_folder": "/Docs/Acme",
		"weekly_recrawl":    true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	job, err := store.GetJob(context.Background(), resp["job_id"])
	require.NoError(t, err)
	assert.Equal(t, harvest.JobStatusPending, job.Status)
	assert.Equal(t, harvest.JobKindCrawl, job.Kind)
	assert.True(t, job.WeeklyRecrawl)
}

func TestCreateCrawlJobValidation(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)

	cases := []map[string]any{
		{"domain": "https://acme.example.com", "sharepoint_folder": "/Docs"},
		{"manufacturer_name": "Acme", "sharepoint_folder": "/Docs"},
		{"manufacturer_name": "Acme", "domain": "https://acme.example.com"},
		{"manufacturer_name": "Acme", "domain": "://bad url", "sharepoint_folder": "/Docs"},
	}
	for _, body := range cases {
		rec := doJSON(t, srv, http.MethodPost, "/api/crawl-jobs", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var envelope map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
		assert.NotEmpty(t, envelope["detail"])
	}
}

func TestCancelJobFlow(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	require.NoError(t, store.CreateJob(context.Background(), harvest.Job{
		ID: "job-1", Kind: harvest.JobKindCrawl, Status: harvest.JobStatusCrawling,
	}))

	rec := doJSON(t, srv, http.MethodPost, "/api/crawl-jobs/job-1/cancel", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	cancelled, _ := store.CancelRequested(context.Background(), "job-1")
	assert.True(t, cancelled)

	rec = doJSON(t, srv, http.MethodPost, "/api/crawl-jobs/missing/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, store.CreateJob(context.Background(), harvest.Job{
		ID: "job-2", Kind: harvest.JobKindCrawl, Status: harvest.JobStatusCompleted,
	}))
	rec = doJSON(t, srv, http.MethodPost, "/api/crawl-jobs/job-2/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetJobIncludesWorkerLogOnFailure(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	require.NoError(t, store.CreateJob(context.Background(), harvest.Job{
		ID: "job-1", Kind: harvest.JobKindCrawl, Status: harvest.JobStatusFailed,
	}))
	require.NoError(t, store.AppendWorkerLog(context.Background(), "job-1", "panic: boom"))

	rec := doJSON(t, srv, http.MethodGet, "/api/crawl-jobs/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "panic: boom", resp["worker_log"])
}

func TestListJobPdfs(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	require.NoError(t, store.CreateJob(context.Background(), harvest.Job{
		ID: "job-1", Kind: harvest.JobKindCrawl, Status: harvest.JobStatusCompleted,
	}))
	require.NoError(t, store.InsertPdf(context.Background(), harvest.DiscoveredPdf{
		ID: "pdf-1", JobID: "job-1", SourceURL: "https://acme.example.com/a.pdf", Filename: "a.pdf",
	}))

	rec := doJSON(t, srv, http.MethodGet, "/api/crawl-jobs/job-1/pdfs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Pdfs []harvest.DiscoveredPdf `json:"pdfs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Pdfs, 1)
	assert.Equal(t, "a.pdf", resp.Pdfs[0].Filename)

	rec = doJSON(t, srv, http.MethodGet, "/api/crawl-jobs/missing/pdfs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	require.NoError(t, store.CreateJob(context.Background(), harvest.Job{
		ID: "job-1", Kind: harvest.JobKindCrawl, Status: harvest.JobStatusCrawling,
	}))

	rec := doJSON(t, srv, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var totals harvest.StatsTotals
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &totals))
	assert.Equal(t, 1, totals.TotalJobs)
	assert.Equal(t, 1, totals.ActiveJobs)
}

func buildPartsListUpload(t *testing.T, rows [][]string) (*bytes.Buffer, string) {
	t.Helper()
	book := excelize.NewFile()
	sheet := book.GetSheetName(0)
	for i, row := range rows {
		for j, cell := range row {
			ref, err := excelize.CoordinatesToCellName(j+1, i+1)
			require.NoError(t, err)
			require.NoError(t, book.SetCellValue(sheet, ref, cell))
		}
	}
	var workbook bytes.Buffer
	require.NoError(t, book.Write(&workbook))

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", "parts.xlsx")
	require.NoError(t, err)
	_, err = part.Write(workbook.Bytes())
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return &body, writer.FormDataContentType()
}

func TestBulkUploadCreatesJob(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	body, contentType := buildPartsListUpload(t, [][]string{
		{"part", "url"},
		{"AX-1", "https://acme.example.com/a.pdf"},
		{"", "https://acme.example.com/b.pdf"}, // rejected
	})

	req := httptest.NewRequest(http.MethodPost,
		"/api/bulk-upload?manufacturer_name=Acme&sharepoint_folder=%2FDocs%2FAcme", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		JobID        string `json:"job_id"`
		RowsAccepted int    `json:"rows_accepted"`
		RowsRejected int    `json:"rows_rejected"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.RowsAccepted)
	assert.Equal(t, 1, resp.RowsRejected)

	job, err := store.GetJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, harvest.JobKindBulkUpload, job.Kind)
	assert.True(t, strings.HasSuffix(job.Source, ".xlsx"))
}

func TestBulkUploadRequiresQueryParams(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t)
	body, contentType := buildPartsListUpload(t, [][]string{{"part", "url"}})

	req := httptest.NewRequest(http.MethodPost, "/api/bulk-upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleEndpoints(t *testing.T) {
	t.Parallel()
	srv, store := newTestServer(t)
	require.NoError(t, store.CreateSchedule(context.Background(), harvest.Schedule{
		ID: "sched-1", ManufacturerName: "Acme", Domain: "https://acme.example.com",
		Cron: harvest.WeeklyCronSpec, Enabled: true,
	}))

	rec := doJSON(t, srv, http.MethodGet, "/api/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/schedules/sched-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, srv, http.MethodDelete, "/api/schedules/sched-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
