package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorsServeMetrics(t *testing.T) {
	WorkerStarted()
	AddPdfs("found", 10)
	AddPdfs("uploaded", 6)
	AddPdfs("failed", 0) // no-op
	WorkerFinished("completed", 42*time.Second)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "harvester_active_workers")
	assert.Contains(t, body, "harvester_jobs_total")
	assert.Contains(t, body, "harvester_pdfs_total")
	assert.Contains(t, body, "harvester_job_duration_seconds")
}
