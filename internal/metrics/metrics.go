// Package metrics exposes Prometheus collectors for the harvester service.
// Collectors live in the service process; per-job work happens in
// short-lived worker sub-processes, so artifact totals are recorded from
// each job's persisted counters when its worker is reaped.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	activeWorkers      prometheus.Gauge
	jobsTotal          *prometheus.CounterVec
	pdfsTotal          *prometheus.CounterVec
	jobDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_active_workers",
			Help: "Number of worker sub-processes currently running.",
		})

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_jobs_total",
				Help: "Total number of jobs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		pdfsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pdfs_total",
				Help: "Total PDFs across finished jobs, labeled by stage (found, classified, uploaded, failed).",
			},
			[]string{"stage"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_job_duration_seconds",
				Help:    "Histogram of job wall-clock durations, labeled by terminal status.",
				Buckets: []float64{10, 30, 60, 300, 900, 3600, 7200, 21600},
			},
			[]string{"status"},
		)
	})
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// WorkerStarted increments the active-worker gauge.
func WorkerStarted() {
	Init()
	activeWorkers.Inc()
}

// WorkerFinished decrements the gauge and counts the terminal status.
func WorkerFinished(status string, duration time.Duration) {
	Init()
	activeWorkers.Dec()
	jobsTotal.WithLabelValues(status).Inc()
	jobDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// AddPdfs records a finished job's artifact totals for one stage.
func AddPdfs(stage string, n int) {
	if n <= 0 {
		return
	}
	Init()
	pdfsTotal.WithLabelValues(stage).Add(float64(n))
}
