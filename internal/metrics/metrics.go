// Package metrics exposes Prometheus counters and gauges for job
// throughput and bulk-scan progress. The core itself never queries these; they
// exist purely for operator visibility of an in-flight bulk scan.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TargetsGiven = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlercore_targets_given_total",
			Help: "Total raw targets seen by the Controller, by bulk scan",
		},
		[]string{"bulk_scan"},
	)

	ScanJobsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlercore_scan_jobs_published_total",
			Help: "Total scan jobs published to the broker, by bulk scan",
		},
		[]string{"bulk_scan"},
	)

	ScanJobsDenylisted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlercore_scan_jobs_denylisted_total",
			Help: "Total targets rejected by the denylist before publish, by bulk scan",
		},
		[]string{"bulk_scan"},
	)

	ScanJobsResolutionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlercore_scan_jobs_resolution_errors_total",
			Help: "Total targets that failed DNS resolution or parsing, by bulk scan",
		},
		[]string{"bulk_scan"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlercore_jobs_completed_total",
			Help: "Total jobs reaching a terminal status, by bulk scan and status",
		},
		[]string{"bulk_scan", "status"},
	)

	ActiveBulkScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlercore_active_bulk_scans",
			Help: "Number of bulk scans currently being monitored",
		},
	)

	ETASeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlercore_eta_seconds",
			Help: "Estimated seconds remaining for a bulk scan",
		},
		[]string{"bulk_scan"},
	)

	ThroughputJobsPerSec = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crawlercore_throughput_jobs_per_sec",
			Help: "Observed job completion throughput for a bulk scan",
		},
		[]string{"bulk_scan"},
	)
)

func init() {
	prometheus.MustRegister(
		TargetsGiven,
		ScanJobsPublished,
		ScanJobsDenylisted,
		ScanJobsResolutionErrors,
		JobsCompleted,
		ActiveBulkScans,
		ETASeconds,
		ThroughputJobsPerSec,
	)
}

// Handler returns the Prometheus HTTP handler for the -metricsAddr
// endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Mux returns the full observability handler both binaries serve on
// -metricsAddr: Prometheus metrics on /metrics and a liveness probe on
// /healthz.
func Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
