// Package metrics provides Prometheus metrics for wcsync.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wcsync_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wcsync_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Delta application metrics
	deltaBytesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wcsync_delta_bytes_applied_total",
			Help: "Total bytes of new file text produced by applied deltas",
		},
	)

	deltaWindowsApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wcsync_delta_windows_applied_total",
			Help: "Total number of diff windows applied",
		},
	)

	deltaApplyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wcsync_delta_apply_duration_seconds",
			Help:    "Time to apply the buffered windows of one file",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Edit metrics
	editsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wcsync_edits_total",
			Help: "Total number of edits by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	filesUpdated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wcsync_files_updated_total",
			Help: "Total number of files touched by updates, by resulting status",
		},
		[]string{"status"},
	)

	commitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wcsync_commit_duration_seconds",
			Help:    "Time to drive one commit edit",
			Buckets: prometheus.DefBuckets,
		},
	)

	externalsFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wcsync_externals_failures_total",
			Help: "Total number of external definitions that failed to sync",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDeltaApplied records one file's delta application.
func RecordDeltaApplied(windows int, bytes int64, duration time.Duration) {
	deltaWindowsApplied.Add(float64(windows))
	deltaBytesApplied.Add(float64(bytes))
	deltaApplyDuration.Observe(duration.Seconds())
}

// RecordEdit records the outcome of an edit: kind is "commit", "update",
// "checkout", "export" or "status".
func RecordEdit(kind string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	editsTotal.WithLabelValues(kind, status).Inc()
}

// RecordFileUpdated records a file changed by an update.
func RecordFileUpdated(status string) {
	filesUpdated.WithLabelValues(status).Inc()
}

// RecordCommit records commit duration.
func RecordCommit(duration time.Duration) {
	commitDuration.Observe(duration.Seconds())
}

// RecordExternalsFailure counts one failed external definition.
func RecordExternalsFailure() {
	externalsFailures.Inc()
}
