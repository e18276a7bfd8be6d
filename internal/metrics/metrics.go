// Package metrics provides Prometheus metrics for the delivery service.
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
			Name: "berrycast_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "berrycast_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Range serving metrics
	rangeRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berrycast_range_requests_total",
			Help: "Total number of file requests served by the range proxy",
		},
		[]string{"status"},
	)

	bytesServedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "berrycast_bytes_served_total",
			Help: "Total bytes streamed to clients by the range proxy",
		},
	)

	originFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "berrycast_origin_fetch_duration_seconds",
			Help:    "Origin store fetch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	fallbackRedirectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "berrycast_fallback_redirects_total",
			Help: "Total number of 302 redirects to the secondary store",
		},
	)

	// Playback issuance metrics
	playbackIssuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berrycast_playback_issued_total",
			Help: "Total playback URL bundles issued",
		},
		[]string{"origin_online"},
	)

	resolverAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berrycast_resolver_attempts_total",
			Help: "Total stream resolution attempts",
		},
		[]string{"outcome"},
	)

	// Analytics metrics
	viewRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "berrycast_view_records_total",
			Help: "Total view records processed by the analytics recorder",
		},
		[]string{"status"},
	)

	viewQueueDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "berrycast_view_queue_drops_total",
			Help: "View records dropped because the analytics queue was full",
		},
	)

	viewQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "berrycast_view_queue_depth",
			Help: "Current depth of the analytics queue",
		},
	)

	// Database metrics
	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "berrycast_db_connections_open",
			Help: "Number of open database connections",
		},
	)
)

// RecordRangeRequest records a completed range proxy request.
func RecordRangeRequest(status int, bytes int64) {
	rangeRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	if bytes > 0 {
		bytesServedTotal.Add(float64(bytes))
	}
}

// RecordOriginFetch records an origin store fetch.
func RecordOriginFetch(d time.Duration, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	originFetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordFallbackRedirect records a redirect to the secondary store.
func RecordFallbackRedirect() {
	fallbackRedirectsTotal.Inc()
}

// RecordPlaybackIssued records an issued playback bundle.
func RecordPlaybackIssued(originOnline bool) {
	playbackIssuedTotal.WithLabelValues(strconv.FormatBool(originOnline)).Inc()
}

// RecordResolverAttempt records one resolver attempt outcome.
func RecordResolverAttempt(outcome string) {
	resolverAttemptsTotal.WithLabelValues(outcome).Inc()
}

// RecordViewWrite records an analytics sink write.
func RecordViewWrite(ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	viewRecordsTotal.WithLabelValues(status).Inc()
}

// RecordViewDropped records a dropped view record.
func RecordViewDropped() {
	viewQueueDropsTotal.Inc()
}

// SetViewQueueDepth updates the analytics queue depth gauge.
func SetViewQueueDepth(n int) {
	viewQueueDepth.Set(float64(n))
}

// SetDBConnectionsOpen updates the database connection gauge.
func SetDBConnectionsOpen(n int) {
	dbConnectionsOpen.Set(float64(n))
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
