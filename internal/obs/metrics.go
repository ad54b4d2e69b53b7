package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_attempts_total",
			Help: "Authentication attempts by method and outcome.",
		},
		[]string{"method", "outcome"},
	)

	authLockouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_lockouts_total",
		Help: "Accounts locked after repeated password failures.",
	})

	idempotencyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "idempotency_outcomes_total",
			Help: "Idempotency acquisition outcomes.",
		},
		[]string{"outcome"},
	)

	versionConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "article_version_conflicts_total",
		Help: "Article updates rejected because the expected version was stale.",
	})

	backgroundTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "background_tasks_total",
			Help: "Background tasks by name and outcome.",
		},
		[]string{"task", "outcome"},
	)

	initOnce sync.Once
)

// Init registers the service metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authAttempts, authLockouts, idempotencyOutcomes, versionConflicts, backgroundTasks,
		)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuthAttempt counts an authentication attempt. method is "api_key",
// "session" or "password".
func ObserveAuthAttempt(method, outcome string) {
	authAttempts.WithLabelValues(method, outcome).Inc()
}

func ObserveLockout() { authLockouts.Inc() }

func ObserveIdempotency(outcome string) {
	idempotencyOutcomes.WithLabelValues(outcome).Inc()
}

func ObserveVersionConflict() { versionConflicts.Inc() }

func ObserveBackgroundTask(task, outcome string) {
	backgroundTasks.WithLabelValues(task, outcome).Inc()
}

// Instrument records in-flight, count and latency for every request.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses slugs, ids and versions so metric label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	switch {
	case len(parts) == 5 && parts[2] == "auth" && parts[3] == "api-keys":
		parts[4] = ":id"
	case len(parts) >= 5 && parts[2] == "library" && parts[3] == "articles" && parts[4] != "batch-read":
		parts[4] = ":slug"
		if len(parts) == 7 && parts[5] == "revisions" {
			parts[6] = ":version"
		}
	case len(parts) == 6 && parts[2] == "admin" && parts[3] == "users":
		parts[4] = ":handle"
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
