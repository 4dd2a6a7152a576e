package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Common HTTP metrics.
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

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service considers itself ready, 0 otherwise.",
	})
)

// Session-lifecycle metrics. Labels stay low-cardinality: the result label is
// a closed set of outcome names.
var (
	authLoginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"result"},
	)

	authRefreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_refresh_total",
			Help: "Refresh-token rotations by outcome.",
		},
		[]string{"result"},
	)

	authReuseDetectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_refresh_reuse_detected_total",
		Help: "Refresh tokens presented again after rotation (theft signal).",
	})

	authRevokeAllTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_revoke_all_total",
		Help: "Bulk session revocations (logout everywhere).",
	})

	authRevocationCheckErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_revocation_check_errors_total",
		Help: "Storage errors during revocation checks (fail-open path).",
	})
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration, readyGauge,
		authLoginsTotal, authRefreshTotal, authReuseDetectedTotal,
		authRevokeAllTotal, authRevocationCheckErrors,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness gauge.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// ObserveLogin records a login attempt outcome ("ok", "invalid_credentials", "error").
func ObserveLogin(result string) { authLoginsTotal.WithLabelValues(result).Inc() }

// ObserveRefresh records a refresh outcome ("ok", "invalid_token", "reuse", "error").
func ObserveRefresh(result string) { authRefreshTotal.WithLabelValues(result).Inc() }

// ObserveReuseDetected counts a rotated token presented a second time.
func ObserveReuseDetected() { authReuseDetectedTotal.Inc() }

// ObserveRevokeAll counts a bulk revocation.
func ObserveRevokeAll() { authRevokeAllTotal.Inc() }

// ObserveRevocationCheckError counts a fail-open revocation lookup.
func ObserveRevocationCheckError() { authRevocationCheckErrors.Inc() }

// Instrument wraps a handler with RPS/latency/in-flight accounting.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metric labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
