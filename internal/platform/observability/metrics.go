// Package observability provides Prometheus metrics for the HTTP surface,
// the relational store, and the attestation cache.
package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every u2fval Prometheus collector.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CeremonyAttemptsTotal *prometheus.CounterVec
	CeremonyErrorsTotal   *prometheus.CounterVec

	DBQueryDuration  *prometheus.HistogramVec
	DBConnectionPool *prometheus.GaugeVec

	AttestationCacheHits   prometheus.Counter
	AttestationCacheMisses prometheus.Counter
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics returns the global metrics instance, registering collectors on
// first use.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = initializeMetrics()
	})
	return globalMetrics
}

func initializeMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "u2fval",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "u2fval",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint"},
	)

	m.CeremonyAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "u2fval",
			Subsystem: "ceremony",
			Name:      "attempts_total",
			Help:      "Total register/sign ceremony attempts",
		},
		[]string{"operation"},
	)

	m.CeremonyErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "u2fval",
			Subsystem: "ceremony",
			Name:      "errors_total",
			Help:      "Total register/sign ceremony failures by error code",
		},
		[]string{"operation", "code"},
	)

	m.DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "u2fval",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)

	m.DBConnectionPool = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "u2fval",
			Subsystem: "database",
			Name:      "connections",
			Help:      "Number of database connections",
		},
		[]string{"driver", "state"},
	)

	m.AttestationCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "u2fval",
			Subsystem: "attestation",
			Name:      "cache_hits_total",
			Help:      "Attestation cache hits",
		},
	)

	m.AttestationCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "u2fval",
			Subsystem: "attestation",
			Name:      "cache_misses_total",
			Help:      "Attestation cache misses",
		},
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HTTPMiddleware wraps a handler with request-count and latency collection.
func HTTPMiddleware(next http.Handler) http.Handler {
	m := GetMetrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		endpoint := normalizeEndpoint(r.URL.Path)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, endpoint, statusToStr(wrapped.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, endpoint).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("hijacker not supported")
	}
	return hijacker.Hijack()
}

func (w *responseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// normalizeEndpoint collapses path parameters so the user/handle portion of
// a u2fval route doesn't explode the metric's cardinality.
func normalizeEndpoint(path string) string {
	segments := []rune(path)
	depth := 0
	out := make([]rune, 0, len(segments))
	for i := 0; i < len(segments); i++ {
		if segments[i] == '/' {
			depth++
			out = append(out, '/')
			continue
		}
		if depth >= 1 {
			start := i
			for i < len(segments) && segments[i] != '/' {
				i++
			}
			seg := string(segments[start:i])
			if (depth == 1 && seg == "metrics") || (depth == 2 && (seg == "register" || seg == "sign")) || (depth == 3 && seg == "certificate") {
				out = append(out, segments[start:i]...)
			} else {
				out = append(out, ':', 'p')
			}
			i--
			continue
		}
		out = append(out, segments[i])
	}
	return string(out)
}

func statusToStr(status int) string {
	return fmt.Sprintf("%d", status)
}
