package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	requestDurationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	requestCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_request_count_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	activeRequestsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_request_active",
			Help: "Number of active HTTP requests",
		},
	)

	// Run metrics
	runCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runs_total",
			Help: "Total number of completed runs by outcome",
		},
		[]string{"outcome"},
	)

	envRunCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "env_runs_total",
			Help: "Total number of executed environments by name and status",
		},
		[]string{"env", "status"},
	)

	envDurationHistogram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "env_run_duration_seconds",
			Help:    "Duration of environment runs in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"env", "status"},
	)

	activeEnvsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "envs_active",
			Help: "Number of environments currently executing",
		},
	)

	// Watch and serve metrics
	watchTriggerCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "watch_triggers_total",
			Help: "Total number of file change batches that triggered a run",
		},
	)

	websocketClientsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_clients_active",
			Help: "Number of connected event stream clients",
		},
	)
)

// MetricsHandler returns an http.Handler that serves the metrics endpoint
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// MetricsMiddleware wraps an http.Handler and records metrics about the request
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}

		activeRequestsGauge.Inc()
		defer activeRequestsGauge.Dec()

		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		labels := prometheus.Labels{
			"method": r.Method,
			"path":   r.URL.Path,
			"status": fmt.Sprintf("%d", sw.status),
		}

		requestDurationHistogram.With(labels).Observe(duration)
		requestCounter.With(labels).Inc()
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Hijack lets websocket upgrades pass through the metrics wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// RecordEnvActive updates the count of currently executing environments
func RecordEnvActive(delta float64) {
	activeEnvsGauge.Add(delta)
}

// RecordWatchTrigger counts one file change batch that triggered a run
func RecordWatchTrigger() {
	watchTriggerCounter.Inc()
}

// RecordWebsocketClient updates the connected event stream client count
func RecordWebsocketClient(delta float64) {
	websocketClientsGauge.Add(delta)
}
