package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	TaskOperations   *prometheus.CounterVec
	VersionConflicts prometheus.Counter
	OperationLatency *prometheus.HistogramVec
	HTTPRequests     *prometheus.CounterVec

	window *operationWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		TaskOperations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_operations_total",
			Help:      "Task service operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		VersionConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_version_conflicts_total",
			Help:      "Updates rejected because the expected version was stale.",
		}),
		OperationLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_operation_latency_ms",
			Help:      "Task service operation latency in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"op"}),
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "code"}),
		window: newOperationWindow(256),
	}
}

// ObserveTaskOperation records one finished service call.
func (m *Metrics) ObserveTaskOperation(op, outcome string, d time.Duration) {
	ms := float64(d.Microseconds()) / 1000
	m.TaskOperations.WithLabelValues(op, outcome).Inc()
	m.OperationLatency.WithLabelValues(op).Observe(ms)
	m.window.Observe(op, outcome, ms)
	if outcome == "conflict" {
		m.VersionConflicts.Inc()
	}
}

func (m *Metrics) ObserveHTTPRequest(method, route string, code int) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
}

// SnapshotOperations returns rolling latency percentiles per operation and outcome.
func (m *Metrics) SnapshotOperations() OperationSnapshot {
	return m.window.Snapshot(time.Now())
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
