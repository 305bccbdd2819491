package graph

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics collects engine metrics, namespaced "essaygraph_".
//
// Metrics:
//   - step_latency_ms (histogram; node, status): node execution time
//   - node_retries_total (counter; node, reason): node-level and in-node retries
//   - interrupts_total (counter; node): pauses after a node
//   - runs_total (counter; status): calls ending paused, completed or failed
//   - inflight_threads (gauge): threads currently executing
//   - checkpoint_failures_total (counter): store writes that failed
//
// Thread IDs are deliberately not labels; they are unbounded.
//
// Usage:
//
//	registry := prometheus.NewRegistry()
//	metrics := graph.NewPrometheusMetrics(registry)
//	engine := graph.New(schema, st, emitter, graph.WithMetrics(metrics))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	stepLatency        *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	interrupts         *prometheus.CounterVec
	runs               *prometheus.CounterVec
	inflight           prometheus.Gauge
	checkpointFailures prometheus.Counter

	mu      sync.RWMutex
	enabled bool
}

// NewPrometheusMetrics creates and registers the engine metrics. A nil
// registry uses prometheus.DefaultRegisterer.
func NewPrometheusMetrics(registry prometheus.Registerer) *PrometheusMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &PrometheusMetrics{
		enabled: true,
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "essaygraph",
			Name:      "step_latency_ms",
			Help:      "Node execution duration in milliseconds",
			Buckets:   []float64{10, 50, 100, 500, 1000, 5000, 10000, 30000, 60000, 120000},
		}, []string{"node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "essaygraph",
			Name:      "node_retries_total",
			Help:      "Retry attempts by node and reason",
		}, []string{"node", "reason"}),
		interrupts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "essaygraph",
			Name:      "interrupts_total",
			Help:      "Runs paused after a node",
		}, []string{"node"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "essaygraph",
			Name:      "runs_total",
			Help:      "Invoke and Resume calls by final status",
		}, []string{"status"}),
		inflight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "essaygraph",
			Name:      "inflight_threads",
			Help:      "Threads currently executing",
		}),
		checkpointFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "essaygraph",
			Name:      "checkpoint_failures_total",
			Help:      "Checkpoint writes that failed",
		}),
	}
}

func (pm *PrometheusMetrics) on() bool {
	if pm == nil {
		return false
	}
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.enabled
}

// RecordStepLatency observes one node execution.
func (pm *PrometheusMetrics) RecordStepLatency(nodeID string, latency time.Duration, status string) {
	if !pm.on() {
		return
	}
	pm.stepLatency.WithLabelValues(nodeID, status).Observe(float64(latency.Milliseconds()))
}

// IncrementRetries counts one retry. Reason is a short classifier such as
// "rate_limit", "timeout" or "provider".
func (pm *PrometheusMetrics) IncrementRetries(nodeID, reason string) {
	if !pm.on() {
		return
	}
	pm.retries.WithLabelValues(nodeID, reason).Inc()
}

// IncrementInterrupts counts a pause after nodeID.
func (pm *PrometheusMetrics) IncrementInterrupts(nodeID string) {
	if !pm.on() {
		return
	}
	pm.interrupts.WithLabelValues(nodeID).Inc()
}

// RecordRun counts a finished call by status.
func (pm *PrometheusMetrics) RecordRun(status Status) {
	if !pm.on() {
		return
	}
	pm.runs.WithLabelValues(string(status)).Inc()
}

func (pm *PrometheusMetrics) threadStarted() {
	if pm.on() {
		pm.inflight.Inc()
	}
}

func (pm *PrometheusMetrics) threadFinished() {
	if pm.on() {
		pm.inflight.Dec()
	}
}

func (pm *PrometheusMetrics) checkpointFailed() {
	if pm.on() {
		pm.checkpointFailures.Inc()
	}
}

// Disable stops recording. Enable resumes it.
func (pm *PrometheusMetrics) Disable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = false
}

// Enable resumes recording after Disable.
func (pm *PrometheusMetrics) Enable() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.enabled = true
}

// RetryReason classifies err for the retries metric.
func RetryReason(err error) string {
	switch {
	case asType[*RateLimitError](err):
		return "rate_limit"
	case asType[*TimeoutError](err):
		return "timeout"
	case asType[*ProviderError](err):
		return "provider"
	default:
		return "other"
	}
}
