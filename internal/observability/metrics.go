package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	memorySearchDuration *prometheus.HistogramVec
	memorySearchResults  prometheus.Histogram
	memoryIndexDuration  *prometheus.HistogramVec
	memoryChunksTotal    prometheus.Gauge
	embeddingRequests    *prometheus.CounterVec

	toolDispatchTotal    *prometheus.CounterVec
	toolDispatchDuration *prometheus.HistogramVec

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec

	agentTurnTotal      *prometheus.CounterVec
	agentTurnDuration   prometheus.Histogram
	agentTurnIterations prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			memorySearchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memory_search_duration_seconds",
					Help:    "Hybrid memory search duration in seconds by outcome.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"status"},
			),
			memorySearchResults: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_search_results",
					Help:    "Number of results returned per memory search.",
					Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
				},
			),
			memoryIndexDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "memory_index_duration_seconds",
					Help:    "Source (re)index duration in seconds by action.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"action"},
			),
			memoryChunksTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_chunks_total",
					Help: "Total chunks held by the chunk store.",
				},
			),
			embeddingRequests: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "embedding_requests_total",
					Help: "Embedding provider requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
			toolDispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_dispatch_total",
					Help: "Tool dispatches by tool and outcome.",
				},
				[]string{"tool", "outcome"},
			),
			toolDispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_dispatch_duration_seconds",
					Help:    "Tool dispatch duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_call_total",
					Help: "Model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			agentTurnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_turn_total",
					Help: "Agent turns by terminal status.",
				},
				[]string{"status"},
			),
			agentTurnDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_turn_duration_seconds",
					Help:    "Agent turn duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			agentTurnIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agent_turn_iterations",
					Help:    "Model calls per agent turn.",
					Buckets: []float64{1, 2, 3, 5, 8, 10, 15, 20},
				},
			),
		}

		prometheus.MustRegister(
			m.memorySearchDuration,
			m.memorySearchResults,
			m.memoryIndexDuration,
			m.memoryChunksTotal,
			m.embeddingRequests,
			m.toolDispatchTotal,
			m.toolDispatchDuration,
			m.modelCallTotal,
			m.modelCallDuration,
			m.agentTurnTotal,
			m.agentTurnDuration,
			m.agentTurnIterations,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordMemorySearch(duration time.Duration, results int, success bool) {
	m := getMetrics()
	m.memorySearchDuration.WithLabelValues(statusLabel(success)).Observe(duration.Seconds())
	if success {
		m.memorySearchResults.Observe(float64(results))
	}
}

// RecordMemoryIndex observes one source operation. action is "upsert",
// "delete", "skip" or "sync".
func RecordMemoryIndex(action string, duration time.Duration) {
	m := getMetrics()
	m.memoryIndexDuration.WithLabelValues(action).Observe(duration.Seconds())
}

func SetMemoryChunks(total int) {
	m := getMetrics()
	m.memoryChunksTotal.Set(float64(total))
}

func RecordEmbeddingRequest(provider string, success bool) {
	m := getMetrics()
	m.embeddingRequests.WithLabelValues(provider, statusLabel(success)).Inc()
}

func RecordToolDispatch(tool, outcome string, duration time.Duration) {
	m := getMetrics()
	m.toolDispatchTotal.WithLabelValues(tool, outcome).Inc()
	m.toolDispatchDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.modelCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordAgentTurn(status string, iterations int, duration time.Duration) {
	m := getMetrics()
	m.agentTurnTotal.WithLabelValues(status).Inc()
	m.agentTurnDuration.Observe(duration.Seconds())
	m.agentTurnIterations.Observe(float64(iterations))
}
