// Package metrics provides Prometheus metrics export for the answer
// pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter exports pipeline metrics in Prometheus format.
type PrometheusExporter struct {
	registry *prometheus.Registry

	// Hybrid answer metrics
	hybridRequests *prometheus.CounterVec
	hybridLatency  *prometheus.HistogramVec

	// Resolver metrics
	gateDecisions *prometheus.CounterVec
	clarifyRounds prometheus.Histogram

	// LLM metrics
	llmTokensUsed *prometheus.CounterVec
	llmLatency    *prometheus.HistogramVec

	// Retrieval and business tool metrics
	retrievedChunks prometheus.Histogram
	bizAPICalls     *prometheus.CounterVec
}

// Config configures the Prometheus exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default Prometheus configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// NewPrometheusExporter creates a new Prometheus metrics exporter.
func NewPrometheusExporter(cfg Config) *PrometheusExporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &PrometheusExporter{registry: registry}

	e.hybridRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parkwise",
			Subsystem: "rag",
			Name:      "hybrid_requests_total",
			Help:      "Total number of hybrid answer requests",
		},
		[]string{"intent", "status"},
	)

	e.hybridLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parkwise",
			Subsystem: "rag",
			Name:      "hybrid_latency_seconds",
			Help:      "Hybrid answer request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"intent"},
	)

	e.gateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parkwise",
			Subsystem: "rag",
			Name:      "gate_decisions_total",
			Help:      "Total resolver gate decisions",
		},
		[]string{"decision", "error"},
	)

	e.clarifyRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "parkwise",
			Subsystem: "rag",
			Name:      "clarify_messages_per_turn",
			Help:      "Clarify conversation length after a ReAct turn",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	e.llmTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parkwise",
			Subsystem: "rag",
			Name:      "llm_tokens_total",
			Help:      "Total LLM tokens consumed",
		},
		[]string{"model", "token_type"},
	)

	e.llmLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "parkwise",
			Subsystem: "rag",
			Name:      "llm_latency_seconds",
			Help:      "LLM request latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"model", "kind"},
	)

	e.retrievedChunks = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "parkwise",
			Subsystem: "rag",
			Name:      "retrieved_chunks",
			Help:      "Chunks returned per retrieval",
			Buckets:   []float64{0, 1, 2, 5, 10, 20},
		},
	)

	e.bizAPICalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "parkwise",
			Subsystem: "rag",
			Name:      "biz_api_calls_total",
			Help:      "Total business API calls by endpoint and status",
		},
		[]string{"endpoint", "status"},
	)

	registry.MustRegister(
		e.hybridRequests,
		e.hybridLatency,
		e.gateDecisions,
		e.clarifyRounds,
		e.llmTokensUsed,
		e.llmLatency,
		e.retrievedChunks,
		e.bizAPICalls,
	)

	return e
}

// RecordHybridRequest records one hybrid answer turn.
func (e *PrometheusExporter) RecordHybridRequest(intent string, latency time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	if intent == "" {
		intent = "clarify"
	}
	e.hybridRequests.WithLabelValues(intent, status).Inc()
	e.hybridLatency.WithLabelValues(intent).Observe(latency.Seconds())
}

// RecordGateDecision records the resolver gate's terminal decision.
func (e *PrometheusExporter) RecordGateDecision(decision, clarifyError string) {
	if clarifyError == "" {
		clarifyError = "none"
	}
	e.gateDecisions.WithLabelValues(decision, clarifyError).Inc()
}

// RecordClarifyMessages records the clarify transcript length.
func (e *PrometheusExporter) RecordClarifyMessages(count int) {
	e.clarifyRounds.Observe(float64(count))
}

// RecordLLMTokens records LLM token usage.
func (e *PrometheusExporter) RecordLLMTokens(model, tokenType string, count int) {
	e.llmTokensUsed.WithLabelValues(model, tokenType).Add(float64(count))
}

// RecordLLMLatency records LLM request latency.
func (e *PrometheusExporter) RecordLLMLatency(model, kind string, latency time.Duration) {
	e.llmLatency.WithLabelValues(model, kind).Observe(latency.Seconds())
}

// RecordRetrievedChunks records how many chunks a retrieval returned.
func (e *PrometheusExporter) RecordRetrievedChunks(count int) {
	e.retrievedChunks.Observe(float64(count))
}

// RecordBizAPICall records a business API call outcome.
func (e *PrometheusExporter) RecordBizAPICall(endpoint, status string) {
	e.bizAPICalls.WithLabelValues(endpoint, status).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
