// Package metrics exposes Prometheus collectors for the query pipeline.
// All methods are safe on a nil *Metrics so callers can run unmetered.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "graphagent"

// Metrics groups the pipeline collectors.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	llmCalls      *prometheus.CounterVec
	llmLatency    *prometheus.HistogramVec
	llmTokens     *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	graphQueries  *prometheus.CounterVec
	answers       *prometheus.CounterVec
	refinements   prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage", "outcome"}),
		llmCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "LLM gateway calls by provider, kind and outcome.",
		}, []string{"provider", "kind", "outcome"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_call_duration_seconds",
			Help:      "LLM gateway call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}, []string{"provider", "kind"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens reported by providers.",
		}, []string{"provider", "direction"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_cache_lookups_total",
			Help:      "Completion cache lookups by result.",
		}, []string{"result"}),
		graphQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graph_queries_total",
			Help:      "Graph store queries by outcome.",
		}, []string{"outcome"}),
		answers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "answers_total",
			Help:      "Completed queries by plan kind and final state.",
		}, []string{"plan", "state"}),
		refinements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refinements_total",
			Help:      "Re-synthesis attempts triggered by the critic.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.stageDuration, m.llmCalls, m.llmLatency, m.llmTokens,
			m.cacheLookups, m.graphQueries, m.answers, m.refinements)
	}
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveStage records how long a pipeline stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, outcome(err)).Observe(d.Seconds())
}

// ObserveLLM records one gateway call. kind is "chat" or "embed".
func (m *Metrics) ObserveLLM(provider, kind string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(provider, kind, outcome(err)).Inc()
	m.llmLatency.WithLabelValues(provider, kind).Observe(d.Seconds())
}

// AddTokens records provider-reported token usage.
func (m *Metrics) AddTokens(provider string, prompt, completion int) {
	if m == nil {
		return
	}
	m.llmTokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	m.llmTokens.WithLabelValues(provider, "completion").Add(float64(completion))
}

// CacheLookup records a completion cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// GraphQuery records one graph store query.
func (m *Metrics) GraphQuery(err error) {
	if m == nil {
		return
	}
	m.graphQueries.WithLabelValues(outcome(err)).Inc()
}

// Answer records a finished query.
func (m *Metrics) Answer(plan, state string) {
	if m == nil {
		return
	}
	m.answers.WithLabelValues(plan, state).Inc()
}

// Refinement records one critic-driven re-synthesis.
func (m *Metrics) Refinement() {
	if m == nil {
		return
	}
	m.refinements.Inc()
}
