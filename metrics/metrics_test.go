package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage("planning", time.Second, nil)
	m.ObserveLLM("openai", "chat", time.Second, errors.New("boom"))
	m.AddTokens("openai", 1, 2)
	m.CacheLookup(true)
	m.GraphQuery(nil)
	m.Answer("content_extraction", "done")
	m.Refinement()
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveLLM("openai", "chat", 10*time.Millisecond, nil)
	m.ObserveLLM("openai", "chat", 10*time.Millisecond, errors.New("boom"))
	m.CacheLookup(true)
	m.CacheLookup(false)
	m.CacheLookup(false)
	m.Refinement()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmCalls.WithLabelValues("openai", "chat", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.llmCalls.WithLabelValues("openai", "chat", "error")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refinements))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}
