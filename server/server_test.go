package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	graphagent "github.com/algowizzzz/graphdb-agent-sec"
	"github.com/algowizzzz/graphdb-agent-sec/graphstore"
	"github.com/algowizzzz/graphdb-agent-sec/metrics"
	"github.com/algowizzzz/graphdb-agent-sec/reqid"
	"github.com/algowizzzz/graphdb-agent-sec/retrieval"
	"github.com/algowizzzz/graphdb-agent-sec/store"
	"github.com/algowizzzz/graphdb-agent-sec/synthesis"
)

type stubAgent struct {
	askErr    error
	askOpts   int
	search    retrieval.Request
	reindexed graphagent.ReindexOptions
}

func (a *stubAgent) Ask(ctx context.Context, query string, opts ...graphagent.AskOption) (*graphagent.Answer, error) {
	a.askOpts = len(opts)
	if a.askErr != nil {
		return nil, a.askErr
	}
	return &graphagent.Answer{
		RequestID: reqid.From(ctx),
		Query:     query,
		Text:      "Net income was $7.4 billion.",
		State:     graphagent.StateDone,
		Chunks: []synthesis.ChunkResult{{Filename: "BAC_10Q_2025_Q1_MDA.txt", Part: 1, Parts: 1,
			Data: []synthesis.Field{{Task: "Net Income", Value: "$7.4 billion"}}}},
	}, nil
}

func (a *stubAgent) Search(_ context.Context, query string, req retrieval.Request) (*graphagent.Answer, error) {
	a.search = req
	return &graphagent.Answer{Query: query, Text: synthesis.NoInformation}, nil
}

func (a *stubAgent) Reindex(_ context.Context, opts graphagent.ReindexOptions) (*graphagent.ReindexStats, error) {
	a.reindexed = opts
	return &graphagent.ReindexStats{Seen: 3, Indexed: 3}, nil
}

func (a *stubAgent) Schema(context.Context) (*graphstore.Summary, error) {
	return &graphstore.Summary{Companies: []string{"BAC", "JPM"}, Years: []int{2024, 2025}}, nil
}

func (a *stubAgent) RecentQueries(_ context.Context, n int) ([]store.QueryLog, error) {
	return []store.QueryLog{{Query: fmt.Sprintf("last %d", n)}}, nil
}

func (a *stubAgent) Info(context.Context) graphagent.Info {
	return graphagent.Info{Provider: "ollama", Model: "llama3:latest"}
}

func (a *stubAgent) Close() error { return nil }

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestQuery(t *testing.T) {
	agent := &stubAgent{}
	h := New(agent, Config{}, nil).Handler()

	rec := do(t, h, "POST", "/query", `{"question": "BAC Q1 2025 net income", "critique": false, "max_refinements": 1}`,
		RequestIDHeader, "req-42")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get(RequestIDHeader))

	var ans graphagent.Answer
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ans))
	assert.Equal(t, "req-42", ans.RequestID)
	assert.Equal(t, "Net income was $7.4 billion.", ans.Text)
	assert.Equal(t, 2, agent.askOpts)
}

func TestQueryValidation(t *testing.T) {
	h := New(&stubAgent{}, Config{}, nil).Handler()

	tests := []struct {
		name string
		body string
	}{
		{"bad json", `{`},
		{"no question", `{"question": ""}`},
		{"too many refinements", `{"question": "q", "max_refinements": 9}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, "POST", "/query", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
		})
	}
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{&graphagent.StageError{Stage: graphagent.StatePlanning, Err: graphagent.ErrNoEntityFound}, http.StatusNotFound},
		{&graphagent.StageError{Stage: graphagent.StatePlanning, Err: graphagent.ErrPlanGeneration}, http.StatusUnprocessableEntity},
		{&graphagent.StageError{Stage: graphagent.StateSynthesizing, Err: context.DeadlineExceeded}, http.StatusGatewayTimeout},
		{&graphagent.StageError{Stage: graphagent.StateSynthesizing, Err: graphagent.ErrSynthesis}, http.StatusBadGateway},
		{fmt.Errorf("neo4j: connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := New(&stubAgent{askErr: tt.err}, Config{}, nil).Handler()
			rec := do(t, h, "POST", "/query", `{"question": "q"}`)
			assert.Equal(t, tt.status, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, graphagent.UserMessage(tt.err), body["error"])
			assert.NotContains(t, body["error"], "neo4j")
			assert.NotEmpty(t, body["request_id"])
		})
	}
}

func TestQueryXLSX(t *testing.T) {
	h := New(&stubAgent{}, Config{}, nil).Handler()
	rec := do(t, h, "POST", "/query?format=xlsx", `{"question": "BAC Q1 2025 net income"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, xlsxContentType, rec.Header().Get("Content-Type"))

	f, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Extraction")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "$7.4 billion", rows[1][4])
}

func TestSearch(t *testing.T) {
	agent := &stubAgent{}
	h := New(agent, Config{}, nil).Handler()

	rec := do(t, h, "POST", "/search", `{"query": "stress testing", "strategy": "Hybrid", "concept": "stress testing", "companies": ["BAC"], "years": [2024]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, retrieval.StrategyHybrid, agent.search.Strategy)
	assert.Equal(t, []string{"BAC"}, agent.search.Companies)
	assert.Equal(t, []int{2024}, agent.search.Years)

	rec = do(t, h, "POST", "/search", `{"query": "q", "strategy": "fuzzy"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReindexAndReads(t *testing.T) {
	agent := &stubAgent{}
	h := New(agent, Config{}, nil).Handler()

	rec := do(t, h, "POST", "/reindex", `{"embed": true, "page_size": 100}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, agent.reindexed.Embed)
	assert.Equal(t, 100, agent.reindexed.PageSize)

	rec = do(t, h, "GET", "/schema", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"companies":["BAC","JPM"]`)

	rec = do(t, h, "GET", "/queries?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "last 5")

	rec = do(t, h, "GET", "/queries?limit=0", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, "GET", "/info", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"model":"llama3:latest"`)
}

func TestAuth(t *testing.T) {
	h := New(&stubAgent{}, Config{APIKey: "secret"}, nil).Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/schema", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/schema", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/schema", "", "Authorization", "Bearer secret").Code)
	assert.Equal(t, http.StatusOK, do(t, h, "GET", "/healthz", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Answer("metadata", "done")

	h := New(&stubAgent{}, Config{}, reg).Handler()
	rec := do(t, h, "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "graphagent_")
}
