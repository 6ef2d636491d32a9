package graphagent

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/algowizzzz/graphdb-agent-sec/critic"
	"github.com/algowizzzz/graphdb-agent-sec/filing"
	"github.com/algowizzzz/graphdb-agent-sec/graphstore"
	"github.com/algowizzzz/graphdb-agent-sec/llm"
	"github.com/algowizzzz/graphdb-agent-sec/planner"
	"github.com/algowizzzz/graphdb-agent-sec/reqid"
	"github.com/algowizzzz/graphdb-agent-sec/retrieval"
	"github.com/algowizzzz/graphdb-agent-sec/store"
	"github.com/algowizzzz/graphdb-agent-sec/synthesis"
)

// fakeChat answers each pipeline step by recognising its system prompt.
type fakeChat struct {
	mu      sync.Mutex
	replies map[string][]string
	calls   map[string]int
	block   bool
}

var stepPrefixes = []struct{ prefix, step string }{
	{"You classify questions", "classify"},
	{"You identify which companies", "companies"},
	{"You extract the year", "context"},
	{"You are a financial analyst planning", "guide"},
	{"You are a data extraction expert", "table"},
	{"You are an expert financial analyst.", "narrative"},
	{"You are RiskGPT", "reduce"},
	{"You are a critical evaluator", "critic"},
}

func (f *fakeChat) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	step := "unknown"
	for _, p := range stepPrefixes {
		if strings.HasPrefix(req.Messages[0].Content, p.prefix) {
			step = p.step
			break
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	n := f.calls[step]
	f.calls[step]++
	replies := f.replies[step]
	if len(replies) == 0 {
		return nil, fmt.Errorf("no reply scripted for %s", step)
	}
	// the last reply repeats
	return &llm.ChatResponse{Content: replies[min(n, len(replies)-1)]}, nil
}

func (f *fakeChat) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (f *fakeChat) count(step string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[step]
}

type fakeGraph struct {
	mu       sync.Mutex
	metadata []graphstore.Record
	sections map[int64]graphstore.Record
	indexed  []graphstore.Record
	queries  []string
}

func (g *fakeGraph) DistinctValues(_ context.Context, label, prop string) ([]any, error) {
	return []any{"BAC", "JPM", "ZION"}, nil
}

func (g *fakeGraph) Schema(context.Context) (*graphstore.Summary, error) {
	return &graphstore.Summary{Companies: []string{"BAC", "JPM", "ZION"}}, nil
}

func (g *fakeGraph) Run(_ context.Context, cypher string, params map[string]any) ([]graphstore.Record, error) {
	g.mu.Lock()
	g.queries = append(g.queries, cypher)
	g.mu.Unlock()

	switch {
	case strings.Contains(cypher, "$after"):
		after := params["after"].(int64)
		limit := int(params["limit"].(int64))
		var out []graphstore.Record
		for _, r := range g.indexed {
			if r["section_id"].(int64) > after && len(out) < limit {
				out = append(out, r)
			}
		}
		return out, nil
	case strings.Contains(cypher, "$section_ids"):
		ids := params["section_ids"].([]int64)
		var out []graphstore.Record
		// reverse order, as a database may return them
		for i := len(ids) - 1; i >= 0; i-- {
			if r, ok := g.sections[ids[i]]; ok {
				out = append(out, r)
			}
		}
		return out, nil
	case strings.Contains(cypher, "HAS_SECTION") && params["company"] == "BAC":
		return []graphstore.Record{
			{"section_id": int64(10), "section_name": "mdna", "filename": "BAC_10Q_2025_Q1_MDA.txt", "doc_type": "10-Q", "year": int64(2025), "quarter": "Q1"},
			{"section_id": int64(11), "section_name": "risk_factors", "filename": "BAC_10Q_2025_Q1_RISK.txt", "doc_type": "10-Q", "year": int64(2025), "quarter": "Q1"},
		}, nil
	case params["company"] == "BAC":
		return []graphstore.Record{{"year": int64(2025), "quarter": "Q1", "doc_type": "10-Q"}}, nil
	case params["company"] != nil:
		return nil, nil
	default:
		return g.metadata, nil
	}
}

type fakeIndex struct {
	mu       sync.Mutex
	hits     []store.Hit
	upserted []store.SectionVector
	journal  []store.QueryLog
	resets   int
}

func (x *fakeIndex) Search(context.Context, []float32, int) ([]store.Hit, error) { return x.hits, nil }

func (x *fakeIndex) UpsertSections(_ context.Context, s []store.SectionVector) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.upserted = append(x.upserted, s...)
	return nil
}

func (x *fakeIndex) Count(context.Context) (int, error) { return len(x.upserted), nil }

func (x *fakeIndex) Reset(context.Context) error {
	x.resets++
	x.upserted = nil
	return nil
}

func (x *fakeIndex) LogQuery(_ context.Context, q store.QueryLog) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.journal = append(x.journal, q)
	return nil
}

func (x *fakeIndex) RecentQueries(context.Context, int) ([]store.QueryLog, error) {
	return x.journal, nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.LLM.Model = "test-model"
	cfg.EmbeddingDim = 3
	cfg.Vector.Path = ""
	return cfg
}

const (
	contentReply = `{"query_type": "content", "cypher_query": null, "response_format": null, "human_readable_answer": null}`
	guideReply   = `{
		"analysis_goal": "Report BAC net income for Q1 2025.",
		"sections_to_retrieve": [10],
		"extraction_checklist": [{"task": "Net Income for Q1 2025", "type": "table_extraction"}]
	}`
	mdaText = "Net income was $7.4 billion in the first quarter of 2025. Deposits were stable."
)

func netIncomeChat() *fakeChat {
	return &fakeChat{replies: map[string][]string{
		"classify":  {contentReply},
		"companies": {`{"companies": ["BAC"]}`},
		"context":   {`{"years": [2025], "quarters": ["Q1"], "document_types": []}`},
		"guide":     {guideReply},
		"table":     {`{"Net Income for Q1 2025": "$7.4 billion"}`},
		"reduce":    {"BAC reported net income of $7.4 billion for Q1 2025."},
		"critic":    {`{"decision": "ACCEPT", "feedback": "Faithful to the context."}`},
	}}
}

func bankGraph() *fakeGraph {
	return &fakeGraph{sections: map[int64]graphstore.Record{
		10: {"section_id": int64(10), "name": "mdna", "filename": "BAC_10Q_2025_Q1_MDA.txt", "text": mdaText,
			"company": "BAC", "year": int64(2025), "quarter": "Q1", "doc_type": "10-Q"},
	}}
}

func states(trace []Transition) []State {
	out := []State{StatePlanning}
	for _, t := range trace {
		out = append(out, t.To)
	}
	return out
}

func TestAskMetadata(t *testing.T) {
	chat := &fakeChat{replies: map[string][]string{"classify": {`{
		"query_type": "metadata",
		"cypher_query": "MATCH (n:Company) RETURN DISTINCT n.name AS value ORDER BY value",
		"response_format": "list_of_strings",
		"human_readable_answer": "Here are the companies in the dataset:"
	}`}}}
	graph := &fakeGraph{metadata: []graphstore.Record{{"value": "BAC"}, {"value": "JPM"}, {"value": "ZION"}}}
	index := &fakeIndex{}
	a := newAgent(testConfig(), deps{graph: graph, chat: chat, index: index})

	ans, err := a.Ask(context.Background(), "What companies are in the dataset?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Text != `["BAC","JPM","ZION"]` {
		t.Errorf("answer: got %q", ans.Text)
	}
	if ans.Preamble != "Here are the companies in the dataset:" {
		t.Errorf("preamble: got %q", ans.Preamble)
	}
	if ans.PlanKind != planner.PlanMetadata {
		t.Errorf("plan kind: got %q", ans.PlanKind)
	}
	if got := states(ans.Trace); !slices.Equal(got, []State{StatePlanning, StateRetrieving, StateDone}) {
		t.Errorf("trace: got %v", got)
	}
	if n := chat.count("reduce"); n != 0 {
		t.Errorf("metadata answers must not synthesize, got %d reduce calls", n)
	}
	if len(index.journal) != 1 || index.journal[0].PlanKind != "metadata" || index.journal[0].State != "done" {
		t.Errorf("journal: %+v", index.journal)
	}
}

func TestAskContent(t *testing.T) {
	chat := netIncomeChat()
	a := newAgent(testConfig(), deps{graph: bankGraph(), chat: chat})

	ctx := reqid.With(context.Background(), "req-1")
	ans, err := a.Ask(ctx, "BAC Q1 2025 net income")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}

	want := "BAC reported net income of $7.4 billion for Q1 2025.\n\n" + synthesis.Disclaimer +
		"\n\nSources:\n- BAC_10Q_2025_Q1_MDA.txt"
	if ans.Text != want {
		t.Errorf("answer:\ngot  %q\nwant %q", ans.Text, want)
	}
	if ans.RequestID != "req-1" {
		t.Errorf("request id: got %q", ans.RequestID)
	}
	if !slices.Equal(ans.Plan.SectionIDs, []int64{10}) {
		t.Errorf("sections: got %v", ans.Plan.SectionIDs)
	}
	if len(ans.Chunks) != 1 || len(ans.Chunks[0].Data) != 1 || ans.Chunks[0].Data[0].Value != "$7.4 billion" {
		t.Fatalf("chunks: %+v", ans.Chunks)
	}
	if !strings.Contains(ans.Text, ans.Chunks[0].Data[0].Value) {
		t.Error("report should quote the extracted net income")
	}
	wantStates := []State{StatePlanning, StateRetrieving, StateSynthesizing, StateCritiquing, StateDone}
	if got := states(ans.Trace); !slices.Equal(got, wantStates) {
		t.Errorf("trace: got %v, want %v", got, wantStates)
	}
	if len(ans.Verdicts) != 1 || ans.Verdicts[0].Decision != critic.Accept {
		t.Errorf("verdicts: %+v", ans.Verdicts)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].SectionID != 10 {
		t.Fatalf("sources: %+v", ans.Sources)
	}
	if !strings.Contains(ans.Sources[0].Excerpt, "$7.4 billion") {
		t.Errorf("excerpt: %q", ans.Sources[0].Excerpt)
	}
}

func TestAskRefinementBound(t *testing.T) {
	chat := netIncomeChat()
	chat.replies["reduce"] = []string{"Report v1 with $7.4 billion.", "Report v2 with $7.4 billion.", "Report v3 with $7.4 billion."}
	chat.replies["critic"] = []string{`{"decision": "REFINE", "feedback": "Mention the quarter."}`}
	a := newAgent(testConfig(), deps{graph: bankGraph(), chat: chat})

	ans, err := a.Ask(context.Background(), "BAC Q1 2025 net income")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if ans.Refinements != 2 {
		t.Errorf("refinements: got %d, want 2", ans.Refinements)
	}
	if !strings.HasPrefix(ans.Text, "Report v3") {
		t.Errorf("expected the last report, got %q", ans.Text)
	}
	if n := chat.count("table"); n != 1 {
		t.Errorf("refinement must not re-run extraction, got %d table calls", n)
	}
	if n := chat.count("critic"); n != 3 {
		t.Errorf("critic calls: got %d, want 3", n)
	}
	if ans.State != StateDone {
		t.Errorf("state: got %s", ans.State)
	}
}

func TestAskCritiqueDisabled(t *testing.T) {
	chat := netIncomeChat()
	a := newAgent(testConfig(), deps{graph: bankGraph(), chat: chat})

	ans, err := a.Ask(context.Background(), "BAC Q1 2025 net income", WithCritique(false))
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if n := chat.count("critic"); n != 0 {
		t.Errorf("critic calls: got %d", n)
	}
	if got := states(ans.Trace); slices.Contains(got, StateCritiquing) {
		t.Errorf("trace should skip critiquing: %v", got)
	}
}

func TestAskFailures(t *testing.T) {
	tests := []struct {
		name   string
		edit   func(*fakeChat, *fakeGraph)
		want   error
		stage  State
		reduce int
	}{
		{
			name:  "unknown company",
			edit:  func(c *fakeChat, _ *fakeGraph) { c.replies["companies"] = []string{`{"companies": ["XYZ"]}`} },
			want:  ErrNoEntityFound,
			stage: StatePlanning,
		},
		{
			name:  "malformed guide",
			edit:  func(c *fakeChat, _ *fakeGraph) { c.replies["guide"] = []string{"I cannot help with that."} },
			want:  ErrPlanGeneration,
			stage: StatePlanning,
		},
		{
			name: "sections without text",
			edit: func(_ *fakeChat, g *fakeGraph) {
				g.sections[10] = graphstore.Record{"section_id": int64(10), "filename": "BAC_10Q_2025_Q1_MDA.txt"}
			},
			want:  ErrRetrievalEmpty,
			stage: StateRetrieving,
		},
		{
			name: "whitespace-only section text",
			edit: func(_ *fakeChat, g *fakeGraph) {
				r := g.sections[10]
				r["text"] = " \n\t "
			},
			want:  ErrRetrievalEmpty,
			stage: StateRetrieving,
		},
		{
			name:  "all extraction calls fail",
			edit:  func(c *fakeChat, _ *fakeGraph) { delete(c.replies, "table") },
			want:  ErrSynthesis,
			stage: StateSynthesizing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chat, graph, index := netIncomeChat(), bankGraph(), &fakeIndex{}
			tt.edit(chat, graph)
			a := newAgent(testConfig(), deps{graph: graph, chat: chat, index: index})

			_, err := a.Ask(context.Background(), "BAC Q1 2025 net income")
			if !errors.Is(err, tt.want) {
				t.Fatalf("error: got %v, want %v", err, tt.want)
			}
			var se *StageError
			if !errors.As(err, &se) || se.Stage != tt.stage {
				t.Errorf("stage: got %v, want %s", err, tt.stage)
			}
			if UserMessage(err) == "" || strings.Contains(UserMessage(err), "graphagent:") {
				t.Errorf("user message leaks the raw error: %q", UserMessage(err))
			}
			if len(index.journal) != 1 || index.journal[0].State != string(StateFailed) {
				t.Errorf("journal: %+v", index.journal)
			}
		})
	}
}

func TestAskStageTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeouts.Planning = 10 * time.Millisecond
	a := newAgent(cfg, deps{graph: bankGraph(), chat: &fakeChat{block: true}})

	_, err := a.Ask(context.Background(), "BAC Q1 2025 net income")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error: got %v", err)
	}
	if msg := UserMessage(err); msg != "The request timed out while planning the answer." {
		t.Errorf("user message: %q", msg)
	}
}

func TestSearchNoCandidates(t *testing.T) {
	chat := &fakeChat{}
	graph := &fakeGraph{}
	a := newAgent(testConfig(), deps{graph: graph, chat: chat, embed: chat, index: &fakeIndex{}})

	ans, err := a.Search(context.Background(), "stress testing", retrieval.Request{
		Strategy: retrieval.StrategyHybrid,
		Concept:  "stress testing",
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if ans.Text != synthesis.NoInformation {
		t.Errorf("answer: got %q", ans.Text)
	}
	if ans.Retrieval == nil || !ans.Retrieval.Empty {
		t.Errorf("expected an empty hybrid query, got %+v", ans.Retrieval)
	}
	if len(graph.queries) != 0 {
		t.Errorf("graph should not be queried, got %d queries", len(graph.queries))
	}
}

func TestSearchHybrid(t *testing.T) {
	chat := &fakeChat{replies: map[string][]string{
		"narrative": {"Stress capital buffer rose to 3.2%."},
		"reduce":    {"BAC's stress capital buffer rose to 3.2%."},
	}}
	graph := &fakeGraph{}
	graph.metadata = []graphstore.Record{{
		"section_id": int64(42), "filename": "BAC_10K_2024_Q4_CAPITAL.txt", "company": "BAC",
		"text": "The stress capital buffer rose to 3.2% after the annual stress test.",
	}}
	index := &fakeIndex{hits: []store.Hit{{ID: 42, Distance: 0.12}}}
	a := newAgent(testConfig(), deps{graph: graph, chat: chat, embed: chat, index: index})

	ans, err := a.Search(context.Background(), "stress testing", retrieval.Request{Concept: "stress testing"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if ans.Retrieval.Strategy != retrieval.StrategyHybrid {
		t.Errorf("strategy: got %s", ans.Retrieval.Strategy)
	}
	if !strings.HasPrefix(ans.Text, "BAC's stress capital buffer rose to 3.2%.") {
		t.Errorf("answer: %q", ans.Text)
	}
	if !strings.HasSuffix(ans.Text, "Sources:\n- BAC_10K_2024_Q4_CAPITAL.txt") {
		t.Errorf("sources missing: %q", ans.Text)
	}
}

func TestClosedAgent(t *testing.T) {
	a := newAgent(testConfig(), deps{graph: bankGraph(), chat: netIncomeChat()})
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := a.Ask(context.Background(), "q"); !errors.Is(err, ErrClosed) {
		t.Errorf("Ask after close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestInPlanOrder(t *testing.T) {
	sections := []filing.Section{{ID: 2}, {ID: 1}, {ID: 3}}
	got := inPlanOrder(sections, []int64{1, 2, 1, 9})
	var ids []int64
	for _, s := range got {
		ids = append(ids, s.ID)
	}
	if !slices.Equal(ids, []int64{1, 2}) {
		t.Errorf("order: got %v", ids)
	}
}

func TestSchemaHistoryInfo(t *testing.T) {
	ctx := context.Background()
	index := &fakeIndex{
		upserted: []store.SectionVector{{ID: 10}, {ID: 11}},
		journal:  []store.QueryLog{{Query: "What was BAC net income?"}},
	}
	cfg := testConfig()
	a := newAgent(cfg, deps{graph: bankGraph(), chat: netIncomeChat(), index: index, cached: true})

	sum, err := a.Schema(ctx)
	if err != nil {
		t.Fatalf("Schema: %v", err)
	}
	if !slices.Equal(sum.Companies, []string{"BAC", "JPM", "ZION"}) {
		t.Errorf("companies = %v", sum.Companies)
	}

	logs, err := a.RecentQueries(ctx, 5)
	if err != nil {
		t.Fatalf("RecentQueries: %v", err)
	}
	if len(logs) != 1 || logs[0].Query != "What was BAC net income?" {
		t.Errorf("logs = %+v", logs)
	}

	info := a.Info(ctx)
	if info.Model != "test-model" || info.Provider != cfg.LLM.Provider {
		t.Errorf("info model = %s/%s", info.Provider, info.Model)
	}
	if info.IndexedSections != 2 || !info.Cache || info.EmbeddingDim != 3 {
		t.Errorf("info = %+v", info)
	}

	// without an index the journal is empty rather than an error
	bare := newAgent(cfg, deps{graph: bankGraph(), chat: netIncomeChat()})
	if logs, err := bare.RecentQueries(ctx, 5); err != nil || logs != nil {
		t.Errorf("RecentQueries without index = %v, %v", logs, err)
	}
	if got := bare.Info(ctx).IndexedSections; got != 0 {
		t.Errorf("IndexedSections without index = %d", got)
	}

	_ = a.Close()
	if _, err := a.Schema(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Schema after close: %v", err)
	}
}

func TestCloseConcurrentWithReads(t *testing.T) {
	a := newAgent(testConfig(), deps{graph: bankGraph(), chat: netIncomeChat(), index: &fakeIndex{}})
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				a.Info(ctx)
				if _, err := a.Schema(ctx); err != nil && !errors.Is(err, ErrClosed) {
					t.Errorf("Schema: %v", err)
					return
				}
			}
		}()
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	wg.Wait()
	if _, err := a.Search(ctx, "q", retrieval.Request{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Search after close: %v", err)
	}
}
