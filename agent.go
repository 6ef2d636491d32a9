// Package graphagent answers natural-language questions over SEC filings
// held in a Neo4j knowledge graph. A question is planned against the live
// graph, the planned sections are fetched, reduced by a checklist-guided
// map-reduce over an LLM and optionally critiqued before the report is
// returned.
package graphagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/algowizzzz/graphdb-agent-sec/critic"
	"github.com/algowizzzz/graphdb-agent-sec/filing"
	"github.com/algowizzzz/graphdb-agent-sec/graphstore"
	"github.com/algowizzzz/graphdb-agent-sec/llm"
	"github.com/algowizzzz/graphdb-agent-sec/metrics"
	"github.com/algowizzzz/graphdb-agent-sec/planner"
	"github.com/algowizzzz/graphdb-agent-sec/reqid"
	"github.com/algowizzzz/graphdb-agent-sec/retrieval"
	"github.com/algowizzzz/graphdb-agent-sec/store"
	"github.com/algowizzzz/graphdb-agent-sec/synthesis"
)

const tracerName = "github.com/algowizzzz/graphdb-agent-sec"

// Agent is the main entry point.
type Agent interface {
	// Ask plans, retrieves, synthesizes and critiques an answer to query.
	Ask(ctx context.Context, query string, opts ...AskOption) (*Answer, error)

	// Search runs a free-form retrieval request and summarizes the sections
	// it finds. No sections is an answer, not an error.
	Search(ctx context.Context, query string, req retrieval.Request) (*Answer, error)

	// Reindex copies section embeddings from the graph into the vector index.
	Reindex(ctx context.Context, opts ReindexOptions) (*ReindexStats, error)

	// Schema lists the distinct entity values in the graph.
	Schema(ctx context.Context) (*graphstore.Summary, error)

	// RecentQueries returns the latest journal entries, newest first.
	RecentQueries(ctx context.Context, n int) ([]store.QueryLog, error)

	// Info describes the configured models and stores.
	Info(ctx context.Context) Info

	// Close releases the graph driver, the vector index and the cache.
	Close() error
}

// Answer is the result of a query.
type Answer struct {
	RequestID string       `json:"request_id"`
	Query     string       `json:"query"`
	Text      string       `json:"text"`
	PlanKind  planner.Kind `json:"plan_kind,omitempty"`
	// Preamble introduces a metadata answer.
	Preamble string        `json:"preamble,omitempty"`
	Plan     *planner.Plan `json:"plan,omitempty"`
	// Rows are the raw metadata query results.
	Rows        []graphstore.Record     `json:"rows,omitempty"`
	Retrieval   *retrieval.Query        `json:"retrieval,omitempty"`
	Sources     []Source                `json:"sources,omitempty"`
	Chunks      []synthesis.ChunkResult `json:"chunks,omitempty"`
	Refinements int                     `json:"refinements"`
	Verdicts    []critic.Verdict        `json:"verdicts,omitempty"`
	Trace       []Transition            `json:"trace"`
	State       State                   `json:"state"`
	Duration    time.Duration           `json:"duration"`
}

// Info describes a running agent.
type Info struct {
	Provider          string `json:"provider"`
	Model             string `json:"model"`
	CriticModel       string `json:"critic_model"`
	EmbeddingProvider string `json:"embedding_provider"`
	EmbeddingModel    string `json:"embedding_model"`
	EmbeddingDim      int    `json:"embedding_dim"`
	Neo4jURI          string `json:"neo4j_uri"`
	VectorPath        string `json:"vector_path"`
	IndexedSections   int    `json:"indexed_sections"`
	CriticEnabled     bool   `json:"critic_enabled"`
	Cache             bool   `json:"cache"`
}

// AskOption configures a single Ask call.
type AskOption func(*askOptions)

type askOptions struct {
	critique       bool
	maxRefinements int
	excluded       []string
}

// WithCritique turns the critic on or off for one call.
func WithCritique(on bool) AskOption {
	return func(o *askOptions) { o.critique = on }
}

// WithMaxRefinements overrides the configured refinement bound.
func WithMaxRefinements(n int) AskOption {
	return func(o *askOptions) {
		if n >= 0 {
			o.maxRefinements = n
		}
	}
}

// WithExcludedFiles drops sections whose filename is listed.
func WithExcludedFiles(files ...string) AskOption {
	return func(o *askOptions) { o.excluded = append(o.excluded, files...) }
}

// Option configures New.
type Option func(*deps)

// WithMetrics records pipeline metrics into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *deps) { d.metrics = m }
}

// GraphStore is the part of the graph client the agent uses.
type GraphStore interface {
	Run(ctx context.Context, cypher string, params map[string]any) ([]graphstore.Record, error)
	DistinctValues(ctx context.Context, label, prop string) ([]any, error)
	Schema(ctx context.Context) (*graphstore.Summary, error)
}

// VectorIndex is the sqlite-vec index and query journal.
type VectorIndex interface {
	Search(ctx context.Context, embedding []float32, k int) ([]store.Hit, error)
	UpsertSections(ctx context.Context, sections []store.SectionVector) error
	Count(ctx context.Context) (int, error)
	Reset(ctx context.Context) error
	LogQuery(ctx context.Context, q store.QueryLog) error
	RecentQueries(ctx context.Context, n int) ([]store.QueryLog, error)
}

type deps struct {
	graph GraphStore
	chat  llm.Provider
	// embed and index are optional. Without them hybrid search and
	// reindexing are unavailable.
	embed   llm.Provider
	index   VectorIndex
	metrics *metrics.Metrics
	cached  bool
	closers []func() error
}

func (d *deps) close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

type agent struct {
	cfg     Config
	deps    deps
	planner *planner.Planner
	builder *retrieval.Builder
	synth   *synthesis.Synthesizer
	critic  *critic.Critic
	tracer  trace.Tracer
	closed  atomic.Bool
}

// New connects to Neo4j, opens the vector index and creates the LLM
// providers described by cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (Agent, error) {
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var d deps
	for _, o := range opts {
		o(&d)
	}

	neo := cfg.Neo4j
	if neo.QueryTimeout == 0 {
		neo.QueryTimeout = cfg.Timeouts.Graph
	}
	g := graphstore.New(neo, d.metrics)
	if err := g.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}
	d.graph = g
	d.closers = append(d.closers, func() error { return g.Close(context.Background()) })

	chat, err := llm.NewProvider(cfg.LLM)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("creating chat provider: %w", err)
	}
	gw := llm.NewGateway(chat, cfg.LLM.Provider,
		llm.WithTimeout(cfg.Timeouts.LLM),
		llm.WithRateLimit(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		llm.WithMetrics(d.metrics))
	d.chat = gw

	if cfg.Cache.RedisURL != "" {
		ropts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("%w: cache redis_url: %v", ErrInvalidConfig, err)
		}
		rdb := redis.NewClient(ropts)
		d.closers = append(d.closers, rdb.Close)
		d.chat = llm.NewCache(gw, rdb, cfg.Cache.TTL, d.metrics)
		d.cached = true
	}

	if cfg.Embedding.Provider != "" {
		ep, err := llm.NewProvider(cfg.Embedding)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
		d.embed = llm.NewGateway(ep, cfg.Embedding.Provider,
			llm.WithTimeout(cfg.Timeouts.LLM),
			llm.WithRateLimit(0, 0),
			llm.WithMetrics(d.metrics))
	}

	if cfg.Vector.Path != "" {
		if dir := filepath.Dir(cfg.Vector.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				d.close()
				return nil, fmt.Errorf("creating vector directory: %w", err)
			}
		}
		s, err := store.New(cfg.Vector.Path, cfg.EmbeddingDim)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("opening vector index: %w", err)
		}
		d.index = s
		d.closers = append(d.closers, s.Close)
	}

	return newAgent(cfg, d), nil
}

func newAgent(cfg Config, d deps) *agent {
	cfg.resolve()

	var embedder retrieval.Embedder
	var searcher retrieval.Searcher
	if d.embed != nil && d.index != nil {
		embedder, searcher = d.embed, d.index
	}

	return &agent{
		cfg:     cfg,
		deps:    d,
		planner: planner.New(d.chat, d.graph, planner.WithModel(cfg.LLM.Model)),
		builder: retrieval.NewBuilder(embedder, searcher, retrieval.WithVectorTimeout(cfg.Timeouts.Vector)),
		synth: synthesis.New(d.chat,
			synthesis.WithModel(cfg.LLM.Model),
			synthesis.WithConcurrency(cfg.Synthesis.MapConcurrency),
			synthesis.WithMaxChars(cfg.Synthesis.MaxCharsPerChunk),
			synthesis.WithStrictFigures(cfg.Synthesis.StrictFigures)),
		critic: critic.New(d.chat, cfg.criticModel()),
		tracer: otel.Tracer(tracerName),
	}
}

// Ask answers query.
func (a *agent) Ask(ctx context.Context, query string, opts ...AskOption) (*Answer, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	o := askOptions{critique: a.cfg.Critic.Enabled, maxRefinements: a.cfg.Critic.MaxRefinements}
	for _, opt := range opts {
		opt(&o)
	}

	ctx, id := reqid.Ensure(ctx)
	ctx, span := a.tracer.Start(ctx, "graphagent.Ask", trace.WithAttributes(
		attribute.String("request_id", id),
		attribute.String("query", query),
	))
	defer span.End()

	start := time.Now()
	m := newMachine()
	ans := &Answer{RequestID: id, Query: query}
	slog.InfoContext(ctx, "agent: query received", "query", query)

	err := a.ask(ctx, m, ans, o)
	a.finish(ctx, m, ans, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.ErrorContext(ctx, "agent: query failed", "state", ans.State, "error", err)
		return nil, err
	}
	slog.InfoContext(ctx, "agent: query answered",
		"plan", ans.PlanKind, "sources", len(ans.Sources), "refinements", ans.Refinements, "elapsed", ans.Duration)
	return ans, nil
}

func (a *agent) ask(ctx context.Context, m *machine, ans *Answer, o askOptions) error {
	plan, err := runStage(ctx, a, StatePlanning, a.cfg.Timeouts.Planning, func(ctx context.Context) (*planner.Plan, error) {
		return a.planner.CreatePlan(ctx, ans.Query)
	})
	if err != nil {
		return m.fail(err)
	}
	ans.Plan = plan
	ans.PlanKind = plan.Kind

	if plan.Kind == planner.PlanMetadata {
		return a.answerMetadata(ctx, m, ans, plan)
	}

	if len(plan.SectionIDs) == 0 {
		return m.fail(fmt.Errorf("%w: no sections to retrieve", ErrPlanGeneration))
	}
	if err := m.moveTo(StateRetrieving, fmt.Sprintf("%d sections", len(plan.SectionIDs))); err != nil {
		return m.fail(err)
	}
	req := retrieval.Request{
		Strategy:      retrieval.StrategyDirect,
		SectionIDs:    plan.SectionIDs,
		ExcludedFiles: o.excluded,
	}
	sections, err := runStage(ctx, a, StateRetrieving, a.cfg.Timeouts.Retrieval, func(ctx context.Context) ([]filing.Section, error) {
		secs, q, err := a.builder.Retrieve(ctx, a.deps.graph, req)
		ans.Retrieval = q
		return secs, err
	})
	if err != nil {
		return m.fail(err)
	}
	sections = withText(inPlanOrder(sections, plan.SectionIDs))
	if len(sections) == 0 {
		return m.fail(ErrRetrievalEmpty)
	}

	if err := m.moveTo(StateSynthesizing, fmt.Sprintf("%d sections", len(sections))); err != nil {
		return m.fail(err)
	}
	res, err := runStage(ctx, a, StateSynthesizing, a.cfg.Timeouts.Synthesis, func(ctx context.Context) (*synthesis.Result, error) {
		return a.synth.Synthesize(ctx, synthesis.Request{
			Query:     ans.Query,
			Goal:      plan.AnalysisGoal,
			Sections:  sections,
			Checklist: plan.Checklist,
		})
	})
	if err != nil {
		return m.fail(err)
	}

	res, err = a.critique(ctx, m, ans, res, o)
	if err != nil {
		return m.fail(err)
	}
	return a.complete(m, ans, res, sections)
}

func (a *agent) answerMetadata(ctx context.Context, m *machine, ans *Answer, plan *planner.Plan) error {
	ans.Preamble = plan.HumanReadableAnswer
	if err := m.moveTo(StateRetrieving, "metadata query"); err != nil {
		return m.fail(err)
	}
	rows, err := runStage(ctx, a, StateRetrieving, a.cfg.Timeouts.Retrieval, func(ctx context.Context) ([]graphstore.Record, error) {
		return a.deps.graph.Run(ctx, plan.Query, nil)
	})
	if err != nil {
		return m.fail(err)
	}
	text, err := formatRows(rows)
	if err != nil {
		return m.fail(err)
	}
	ans.Rows = rows
	ans.Text = text
	return m.moveTo(StateDone, fmt.Sprintf("%d rows", len(rows)))
}

// critique runs the critic over res and re-runs the reduce step on Refine
// until the critic accepts or the refinement bound is reached. The last
// report is returned whatever the final verdict.
func (a *agent) critique(ctx context.Context, m *machine, ans *Answer, res *synthesis.Result, o askOptions) (*synthesis.Result, error) {
	if !o.critique {
		return res, nil
	}
	for {
		if err := m.moveTo(StateCritiquing, fmt.Sprintf("round %d", ans.Refinements+1)); err != nil {
			return nil, err
		}
		v, _ := runStage(ctx, a, StateCritiquing, a.cfg.Timeouts.Critique, func(ctx context.Context) (critic.Verdict, error) {
			return a.critic.Evaluate(ctx, ans.Query, res.Answer, res.Context()), nil
		})
		ans.Verdicts = append(ans.Verdicts, v)
		if v.Decision != critic.Refine {
			return res, nil
		}
		if ans.Refinements >= o.maxRefinements {
			slog.InfoContext(ctx, "agent: refinement limit reached, returning last report",
				"refinements", ans.Refinements)
			return res, nil
		}

		if err := m.moveTo(StateSynthesizing, v.Feedback); err != nil {
			return nil, err
		}
		refined, err := runStage(ctx, a, StateSynthesizing, a.cfg.Timeouts.Synthesis, func(ctx context.Context) (*synthesis.Result, error) {
			return a.synth.Refine(ctx, res, v.Feedback)
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			slog.WarnContext(ctx, "agent: refinement failed, keeping previous report", "error", err)
			return res, nil
		}
		res = refined
		ans.Refinements++
		a.deps.metrics.Refinement()
	}
}

func (a *agent) complete(m *machine, ans *Answer, res *synthesis.Result, sections []filing.Section) error {
	ans.Text = res.Answer
	ans.Chunks = res.Chunks
	ans.Sources = buildSources(res.Answer, sections)
	return m.moveTo(StateDone, fmt.Sprintf("%d chars", len(res.Answer)))
}

// Search retrieves with req and summarizes the sections against query.
func (a *agent) Search(ctx context.Context, query string, req retrieval.Request) (*Answer, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	ctx, id := reqid.Ensure(ctx)
	ctx, span := a.tracer.Start(ctx, "graphagent.Search", trace.WithAttributes(
		attribute.String("request_id", id),
		attribute.String("strategy", string(req.Resolve())),
	))
	defer span.End()

	start := time.Now()
	m := newMachine()
	ans := &Answer{RequestID: id, Query: query}
	err := a.search(ctx, m, ans, req)
	a.finish(ctx, m, ans, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.ErrorContext(ctx, "agent: search failed", "state", ans.State, "error", err)
		return nil, err
	}
	return ans, nil
}

func (a *agent) search(ctx context.Context, m *machine, ans *Answer, req retrieval.Request) error {
	if req.Concept == "" && req.Resolve() == retrieval.StrategyHybrid {
		req.Concept = ans.Query
	}
	if err := m.moveTo(StateRetrieving, string(req.Resolve())); err != nil {
		return m.fail(err)
	}
	sections, err := runStage(ctx, a, StateRetrieving, a.cfg.Timeouts.Retrieval, func(ctx context.Context) ([]filing.Section, error) {
		secs, q, err := a.builder.Retrieve(ctx, a.deps.graph, req)
		ans.Retrieval = q
		return secs, err
	})
	if err != nil {
		return m.fail(err)
	}
	sections = withText(sections)
	if len(sections) == 0 {
		ans.Text = synthesis.NoInformation
		return m.moveTo(StateDone, "no sections")
	}

	if err := m.moveTo(StateSynthesizing, fmt.Sprintf("%d sections", len(sections))); err != nil {
		return m.fail(err)
	}
	res, err := runStage(ctx, a, StateSynthesizing, a.cfg.Timeouts.Synthesis, func(ctx context.Context) (*synthesis.Result, error) {
		return a.synth.Synthesize(ctx, synthesis.Request{
			Query:     ans.Query,
			Goal:      ans.Query,
			Sections:  sections,
			Checklist: []filing.ChecklistItem{{Task: ans.Query, Kind: filing.NarrativeSummary}},
		})
	})
	if err != nil {
		return m.fail(err)
	}
	return a.complete(m, ans, res, sections)
}

// finish stamps the trace, records metrics and writes the journal entry.
func (a *agent) finish(ctx context.Context, m *machine, ans *Answer, start time.Time) {
	ans.Trace = m.trace
	ans.State = m.state
	ans.Duration = time.Since(start)
	a.deps.metrics.Answer(string(ans.PlanKind), string(m.state))

	if a.deps.index == nil || !a.cfg.Vector.Journal {
		return
	}
	entry := store.QueryLog{
		RequestID:   ans.RequestID,
		Query:       ans.Query,
		PlanKind:    string(ans.PlanKind),
		State:       string(m.state),
		Answer:      ans.Text,
		Refinements: ans.Refinements,
		Duration:    ans.Duration,
	}
	for _, s := range ans.Sources {
		entry.Sources = append(entry.Sources, s.Filename)
	}
	// The journal must not fail a query that already has an outcome.
	if err := a.deps.index.LogQuery(context.WithoutCancel(ctx), entry); err != nil {
		slog.WarnContext(ctx, "agent: journaling query failed", "error", err)
	}
}

// runStage runs fn under the stage timeout inside its own span and records
// the stage duration.
func runStage[T any](ctx context.Context, a *agent, stage State, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := a.tracer.Start(ctx, "graphagent."+string(stage))
	defer span.End()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	v, err := fn(ctx)
	elapsed := time.Since(start)
	a.deps.metrics.ObserveStage(string(stage), elapsed, err)
	slog.DebugContext(ctx, "agent: stage finished", "stage", stage, "elapsed", elapsed, "error", err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

// inPlanOrder reorders sections to follow ids. Sections not in ids are dropped.
func inPlanOrder(sections []filing.Section, ids []int64) []filing.Section {
	byID := make(map[int64]filing.Section, len(sections))
	for _, s := range sections {
		byID[s.ID] = s
	}
	out := make([]filing.Section, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok && !seen[id] {
			out = append(out, s)
			seen[id] = true
		}
	}
	return out
}

// withText drops sections the synthesizer would skip as blank.
func withText(sections []filing.Section) []filing.Section {
	out := sections[:0:0]
	for _, s := range sections {
		if strings.TrimSpace(s.Text) != "" {
			out = append(out, s)
		}
	}
	return out
}

// Schema summarizes the graph.
func (a *agent) Schema(ctx context.Context) (*graphstore.Summary, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	return a.deps.graph.Schema(ctx)
}

// RecentQueries reads the journal.
func (a *agent) RecentQueries(ctx context.Context, n int) ([]store.QueryLog, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if a.deps.index == nil {
		return nil, nil
	}
	return a.deps.index.RecentQueries(ctx, n)
}

// Info reports the agent's configuration. IndexedSections is -1 when the
// vector index cannot be read.
func (a *agent) Info(ctx context.Context) Info {
	info := Info{
		Provider:          a.cfg.LLM.Provider,
		Model:             a.cfg.LLM.Model,
		CriticModel:       a.cfg.criticModel(),
		EmbeddingProvider: a.cfg.Embedding.Provider,
		EmbeddingModel:    a.cfg.Embedding.Model,
		EmbeddingDim:      a.cfg.EmbeddingDim,
		Neo4jURI:          a.cfg.Neo4j.URI,
		VectorPath:        a.cfg.Vector.Path,
		CriticEnabled:     a.cfg.Critic.Enabled,
		Cache:             a.deps.cached,
	}
	if a.deps.index != nil && !a.closed.Load() {
		n, err := a.deps.index.Count(ctx)
		if err != nil {
			slog.WarnContext(ctx, "agent: counting indexed sections failed", "error", err)
			n = -1
		}
		info.IndexedSections = n
	}
	return info
}

// Close shuts down the agent.
func (a *agent) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	return a.deps.close()
}
