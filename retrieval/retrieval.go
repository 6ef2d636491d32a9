// Package retrieval turns a structured retrieval request into a Cypher
// query against the filings graph. Three strategies are supported:
//
//   - Direct: exact filters, no ranking.
//   - Comprehensive: the most recent sections for the named companies.
//   - Hybrid: vector candidates narrowed by graph filters.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/algowizzzz/graphdb-agent-sec/filing"
	"github.com/algowizzzz/graphdb-agent-sec/graphstore"
	"github.com/algowizzzz/graphdb-agent-sec/store"
)

var (
	// ErrEmptyConcept is returned when a hybrid request has no concept.
	ErrEmptyConcept = errors.New("retrieval: hybrid search requires a concept")

	// ErrNoCompany is returned when a comprehensive request names no company.
	ErrNoCompany = errors.New("retrieval: comprehensive search requires a company")

	// ErrNoEmbedder is returned when hybrid search is requested without an
	// embedder or vector index.
	ErrNoEmbedder = errors.New("retrieval: hybrid search is not configured")
)

const (
	// ComprehensiveLimit is the number of recent sections returned by Comprehensive.
	ComprehensiveLimit = 10
	// HybridK is the candidate pool for unfiltered hybrid search.
	HybridK = 20
	// HybridFilteredK widens the pool when graph filters will shrink it.
	HybridFilteredK = 50
	// HybridTopN is the number of hybrid results kept after filtering.
	HybridTopN = 10
)

// Strategy names a retrieval strategy.
type Strategy string

const (
	StrategyAuto          Strategy = ""
	StrategyDirect        Strategy = "direct"
	StrategyComprehensive Strategy = "comprehensive"
	StrategyHybrid        Strategy = "hybrid"
)

// ParseStrategy accepts the strategy names case-insensitively. The empty
// string selects StrategyAuto.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(strings.ToLower(strings.TrimSpace(s))); st {
	case StrategyAuto, StrategyDirect, StrategyComprehensive, StrategyHybrid:
		return st, nil
	default:
		return "", fmt.Errorf("unknown retrieval strategy %q", s)
	}
}

// Request is the retrieval fragment of a plan.
type Request struct {
	Strategy Strategy `json:"strategy,omitempty"`
	filing.Filters
	SectionIDs    []int64  `json:"section_ids,omitempty"`
	Concept       string   `json:"concept,omitempty"`
	ExcludedFiles []string `json:"excluded_files,omitempty"`
	// Limit caps Direct results. Zero means unbounded.
	Limit int `json:"limit,omitempty"`
}

// hasGraphFilter reports whether anything beyond the vector candidates
// constrains the result.
func (r Request) hasGraphFilter() bool {
	return !r.Filters.IsEmpty() || len(r.ExcludedFiles) > 0
}

// Resolve returns the strategy the request runs with. An explicit strategy
// wins; otherwise the request's shape decides.
func (r Request) Resolve() Strategy {
	if r.Strategy != StrategyAuto {
		return r.Strategy
	}
	switch {
	case strings.TrimSpace(r.Concept) != "":
		return StrategyHybrid
	case len(r.SectionIDs) > 0 || len(r.Years) > 0 || len(r.Quarters) > 0 || len(r.DocTypes) > 0:
		return StrategyDirect
	case len(r.Companies) > 0:
		return StrategyComprehensive
	default:
		return StrategyDirect
	}
}

// Query is an executable graph query.
type Query struct {
	Strategy Strategy       `json:"strategy"`
	Cypher   string         `json:"cypher"`
	Params   map[string]any `json:"params,omitempty"`
	// Candidates are the vector hits behind a hybrid query.
	Candidates []store.Hit `json:"candidates,omitempty"`
	// Empty marks a hybrid query with no vector candidates. It yields no rows.
	Empty bool `json:"empty,omitempty"`
}

// Embedder produces embeddings for the hybrid concept.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Searcher is the vector index.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, k int) ([]store.Hit, error)
}

// Runner executes graph queries.
type Runner interface {
	Run(ctx context.Context, cypher string, params map[string]any) ([]graphstore.Record, error)
}

// Builder builds retrieval queries.
type Builder struct {
	embedder      Embedder
	index         Searcher
	vectorTimeout time.Duration
}

// Option configures a Builder.
type Option func(*Builder)

// WithVectorTimeout bounds each vector index search.
func WithVectorTimeout(d time.Duration) Option {
	return func(b *Builder) { b.vectorTimeout = d }
}

// NewBuilder creates a builder. embedder and index may be nil when hybrid
// search is not used.
func NewBuilder(embedder Embedder, index Searcher, opts ...Option) *Builder {
	b := &Builder{embedder: embedder, index: index, vectorTimeout: 10 * time.Second}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Build translates req into a query.
func (b *Builder) Build(ctx context.Context, req Request) (*Query, error) {
	switch st := req.Resolve(); st {
	case StrategyDirect:
		return buildDirect(req), nil
	case StrategyComprehensive:
		return buildComprehensive(req)
	case StrategyHybrid:
		return b.buildHybrid(ctx, req)
	default:
		return nil, fmt.Errorf("unknown retrieval strategy %q", st)
	}
}

// Retrieve builds req, runs it and decodes the rows into sections.
func (b *Builder) Retrieve(ctx context.Context, runner Runner, req Request) ([]filing.Section, *Query, error) {
	q, err := b.Build(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if q.Empty {
		slog.InfoContext(ctx, "retrieval: no vector candidates", "strategy", q.Strategy)
		return nil, q, nil
	}
	rows, err := runner.Run(ctx, q.Cypher, q.Params)
	if err != nil {
		return nil, q, err
	}
	sections := SectionsFromRecords(rows)
	slog.InfoContext(ctx, "retrieval: sections fetched", "strategy", q.Strategy, "sections", len(sections))
	return sections, q, nil
}

func (b *Builder) buildHybrid(ctx context.Context, req Request) (*Query, error) {
	concept := strings.TrimSpace(req.Concept)
	if concept == "" {
		return nil, ErrEmptyConcept
	}
	if b.embedder == nil || b.index == nil {
		return nil, ErrNoEmbedder
	}

	vecs, err := b.embedder.Embed(ctx, []string{concept})
	if err != nil {
		return nil, fmt.Errorf("embedding concept: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedding concept: got %d vectors", len(vecs))
	}

	k := HybridK
	if req.hasGraphFilter() {
		k = HybridFilteredK
	}

	searchCtx, cancel := context.WithTimeout(ctx, b.vectorTimeout)
	defer cancel()
	hits, err := b.index.Search(searchCtx, vecs[0], k)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	slog.InfoContext(ctx, "retrieval: vector candidates", "concept", concept, "k", k, "hits", len(hits))

	q := hybridQuery(req, hits)
	return q, nil
}
