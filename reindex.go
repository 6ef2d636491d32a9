package graphagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/algowizzzz/graphdb-agent-sec/graphstore"
	"github.com/algowizzzz/graphdb-agent-sec/store"
)

// ErrNoVectorIndex is returned by Reindex when no vector path is configured.
var ErrNoVectorIndex = errors.New("graphagent: vector index is not configured")

// reindexQuery pages through sections by id. Text is only returned when
// it will be embedded.
const reindexQuery = `MATCH (c:Company)-[:HAS_YEAR]->(:Year)-[:HAS_QUARTER]->(:Quarter)-[:HAS_DOC]->(:Document)-[:HAS_SECTION]->(s:Section)
WHERE id(s) > $after
RETURN id(s) AS section_id, s.filename AS filename, s.name AS name, c.name AS company,
       s.embedding AS embedding, CASE WHEN $with_text THEN s.text ELSE null END AS text
ORDER BY section_id
LIMIT $limit`

const (
	defaultPageSize  = 256
	defaultBatchSize = 32

	// maxEmbedChars caps the text sent to the embedding model for one
	// section, in runes.
	maxEmbedChars = 24000
)

// ReindexOptions configures Reindex.
type ReindexOptions struct {
	// Embed computes embeddings from section text instead of copying the
	// graph's s.embedding property.
	Embed bool
	// Reset clears the index first.
	Reset bool
	// PageSize is the number of sections read from the graph per query.
	PageSize int
	// BatchSize is the number of texts per embedding call.
	BatchSize int
}

// ReindexStats reports a reindex run.
type ReindexStats struct {
	Seen     int           `json:"seen"`
	Indexed  int           `json:"indexed"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Duration time.Duration `json:"duration"`
}

type reindexRow struct {
	id        int64
	filename  string
	company   string
	text      string
	embedding []float32
}

// Reindex streams sections out of the graph and upserts their embeddings
// into the vector index. Graph reads and index writes overlap: one
// goroutine pages the graph while another embeds and writes.
func (a *agent) Reindex(ctx context.Context, opts ReindexOptions) (*ReindexStats, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	if a.deps.index == nil {
		return nil, ErrNoVectorIndex
	}
	if opts.Embed && a.deps.embed == nil {
		return nil, fmt.Errorf("%w: no embedding provider", ErrInvalidConfig)
	}
	if opts.PageSize <= 0 {
		opts.PageSize = defaultPageSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	start := time.Now()
	if opts.Reset {
		if err := a.deps.index.Reset(ctx); err != nil {
			return nil, fmt.Errorf("resetting vector index: %w", err)
		}
		slog.InfoContext(ctx, "reindex: index cleared")
	}

	stats := &ReindexStats{}
	pages := make(chan []reindexRow, 2)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(pages)
		return a.readSections(gctx, opts, pages)
	})
	g.Go(func() error {
		for page := range pages {
			if err := a.indexPage(gctx, opts, page, stats); err != nil {
				return err
			}
		}
		return nil
	})

	err := g.Wait()
	stats.Duration = time.Since(start)
	if err != nil {
		return stats, fmt.Errorf("reindex: %w", err)
	}
	if stats.Seen > 0 && stats.Failed == stats.Seen {
		return stats, fmt.Errorf("reindex: all %d sections failed embedding", stats.Seen)
	}
	slog.InfoContext(ctx, "reindex: complete",
		"seen", stats.Seen, "indexed", stats.Indexed, "skipped", stats.Skipped,
		"failed", stats.Failed, "elapsed", stats.Duration)
	return stats, nil
}

// readSections sends pages of sections until the graph is exhausted.
func (a *agent) readSections(ctx context.Context, opts ReindexOptions, out chan<- []reindexRow) error {
	after := int64(-1)
	for {
		rows, err := a.deps.graph.Run(ctx, reindexQuery, map[string]any{
			"after":     after,
			"limit":     int64(opts.PageSize),
			"with_text": opts.Embed,
		})
		if err != nil {
			return fmt.Errorf("reading sections after %d: %w", after, err)
		}
		if len(rows) == 0 {
			return nil
		}

		page := make([]reindexRow, 0, len(rows))
		for _, r := range rows {
			row, ok := decodeReindexRow(r)
			if !ok {
				continue
			}
			page = append(page, row)
			if row.id > after {
				after = row.id
			}
		}
		if len(page) == 0 {
			// no usable ids, so the cursor cannot advance
			return nil
		}
		select {
		case out <- page:
		case <-ctx.Done():
			return ctx.Err()
		}
		if len(rows) < opts.PageSize {
			return nil
		}
	}
}

func decodeReindexRow(r graphstore.Record) (reindexRow, bool) {
	id, ok := graphstore.AsInt64(r["section_id"])
	if !ok {
		return reindexRow{}, false
	}
	row := reindexRow{id: id}
	row.filename, _ = r["filename"].(string)
	if row.filename == "" {
		row.filename, _ = r["name"].(string)
	}
	row.company, _ = r["company"].(string)
	row.text, _ = r["text"].(string)
	row.embedding, _ = asFloat32s(r["embedding"])
	return row, true
}

// indexPage embeds the page when asked to and writes it to the index.
func (a *agent) indexPage(ctx context.Context, opts ReindexOptions, page []reindexRow, stats *ReindexStats) error {
	stats.Seen += len(page)
	if opts.Embed {
		a.embedRows(ctx, page, opts.BatchSize)
	}

	vectors := make([]store.SectionVector, 0, len(page))
	for _, row := range page {
		switch {
		case len(row.embedding) == 0 && opts.Embed:
			stats.Failed++
		case len(row.embedding) == 0:
			stats.Skipped++
		case len(row.embedding) != a.cfg.EmbeddingDim:
			slog.WarnContext(ctx, "reindex: embedding dimension mismatch",
				"section_id", row.id, "got", len(row.embedding), "want", a.cfg.EmbeddingDim)
			stats.Skipped++
		default:
			vectors = append(vectors, store.SectionVector{
				ID:        row.id,
				Filename:  row.filename,
				Company:   row.company,
				Embedding: row.embedding,
			})
		}
	}
	if len(vectors) == 0 {
		return ctx.Err()
	}
	if err := a.deps.index.UpsertSections(ctx, vectors); err != nil {
		return fmt.Errorf("writing %d embeddings: %w", len(vectors), err)
	}
	stats.Indexed += len(vectors)
	slog.DebugContext(ctx, "reindex: page written", "sections", len(vectors), "total", stats.Indexed)
	return nil
}

// embedRows fills row embeddings from text in batches. A failed batch
// falls back to one call per text so a single oversized section does not
// lose the whole batch. Rows that still fail are left without an embedding.
func (a *agent) embedRows(ctx context.Context, rows []reindexRow, batchSize int) {
	var todo []int
	for i, row := range rows {
		rows[i].embedding = nil
		if strings.TrimSpace(row.text) != "" {
			todo = append(todo, i)
		}
	}

	for start := 0; start < len(todo); start += batchSize {
		end := min(start+batchSize, len(todo))
		batch := todo[start:end]
		texts := make([]string, len(batch))
		for j, idx := range batch {
			texts[j] = truncateForEmbed(rows[idx].text)
		}

		vecs, err := a.deps.embed.Embed(ctx, texts)
		if err == nil && len(vecs) == len(batch) {
			for j, idx := range batch {
				rows[idx].embedding = vecs[j]
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		slog.WarnContext(ctx, "reindex: embedding batch failed, falling back to individual",
			"batch_size", len(batch), "error", err)
		for j, idx := range batch {
			single, serr := a.deps.embed.Embed(ctx, texts[j:j+1])
			if serr != nil || len(single) == 0 || len(single[0]) == 0 {
				slog.WarnContext(ctx, "reindex: embedding single text failed",
					"section_id", rows[idx].id, "error", serr)
				continue
			}
			rows[idx].embedding = single[0]
		}
	}
}

// truncateForEmbed cuts text to maxEmbedChars at the last space before the
// limit.
func truncateForEmbed(text string) string {
	r := []rune(text)
	if len(r) <= maxEmbedChars {
		return text
	}
	cut := maxEmbedChars
	for i := maxEmbedChars - 1; i > 0; i-- {
		if r[i] == ' ' {
			cut = i
			break
		}
	}
	return string(r[:cut])
}

// asFloat32s converts an embedding property as returned by the driver.
func asFloat32s(v any) ([]float32, bool) {
	switch t := v.(type) {
	case []float32:
		return t, len(t) > 0
	case []float64:
		out := make([]float32, len(t))
		for i, f := range t {
			out[i] = float32(f)
		}
		return out, len(out) > 0
	case []any:
		out := make([]float32, 0, len(t))
		for _, e := range t {
			switch f := e.(type) {
			case float64:
				out = append(out, float32(f))
			case float32:
				out = append(out, f)
			case int64:
				out = append(out, float32(f))
			default:
				return nil, false
			}
		}
		return out, len(out) > 0
	default:
		return nil, false
	}
}
