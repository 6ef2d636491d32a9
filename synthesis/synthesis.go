// Package synthesis runs the checklist against retrieved sections and
// writes the final report. The map step sends every chunk of every
// document to a table specialist and a narrative specialist; the reduce
// step combines their outputs in one call.
package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/sourcegraph/conc/pool"

	"github.com/algowizzzz/graphdb-agent-sec/filing"
	"github.com/algowizzzz/graphdb-agent-sec/llm"
)

// ErrSynthesis means every LLM call in the map step, or the reduce call, failed.
var ErrSynthesis = errors.New("synthesis: all extraction calls failed")

const (
	// MaxCharsPerChunk is the per-chunk ceiling, in runes.
	MaxCharsPerChunk = 180000

	// NotFound marks a table task the chunk has no value for.
	NotFound = "Not Found"
	// ExtractionError marks a table task whose extraction call failed.
	ExtractionError = "Extraction Error"

	narrativeError = ExtractionError + ": narrative summary unavailable"

	// NoInformation is the answer when nothing was retrieved.
	NoInformation = "No information was found that matched the query."

	// Disclaimer ends every report.
	Disclaimer = "*Disclaimer: RiskGPT may hallucinate; please independently verify all insights before use in production or decision-making contexts.*"

	chunkSeparator = "\n\n---\n\n"
)

// LLM is the part of the gateway the synthesizer needs.
type LLM interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// Field is one table task and its extracted value.
type Field struct {
	Task  string `json:"task"`
	Value string `json:"value"`
}

// ChunkResult is the map output for one chunk of one document.
type ChunkResult struct {
	Filename  string  `json:"filename"`
	Part      int     `json:"part"`
	Parts     int     `json:"parts"`
	Data      []Field `json:"data,omitempty"`
	Narrative string  `json:"narrative,omitempty"`
	// Calls and Failed count the specialist calls made for this chunk.
	Calls  int `json:"calls"`
	Failed int `json:"failed"`
}

// Text renders the chunk as the reduce step sees it.
func (c ChunkResult) Text() string {
	var b strings.Builder
	if len(c.Data) > 0 {
		b.WriteString("Extracted Data:\n")
		b.WriteString(fieldsJSON(c.Data))
		b.WriteString("\n\n")
	}
	if c.Narrative != "" {
		b.WriteString("Narrative Summary:\n")
		b.WriteString(c.Narrative)
	}
	return b.String()
}

// Input is one document as handed to the reduce step.
type Input struct {
	Text      string `json:"text"`
	Filename  string `json:"filename"`
	IsSummary bool   `json:"is_summary"`
}

// Request is one synthesis job.
type Request struct {
	Query     string
	Goal      string
	Sections  []filing.Section
	Checklist []filing.ChecklistItem
	Feedback  string
}

// Result is the outcome of a synthesis run.
type Result struct {
	Query      string        `json:"query"`
	Goal       string        `json:"goal"`
	Answer     string        `json:"answer"`
	Inputs     []Input       `json:"inputs"`
	Chunks     []ChunkResult `json:"chunks"`
	Sources    []string      `json:"sources"`
	TotalChars int           `json:"total_chars"`
	// OverBudget is set when the retrieved text exceeded MaxCharsPerChunk
	// and documents were chunked.
	OverBudget bool `json:"over_budget"`
	// Unquoted lists extracted values the report still does not quote in
	// strict mode.
	Unquoted []string `json:"unquoted,omitempty"`
	// Unsurfaced lists tasks marked missing that the report never reports
	// as missing, in strict mode.
	Unsurfaced []string `json:"unsurfaced,omitempty"`
}

// Context returns the reduce context the answer was written from.
func (r *Result) Context() string {
	return buildContext(r.Inputs)
}

// Synthesizer runs map-reduce synthesis.
type Synthesizer struct {
	llm         LLM
	model       string
	concurrency int
	maxChars    int
	strict      bool
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithModel sets the model used for synthesis calls.
func WithModel(model string) Option { return func(s *Synthesizer) { s.model = model } }

// WithConcurrency bounds the concurrent map calls.
func WithConcurrency(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithMaxChars overrides MaxCharsPerChunk.
func WithMaxChars(n int) Option {
	return func(s *Synthesizer) {
		if n > 0 {
			s.maxChars = n
		}
	}
}

// WithStrictFigures makes the reduce step re-request the report once when
// it does not quote every extracted value.
func WithStrictFigures(on bool) Option { return func(s *Synthesizer) { s.strict = on } }

// New creates a synthesizer.
func New(l LLM, opts ...Option) *Synthesizer {
	s := &Synthesizer{llm: l, concurrency: 4, maxChars: MaxCharsPerChunk}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Synthesize runs the map step over req.Sections and reduces the result.
// An empty checklist is replaced by a single narrative task for the query.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (*Result, error) {
	checklist := req.Checklist
	if len(checklist) == 0 {
		checklist = []filing.ChecklistItem{{Task: req.Query, Kind: filing.NarrativeSummary}}
	}

	res := &Result{Query: req.Query, Goal: req.Goal}
	for _, sec := range req.Sections {
		res.TotalChars += utf8.RuneCountInString(sec.Text)
	}
	res.OverBudget = res.TotalChars > s.maxChars
	slog.InfoContext(ctx, "synthesis: starting",
		"documents", len(req.Sections), "total_chars", res.TotalChars, "over_budget", res.OverBudget)

	inputs, chunks, err := s.Map(ctx, req.Sections, checklist)
	if err != nil {
		return nil, err
	}
	res.Inputs = inputs
	res.Chunks = chunks
	res.Sources = Sources(inputs)

	if err := s.reduceInto(ctx, res, req.Feedback); err != nil {
		return nil, err
	}
	return res, nil
}

// Refine re-runs only the reduce step of res with reviewer feedback.
func (s *Synthesizer) Refine(ctx context.Context, res *Result, feedback string) (*Result, error) {
	next := *res
	next.Unquoted = nil
	next.Unsurfaced = nil
	if err := s.reduceInto(ctx, &next, feedback); err != nil {
		return nil, err
	}
	return &next, nil
}

type mapJob struct {
	doc, part, parts int
	filename         string
	text             string
}

// Map runs both specialists over every chunk of every section. Results
// keep document and chunk order. A failed call degrades to an
// extraction-error marker; only the failure of every call is an error.
func (s *Synthesizer) Map(ctx context.Context, sections []filing.Section, checklist []filing.ChecklistItem) ([]Input, []ChunkResult, error) {
	tableTasks, narrativeTasks := filing.SplitChecklist(checklist)

	var jobs []mapJob
	docs := make([]string, 0, len(sections))
	for _, sec := range sections {
		if strings.TrimSpace(sec.Text) == "" {
			slog.WarnContext(ctx, "synthesis: skipping section without text", "section_id", sec.ID)
			continue
		}
		name := sourceName(sec)
		parts := SplitText(sec.Text, s.maxChars)
		if len(parts) > 1 {
			slog.InfoContext(ctx, "synthesis: chunking large document", "filename", name, "chunks", len(parts))
		}
		for i, p := range parts {
			jobs = append(jobs, mapJob{doc: len(docs), part: i + 1, parts: len(parts), filename: name, text: p})
		}
		docs = append(docs, name)
	}
	if len(jobs) == 0 {
		return nil, nil, nil
	}

	results := make([]ChunkResult, len(jobs))
	p := pool.New().WithMaxGoroutines(s.concurrency)
	for i, job := range jobs {
		p.Go(func() {
			results[i] = s.mapChunk(ctx, job, tableTasks, narrativeTasks)
		})
	}
	p.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	calls, failed := 0, 0
	for _, r := range results {
		calls += r.Calls
		failed += r.Failed
	}
	if calls > 0 && failed == calls {
		return nil, nil, fmt.Errorf("%w: %d of %d calls", ErrSynthesis, failed, calls)
	}
	if failed > 0 {
		slog.WarnContext(ctx, "synthesis: some extraction calls failed", "failed", failed, "calls", calls)
	}

	texts := make([][]string, len(docs))
	for i, r := range results {
		d := jobs[i].doc
		texts[d] = append(texts[d], r.Text())
	}
	inputs := make([]Input, len(docs))
	for d, name := range docs {
		inputs[d] = Input{Text: strings.Join(texts[d], chunkSeparator), Filename: name, IsSummary: true}
	}
	return inputs, results, nil
}

func (s *Synthesizer) mapChunk(ctx context.Context, job mapJob, tableTasks, narrativeTasks []string) ChunkResult {
	r := ChunkResult{Filename: job.filename, Part: job.part, Parts: job.parts}

	if len(tableTasks) > 0 {
		r.Calls++
		data, err := s.extractTable(ctx, job.text, tableTasks)
		if err != nil {
			slog.WarnContext(ctx, "synthesis: table extraction failed",
				"filename", job.filename, "part", job.part, "error", err)
			r.Failed++
			data = fillFields(tableTasks, ExtractionError)
		}
		r.Data = data
	}

	if len(narrativeTasks) > 0 {
		r.Calls++
		label := job.filename
		if job.parts > 1 {
			label = fmt.Sprintf("%s (part %d/%d)", job.filename, job.part, job.parts)
		}
		text, err := s.summarize(ctx, job.text, narrativeTasks, label)
		if err != nil {
			slog.WarnContext(ctx, "synthesis: narrative summary failed",
				"filename", job.filename, "part", job.part, "error", err)
			r.Failed++
			text = narrativeError
		}
		r.Narrative = text
	}
	return r
}

// extractTable asks the table specialist for every task and normalizes
// the answer so each task appears once, in order, with a non-empty value.
func (s *Synthesizer) extractTable(ctx context.Context, text string, tasks []string) ([]Field, error) {
	resp, err := s.llm.Chat(ctx, llm.ChatRequest{
		Model:          s.model,
		Messages:       []llm.Message{llm.System(tableSystemPrompt), llm.User(buildTablePrompt(text, tasks))},
		ResponseFormat: llm.FormatJSON,
	})
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := llm.DecodeJSON(resp.Content, &obj); err != nil {
		return nil, err
	}
	return normalizeFields(tasks, obj), nil
}

func (s *Synthesizer) summarize(ctx context.Context, text string, tasks []string, label string) (string, error) {
	resp, err := s.llm.Chat(ctx, llm.ChatRequest{
		Model:    s.model,
		Messages: []llm.Message{llm.System(narrativeSystemPrompt), llm.User(buildNarrativePrompt(text, tasks, label))},
	})
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" {
		return "", errors.New("empty narrative summary")
	}
	return out, nil
}

func normalizeFields(tasks []string, obj map[string]any) []Field {
	fields := make([]Field, len(tasks))
	for i, task := range tasks {
		fields[i] = Field{Task: task, Value: lookupValue(obj, task)}
	}
	return fields
}

// lookupValue finds task in obj, exactly or ignoring case and
// surrounding space, and renders it as a string.
func lookupValue(obj map[string]any, task string) string {
	v, ok := obj[task]
	if !ok {
		want := strings.ToLower(strings.TrimSpace(task))
		for k, kv := range obj {
			if strings.ToLower(strings.TrimSpace(k)) == want {
				v, ok = kv, true
				break
			}
		}
	}
	if !ok || v == nil {
		return NotFound
	}
	var s string
	switch t := v.(type) {
	case string:
		s = strings.TrimSpace(t)
	case float64, bool:
		s = fmt.Sprint(t)
	default:
		s = marshalNoEscape(t)
	}
	if s == "" {
		return NotFound
	}
	return s
}

func fillFields(tasks []string, value string) []Field {
	fields := make([]Field, len(tasks))
	for i, t := range tasks {
		fields[i] = Field{Task: t, Value: value}
	}
	return fields
}

// fieldsJSON renders fields as a JSON object in checklist order.
func fieldsJSON(fields []Field) string {
	var b strings.Builder
	b.WriteString("{\n")
	for i, f := range fields {
		fmt.Fprintf(&b, "  %s: %s", marshalNoEscape(f.Task), marshalNoEscape(f.Value))
		if i < len(fields)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString("}")
	return b.String()
}

func marshalNoEscape(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(v))
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func sourceName(sec filing.Section) string {
	switch {
	case sec.Filename != "":
		return sec.Filename
	case sec.Name != "":
		return sec.Name
	default:
		return fmt.Sprintf("section-%d", sec.ID)
	}
}

// Sources returns the sorted, deduplicated input filenames.
func Sources(inputs []Input) []string {
	var out []string
	for _, in := range inputs {
		if in.Filename != "" && !slices.Contains(out, in.Filename) {
			out = append(out, in.Filename)
		}
	}
	slices.Sort(out)
	return out
}
