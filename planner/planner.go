package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/algowizzzz/graphdb-agent-sec/filing"
	"github.com/algowizzzz/graphdb-agent-sec/graphstore"
	"github.com/algowizzzz/graphdb-agent-sec/llm"
)

// LLM is the part of the gateway the planner needs.
type LLM interface {
	Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// GraphStore is the read side of the graph client.
type GraphStore interface {
	Run(ctx context.Context, cypher string, params map[string]any) ([]graphstore.Record, error)
	DistinctValues(ctx context.Context, label, prop string) ([]any, error)
}

const companyDataQuery = `MATCH (c:Company {name: $company})-[:HAS_YEAR]->(y:Year)-[:HAS_QUARTER]->(q:Quarter)-[:HAS_DOC]->(d:Document)
RETURN y.value AS year, q.label AS quarter, d.document_type AS doc_type
ORDER BY y.value DESC, q.label`

var docTypeAliases = map[string]string{
	"annual report":    "10-K",
	"annual filing":    "10-K",
	"quarterly report": "10-Q",
	"quarterly filing": "10-Q",
}

// Planner builds plans. Calls within one CreatePlan run sequentially.
type Planner struct {
	llm   LLM
	graph GraphStore
	model string
}

// Option configures a Planner.
type Option func(*Planner)

// WithModel sets the model used for planning calls. Empty uses the
// provider default.
func WithModel(model string) Option {
	return func(p *Planner) { p.model = model }
}

// New creates a planner.
func New(l LLM, g GraphStore, opts ...Option) *Planner {
	p := &Planner{llm: l, graph: g}
	for _, o := range opts {
		o(p)
	}
	return p
}

// CreatePlan classifies query and, for content questions, grounds it
// against the graph and asks the LLM for an extraction guide.
func (p *Planner) CreatePlan(ctx context.Context, query string) (*Plan, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ErrPlanGeneration)
	}

	meta, err := p.classify(ctx, query)
	if err != nil {
		return nil, err
	}
	if meta != nil {
		slog.InfoContext(ctx, "planner: metadata query", "cypher", meta.Query)
		return meta, nil
	}

	companies, err := p.groundCompanies(ctx, query)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Kind: PlanContentExtraction}
	for _, company := range companies {
		data, err := p.companyData(ctx, company)
		if err != nil {
			return nil, err
		}
		filters, err := p.groundContext(ctx, query, company, data)
		if err != nil {
			return nil, err
		}
		sections, err := p.enumerate(ctx, filters)
		if err != nil {
			return nil, err
		}
		slog.InfoContext(ctx, "planner: sections enumerated", "company", company,
			"years", filters.Years, "quarters", filters.Quarters, "doc_types", filters.DocTypes,
			"sections", len(sections))
		plan.Filters = append(plan.Filters, filters)
		plan.Available = append(plan.Available, sections...)
	}
	if len(plan.Available) == 0 {
		return nil, ErrNoContentAvailable
	}

	if err := p.generateGuide(ctx, query, plan); err != nil {
		return nil, err
	}
	plan.Warnings = ValidatePlan(plan, plan.Available)
	for _, w := range plan.Warnings {
		slog.WarnContext(ctx, "planner: plan warning", "warning", w)
	}
	slog.InfoContext(ctx, "planner: plan created",
		"sections", len(plan.SectionIDs), "tasks", len(plan.Checklist))
	return plan, nil
}

// chatJSON runs one JSON-mode call and decodes the object.
func (p *Planner) chatJSON(ctx context.Context, step string, msgs ...llm.Message) (map[string]json.RawMessage, error) {
	resp, err := p.llm.Chat(ctx, llm.ChatRequest{
		Model:          p.model,
		Messages:       msgs,
		ResponseFormat: llm.FormatJSON,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", step, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrPlanGeneration, step, err)
	}
	slog.DebugContext(ctx, "planner: llm response", "step", step, "content", resp.Content)
	var obj map[string]json.RawMessage
	if err := llm.DecodeJSON(resp.Content, &obj); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPlanGeneration, step, err)
	}
	return obj, nil
}

// classify returns a metadata plan, or nil for a content question.
func (p *Planner) classify(ctx context.Context, query string) (*Plan, error) {
	obj, err := p.chatJSON(ctx, "classification", llm.System(classifyPrompt), llm.User(userQuery(query)))
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(stringField(obj, "query_type"), "metadata") {
		return nil, nil
	}
	cypher := stringField(obj, "cypher_query")
	if cypher == "" {
		return nil, fmt.Errorf("%w: metadata classification has no query", ErrPlanGeneration)
	}
	if err := graphstore.CheckReadOnly(cypher); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanGeneration, err)
	}
	return &Plan{
		Kind:                PlanMetadata,
		Query:               cypher,
		HumanReadableAnswer: stringField(obj, "human_readable_answer"),
	}, nil
}

func (p *Planner) groundCompanies(ctx context.Context, query string) ([]string, error) {
	values, err := p.graph.DistinctValues(ctx, "Company", "name")
	if err != nil {
		return nil, fmt.Errorf("listing companies: %w", err)
	}
	live := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok && s != "" {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return nil, ErrNoEntityFound
	}

	obj, err := p.chatJSON(ctx, "company extraction", llm.System(buildCompanyPrompt(live)), llm.User(userQuery(query)))
	if err != nil {
		return nil, err
	}
	raw, _ := field(obj, "companies")

	var found []string
	for _, v := range flexList(raw) {
		name, _ := v.(string)
		name = strings.TrimSpace(name)
		switch {
		case !slices.Contains(live, name):
			slog.WarnContext(ctx, "planner: dropping unknown company", "company", v)
		case !slices.Contains(found, name):
			found = append(found, name)
		}
	}
	if len(found) == 0 {
		return nil, ErrNoEntityFound
	}
	slog.InfoContext(ctx, "planner: companies grounded", "companies", found)
	return found, nil
}

// companyData is one company's actual (year, quarter, doc type) values.
type companyData struct {
	years    []int
	quarters []string
	docTypes []string
}

func (p *Planner) companyData(ctx context.Context, company string) (*companyData, error) {
	rows, err := p.graph.Run(ctx, companyDataQuery, map[string]any{"company": company})
	if err != nil {
		return nil, fmt.Errorf("loading data for %s: %w", company, err)
	}
	d := &companyData{}
	for _, r := range rows {
		if y, ok := graphstore.AsInt(r["year"]); ok && !slices.Contains(d.years, y) {
			d.years = append(d.years, y)
		}
		if q, ok := r["quarter"].(string); ok && !slices.Contains(d.quarters, q) {
			d.quarters = append(d.quarters, q)
		}
		if dt, ok := r["doc_type"].(string); ok && !slices.Contains(d.docTypes, dt) {
			d.docTypes = append(d.docTypes, dt)
		}
	}
	slices.Sort(d.quarters)
	slices.Sort(d.docTypes)
	return d, nil
}

// groundContext extracts years, quarters and document types for one
// company, keeping only values present in that company's data. Each field
// is validated on its own; a quarter never implies a document type.
func (p *Planner) groundContext(ctx context.Context, query, company string, data *companyData) (filing.Filters, error) {
	f := filing.Filters{Companies: []string{company}}

	obj, err := p.chatJSON(ctx, "context extraction",
		llm.System(buildContextPrompt(data.years, data.quarters, data.docTypes)), llm.User(userQuery(query)))
	if err != nil {
		return f, err
	}

	yearsRaw, _ := field(obj, "years")
	for _, v := range flexList(yearsRaw) {
		y, ok := graphstore.AsInt(v)
		if !ok || !slices.Contains(data.years, y) {
			slog.WarnContext(ctx, "planner: dropping year", "company", company, "year", v)
			continue
		}
		if !slices.Contains(f.Years, y) {
			f.Years = append(f.Years, y)
		}
	}

	quartersRaw, _ := field(obj, "quarters")
	for _, v := range flexList(quartersRaw) {
		s, _ := v.(string)
		q, ok := filing.NormalizeQuarter(s)
		if !ok || !slices.Contains(data.quarters, q) {
			slog.WarnContext(ctx, "planner: dropping quarter", "company", company, "quarter", v)
			continue
		}
		if !slices.Contains(f.Quarters, q) {
			f.Quarters = append(f.Quarters, q)
		}
	}

	docRaw, _ := field(obj, "document_types", "doc_types")
	for _, v := range flexList(docRaw) {
		s, _ := v.(string)
		dt, ok := matchDocType(s, data.docTypes)
		if !ok {
			slog.WarnContext(ctx, "planner: dropping document type", "company", company, "doc_type", v)
			continue
		}
		if !slices.Contains(f.DocTypes, dt) {
			f.DocTypes = append(f.DocTypes, dt)
		}
	}
	return f, nil
}

// matchDocType resolves s against the available document types,
// case-insensitively and through the report-kind aliases.
func matchDocType(s string, available []string) (string, bool) {
	s = strings.TrimSpace(s)
	if alias, ok := docTypeAliases[strings.ToLower(s)]; ok {
		s = alias
	}
	for _, dt := range available {
		if strings.EqualFold(dt, s) {
			return dt, true
		}
	}
	return "", false
}

// enumerate lists every section matching f. The WHERE clause carries only
// the non-empty filters.
func (p *Planner) enumerate(ctx context.Context, f filing.Filters) ([]filing.Section, error) {
	company := f.Companies[0]
	params := map[string]any{"company": company}
	var where []string
	if len(f.Years) > 0 {
		where = append(where, "y.value IN $years")
		years := make([]int64, len(f.Years))
		for i, y := range f.Years {
			years[i] = int64(y)
		}
		params["years"] = years
	}
	if len(f.Quarters) > 0 {
		where = append(where, "q.label IN $quarters")
		params["quarters"] = f.Quarters
	}
	if len(f.DocTypes) > 0 {
		where = append(where, "d.document_type IN $doc_types")
		params["doc_types"] = f.DocTypes
	}

	var b strings.Builder
	b.WriteString("MATCH (c:Company {name: $company})-[:HAS_YEAR]->(y:Year)-[:HAS_QUARTER]->(q:Quarter)-[:HAS_DOC]->(d:Document)-[:HAS_SECTION]->(s:Section)\n")
	if len(where) > 0 {
		b.WriteString("WHERE " + strings.Join(where, " AND ") + "\n")
	}
	b.WriteString("RETURN id(s) AS section_id, s.name AS section_name, s.filename AS filename, d.document_type AS doc_type, y.value AS year, q.label AS quarter\n")
	b.WriteString("ORDER BY y.value DESC, q.label DESC")

	rows, err := p.graph.Run(ctx, b.String(), params)
	if err != nil {
		return nil, fmt.Errorf("enumerating sections for %s: %w", company, err)
	}
	out := make([]filing.Section, 0, len(rows))
	for _, r := range rows {
		id, ok := graphstore.AsInt64(r["section_id"])
		if !ok {
			continue
		}
		sec := filing.Section{ID: id, Company: company}
		sec.Name, _ = r["section_name"].(string)
		sec.Filename, _ = r["filename"].(string)
		sec.DocType, _ = r["doc_type"].(string)
		sec.Quarter, _ = r["quarter"].(string)
		sec.Year, _ = graphstore.AsInt(r["year"])
		out = append(out, sec)
	}
	return out, nil
}

// generateGuide asks for the extraction guide and fills the plan. Any
// missing key or malformed checklist item fails planning.
func (p *Planner) generateGuide(ctx context.Context, query string, plan *Plan) error {
	obj, err := p.chatJSON(ctx, "extraction guide", llm.System(buildGuidePrompt(query, readableSections(plan))))
	if err != nil {
		return err
	}
	for _, key := range []string{"analysis_goal", "sections_to_retrieve", "extraction_checklist"} {
		if _, ok := obj[key]; !ok {
			return fmt.Errorf("%w: extraction guide is missing %q", ErrPlanGeneration, key)
		}
	}

	plan.AnalysisGoal = stringField(obj, "analysis_goal")

	for _, v := range flexList(obj["sections_to_retrieve"]) {
		id, ok := graphstore.AsInt64(v)
		if !ok {
			return fmt.Errorf("%w: section id %v is not an integer", ErrPlanGeneration, v)
		}
		plan.SectionIDs = append(plan.SectionIDs, id)
	}
	if len(plan.SectionIDs) == 0 {
		return fmt.Errorf("%w: extraction guide selected no sections", ErrPlanGeneration)
	}

	var items []struct {
		Task string `json:"task"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(obj["extraction_checklist"], &items); err != nil {
		return fmt.Errorf("%w: extraction checklist: %v", ErrPlanGeneration, err)
	}
	for i, it := range items {
		kind, err := filing.ParseTaskKind(it.Type)
		if err != nil || strings.TrimSpace(it.Task) == "" {
			return fmt.Errorf("%w: checklist item %d is malformed", ErrPlanGeneration, i)
		}
		plan.Checklist = append(plan.Checklist, filing.ChecklistItem{Task: strings.TrimSpace(it.Task), Kind: kind})
	}
	return nil
}
