package retrieval

import (
	"fmt"
	"strings"

	"github.com/algowizzzz/graphdb-agent-sec/filing"
	"github.com/algowizzzz/graphdb-agent-sec/graphstore"
	"github.com/algowizzzz/graphdb-agent-sec/store"
)

const sectionPath = "(c:Company)-[:HAS_YEAR]->(y:Year)-[:HAS_QUARTER]->(q:Quarter)-[:HAS_DOC]->(d:Document)-[:HAS_SECTION]->(s:Section)"

const sectionReturn = `RETURN id(s) AS section_id, s.name AS name, s.filename AS filename, s.text AS text,
       c.name AS company, y.value AS year, q.label AS quarter, d.document_type AS doc_type`

// filterClauses renders the non-empty filters as predicates over the
// bound path variables. Every value travels as a parameter.
func filterClauses(f filing.Filters, params map[string]any) []string {
	var where []string
	if len(f.Companies) > 0 {
		where = append(where, "c.name IN $companies")
		params["companies"] = f.Companies
	}
	if len(f.Years) > 0 {
		where = append(where, "y.value IN $years")
		params["years"] = int64s(f.Years)
	}
	if len(f.Quarters) > 0 {
		where = append(where, "q.label IN $quarters")
		params["quarters"] = f.Quarters
	}
	if len(f.DocTypes) > 0 {
		where = append(where, "d.document_type IN $doc_types")
		params["doc_types"] = f.DocTypes
	}
	return where
}

func excludedClause(files []string, params map[string]any) []string {
	if len(files) == 0 {
		return nil
	}
	params["excluded_files"] = files
	return []string{"NOT s.filename IN $excluded_files"}
}

func whereClause(preds []string) string {
	if len(preds) == 0 {
		return ""
	}
	return "\nWHERE " + strings.Join(preds, "\n  AND ")
}

func buildDirect(req Request) *Query {
	params := map[string]any{}
	preds := filterClauses(req.Filters, params)
	if len(req.SectionIDs) > 0 {
		preds = append(preds, "id(s) IN $section_ids")
		params["section_ids"] = req.SectionIDs
	}
	preds = append(preds, excludedClause(req.ExcludedFiles, params)...)

	var b strings.Builder
	b.WriteString("MATCH " + sectionPath)
	b.WriteString(whereClause(preds))
	b.WriteString("\n" + sectionReturn)
	if req.Limit > 0 {
		b.WriteString("\nLIMIT $limit")
		params["limit"] = int64(req.Limit)
	}
	return &Query{Strategy: StrategyDirect, Cypher: b.String(), Params: params}
}

func buildComprehensive(req Request) (*Query, error) {
	if len(req.Companies) == 0 {
		return nil, ErrNoCompany
	}
	params := map[string]any{
		"companies": req.Companies,
		"limit":     int64(ComprehensiveLimit),
	}
	preds := append([]string{"c.name IN $companies"}, excludedClause(req.ExcludedFiles, params)...)

	cypher := "MATCH " + sectionPath +
		whereClause(preds) +
		"\nWITH c, y, q, d, s\nORDER BY y.value DESC, q.label DESC\nLIMIT $limit\n" +
		sectionReturn
	return &Query{Strategy: StrategyComprehensive, Cypher: cypher, Params: params}, nil
}

// Each filter on a hybrid candidate walks back from the section to the
// node that carries the filtered property.
const (
	existsCompany = "EXISTS { MATCH (s)<-[:HAS_SECTION]-(:Document)<-[:HAS_DOC]-(:Quarter)<-[:HAS_QUARTER]-(:Year)<-[:HAS_YEAR]-(fc:Company) WHERE fc.name IN $companies }"
	existsYear    = "EXISTS { MATCH (s)<-[:HAS_SECTION]-(:Document)<-[:HAS_DOC]-(:Quarter)<-[:HAS_QUARTER]-(fy:Year) WHERE fy.value IN $years }"
	existsQuarter = "EXISTS { MATCH (s)<-[:HAS_SECTION]-(:Document)<-[:HAS_DOC]-(fq:Quarter) WHERE fq.label IN $quarters }"
	existsDocType = "EXISTS { MATCH (s)<-[:HAS_SECTION]-(fd:Document) WHERE fd.document_type IN $doc_types }"
)

func hybridQuery(req Request, hits []store.Hit) *Query {
	if len(hits) == 0 {
		return &Query{Strategy: StrategyHybrid, Empty: true}
	}

	candidates := make([]any, len(hits))
	for i, h := range hits {
		candidates[i] = map[string]any{"id": h.ID, "distance": h.Distance}
	}
	params := map[string]any{
		"candidates": candidates,
		"limit":      int64(HybridTopN),
	}

	preds := []string{"id(s) = cand.id"}
	if len(req.Companies) > 0 {
		preds = append(preds, existsCompany)
		params["companies"] = req.Companies
	}
	if len(req.Years) > 0 {
		preds = append(preds, existsYear)
		params["years"] = int64s(req.Years)
	}
	if len(req.Quarters) > 0 {
		preds = append(preds, existsQuarter)
		params["quarters"] = req.Quarters
	}
	if len(req.DocTypes) > 0 {
		preds = append(preds, existsDocType)
		params["doc_types"] = req.DocTypes
	}
	preds = append(preds, excludedClause(req.ExcludedFiles, params)...)

	cypher := "UNWIND $candidates AS cand\nMATCH (s:Section)" +
		whereClause(preds) +
		"\nMATCH " + sectionPath +
		"\nWITH c, y, q, d, s, cand\nORDER BY cand.distance ASC\nLIMIT $limit\n" +
		sectionReturn + ", cand.distance AS distance"

	return &Query{Strategy: StrategyHybrid, Cypher: cypher, Params: params, Candidates: hits}
}

func int64s(in []int) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

// SectionsFromRecords decodes retrieval rows. Rows without a usable
// section id are dropped. A missing filename falls back to the section name.
func SectionsFromRecords(rows []graphstore.Record) []filing.Section {
	out := make([]filing.Section, 0, len(rows))
	for _, r := range rows {
		id, ok := graphstore.AsInt64(r["section_id"])
		if !ok {
			continue
		}
		sec := filing.Section{
			ID:       id,
			Name:     str(r["name"]),
			Filename: str(r["filename"]),
			Text:     str(r["text"]),
			Company:  str(r["company"]),
			Quarter:  str(r["quarter"]),
			DocType:  str(r["doc_type"]),
		}
		if y, ok := graphstore.AsInt(r["year"]); ok {
			sec.Year = y
		}
		if sec.Filename == "" {
			sec.Filename = sec.Name
		}
		out = append(out, sec)
	}
	return out
}

func str(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
