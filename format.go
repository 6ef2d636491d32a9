package graphagent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/algowizzzz/graphdb-agent-sec/filing"
	"github.com/algowizzzz/graphdb-agent-sec/graphstore"
	"github.com/algowizzzz/graphdb-agent-sec/planner"
)

// formatRows renders metadata rows as the final answer. Rows with a single
// column flatten to a JSON list of values; anything else is a JSON array of
// row objects.
func formatRows(rows []graphstore.Record) (string, error) {
	var v any = rows
	if len(rows) == 0 {
		v = []any{}
	} else if col, ok := singleColumn(rows); ok {
		values := make([]any, len(rows))
		for i, r := range rows {
			values[i] = r[col]
		}
		v = values
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("encoding rows: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func singleColumn(rows []graphstore.Record) (string, bool) {
	var col string
	for i, r := range rows {
		if len(r) != 1 {
			return "", false
		}
		for k := range r {
			if i == 0 {
				col = k
			} else if k != col {
				return "", false
			}
		}
	}
	return col, true
}

// FormatPlan renders a plan as bullet points for display.
func FormatPlan(p *planner.Plan) string {
	if p == nil {
		return ""
	}
	var b strings.Builder
	switch p.Kind {
	case planner.PlanMetadata:
		b.WriteString("Plan: metadata query\n")
		fmt.Fprintf(&b, "- Cypher: %s\n", oneLine(p.Query))
		if p.HumanReadableAnswer != "" {
			fmt.Fprintf(&b, "- Answer preamble: %s\n", p.HumanReadableAnswer)
		}
	case planner.PlanContentExtraction:
		b.WriteString("Plan: content extraction (direct retrieval)\n")
		fmt.Fprintf(&b, "- Goal: %s\n", p.AnalysisGoal)
		for _, f := range p.Filters {
			fmt.Fprintf(&b, "- Filter: %s\n", describeFilter(f))
		}

		names := make(map[int64]string, len(p.Available))
		for _, s := range p.Available {
			names[s.ID] = fmt.Sprintf("%s %s %d %s %s", s.Company, s.DocType, s.Year, s.Quarter, s.Name)
		}
		b.WriteString("- Sections:\n")
		for _, id := range p.SectionIDs {
			if n, ok := names[id]; ok {
				fmt.Fprintf(&b, "  - %d: %s\n", id, strings.Join(strings.Fields(n), " "))
			} else {
				fmt.Fprintf(&b, "  - %d\n", id)
			}
		}

		b.WriteString("- Checklist:\n")
		for _, item := range p.Checklist {
			fmt.Fprintf(&b, "  - [%s] %s\n", item.Kind, item.Task)
		}
		for _, w := range p.Warnings {
			fmt.Fprintf(&b, "- Warning: %s\n", w)
		}
	default:
		fmt.Fprintf(&b, "Plan: %s\n", p.Kind)
	}
	return strings.TrimRight(b.String(), "\n")
}

func describeFilter(f filing.Filters) string {
	companies, years, quarters, docTypes := f.Companies, f.Years, f.Quarters, f.DocTypes
	var parts []string
	if len(companies) > 0 {
		parts = append(parts, "company "+strings.Join(companies, ", "))
	}
	if len(years) > 0 {
		ys := make([]string, len(years))
		for i, y := range years {
			ys[i] = fmt.Sprint(y)
		}
		parts = append(parts, "year "+strings.Join(ys, ", "))
	}
	if len(quarters) > 0 {
		parts = append(parts, "quarter "+strings.Join(quarters, ", "))
	}
	if len(docTypes) > 0 {
		parts = append(parts, "document "+strings.Join(docTypes, ", "))
	}
	if len(parts) == 0 {
		return "all filings"
	}
	return strings.Join(parts, "; ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
