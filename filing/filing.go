// Package filing holds the domain types shared by the planner, retrieval
// and synthesis stages: filing sections, entity filters and the typed
// extraction checklist.
package filing

import (
	"fmt"
	"strings"
)

// TaskKind categorizes a checklist task.
type TaskKind string

const (
	// TableExtraction tasks ask for precise figures likely found in tables.
	TableExtraction TaskKind = "table_extraction"
	// NarrativeSummary tasks ask for a prose summary of qualitative content.
	NarrativeSummary TaskKind = "narrative_summary"
)

// ParseTaskKind accepts the wire names of the two task kinds.
func ParseTaskKind(s string) (TaskKind, error) {
	switch TaskKind(strings.ToLower(strings.TrimSpace(s))) {
	case TableExtraction:
		return TableExtraction, nil
	case NarrativeSummary:
		return NarrativeSummary, nil
	default:
		return "", fmt.Errorf("unknown task type %q", s)
	}
}

// ChecklistItem is one typed extraction task. Checklist order is kept
// from planning through synthesis.
type ChecklistItem struct {
	Task string   `json:"task"`
	Kind TaskKind `json:"type"`
}

// SplitChecklist partitions a checklist into table and narrative task
// descriptions, preserving order within each kind.
func SplitChecklist(items []ChecklistItem) (table, narrative []string) {
	for _, it := range items {
		switch it.Kind {
		case TableExtraction:
			table = append(table, it.Task)
		case NarrativeSummary:
			narrative = append(narrative, it.Task)
		}
	}
	return table, narrative
}

// Section is the leaf unit of retrieval. Sections are owned by the graph
// store and read-only here.
type Section struct {
	ID       int64  `json:"id"`
	Name     string `json:"name,omitempty"`
	Filename string `json:"filename"`
	Text     string `json:"text,omitempty"`
	Company  string `json:"company,omitempty"`
	Year     int    `json:"year,omitempty"`
	Quarter  string `json:"quarter,omitempty"`
	DocType  string `json:"doc_type,omitempty"`
}

// Filters are grounded entity filters. Every value has been checked
// against the live graph before it lands here.
type Filters struct {
	Companies []string `json:"companies,omitempty"`
	Years     []int    `json:"years,omitempty"`
	Quarters  []string `json:"quarters,omitempty"`
	DocTypes  []string `json:"doc_types,omitempty"`
}

// IsEmpty reports whether no filter is set.
func (f Filters) IsEmpty() bool {
	return len(f.Companies) == 0 && len(f.Years) == 0 && len(f.Quarters) == 0 && len(f.DocTypes) == 0
}

// NormalizeQuarter maps "q2", " Q2 " and similar onto "Q2". It returns
// false for anything that is not Q1..Q4.
func NormalizeQuarter(s string) (string, bool) {
	q := strings.ToUpper(strings.TrimSpace(s))
	if len(q) != 2 || q[0] != 'Q' || q[1] < '1' || q[1] > '4' {
		return "", false
	}
	return q, true
}
