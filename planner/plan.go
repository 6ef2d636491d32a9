// Package planner turns a question into a grounded retrieval plan. Every
// entity the plan filters on is checked against the live graph; the LLM
// chooses sections only from the list the graph actually holds.
package planner

import (
	"errors"
	"fmt"

	"github.com/algowizzzz/graphdb-agent-sec/filing"
)

var (
	// ErrNoEntityFound means no company in the question matched the graph.
	ErrNoEntityFound = errors.New("planner: no matching company found")

	// ErrNoContentAvailable means the grounded filters matched no sections.
	ErrNoContentAvailable = errors.New("planner: no sections match the question")

	// ErrPlanGeneration means an LLM step returned malformed or incomplete output.
	ErrPlanGeneration = errors.New("planner: could not generate a plan")
)

// Kind tags the plan variant.
type Kind string

const (
	PlanMetadata          Kind = "metadata"
	PlanContentExtraction Kind = "content_extraction"
)

// Plan is the planner's output. Metadata plans carry Query and
// HumanReadableAnswer; content plans carry the remaining fields.
type Plan struct {
	Kind Kind `json:"plan_type"`

	Query               string `json:"cypher_query,omitempty"`
	HumanReadableAnswer string `json:"human_readable_answer,omitempty"`

	AnalysisGoal string                 `json:"analysis_goal,omitempty"`
	SectionIDs   []int64                `json:"sections_to_retrieve,omitempty"`
	Checklist    []filing.ChecklistItem `json:"extraction_checklist,omitempty"`

	// Filters holds the grounded filters, one entry per company.
	Filters []filing.Filters `json:"filters,omitempty"`
	// Available is every section the filters matched, tagged with its company.
	Available []filing.Section `json:"available,omitempty"`
	Warnings  []string         `json:"warnings,omitempty"`
}

// ValidatePlan checks a content plan against the sections that were
// offered to the LLM. It reports problems and never changes the plan.
func ValidatePlan(p *Plan, available []filing.Section) []string {
	if p == nil || p.Kind != PlanContentExtraction {
		return nil
	}
	var warnings []string
	if p.AnalysisGoal == "" {
		warnings = append(warnings, "analysis goal is empty")
	}
	if len(p.Checklist) == 0 {
		warnings = append(warnings, "extraction checklist is empty")
	}

	known := make(map[int64]bool, len(available))
	for _, s := range available {
		known[s.ID] = true
	}
	seen := make(map[int64]bool, len(p.SectionIDs))
	for _, id := range p.SectionIDs {
		if seen[id] {
			warnings = append(warnings, fmt.Sprintf("section %d is listed more than once", id))
			continue
		}
		seen[id] = true
		if !known[id] {
			warnings = append(warnings, fmt.Sprintf("section %d was not among the available sections", id))
		}
	}
	return warnings
}
