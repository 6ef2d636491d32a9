// Package eval scores agent answers against expected facts.
package eval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	graphagent "github.com/algowizzzz/graphdb-agent-sec"
	"github.com/algowizzzz/graphdb-agent-sec/planner"
)

// passThreshold is the minimum accuracy for a passing test.
const passThreshold = 0.5

// Evaluator runs datasets against an agent.
type Evaluator struct {
	agent graphagent.Agent
}

// NewEvaluator creates a new evaluator.
func NewEvaluator(agent graphagent.Agent) *Evaluator {
	return &Evaluator{agent: agent}
}

// Report holds the results of an evaluation run.
type Report struct {
	Dataset         string                      `json:"dataset"`
	TotalTests      int                         `json:"total_tests"`
	Passed          int                         `json:"passed"`
	Failed          int                         `json:"failed"`
	Errors          int                         `json:"errors"`
	Metrics         AggregateMetrics            `json:"metrics"`
	CategoryMetrics map[string]AggregateMetrics `json:"category_metrics,omitempty"`
	Results         []TestResult                `json:"results"`
	RunTime         time.Duration               `json:"run_time"`
}

// AggregateMetrics holds averages over the tests that produced an answer.
type AggregateMetrics struct {
	AvgAccuracy        float64 `json:"avg_accuracy"`
	AvgContextRecall   float64 `json:"avg_context_recall"`
	AvgNumberGrounding float64 `json:"avg_number_grounding"`
	AvgRefinements     float64 `json:"avg_refinements"`
	PlanMatchRate      float64 `json:"plan_match_rate"`
}

// TestResult holds the result of a single test case.
type TestResult struct {
	Question        string       `json:"question"`
	ExpectedFacts   []string     `json:"expected_facts"`
	Category        string       `json:"category,omitempty"`
	Answer          string       `json:"answer"`
	PlanKind        planner.Kind `json:"plan_kind,omitempty"`
	PlanMatch       bool         `json:"plan_match"`
	Accuracy        float64      `json:"accuracy"`
	ContextRecall   float64      `json:"context_recall"`
	NumberGrounding float64      `json:"number_grounding"`
	Refinements     int          `json:"refinements"`
	Sources         []string     `json:"sources,omitempty"`
	// Diagnosis names where a failing test lost its facts:
	// PLAN_MISMATCH, RETRIEVAL_MISS, SYNTHESIS_MISS or PASS.
	Diagnosis string `json:"diagnosis"`
	Passed    bool   `json:"passed"`
	Error     string `json:"error,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms"`
}

// Run asks every question in the dataset in order. Per-test failures are
// recorded in the report; Run only fails when ctx is done.
func (e *Evaluator) Run(ctx context.Context, dataset Dataset, opts ...graphagent.AskOption) (*Report, error) {
	start := time.Now()
	report := &Report{
		Dataset:    dataset.Name,
		TotalTests: len(dataset.Tests),
	}

	var scored []TestResult
	for i, test := range dataset.Tests {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		result := e.runTest(ctx, test, opts...)
		report.Results = append(report.Results, result)

		status := "PASS"
		switch {
		case result.Error != "":
			status = "ERROR"
			report.Errors++
		case !result.Passed:
			status = "FAIL"
		}
		if result.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
		if result.Error == "" {
			scored = append(scored, result)
		}

		slog.InfoContext(ctx, "eval: test complete",
			"progress", fmt.Sprintf("%d/%d", i+1, len(dataset.Tests)),
			"status", status,
			"diagnosis", result.Diagnosis,
			"accuracy", fmt.Sprintf("%.2f", result.Accuracy),
			"elapsed_ms", result.ElapsedMs,
			"question", truncate(test.Question, 80))
	}

	report.Metrics = aggregate(scored)
	byCategory := make(map[string][]TestResult)
	for _, r := range scored {
		if r.Category != "" {
			byCategory[r.Category] = append(byCategory[r.Category], r)
		}
	}
	if len(byCategory) > 0 {
		report.CategoryMetrics = make(map[string]AggregateMetrics, len(byCategory))
		for cat, rs := range byCategory {
			report.CategoryMetrics[cat] = aggregate(rs)
		}
	}

	report.RunTime = time.Since(start)
	return report, nil
}

func (e *Evaluator) runTest(ctx context.Context, test TestCase, opts ...graphagent.AskOption) TestResult {
	testStart := time.Now()
	result := TestResult{
		Question:      test.Question,
		ExpectedFacts: test.ExpectedFacts,
		Category:      test.Category,
	}

	answer, err := e.agent.Ask(ctx, test.Question, opts...)
	result.ElapsedMs = time.Since(testStart).Milliseconds()
	if err != nil {
		result.Error = graphagent.UserMessage(err)
		result.Diagnosis = "ERROR"
		return result
	}

	result.Answer = answer.Text
	result.PlanKind = answer.PlanKind
	result.PlanMatch = test.ExpectedPlan == "" || test.ExpectedPlan == answer.PlanKind
	result.Accuracy = computeAccuracy(answer, test.ExpectedFacts)
	result.ContextRecall = computeContextRecall(answer, test.ExpectedFacts)
	result.NumberGrounding = computeNumberGrounding(answer)
	result.Refinements = answer.Refinements
	for _, s := range answer.Sources {
		result.Sources = append(result.Sources, s.Filename)
	}

	result.Passed = result.PlanMatch && result.Accuracy >= passThreshold
	result.Diagnosis = diagnose(result)
	return result
}

// diagnose names the first stage that lost the expected facts.
func diagnose(r TestResult) string {
	switch {
	case r.Passed:
		return "PASS"
	case !r.PlanMatch:
		return "PLAN_MISMATCH"
	case r.ContextRecall < passThreshold && r.PlanKind != planner.PlanMetadata:
		return "RETRIEVAL_MISS"
	default:
		return "SYNTHESIS_MISS"
	}
}

func aggregate(results []TestResult) AggregateMetrics {
	var m AggregateMetrics
	if len(results) == 0 {
		return m
	}
	matched := 0
	for _, r := range results {
		m.AvgAccuracy += r.Accuracy
		m.AvgContextRecall += r.ContextRecall
		m.AvgNumberGrounding += r.NumberGrounding
		m.AvgRefinements += float64(r.Refinements)
		if r.PlanMatch {
			matched++
		}
	}
	n := float64(len(results))
	m.AvgAccuracy /= n
	m.AvgContextRecall /= n
	m.AvgNumberGrounding /= n
	m.AvgRefinements /= n
	m.PlanMatchRate = float64(matched) / n
	return m
}

// FormatReport produces a human-readable report string.
func FormatReport(r *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Evaluation Report: %s ===\n", r.Dataset)
	fmt.Fprintf(&b, "Total: %d | Passed: %d (%.1f%%) | Failed: %d | Errors: %d\n",
		r.TotalTests, r.Passed, passRate(r.Passed, r.TotalTests), r.Failed, r.Errors)
	fmt.Fprintf(&b, "Run time: %s\n\n", r.RunTime.Round(time.Millisecond))

	fmt.Fprintf(&b, "Aggregate Metrics:\n")
	fmt.Fprintf(&b, "  Accuracy:          %.2f\n", r.Metrics.AvgAccuracy)
	fmt.Fprintf(&b, "  Context Recall:    %.2f\n", r.Metrics.AvgContextRecall)
	fmt.Fprintf(&b, "  Number Grounding:  %.2f\n", r.Metrics.AvgNumberGrounding)
	fmt.Fprintf(&b, "  Plan Match:        %.2f\n", r.Metrics.PlanMatchRate)
	fmt.Fprintf(&b, "  Refinements:       %.2f\n\n", r.Metrics.AvgRefinements)

	if len(r.CategoryMetrics) > 0 {
		cats := make([]string, 0, len(r.CategoryMetrics))
		for cat := range r.CategoryMetrics {
			cats = append(cats, cat)
		}
		sort.Strings(cats)

		fmt.Fprintf(&b, "Per-Category Metrics:\n")
		for _, cat := range cats {
			m := r.CategoryMetrics[cat]
			fmt.Fprintf(&b, "  [%s] Acc=%.2f CtxR=%.2f Num=%.2f Plan=%.2f\n",
				cat, m.AvgAccuracy, m.AvgContextRecall, m.AvgNumberGrounding, m.PlanMatchRate)
		}
		fmt.Fprintln(&b)
	}

	for i, res := range r.Results {
		status := "PASS"
		if !res.Passed {
			status = "FAIL"
		}
		diag := ""
		if res.Diagnosis != "PASS" {
			diag = fmt.Sprintf(" [%s]", res.Diagnosis)
		}
		fmt.Fprintf(&b, "[%s]%s %d. %s\n", status, diag, i+1, res.Question)
		if res.Error != "" {
			fmt.Fprintf(&b, "  Error: %s\n", res.Error)
		} else {
			fmt.Fprintf(&b, "  Acc=%.2f CtxR=%.2f Num=%.2f Ref=%d  (%dms)\n",
				res.Accuracy, res.ContextRecall, res.NumberGrounding, res.Refinements, res.ElapsedMs)
		}
	}
	return b.String()
}

func passRate(passed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(passed) / float64(total) * 100
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
