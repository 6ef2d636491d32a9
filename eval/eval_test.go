package eval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	graphagent "github.com/algowizzzz/graphdb-agent-sec"
	"github.com/algowizzzz/graphdb-agent-sec/graphstore"
	"github.com/algowizzzz/graphdb-agent-sec/planner"
	"github.com/algowizzzz/graphdb-agent-sec/retrieval"
	"github.com/algowizzzz/graphdb-agent-sec/store"
	"github.com/algowizzzz/graphdb-agent-sec/synthesis"
)

// scriptedAgent answers from a fixed map of questions.
type scriptedAgent struct {
	answers map[string]*graphagent.Answer
}

func (a *scriptedAgent) Ask(_ context.Context, q string, _ ...graphagent.AskOption) (*graphagent.Answer, error) {
	if ans, ok := a.answers[q]; ok {
		return ans, nil
	}
	return nil, &graphagent.StageError{Stage: graphagent.StatePlanning, Err: graphagent.ErrNoEntityFound}
}

func (a *scriptedAgent) Search(context.Context, string, retrieval.Request) (*graphagent.Answer, error) {
	return nil, errors.New("not implemented")
}

func (a *scriptedAgent) Reindex(context.Context, graphagent.ReindexOptions) (*graphagent.ReindexStats, error) {
	return nil, errors.New("not implemented")
}

func (a *scriptedAgent) Schema(context.Context) (*graphstore.Summary, error) { return nil, nil }

func (a *scriptedAgent) RecentQueries(context.Context, int) ([]store.QueryLog, error) {
	return nil, nil
}

func (a *scriptedAgent) Info(context.Context) graphagent.Info { return graphagent.Info{} }

func (a *scriptedAgent) Close() error { return nil }

func contentAnswer(text string, data ...synthesis.Field) *graphagent.Answer {
	return &graphagent.Answer{
		Text:     text + "\n\n" + synthesis.Disclaimer + "\n\nSources:\n- BAC_10Q_2025_Q1_MDA.txt",
		PlanKind: planner.PlanContentExtraction,
		Chunks:   []synthesis.ChunkResult{{Filename: "BAC_10Q_2025_Q1_MDA.txt", Part: 1, Parts: 1, Data: data}},
		Sources:  []graphagent.Source{{Filename: "BAC_10Q_2025_Q1_MDA.txt"}},
	}
}

func TestComputeAccuracy(t *testing.T) {
	answer := contentAnswer("Net income was $7,396 million, up 11 % year over year.")

	tests := []struct {
		facts []string
		want  float64
	}{
		{[]string{"$7,396 million"}, 1},
		{[]string{"7396"}, 1},
		{[]string{"11%"}, 1},
		{[]string{"$7.4 billion|7,396"}, 1},
		{[]string{"net income", "net interest income"}, 0.5},
		{[]string{"Sources"}, 0},
		{nil, 0},
	}
	for _, tt := range tests {
		if got := computeAccuracy(answer, tt.facts); got != tt.want {
			t.Errorf("computeAccuracy(%v) = %.2f, want %.2f", tt.facts, got, tt.want)
		}
	}
}

func TestNormalizeLLMText(t *testing.T) {
	got := normalizeLLMText("10\u2011Q\u00a0filing\u200b")
	if got != "10-Q filing" {
		t.Errorf("normalizeLLMText = %q", got)
	}
}

func TestComputeNumberGrounding(t *testing.T) {
	grounded := contentAnswer("Net income was $7,396 million in Q1 2025.",
		synthesis.Field{Task: "Net Income", Value: "$7,396 million for the quarter ended March 31, 2025"})
	if got := computeNumberGrounding(grounded); got != 1 {
		t.Errorf("grounded answer: got %.2f, want 1", got)
	}

	invented := contentAnswer("Net income was $9,100 million in 2025.",
		synthesis.Field{Task: "Net Income", Value: "$7,396 million in 2025"})
	if got := computeNumberGrounding(invented); got != 0.5 {
		t.Errorf("invented figure: got %.2f, want 0.5", got)
	}

	if got := computeNumberGrounding(contentAnswer("Liquidity is strong.")); got != 1 {
		t.Errorf("no figures: got %.2f, want 1", got)
	}
}

func TestRun(t *testing.T) {
	agent := &scriptedAgent{answers: map[string]*graphagent.Answer{
		"Which companies are covered?": {
			Text:     `["BAC","JPM"]`,
			PlanKind: planner.PlanMetadata,
		},
		"BAC net income Q1 2025?": contentAnswer("Net income was $7,396 million.",
			synthesis.Field{Task: "Net Income", Value: "$7,396 million"}),
		"BAC CET1 ratio Q1 2025?": contentAnswer("The CET1 ratio was not found.",
			synthesis.Field{Task: "CET1 ratio", Value: "11.8%"}),
	}}

	ds := Dataset{Name: "sec", Tests: []TestCase{
		{Question: "Which companies are covered?", ExpectedFacts: []string{"BAC", "JPM"}, ExpectedPlan: planner.PlanMetadata, Category: "metadata"},
		{Question: "BAC net income Q1 2025?", ExpectedFacts: []string{"7,396"}, Category: "extraction"},
		{Question: "BAC CET1 ratio Q1 2025?", ExpectedFacts: []string{"11.8%"}, Category: "extraction"},
		{Question: "Tesla revenue?", ExpectedFacts: []string{"revenue"}},
		{Question: "BAC net income Q1 2025?", ExpectedFacts: []string{"7,396"}, ExpectedPlan: planner.PlanMetadata},
	}}

	report, err := NewEvaluator(agent).Run(context.Background(), ds)
	if err != nil {
		t.Fatal(err)
	}
	if report.Passed != 2 || report.Failed != 3 || report.Errors != 1 {
		t.Fatalf("passed/failed/errors = %d/%d/%d, want 2/3/1", report.Passed, report.Failed, report.Errors)
	}

	wantDiag := []string{"PASS", "PASS", "SYNTHESIS_MISS", "ERROR", "PLAN_MISMATCH"}
	for i, want := range wantDiag {
		if got := report.Results[i].Diagnosis; got != want {
			t.Errorf("result %d diagnosis = %s, want %s", i, got, want)
		}
	}
	if report.Results[3].Error != graphagent.UserMessage(&graphagent.StageError{Err: graphagent.ErrNoEntityFound}) {
		t.Errorf("error message = %q", report.Results[3].Error)
	}
	if m := report.CategoryMetrics["extraction"]; m.AvgAccuracy != 0.5 || m.AvgContextRecall != 1 {
		t.Errorf("extraction metrics = %+v", m)
	}
	if got := report.Metrics.PlanMatchRate; got != 0.75 {
		t.Errorf("plan match rate = %.2f, want 0.75", got)
	}

	text := FormatReport(report)
	for _, want := range []string{"Evaluation Report: sec", "Passed: 2 (40.0%)", "[FAIL] [PLAN_MISMATCH] 5."} {
		if !strings.Contains(text, want) {
			t.Errorf("report missing %q:\n%s", want, text)
		}
	}
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "smoke.yaml")
	data := `tests:
  - question: What was BAC's net income in Q1 2025?
    expected_facts: ["7,396|7.4 billion"]
    expected_plan: content_extraction
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	ds, err := LoadDataset(path)
	if err != nil {
		t.Fatal(err)
	}
	if ds.Name != "smoke" || len(ds.Tests) != 1 || ds.Tests[0].ExpectedPlan != planner.PlanContentExtraction {
		t.Errorf("unexpected dataset %+v", ds)
	}

	empty := filepath.Join(dir, "empty.json")
	if err := os.WriteFile(empty, []byte(`{"name": "x", "tests": []}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDataset(empty); err == nil {
		t.Error("expected error for a dataset without tests")
	}
}

func TestSmokeDataset(t *testing.T) {
	ds, err := LoadDataset(filepath.Join("testdata", "smoke.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if ds.Name != "sec-smoke" || len(ds.Tests) != 4 {
		t.Errorf("got %q with %d tests", ds.Name, len(ds.Tests))
	}
	for i, tc := range ds.Tests {
		if len(tc.ExpectedFacts) == 0 {
			t.Errorf("test %d has no expected facts", i)
		}
		if tc.ExpectedPlan != planner.PlanMetadata && tc.ExpectedPlan != planner.PlanContentExtraction {
			t.Errorf("test %d has plan %q", i, tc.ExpectedPlan)
		}
	}
}
