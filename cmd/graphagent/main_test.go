package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	graphagent "github.com/algowizzzz/graphdb-agent-sec"
	"github.com/algowizzzz/graphdb-agent-sec/retrieval"
)

func TestSearchRequest(t *testing.T) {
	f := searchFlags{
		strategy:  "Hybrid",
		companies: []string{"BAC"},
		years:     []int{2024},
		quarters:  []string{"q2"},
		concept:   "liquidity risk",
		exclude:   []string{"BAC_10K_2024_Q4_Risk.txt"},
	}
	req, err := f.request()
	require.NoError(t, err)
	assert.Equal(t, retrieval.StrategyHybrid, req.Strategy)
	assert.Equal(t, []string{"Q2"}, req.Quarters)
	assert.Equal(t, "liquidity risk", req.Concept)
	assert.Equal(t, []string{"BAC_10K_2024_Q4_Risk.txt"}, req.ExcludedFiles)

	_, err = searchFlags{strategy: "fuzzy"}.request()
	assert.ErrorIs(t, err, errUsage)
}

func TestAskOptions(t *testing.T) {
	assert.Empty(t, askFlags{maxRefinements: -1}.options())
	assert.Len(t, askFlags{noCritique: true, maxRefinements: 0, exclude: []string{"a.txt"}}.options(), 3)
}

func TestAskNeedsQuestion(t *testing.T) {
	root := newRootCmd()
	var stderr bytes.Buffer
	root.SetErr(&stderr)
	root.SetArgs([]string{"ask"})

	err := root.ExecuteContext(context.Background())
	assert.ErrorIs(t, err, errUsage)
}

func TestSetupLogging(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, setupLogging(&buf, "json", false))
	require.NoError(t, setupLogging(&buf, "text", true))
	assert.ErrorIs(t, setupLogging(&buf, "xml", false), errUsage)
}

func TestExitCode(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, exitSuccess, exitCode(&buf, nil))
	assert.Empty(t, buf.String())

	err := &graphagent.StageError{Stage: graphagent.StatePlanning, Err: graphagent.ErrNoEntityFound}
	assert.Equal(t, exitError, exitCode(&buf, err))
	assert.Equal(t, graphagent.UserMessage(err)+"\n", buf.String())

	buf.Reset()
	assert.Equal(t, exitError, exitCode(&buf, errors.New("boom")))
	assert.Contains(t, buf.String(), "Something went wrong")
}

func TestBatchQuestions(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.xlsx")
	require.NoError(t, excelize.NewFile().SaveAs(empty))

	_, err := askFlags{batch: empty}.questions("")
	assert.ErrorIs(t, err, errUsage)

	full := filepath.Join(dir, "questions.xlsx")
	f := excelize.NewFile()
	require.NoError(t, f.SetCellValue("Sheet1", "A1", "Question"))
	require.NoError(t, f.SetCellValue("Sheet1", "A2", "What was BAC net income in Q1 2025?"))
	require.NoError(t, f.SaveAs(full))

	qs, err := askFlags{batch: full}.questions("")
	require.NoError(t, err)
	assert.Equal(t, []string{"What was BAC net income in Q1 2025?"}, qs)

	qs, err = askFlags{}.questions("single")
	require.NoError(t, err)
	assert.Equal(t, []string{"single"}, qs)
}
