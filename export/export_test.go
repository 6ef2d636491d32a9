package export

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/algowizzzz/graphdb-agent-sec/synthesis"
)

func TestWriteXLSX(t *testing.T) {
	report := Report{
		Query:  "BAC Q1 2025 net income",
		Answer: "Net income was $7.4 billion.",
		Chunks: []synthesis.ChunkResult{
			{
				Filename: "BAC_10Q_2025_Q1_MDA.txt", Part: 1, Parts: 2,
				Data: []synthesis.Field{
					{Task: "Net Income", Value: "$7.4 billion"},
					{Task: "Total Revenue", Value: synthesis.NotFound},
				},
				Narrative: "Higher net interest income drove results.",
			},
			{Filename: "BAC_10Q_2025_Q1_MDA.txt", Part: 2, Parts: 2},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, report))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{ReportSheet, ExtractionSheet, NarrativeSheet}, f.GetSheetList())

	rows, err := f.GetRows(ReportSheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Question", "Answer"}, {report.Query, report.Answer}}, rows)

	rows, err = f.GetRows(ExtractionSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{report.Query, "BAC_10Q_2025_Q1_MDA.txt", "1/2", "Net Income", "$7.4 billion"}, rows[1])
	assert.Equal(t, synthesis.NotFound, rows[2][4])

	rows, err = f.GetRows(NarrativeSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Higher net interest income drove results.", rows[1][3])
}

func TestReadQuestions(t *testing.T) {
	f := excelize.NewFile()
	require.NoError(t, f.SetSheetRow("Sheet1", "A1", &[]any{"Question"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A2", &[]any{"What companies are in the dataset?"}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A3", &[]any{""}))
	require.NoError(t, f.SetSheetRow("Sheet1", "A4", &[]any{"", "  BAC Q1 2025 net income "}))
	path := filepath.Join(t.TempDir(), "questions.xlsx")
	require.NoError(t, f.SaveAs(path))
	require.NoError(t, f.Close())

	got, err := ReadQuestions(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"What companies are in the dataset?", "BAC Q1 2025 net income"}, got)

	empty := filepath.Join(t.TempDir(), "empty.xlsx")
	g := excelize.NewFile()
	require.NoError(t, g.SaveAs(empty))
	g.Close()
	_, err = ReadQuestions(empty)
	assert.Error(t, err)

	_, err = ReadQuestions(filepath.Join(os.TempDir(), "does-not-exist.xlsx"))
	assert.Error(t, err)
}
