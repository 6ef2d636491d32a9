// Package export writes answers to Excel workbooks and reads question
// batches from them.
package export

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/algowizzzz/graphdb-agent-sec/synthesis"
)

// Sheet names of an exported report.
const (
	ReportSheet     = "Report"
	ExtractionSheet = "Extraction"
	NarrativeSheet  = "Narrative"
)

// Report is one answered question.
type Report struct {
	Query  string
	Answer string
	Chunks []synthesis.ChunkResult
}

// WriteXLSX writes the reports as a workbook: the answers on one sheet,
// every extracted table value on another and the narrative summaries on a
// third.
func WriteXLSX(w io.Writer, reports ...Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", ReportSheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	for _, name := range []string{ExtractionSheet, NarrativeSheet} {
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("creating sheet %s: %w", name, err)
		}
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("creating style: %w", err)
	}
	wrap, err := f.NewStyle(&excelize.Style{Alignment: &excelize.Alignment{WrapText: true, Vertical: "top"}})
	if err != nil {
		return fmt.Errorf("creating style: %w", err)
	}

	sheets := []struct {
		name   string
		header []any
		widths []float64
	}{
		{ReportSheet, []any{"Question", "Answer"}, []float64{40, 120}},
		{ExtractionSheet, []any{"Question", "Source", "Part", "Task", "Value"}, []float64{40, 40, 8, 50, 30}},
		{NarrativeSheet, []any{"Question", "Source", "Part", "Summary"}, []float64{40, 40, 8, 120}},
	}
	for _, s := range sheets {
		if err := f.SetSheetRow(s.name, "A1", &s.header); err != nil {
			return fmt.Errorf("writing %s header: %w", s.name, err)
		}
		last, _ := excelize.CoordinatesToCellName(len(s.header), 1)
		if err := f.SetCellStyle(s.name, "A1", last, bold); err != nil {
			return err
		}
		for i, width := range s.widths {
			col, _ := excelize.ColumnNumberToName(i + 1)
			if err := f.SetColWidth(s.name, col, col, width); err != nil {
				return err
			}
		}
	}

	rows := map[string]int{ReportSheet: 1, ExtractionSheet: 1, NarrativeSheet: 1}
	appendRow := func(sheet string, values ...any) error {
		rows[sheet]++
		cell, err := excelize.CoordinatesToCellName(1, rows[sheet])
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &values); err != nil {
			return fmt.Errorf("writing %s row %d: %w", sheet, rows[sheet], err)
		}
		return nil
	}

	for _, r := range reports {
		if err := appendRow(ReportSheet, r.Query, r.Answer); err != nil {
			return err
		}
		cell, _ := excelize.CoordinatesToCellName(2, rows[ReportSheet])
		if err := f.SetCellStyle(ReportSheet, cell, cell, wrap); err != nil {
			return err
		}

		for _, c := range r.Chunks {
			part := fmt.Sprintf("%d/%d", c.Part, c.Parts)
			for _, field := range c.Data {
				if err := appendRow(ExtractionSheet, r.Query, c.Filename, part, field.Task, field.Value); err != nil {
					return err
				}
			}
			if c.Narrative != "" {
				if err := appendRow(NarrativeSheet, r.Query, c.Filename, part, c.Narrative); err != nil {
					return err
				}
			}
		}
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// ReadQuestions returns the first non-empty cell of every row on every
// sheet of the workbook at path. A first row reading "question" is a
// header and is skipped.
func ReadQuestions(path string) ([]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	var questions []string
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}
		for i, row := range rows {
			q := firstCell(row)
			if q == "" || (i == 0 && strings.EqualFold(q, "question")) {
				continue
			}
			questions = append(questions, q)
		}
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("no questions found in %s", path)
	}
	return questions, nil
}

func firstCell(row []string) string {
	for _, c := range row {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return ""
}
