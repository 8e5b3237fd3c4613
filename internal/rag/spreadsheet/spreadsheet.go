// Package spreadsheet implements the optional analyze-spreadsheet tool
// Table-RAG (C10) invokes when a query carries spreadsheet/metering cues.
package spreadsheet

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Sheet is one worksheet's tabular content, with Content rendered as a
// markdown pipe table ("| a | b |", one line per row).
type Sheet struct {
	Name    string
	Rows    [][]string
	Content string
}

// Analyze opens path and renders every non-empty sheet into a Sheet.
func Analyze(path string) ([]Sheet, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening spreadsheet: %w", err)
	}
	defer f.Close()

	var sheets []Sheet
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil || len(rows) == 0 {
			continue
		}
		var b strings.Builder
		for _, row := range rows {
			b.WriteString("| " + strings.Join(row, " | ") + " |\n")
		}
		sheets = append(sheets, Sheet{Name: name, Rows: rows, Content: b.String()})
	}
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no data found in spreadsheet")
	}
	return sheets, nil
}

// RenderQuery applies a trivial column-match filter against a sheet's rows,
// treating the first row as headers, for the subset of queries the caller
// has already determined are a column lookup rather than a general question.
func RenderQuery(sheet Sheet, column, value string) []string {
	if len(sheet.Rows) < 2 {
		return nil
	}
	header := sheet.Rows[0]
	colIdx := -1
	for i, h := range header {
		if strings.EqualFold(strings.TrimSpace(h), column) {
			colIdx = i
			break
		}
	}
	if colIdx < 0 {
		return nil
	}
	var out []string
	for _, row := range sheet.Rows[1:] {
		if colIdx < len(row) && strings.Contains(strings.ToLower(row[colIdx]), strings.ToLower(value)) {
			out = append(out, strings.Join(row, " | "))
		}
	}
	return out
}
