package spreadsheet

import (
	"path/filepath"
	"testing"

	"github.com/xuri/excelize/v2"
)

func writeTestWorkbook(t *testing.T) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	rows := [][]string{
		{"Meter", "Usage"},
		{"12", "400"},
		{"13", "250"},
	}
	for i, row := range rows {
		for j, v := range row {
			cell, err := excelize.CoordinatesToCellName(j+1, i+1)
			if err != nil {
				t.Fatalf("coordinates to cell name: %v", err)
			}
			if err := f.SetCellValue("Sheet1", cell, v); err != nil {
				t.Fatalf("set cell value: %v", err)
			}
		}
	}

	path := filepath.Join(t.TempDir(), "meters.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save workbook: %v", err)
	}
	return path
}

func TestAnalyze_RendersMarkdownPipeTable(t *testing.T) {
	path := writeTestWorkbook(t)
	sheets, err := Analyze(path)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(sheets) != 1 {
		t.Fatalf("expected one sheet, got %d", len(sheets))
	}
	sh := sheets[0]
	if sh.Name != "Sheet1" {
		t.Fatalf("unexpected sheet name: %s", sh.Name)
	}
	if len(sh.Rows) != 3 {
		t.Fatalf("expected 3 rows (header + 2 data), got %d", len(sh.Rows))
	}
	if sh.Content == "" || sh.Content[0] != '|' {
		t.Fatalf("expected markdown-pipe-rendered content, got %q", sh.Content)
	}
}

func TestAnalyze_ErrorsOnMissingFile(t *testing.T) {
	if _, err := Analyze(filepath.Join(t.TempDir(), "missing.xlsx")); err == nil {
		t.Fatalf("expected an error opening a missing file")
	}
}

func TestRenderQuery_FiltersByColumnMatch(t *testing.T) {
	path := writeTestWorkbook(t)
	sheets, err := Analyze(path)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	got := RenderQuery(sheets[0], "Meter", "12")
	if len(got) != 1 {
		t.Fatalf("expected exactly one matching row, got %v", got)
	}
}

func TestRenderQuery_UnknownColumnReturnsNil(t *testing.T) {
	path := writeTestWorkbook(t)
	sheets, err := Analyze(path)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if got := RenderQuery(sheets[0], "NoSuchColumn", "12"); got != nil {
		t.Fatalf("expected nil for unknown column, got %v", got)
	}
}
