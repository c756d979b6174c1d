// Package export writes value set expansions as spreadsheets.
package export

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/cens-chile/oclfhir/engine"
)

const (
	conceptSheet = "Expansion"
	summarySheet = "Summary"
)

// ConceptHeader is the header row of the concept sheet.
var ConceptHeader = []string{
	"System",
	"System Version",
	"Code",
	"Display",
	"Language",
	"Inactive",
	"Definition",
	"Designations",
}

var columnWidths = []float64{40, 15, 15, 50, 10, 10, 50, 60}

// WriteExpansion writes res as an XLSX workbook: one row per concept plus a
// summary sheet with the expansion parameters and warnings.
func WriteExpansion(w io.Writer, res *engine.ExpansionResult) error {
	f, err := Workbook(res)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

// Workbook builds the workbook for res. The caller closes it.
func Workbook(res *engine.ExpansionResult) (*excelize.File, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(conceptSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	if err := f.DeleteSheet("Sheet1"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to delete default sheet: %w", err)
	}
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	if err := writeConcepts(f, res, headerStyle); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeSummary(f, res, headerStyle); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeConcepts(f *excelize.File, res *engine.ExpansionResult, headerStyle int) error {
	if err := f.SetSheetRow(conceptSheet, "A1", &ConceptHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	last, err := excelize.CoordinatesToCellName(len(ConceptHeader), 1)
	if err != nil {
		return fmt.Errorf("failed to convert coordinates: %w", err)
	}
	if err := f.SetCellStyle(conceptSheet, "A1", last, headerStyle); err != nil {
		return fmt.Errorf("failed to set header style: %w", err)
	}
	for i, width := range columnWidths {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(conceptSheet, col, col, width); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}
	if err := f.SetPanes(conceptSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	for i, c := range res.Contains {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		row := []any{
			c.System,
			c.SystemVersion,
			c.Code,
			c.Display,
			c.Locale,
			c.Retired,
			c.Definition,
			designations(c),
		}
		if err := f.SetSheetRow(conceptSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}
	return nil
}

// designations renders "locale: value" pairs separated by "; ".
func designations(c engine.ConceptDescriptor) string {
	parts := make([]string, 0, len(c.Designations))
	for _, d := range c.Designations {
		if d.Locale == "" {
			parts = append(parts, d.Value)
			continue
		}
		parts = append(parts, d.Locale+": "+d.Value)
	}
	return strings.Join(parts, "; ")
}

func writeSummary(f *excelize.File, res *engine.ExpansionResult, headerStyle int) error {
	rows := [][]any{
		{"Value Set", res.ValueSet.String()},
		{"URL", res.URL},
		{"Identifier", res.Identifier},
		{"Timestamp", res.Timestamp.UTC().Format(time.RFC3339)},
		{"Total", res.Total},
		{"Offset", res.Offset},
		{"Count", res.Count},
		{"Display Language", res.DisplayLanguage},
		{"Active Only", res.ActiveOnly},
		{"Filter", res.Filter},
	}
	for _, w := range res.Warnings {
		rows = append(rows, []any{"Warning", w.String()})
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetSheetRow(summarySheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write summary row: %w", err)
		}
		if err := f.SetCellStyle(summarySheet, cell, cell, headerStyle); err != nil {
			return fmt.Errorf("failed to set summary style: %w", err)
		}
	}
	if err := f.SetColWidth(summarySheet, "A", "A", 20); err != nil {
		return fmt.Errorf("failed to set column width: %w", err)
	}
	return f.SetColWidth(summarySheet, "B", "B", 60)
}
