package httpapi

import (
	"fmt"

	"standing_orders/internal/app"

	"github.com/xuri/excelize/v2"
)

const diffSheet = "Advancement"

var diffColumnWidths = []float64{18, 10, 16, 16, 16, 16}

// diffWorkbook renders the advancement diff table as a spreadsheet, one
// row per item, with a bold header.
func diffWorkbook(adv *app.Advancement) (*excelize.File, string, error) {
	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", diffSheet); err != nil {
		f.Close()
		return nil, "", fmt.Errorf("rename sheet: %w", err)
	}

	boldStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		f.Close()
		return nil, "", fmt.Errorf("header style: %w", err)
	}

	rows := append([][]string{app.DiffColumns}, adv.DiffRows()...)
	for r, row := range rows {
		for i, value := range row {
			cell, err := excelize.CoordinatesToCellName(i+1, r+1)
			if err != nil {
				f.Close()
				return nil, "", err
			}
			if err := f.SetCellValue(diffSheet, cell, value); err != nil {
				f.Close()
				return nil, "", fmt.Errorf("write %s: %w", cell, err)
			}
		}
	}

	last, _ := excelize.ColumnNumberToName(len(app.DiffColumns))
	if err := f.SetCellStyle(diffSheet, "A1", last+"1", boldStyle); err != nil {
		f.Close()
		return nil, "", fmt.Errorf("style header: %w", err)
	}
	for i, w := range diffColumnWidths {
		col, _ := excelize.ColumnNumberToName(i + 1)
		_ = f.SetColWidth(diffSheet, col, col, w)
	}

	filename := fmt.Sprintf("advancement_%s_%s.xlsx", adv.SeriesCode, adv.Cutoff.Format("20060102"))
	return f, filename, nil
}
