package statements

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	rewardsSheet = "Rewards"
	totalsSheet  = "Totals"
)

func writeXLSX(w io.Writer, s *Statement) error {
	file := excelize.NewFile()
	defer file.Close()

	if err := file.SetSheetName("Sheet1", rewardsSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	header, err := file.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"4472C4"}},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}
	dateStyle, err := file.NewStyle(&excelize.Style{NumFmt: 22})
	if err != nil {
		return fmt.Errorf("failed to create date style: %w", err)
	}

	for i, label := range columnLabels {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := file.SetCellValue(rewardsSheet, cell, label); err != nil {
			return err
		}
		if err := file.SetCellStyle(rewardsSheet, cell, cell, header); err != nil {
			return err
		}
	}
	if err := file.SetPanes(rewardsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	for r, row := range s.Rows {
		v := row.values()
		for c, col := range columns {
			cell, _ := excelize.CoordinatesToCellName(c+1, r+2)
			val := v[col]
			if val == nil {
				continue
			}
			if err := file.SetCellValue(rewardsSheet, cell, val); err != nil {
				return fmt.Errorf("failed to set %s: %w", cell, err)
			}
			if _, ok := val.(time.Time); ok {
				if err := file.SetCellStyle(rewardsSheet, cell, cell, dateStyle); err != nil {
					return err
				}
			}
		}
	}
	if err := file.SetColWidth(rewardsSheet, "A", "H", 22); err != nil {
		return err
	}

	if _, err := file.NewSheet(totalsSheet); err != nil {
		return fmt.Errorf("failed to create totals sheet: %w", err)
	}
	statuses := make([]string, 0, len(s.Totals))
	for status := range s.Totals {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	_ = file.SetCellValue(totalsSheet, "A1", "Status")
	_ = file.SetCellValue(totalsSheet, "B1", "Amount")
	_ = file.SetCellStyle(totalsSheet, "A1", "B1", header)
	for i, status := range statuses {
		_ = file.SetCellValue(totalsSheet, fmt.Sprintf("A%d", i+2), status)
		_ = file.SetCellValue(totalsSheet, fmt.Sprintf("B%d", i+2), s.Totals[offsetsStatus(status)])
	}

	return file.Write(w)
}
