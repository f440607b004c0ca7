package statements

import (
	"fmt"
	"io"
	"sort"

	"github.com/jung-kurt/gofpdf"

	"carbon-scribe/agri-credit/internal/offsets"
)

var pdfWidths = []float64{42, 20, 26, 18, 30, 50, 36, 36}

func writePDF(w io.Writer, s *Statement) error {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Arial", "I", 8)
		pdf.CellFormat(0, 8, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, "Carbon Offset Reward Statement", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, "User: "+s.UserID, "", 1, "C", false, 0, "")
	pdf.CellFormat(0, 6, "Generated: "+s.GeneratedAt.Format("2006-01-02 15:04 MST"), "", 1, "C", false, 0, "")
	pdf.Ln(6)

	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(68, 114, 196)
	pdf.SetTextColor(255, 255, 255)
	for i, label := range columnLabels {
		pdf.CellFormat(pdfWidths[i], 7, label, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFillColor(242, 242, 242)
	for r, row := range s.Rows {
		v := row.values()
		for i, col := range columns {
			pdf.CellFormat(pdfWidths[i], 6, truncate(formatValue(v[col]), 30), "1", 0, "L", r%2 == 1, 0, "")
		}
		pdf.Ln(-1)
	}

	pdf.Ln(6)
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(0, 7, "Totals", "", 1, "L", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	statuses := make([]string, 0, len(s.Totals))
	for status := range s.Totals {
		statuses = append(statuses, string(status))
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		pdf.CellFormat(40, 6, status, "", 0, "L", false, 0, "")
		pdf.CellFormat(40, 6, s.Totals[offsetsStatus(status)], "", 1, "R", false, 0, "")
	}

	return pdf.Output(w)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func offsetsStatus(s string) offsets.RewardStatus {
	return offsets.RewardStatus(s)
}
