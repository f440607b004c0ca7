// Package statements renders a user's reward history as a downloadable statement.
package statements

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"carbon-scribe/agri-credit/internal/offsets"
)

// Format is an output encoding for a statement
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

// ParseFormat accepts a format name, defaulting to CSV when empty
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "":
		return FormatCSV, nil
	case FormatCSV, FormatXLSX, FormatPDF:
		return f, nil
	}
	return "", fmt.Errorf("%w: unknown statement format %q", offsets.ErrValidation, s)
}

// ContentType returns the MIME type served for the format
func (f Format) ContentType() string {
	switch f {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatPDF:
		return "application/pdf"
	default:
		return "text/csv"
	}
}

var columns = []string{"reward_id", "status", "amount", "measurements", "batch_id", "tx_ref", "created_at", "minted_at"}

var columnLabels = []string{"Reward", "Status", "Amount", "Measurements", "Batch", "Ledger Tx", "Created", "Minted"}

// Row is one reward line
type Row struct {
	RewardID     string
	Status       offsets.RewardStatus
	Amount       string
	Measurements int
	BatchID      string
	TxRef        string
	CreatedAt    time.Time
	MintedAt     *time.Time
}

// Statement is a user's rewards with per-status totals in token units
type Statement struct {
	UserID      string
	GeneratedAt time.Time
	Rows        []Row
	Totals      map[offsets.RewardStatus]string
}

// Build turns reward records into a statement. Amounts are minor units shifted by decimals.
func Build(userID string, rewards []offsets.RewardRecord, decimals int32, now time.Time) *Statement {
	s := &Statement{
		UserID:      userID,
		GeneratedAt: now.UTC(),
		Totals:      make(map[offsets.RewardStatus]string),
	}

	sorted := make([]offsets.RewardRecord, len(rewards))
	copy(sorted, rewards)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	totals := make(map[offsets.RewardStatus]decimal.Decimal)
	for _, r := range sorted {
		amount := decimal.New(r.TokenAmount, -decimals)
		totals[r.Status] = totals[r.Status].Add(amount)

		row := Row{
			RewardID:     r.ID,
			Status:       r.Status,
			Amount:       amount.StringFixed(decimals),
			Measurements: len(r.SourceMeasurementIDs),
			CreatedAt:    r.CreatedAt,
			MintedAt:     r.MintedAt,
		}
		if r.BatchID != nil {
			row.BatchID = *r.BatchID
		}
		if r.TxRef != nil {
			row.TxRef = *r.TxRef
		}
		s.Rows = append(s.Rows, row)
	}
	for status, total := range totals {
		s.Totals[status] = total.StringFixed(decimals)
	}
	return s
}

func (r Row) values() map[string]interface{} {
	v := map[string]interface{}{
		"reward_id":    r.RewardID,
		"status":       string(r.Status),
		"amount":       r.Amount,
		"measurements": r.Measurements,
		"batch_id":     r.BatchID,
		"tx_ref":       r.TxRef,
		"created_at":   r.CreatedAt,
	}
	if r.MintedAt != nil {
		v["minted_at"] = *r.MintedAt
	}
	return v
}

// Render writes the statement in the given format
func Render(w io.Writer, s *Statement, format Format) error {
	switch format {
	case FormatCSV:
		return writeCSV(w, s)
	case FormatXLSX:
		return writeXLSX(w, s)
	case FormatPDF:
		return writePDF(w, s)
	}
	return fmt.Errorf("%w: unknown statement format %q", offsets.ErrValidation, format)
}
