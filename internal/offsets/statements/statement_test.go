package statements

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"carbon-scribe/agri-credit/internal/offsets"
)

func sampleStatement() *Statement {
	batch, tx := "1733", "tx-9"
	minted := time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)
	rewards := []offsets.RewardRecord{
		{ID: "rw-2", UserID: "user-1", TokenAmount: 250_000, Status: offsets.RewardApproved,
			SourceMeasurementIDs: []string{"m3"}, CreatedAt: time.Date(2026, 3, 6, 9, 0, 0, 0, time.UTC)},
		{ID: "rw-1", UserID: "user-1", TokenAmount: 1_500_000, Status: offsets.RewardPaid,
			SourceMeasurementIDs: []string{"m1", "m2"}, BatchID: &batch, TxRef: &tx, MintedAt: &minted,
			CreatedAt: time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)},
		{ID: "rw-3", UserID: "user-1", TokenAmount: 500_000, Status: offsets.RewardPaid,
			CreatedAt: time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC)},
	}
	return Build("user-1", rewards, 6, time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC))
}

func TestBuild(t *testing.T) {
	s := sampleStatement()

	require.Len(t, s.Rows, 3)
	assert.Equal(t, "rw-1", s.Rows[0].RewardID, "oldest first")
	assert.Equal(t, "1.500000", s.Rows[0].Amount)
	assert.Equal(t, 2, s.Rows[0].Measurements)
	assert.Equal(t, "tx-9", s.Rows[0].TxRef)

	assert.Equal(t, "2.000000", s.Totals[offsets.RewardPaid])
	assert.Equal(t, "0.250000", s.Totals[offsets.RewardApproved])
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = ParseFormat("XLSX")
	require.NoError(t, err)
	assert.Equal(t, FormatXLSX, f)
	assert.Equal(t, "application/pdf", FormatPDF.ContentType())

	_, err = ParseFormat("docx")
	assert.ErrorIs(t, err, offsets.ErrValidation)
}

func TestRender_CSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleStatement(), FormatCSV))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, columns, records[0])
	assert.Equal(t, []string{"rw-1", "paid", "1.500000", "2", "1733", "tx-9", "2026-03-05T09:00:00Z", "2026-03-06T12:00:00Z"}, records[1])
	assert.Equal(t, "", records[2][7], "unminted rewards have no mint time")
}

func TestRender_XLSX(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleStatement(), FormatXLSX))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	header, err := f.GetCellValue(rewardsSheet, "A1")
	require.NoError(t, err)
	assert.Equal(t, "Reward", header)

	id, err := f.GetCellValue(rewardsSheet, "A2")
	require.NoError(t, err)
	assert.Equal(t, "rw-1", id)

	rows, err := f.GetRows(totalsSheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"Status", "Amount"}, {"approved", "0.250000"}, {"paid", "2.000000"}}, rows)
}

func TestRender_PDF(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, sampleStatement(), FormatPDF))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), []byte("%PDF-")))
}
