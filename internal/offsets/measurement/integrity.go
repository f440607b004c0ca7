package measurement

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"carbon-scribe/agri-credit/internal/offsets"
)

// hashFields is the ordered field subset covered by the integrity hash.
// Metadata, evidence and lifecycle markers are not covered.
type hashFields struct {
	ID                string               `json:"id"`
	UserID            string               `json:"user_id"`
	ActivityType      offsets.ActivityType `json:"activity_type"`
	SavingsKg         float64              `json:"savings_kg"`
	DCUnits           float64              `json:"dc_units"`
	MeasuredAtMs      int64                `json:"measured_at_ms"`
	ProductName       string               `json:"product_name"`
	ProductCategory   string               `json:"product_category"`
	OriginRegion      string               `json:"origin_region"`
	DestinationRegion string               `json:"destination_region"`
}

// ComputeHash returns the hex SHA-256 integrity hash of a measurement
func ComputeHash(m *offsets.Measurement) (string, error) {
	data, err := json.Marshal(hashFields{
		ID:                m.ID,
		UserID:            m.UserID,
		ActivityType:      m.Activity.Type,
		SavingsKg:         m.Calculation.SavingsKg,
		DCUnits:           m.Calculation.DCUnits,
		MeasuredAtMs:      m.MeasuredAt.UnixMilli(),
		ProductName:       m.Activity.ProductName,
		ProductCategory:   m.Activity.ProductCategory,
		OriginRegion:      m.Activity.OriginRegion,
		DestinationRegion: m.Activity.DestinationRegion,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode hash fields: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash recomputes the hash and returns an IntegrityError on mismatch
func VerifyHash(m *offsets.Measurement) error {
	actual, err := ComputeHash(m)
	if err != nil {
		return err
	}
	if actual != m.IntegrityHash {
		return &offsets.IntegrityError{Entity: "measurement", ID: m.ID, Expected: m.IntegrityHash, Actual: actual}
	}
	return nil
}

// Seal sets the integrity hash from the current field values
func Seal(m *offsets.Measurement) error {
	h, err := ComputeHash(m)
	if err != nil {
		return err
	}
	m.IntegrityHash = h
	return nil
}
