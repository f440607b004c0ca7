package offsets

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// AnchorPayloadVersion is bumped whenever the anchored field set changes
const AnchorPayloadVersion = 1

// AnchorPayload is the fixed subset of a verification result written to the ledger
type AnchorPayload struct {
	Version         int           `json:"v"`
	ResultID        string        `json:"result_id"`
	RequestID       string        `json:"request_id"`
	MeasurementID   string        `json:"measurement_id"`
	UserID          string        `json:"user_id"`
	Decision        RequestStatus `json:"decision"`
	SavingsKg       float64       `json:"savings_kg"`
	DCUnits         float64       `json:"dc_units"`
	TokenAmount     int64         `json:"token_amount"`
	Confidence      float64       `json:"confidence"`
	ReviewerID      string        `json:"reviewer_id"`
	ReviewedAtMs    int64         `json:"reviewed_at_ms"`
	MeasurementHash string        `json:"measurement_hash"`
}

// NewAnchorPayload extracts the anchored fields from a result
func NewAnchorPayload(r *VerificationResult) AnchorPayload {
	return AnchorPayload{
		Version:         AnchorPayloadVersion,
		ResultID:        r.ID,
		RequestID:       r.RequestID,
		MeasurementID:   r.MeasurementID,
		UserID:          r.UserID,
		Decision:        r.Decision,
		SavingsKg:       r.VerifiedSavingsKg,
		DCUnits:         r.VerifiedDCUnits,
		TokenAmount:     r.VerifiedTokenAmount,
		Confidence:      r.VerifiedConfidence,
		ReviewerID:      r.ReviewerID,
		ReviewedAtMs:    r.ReviewedAt.UnixMilli(),
		MeasurementHash: r.MeasurementHash,
	}
}

// Encode serializes the payload in its canonical form
func (p AnchorPayload) Encode() ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode anchor payload: %w", err)
	}
	return data, nil
}

// Hash returns the hex SHA-256 of the canonical encoding
func (p AnchorPayload) Hash() (string, error) {
	data, err := p.Encode()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// DecodeAnchorPayload parses a payload read back from the ledger
func DecodeAnchorPayload(data []byte) (AnchorPayload, error) {
	var p AnchorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return AnchorPayload{}, fmt.Errorf("failed to decode anchor payload: %w", err)
	}
	return p, nil
}

// ComputeResultHash returns the hash a result must carry
func ComputeResultHash(r *VerificationResult) (string, error) {
	return NewAnchorPayload(r).Hash()
}
