package api

import (
	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/internal/offsets/measurement"
)

// MeasurementRequest is the body of a measurement submission or resubmission
type MeasurementRequest struct {
	Activity offsets.CarbonActivity      `json:"activity"`
	Method   offsets.MeasurementMethod   `json:"method" binding:"required"`
	Evidence []offsets.Evidence          `json:"evidence"`
	Location *offsets.Location           `json:"location,omitempty"`
	Metadata offsets.MeasurementMetadata `json:"metadata"`
}

func (r MeasurementRequest) input() measurement.Input {
	return measurement.Input{
		Activity: r.Activity,
		Method:   r.Method,
		Evidence: r.Evidence,
		Location: r.Location,
		Metadata: r.Metadata,
	}
}

// ReviewRequest is a reviewer's decision
type ReviewRequest struct {
	ReviewerID  string               `json:"reviewer_id" binding:"required"`
	Approve     bool                 `json:"approve"`
	Comments    string               `json:"comments"`
	Adjustments *offsets.Adjustments `json:"adjustments,omitempty"`
}

// EscalateRequest moves a request to a senior reviewer
type EscalateRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor" binding:"required"`
}

// ResubmissionRequest sends a request back to its user
type ResubmissionRequest struct {
	ReviewerID string `json:"reviewer_id" binding:"required"`
	Feedback   string `json:"feedback"`
}

// CommentRequest appends a note to a request
type CommentRequest struct {
	Author string `json:"author" binding:"required"`
	Text   string `json:"text"`
}

// ReviewerRequest registers or updates a reviewer
type ReviewerRequest struct {
	ID       string               `json:"id"`
	Name     string               `json:"name"`
	Role     offsets.ReviewerRole `json:"role" binding:"required"`
	Active   *bool                `json:"active,omitempty"`
	Capacity int                  `json:"capacity"`
}

// WalletRequest links a ledger address to a user
type WalletRequest struct {
	Address string `json:"address" binding:"required"`
}

// ConfirmMintRequest records an externally confirmed mint
type ConfirmMintRequest struct {
	UserID string `json:"user_id" binding:"required"`
	TxRef  string `json:"tx_ref"`
}

// SubmissionResponse reports where a submitted measurement ended up
type SubmissionResponse struct {
	Measurement *offsets.Measurement         `json:"measurement,omitempty"`
	Request     *offsets.VerificationRequest `json:"request"`
	Outcome     offsets.Outcome              `json:"outcome"`
	Reviewer    *offsets.Reviewer            `json:"reviewer,omitempty"`
	Result      *offsets.VerificationResult  `json:"result,omitempty"`
	Issues      []offsets.Issue              `json:"issues,omitempty"`
}
