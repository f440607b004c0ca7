package verification

import (
	"context"
	"time"

	"carbon-scribe/agri-credit/internal/offsets"
)

// Assignment asks the repository to pick a reviewer and move the request in one atomic step
type Assignment struct {
	RequestID string
	// From is the status the request must be in; it must also have no reviewer
	From offsets.RequestStatus
	To   offsets.RequestStatus
	// Roles are tried in order; within a role reviewers are picked round-robin
	Roles []offsets.ReviewerRole
	Now   time.Time
}

// MeasurementUpdate is the change a concluded review applies to its measurement
type MeasurementUpdate struct {
	Status        offsets.MeasurementStatus
	SavingsKg     float64
	DCUnits       float64
	TokenAmount   int64
	Confidence    float64
	IntegrityHash string
	ApprovedAt    *time.Time
}

// Conclusion moves a request out of review. All parts are applied atomically or not at all.
type Conclusion struct {
	RequestID string
	// ReviewerID must match the assigned reviewer; empty requires the request to be unassigned
	ReviewerID string
	From       []offsets.RequestStatus
	To         offsets.RequestStatus
	Comments   []offsets.Comment
	// Result is written when To is terminal
	Result *offsets.VerificationResult
	// Measurement is optional
	Measurement *MeasurementUpdate
	Now         time.Time
}

// Escalation moves an in-review request to the escalated tier and releases its reviewer
type Escalation struct {
	RequestID string
	Reason    string
	Author    string
	Now       time.Time
}

// Resubmission replaces the measurement of a request sent back for corrections
type Resubmission struct {
	RequestID      string
	NewMeasurement *offsets.Measurement
	Priority       offsets.Priority
	Comment        offsets.Comment
	Now            time.Time
}

// Filter selects verification requests for listing
type Filter struct {
	Statuses   []offsets.RequestStatus
	Priority   *offsets.Priority
	ReviewerID string
	UserID     string
	// Unassigned keeps only requests without a reviewer
	Unassigned bool
	Limit      int
	Offset     int
}

// Repository persists the verification workflow state
type Repository interface {
	// CreateSubmission stores a new measurement together with its pending request
	CreateSubmission(ctx context.Context, m *offsets.Measurement, req *offsets.VerificationRequest) error
	GetMeasurement(ctx context.Context, id string) (*offsets.Measurement, error)
	GetRequest(ctx context.Context, id string) (*offsets.VerificationRequest, error)
	GetResultByRequest(ctx context.Context, requestID string) (*offsets.VerificationResult, error)

	AssignReviewer(ctx context.Context, a Assignment) (*offsets.Reviewer, error)
	ConcludeReview(ctx context.Context, c Conclusion) error
	Escalate(ctx context.Context, e Escalation) error
	Resubmit(ctx context.Context, r Resubmission) error
	AppendComment(ctx context.Context, requestID string, comment offsets.Comment) error

	// ListUnassigned returns pending and escalated requests without a reviewer, most urgent first
	ListUnassigned(ctx context.Context, limit int) ([]offsets.VerificationRequest, error)
	ListRequests(ctx context.Context, f Filter) ([]offsets.VerificationRequest, error)

	QuarantineMeasurement(ctx context.Context, id, reason string) error

	SaveReviewer(ctx context.Context, r *offsets.Reviewer) error
	ListReviewers(ctx context.Context) ([]offsets.Reviewer, error)
}
