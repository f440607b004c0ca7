package offsets

// Outcome is a business result of a pipeline step. Outcomes are not errors.
type Outcome string

const (
	OutcomeAutoApproved Outcome = "auto_approved"
	OutcomeAssigned     Outcome = "assigned"
	OutcomeQueued       Outcome = "queued" // waiting for a reviewer with capacity
	OutcomeApproved     Outcome = "approved"
	OutcomeRejected     Outcome = "rejected"
	OutcomeManualReview Outcome = "manual_review"
	OutcomeCapExceeded  Outcome = "cap_exceeded"
	OutcomeSkipped      Outcome = "skipped"
)

// RoutedToReview reports whether the outcome needs a human to look at it
func (o Outcome) RoutedToReview() bool {
	return o == OutcomeManualReview || o == OutcomeCapExceeded
}
