package offsets

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrIntegrity           = errors.New("integrity check failed")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotFound            = errors.New("record not found")
	ErrConflict            = errors.New("concurrent modification")
	ErrLedger              = errors.New("ledger operation failed")
	ErrNotOptedIn          = errors.New("wallet has not opted in to the credit asset")
	ErrNoReviewerAvailable = errors.New("no reviewer available")
	ErrNotAssigned         = errors.New("reviewer is not assigned to this request")
	ErrQuarantined         = errors.New("record is quarantined")
	ErrNoWallet            = errors.New("user has no registered wallet")
	ErrCapExceeded         = errors.New("daily settlement cap exceeded")
	ErrAlreadyAnchored     = errors.New("result is already anchored")
)

// Issue is a single validation finding. Blocking issues stop the workflow.
type Issue struct {
	Code     string `json:"code"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Blocking bool   `json:"blocking"`
}

// ValidationError carries the blocking issues that rejected an input
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		msgs = append(msgs, issue.Message)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// TransitionError surfaces the current state of a record that refused a transition
type TransitionError struct {
	Entity  string
	ID      string
	Current string
	Target  string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move %s %s from %s to %s", e.Entity, e.ID, e.Current, e.Target)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// IntegrityError reports a hash mismatch. Such records are quarantined, never repaired.
type IntegrityError struct {
	Entity   string
	ID       string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s %s: stored hash %s, computed %s", e.Entity, e.ID, e.Expected, e.Actual)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }
