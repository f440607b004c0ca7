package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"carbon-scribe/agri-credit/internal/observability/metrics"
	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/internal/offsets/calculation"
	"carbon-scribe/agri-credit/internal/offsets/events"
	"carbon-scribe/agri-credit/internal/offsets/measurement"
	"carbon-scribe/agri-credit/pkg/workflows"
)

// SystemReviewer is the reviewer id recorded on automatic decisions
const SystemReviewer = "system"

// Config contains verification routing thresholds
type Config struct {
	AutoApproveMinConfidence float64    `json:"auto_approve_min_confidence"`
	AutoApproveMinEvidence   int        `json:"auto_approve_min_evidence"`
	AutoApproveMaxSavingsKg  float64    `json:"auto_approve_max_savings_kg"`
	HighPrioritySavingsKg    float64    `json:"high_priority_savings_kg"`
	LowConfidence            float64    `json:"low_confidence"`
	MinReviewConfidence      float64    `json:"min_review_confidence"`
	TierLimits               TierLimits `json:"tier_limits"`
}

// DefaultConfig returns the standard routing thresholds
func DefaultConfig() Config {
	return Config{
		AutoApproveMinConfidence: 95,
		AutoApproveMinEvidence:   3,
		AutoApproveMaxSavingsKg:  50,
		HighPrioritySavingsKg:    50,
		LowConfidence:            60,
		MinReviewConfidence:      40,
		TierLimits:               DefaultTierLimits(),
	}
}

// SubmitResult describes where a submitted measurement ended up
type SubmitResult struct {
	Request  *offsets.VerificationRequest
	Outcome  offsets.Outcome
	Reviewer *offsets.Reviewer
	Result   *offsets.VerificationResult
	Issues   []offsets.Issue
}

// ReviewInput is a reviewer's decision on a request
type ReviewInput struct {
	RequestID   string
	ReviewerID  string
	Approve     bool
	Comments    string
	Adjustments *offsets.Adjustments
}

// Workflow drives verification requests through review
type Workflow struct {
	repo     Repository
	engine   *calculation.Engine
	measurer *measurement.Service
	machine  *workflows.StateMachine[offsets.RequestStatus]
	limiter  *TierLimiter
	cfg      Config
	emitter  *events.Emitter
	metrics  *metrics.PipelineMetrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewWorkflow creates a new verification workflow
func NewWorkflow(repo Repository, engine *calculation.Engine, measurer *measurement.Service, cfg Config, emitter *events.Emitter, m *metrics.PipelineMetrics, logger *zap.Logger) *Workflow {
	return &Workflow{
		repo:     repo,
		engine:   engine,
		measurer: measurer,
		machine:  NewRequestStateMachine(),
		limiter:  NewTierLimiter(cfg.TierLimits),
		cfg:      cfg,
		emitter:  emitter,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock replaces the time source
func (w *Workflow) WithClock(now func() time.Time) *Workflow {
	w.now = now
	return w
}

func (w *Workflow) timestamp() time.Time {
	return w.now().UTC()
}

// Priority ranks a measurement for review
func (w *Workflow) Priority(m *offsets.Measurement) offsets.Priority {
	if m.Calculation.SavingsKg > w.cfg.HighPrioritySavingsKg || m.Confidence < w.cfg.LowConfidence {
		return offsets.PriorityHigh
	}
	return offsets.PriorityNormal
}

// AutoApprovable reports whether a measurement skips human review
func (w *Workflow) AutoApprovable(m *offsets.Measurement) bool {
	return m.Confidence >= w.cfg.AutoApproveMinConfidence &&
		len(m.Evidence) >= w.cfg.AutoApproveMinEvidence &&
		m.Calculation.SavingsKg <= w.cfg.AutoApproveMaxSavingsKg
}

// Submit validates a measurement, stores it with a new request and routes the request
func (w *Workflow) Submit(ctx context.Context, m *offsets.Measurement, submitter string) (*SubmitResult, error) {
	ok, issues := w.measurer.Validate(m)
	if !ok {
		blocking := measurement.BlockingIssues(issues)
		for _, issue := range blocking {
			if issue.Code == measurement.IssueHashMismatch {
				w.metrics.IntegrityFailure("measurement")
				w.logger.Error("Submitted measurement failed integrity check", zap.String("measurement_id", m.ID))
				return nil, measurement.VerifyHash(m)
			}
		}
		w.metrics.MeasurementRouted("invalid")
		return nil, &offsets.ValidationError{Issues: blocking}
	}

	req := &offsets.VerificationRequest{
		ID:            uuid.NewString(),
		MeasurementID: m.ID,
		UserID:        m.UserID,
		SubmittedBy:   submitter,
		Status:        offsets.RequestPending,
		Priority:      w.Priority(m),
		SavingsKg:     m.Calculation.SavingsKg,
		Confidence:    m.Confidence,
		EvidenceCount: len(m.Evidence),
		Comments:      datatypes.JSONSlice[offsets.Comment]{},
	}
	m.RequestID = &req.ID

	if err := w.repo.CreateSubmission(ctx, m, req); err != nil {
		return nil, fmt.Errorf("failed to store submission: %w", err)
	}

	w.logger.Info("Measurement submitted",
		zap.String("measurement_id", m.ID),
		zap.String("request_id", req.ID),
		zap.String("user_id", m.UserID),
		zap.String("priority", req.Priority.String()))
	w.emitter.Emit(ctx, events.Event{Type: events.MeasurementSubmitted, UserID: m.UserID, MeasurementID: m.ID, RequestID: req.ID})

	res, err := w.route(ctx, req, m)
	if err != nil {
		return nil, err
	}
	res.Issues = issues
	return res, nil
}

// route auto-approves or assigns a pending request
func (w *Workflow) route(ctx context.Context, req *offsets.VerificationRequest, m *offsets.Measurement) (*SubmitResult, error) {
	release, err := w.limiter.Acquire(ctx, req.Priority)
	if err != nil {
		return nil, err
	}
	defer release()

	if w.AutoApprovable(m) {
		result, err := w.autoApprove(ctx, req, m)
		if err != nil {
			return nil, err
		}
		w.metrics.MeasurementRouted(string(offsets.OutcomeAutoApproved))
		return &SubmitResult{Request: req, Outcome: offsets.OutcomeAutoApproved, Result: result}, nil
	}

	reviewer, outcome, err := w.assign(ctx, req, offsets.RequestPending, offsets.RequestInReview)
	if err != nil {
		return nil, err
	}
	w.metrics.MeasurementRouted(string(outcome))
	return &SubmitResult{Request: req, Outcome: outcome, Reviewer: reviewer}, nil
}

func (w *Workflow) autoApprove(ctx context.Context, req *offsets.VerificationRequest, m *offsets.Measurement) (*offsets.VerificationResult, error) {
	now := w.timestamp()
	values := verifiedValues{
		savingsKg:   m.Calculation.SavingsKg,
		confidence:  m.Confidence,
		dcUnits:     m.Calculation.DCUnits,
		tokenAmount: m.Calculation.TokenAmount,
	}
	checklist := runChecklist(m, true, values, w.cfg.MinReviewConfidence)

	result, err := w.newResult(req, m, offsets.RequestApproved, SystemReviewer, "automatic approval", values, checklist, offsets.OriginalValues{}, m.IntegrityHash, now)
	if err != nil {
		return nil, err
	}
	result.Automatic = true

	err = w.repo.ConcludeReview(ctx, Conclusion{
		RequestID: req.ID,
		From:      []offsets.RequestStatus{offsets.RequestPending},
		To:        offsets.RequestApproved,
		Comments:  []offsets.Comment{{Author: SystemReviewer, Kind: "system", Text: "auto-approved: high confidence, sufficient evidence, low value", CreatedAt: now}},
		Result:    result,
		Measurement: &MeasurementUpdate{
			Status:        m.Status,
			SavingsKg:     values.savingsKg,
			DCUnits:       values.dcUnits,
			TokenAmount:   values.tokenAmount,
			Confidence:    values.confidence,
			IntegrityHash: m.IntegrityHash,
			ApprovedAt:    &now,
		},
		Now: now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to auto-approve request: %w", err)
	}

	req.Status = offsets.RequestApproved
	req.CompletedAt = &now
	w.logger.Info("Verification auto-approved",
		zap.String("request_id", req.ID),
		zap.String("measurement_id", m.ID),
		zap.Float64("confidence", m.Confidence))
	w.emitter.Emit(ctx, events.Event{Type: events.VerificationApproved, UserID: m.UserID, MeasurementID: m.ID, RequestID: req.ID, ResultID: result.ID,
		Attributes: map[string]string{"automatic": "true"}})
	return result, nil
}

func rolesFor(p offsets.Priority) []offsets.ReviewerRole {
	switch p {
	case offsets.PriorityUrgent:
		return []offsets.ReviewerRole{offsets.RoleSenior}
	case offsets.PriorityHigh:
		return []offsets.ReviewerRole{offsets.RoleSenior, offsets.RoleReviewer}
	default:
		return []offsets.ReviewerRole{offsets.RoleReviewer, offsets.RoleSenior}
	}
}

// assign picks a reviewer. No available reviewer is an outcome: the request waits for AssignPending.
func (w *Workflow) assign(ctx context.Context, req *offsets.VerificationRequest, from, to offsets.RequestStatus) (*offsets.Reviewer, offsets.Outcome, error) {
	now := w.timestamp()
	reviewer, err := w.repo.AssignReviewer(ctx, Assignment{
		RequestID: req.ID,
		From:      from,
		To:        to,
		Roles:     rolesFor(req.Priority),
		Now:       now,
	})
	if errors.Is(err, offsets.ErrNoReviewerAvailable) {
		w.logger.Warn("No reviewer available, request queued",
			zap.String("request_id", req.ID),
			zap.String("priority", req.Priority.String()))
		return nil, offsets.OutcomeQueued, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to assign reviewer: %w", err)
	}

	req.Status = to
	req.AssignedReviewer = &reviewer.ID
	req.AssignedAt = &now
	w.logger.Info("Reviewer assigned",
		zap.String("request_id", req.ID),
		zap.String("reviewer_id", reviewer.ID),
		zap.String("role", string(reviewer.Role)))
	w.emitter.Emit(ctx, events.Event{Type: events.VerificationAssigned, UserID: req.UserID, MeasurementID: req.MeasurementID, RequestID: req.ID,
		Attributes: map[string]string{"reviewer_id": reviewer.ID}})
	return reviewer, offsets.OutcomeAssigned, nil
}

// Review records a reviewer's approval or rejection
func (w *Workflow) Review(ctx context.Context, in ReviewInput) (*offsets.VerificationResult, error) {
	req, err := w.repo.GetRequest(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}

	target := offsets.RequestRejected
	if in.Approve {
		target = offsets.RequestApproved
	}
	if err := w.checkReviewable(req, in.ReviewerID, target); err != nil {
		return nil, err
	}
	comments := strings.TrimSpace(in.Comments)
	if !in.Approve && comments == "" {
		return nil, &offsets.ValidationError{Issues: []offsets.Issue{{Code: "reason_required", Field: "comments", Message: "rejection requires a reason", Blocking: true}}}
	}

	release, err := w.limiter.Acquire(ctx, req.Priority)
	if err != nil {
		return nil, err
	}
	defer release()

	m, err := w.repo.GetMeasurement(ctx, req.MeasurementID)
	if err != nil {
		return nil, err
	}
	if err := w.checkIntegrity(ctx, m); err != nil {
		return nil, err
	}

	now := w.timestamp()
	values, original := w.applyAdjustments(m, in.Adjustments)
	checklist := runChecklist(m, true, values, w.cfg.MinReviewConfidence)

	update := &MeasurementUpdate{
		Status:        offsets.MeasurementRejected,
		SavingsKg:     m.Calculation.SavingsKg,
		DCUnits:       m.Calculation.DCUnits,
		TokenAmount:   m.Calculation.TokenAmount,
		Confidence:    m.Confidence,
		IntegrityHash: m.IntegrityHash,
	}
	measurementHash := m.IntegrityHash

	if in.Approve {
		if issues := failedChecks(checklist); len(issues) > 0 {
			return nil, &offsets.ValidationError{Issues: issues}
		}

		approved := *m
		approved.Calculation.SavingsKg = values.savingsKg
		approved.Calculation.DCUnits = values.dcUnits
		approved.Calculation.TokenAmount = values.tokenAmount
		approved.Confidence = values.confidence
		if err := measurement.Seal(&approved); err != nil {
			return nil, err
		}
		measurementHash = approved.IntegrityHash
		update = &MeasurementUpdate{
			Status:        m.Status,
			SavingsKg:     values.savingsKg,
			DCUnits:       values.dcUnits,
			TokenAmount:   values.tokenAmount,
			Confidence:    values.confidence,
			IntegrityHash: approved.IntegrityHash,
			ApprovedAt:    &now,
		}
	}

	result, err := w.newResult(req, m, target, in.ReviewerID, comments, values, checklist, original, measurementHash, now)
	if err != nil {
		return nil, err
	}

	kind := "comment"
	if !in.Approve {
		kind = "rejection"
	}
	var log []offsets.Comment
	if comments != "" {
		log = append(log, offsets.Comment{Author: in.ReviewerID, Kind: kind, Text: comments, CreatedAt: now})
	}

	err = w.repo.ConcludeReview(ctx, Conclusion{
		RequestID:   req.ID,
		ReviewerID:  in.ReviewerID,
		From:        []offsets.RequestStatus{offsets.RequestInReview, offsets.RequestEscalated},
		To:          target,
		Comments:    log,
		Result:      result,
		Measurement: update,
		Now:         now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to conclude review: %w", err)
	}

	if original.Adjusted {
		w.logger.Info("Reviewer adjusted measurement values",
			zap.String("request_id", req.ID),
			zap.String("reviewer_id", in.ReviewerID),
			zap.Float64("original_savings_kg", original.SavingsKg),
			zap.Float64("verified_savings_kg", values.savingsKg),
			zap.Float64("original_confidence", original.Confidence),
			zap.Float64("verified_confidence", values.confidence),
			zap.Float64("original_dc_units", original.DCUnits),
			zap.Float64("verified_dc_units", values.dcUnits))
	}

	w.logger.Info("Verification concluded",
		zap.String("request_id", req.ID),
		zap.String("decision", string(target)),
		zap.String("reviewer_id", in.ReviewerID))
	w.metrics.VerificationConcluded(string(target))

	evType := events.VerificationApproved
	if !in.Approve {
		evType = events.VerificationRejected
	}
	w.emitter.Emit(ctx, events.Event{Type: evType, UserID: req.UserID, MeasurementID: req.MeasurementID, RequestID: req.ID, ResultID: result.ID})
	return result, nil
}

// RequestResubmission sends a request back to the user for corrections
func (w *Workflow) RequestResubmission(ctx context.Context, requestID, reviewerID, feedback string) error {
	feedback = strings.TrimSpace(feedback)
	if feedback == "" {
		return &offsets.ValidationError{Issues: []offsets.Issue{{Code: "feedback_required", Field: "feedback", Message: "resubmission requires feedback", Blocking: true}}}
	}

	req, err := w.repo.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if err := w.checkReviewable(req, reviewerID, offsets.RequestResubmissionRequired); err != nil {
		return err
	}

	now := w.timestamp()
	err = w.repo.ConcludeReview(ctx, Conclusion{
		RequestID:  req.ID,
		ReviewerID: reviewerID,
		From:       []offsets.RequestStatus{offsets.RequestInReview, offsets.RequestEscalated},
		To:         offsets.RequestResubmissionRequired,
		Comments:   []offsets.Comment{{Author: reviewerID, Kind: "feedback", Text: feedback, CreatedAt: now}},
		Now:        now,
	})
	if err != nil {
		return fmt.Errorf("failed to request resubmission: %w", err)
	}

	w.logger.Info("Resubmission requested", zap.String("request_id", req.ID), zap.String("reviewer_id", reviewerID))
	w.metrics.VerificationConcluded(string(offsets.RequestResubmissionRequired))
	w.emitter.Emit(ctx, events.Event{Type: events.VerificationResubmit, UserID: req.UserID, MeasurementID: req.MeasurementID, RequestID: req.ID})
	return nil
}

// Resubmit replaces the measurement of a request awaiting corrections and routes it again
func (w *Workflow) Resubmit(ctx context.Context, requestID string, in measurement.Input) (*SubmitResult, error) {
	req, err := w.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !w.machine.CanTransition(req.Status, offsets.RequestPending) {
		return nil, &offsets.TransitionError{Entity: "verification_request", ID: req.ID, Current: string(req.Status), Target: string(offsets.RequestPending)}
	}
	if in.Activity.UserID != req.UserID {
		return nil, &offsets.ValidationError{Issues: []offsets.Issue{{Code: "user_mismatch", Field: "activity.user_id", Message: "resubmission must come from the original user", Blocking: true}}}
	}

	m, issues, err := w.measurer.MeasureAndValidate(in)
	if err != nil {
		return nil, err
	}
	m.RequestID = &req.ID

	now := w.timestamp()
	err = w.repo.Resubmit(ctx, Resubmission{
		RequestID:      req.ID,
		NewMeasurement: m,
		Priority:       w.Priority(m),
		Comment:        offsets.Comment{Author: req.UserID, Kind: "system", Text: "resubmitted as " + m.ID, CreatedAt: now},
		Now:            now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resubmit: %w", err)
	}

	req, err = w.repo.GetRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	w.logger.Info("Measurement resubmitted",
		zap.String("request_id", req.ID),
		zap.String("measurement_id", m.ID),
		zap.Int("resubmission_count", req.ResubmissionCount))
	w.emitter.Emit(ctx, events.Event{Type: events.MeasurementSubmitted, UserID: m.UserID, MeasurementID: m.ID, RequestID: req.ID,
		Attributes: map[string]string{"resubmission": "true"}})

	res, err := w.route(ctx, req, m)
	if err != nil {
		return nil, err
	}
	res.Issues = issues
	return res, nil
}

// Escalate moves an in-review request to a senior reviewer at urgent priority
func (w *Workflow) Escalate(ctx context.Context, requestID, reason, actor string) (*SubmitResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, &offsets.ValidationError{Issues: []offsets.Issue{{Code: "reason_required", Field: "reason", Message: "escalation requires a reason", Blocking: true}}}
	}

	req, err := w.repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != offsets.RequestInReview {
		return nil, &offsets.TransitionError{Entity: "verification_request", ID: req.ID, Current: string(req.Status), Target: string(offsets.RequestEscalated)}
	}

	now := w.timestamp()
	if err := w.repo.Escalate(ctx, Escalation{RequestID: req.ID, Reason: reason, Author: actor, Now: now}); err != nil {
		return nil, fmt.Errorf("failed to escalate: %w", err)
	}
	req.Status = offsets.RequestEscalated
	req.Priority = offsets.PriorityUrgent
	req.AssignedReviewer = nil
	req.EscalationReason = reason

	w.logger.Info("Verification escalated", zap.String("request_id", req.ID), zap.String("reason", reason))
	w.metrics.Escalated()
	w.emitter.Emit(ctx, events.Event{Type: events.VerificationEscalated, UserID: req.UserID, MeasurementID: req.MeasurementID, RequestID: req.ID,
		Attributes: map[string]string{"reason": reason}})

	release, err := w.limiter.Acquire(ctx, req.Priority)
	if err != nil {
		return nil, err
	}
	defer release()

	reviewer, outcome, err := w.assign(ctx, req, offsets.RequestEscalated, offsets.RequestEscalated)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Request: req, Outcome: outcome, Reviewer: reviewer}, nil
}

// Comment appends a note to a request's log
func (w *Workflow) Comment(ctx context.Context, requestID, author, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return &offsets.ValidationError{Issues: []offsets.Issue{{Code: "empty_comment", Field: "text", Message: "comment is empty", Blocking: true}}}
	}
	return w.repo.AppendComment(ctx, requestID, offsets.Comment{Author: author, Kind: "comment", Text: text, CreatedAt: w.timestamp()})
}

// AssignPending routes requests left without a reviewer. It returns how many were placed.
func (w *Workflow) AssignPending(ctx context.Context, limit int) (int, error) {
	requests, err := w.repo.ListUnassigned(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unassigned requests: %w", err)
	}

	placed := 0
	for i := range requests {
		req := &requests[i]
		var outcome offsets.Outcome
		switch req.Status {
		case offsets.RequestPending:
			m, err := w.repo.GetMeasurement(ctx, req.MeasurementID)
			if err != nil {
				w.logger.Error("Failed to load measurement for pending request", zap.String("request_id", req.ID), zap.Error(err))
				continue
			}
			res, err := w.route(ctx, req, m)
			if err != nil {
				w.logger.Error("Failed to route pending request", zap.String("request_id", req.ID), zap.Error(err))
				continue
			}
			outcome = res.Outcome
		case offsets.RequestEscalated:
			_, outcome, err = w.assign(ctx, req, offsets.RequestEscalated, offsets.RequestEscalated)
			if err != nil {
				w.logger.Error("Failed to assign escalated request", zap.String("request_id", req.ID), zap.Error(err))
				continue
			}
		}
		if outcome == offsets.OutcomeAssigned || outcome == offsets.OutcomeAutoApproved {
			placed++
		}
	}
	return placed, nil
}

// PendingVerifications lists open requests; with no statuses given it returns pending, in-review and escalated
func (w *Workflow) PendingVerifications(ctx context.Context, f Filter) ([]offsets.VerificationRequest, error) {
	if len(f.Statuses) == 0 {
		f.Statuses = []offsets.RequestStatus{offsets.RequestPending, offsets.RequestInReview, offsets.RequestEscalated}
	}
	return w.repo.ListRequests(ctx, f)
}

// RegisterReviewer adds or updates a reviewer in the registry
func (w *Workflow) RegisterReviewer(ctx context.Context, r *offsets.Reviewer) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Role != offsets.RoleReviewer && r.Role != offsets.RoleSenior {
		return fmt.Errorf("%w: unknown reviewer role %q", offsets.ErrValidation, r.Role)
	}
	return w.repo.SaveReviewer(ctx, r)
}

func (w *Workflow) checkReviewable(req *offsets.VerificationRequest, reviewerID string, target offsets.RequestStatus) error {
	if !w.machine.CanTransition(req.Status, target) || req.Status == offsets.RequestPending {
		return &offsets.TransitionError{Entity: "verification_request", ID: req.ID, Current: string(req.Status), Target: string(target)}
	}
	if req.AssignedReviewer == nil || *req.AssignedReviewer != reviewerID {
		return fmt.Errorf("%w: request %s", offsets.ErrNotAssigned, req.ID)
	}
	return nil
}

// checkIntegrity quarantines a measurement whose stored hash no longer matches
func (w *Workflow) checkIntegrity(ctx context.Context, m *offsets.Measurement) error {
	if m.Quarantined {
		return fmt.Errorf("%w: measurement %s: %s", offsets.ErrQuarantined, m.ID, m.QuarantineReason)
	}
	err := measurement.VerifyHash(m)
	if err == nil {
		return nil
	}

	var integrityErr *offsets.IntegrityError
	if !errors.As(err, &integrityErr) {
		return err
	}
	w.logger.Error("Measurement integrity check failed",
		zap.String("measurement_id", m.ID),
		zap.String("stored_hash", integrityErr.Expected),
		zap.String("computed_hash", integrityErr.Actual))
	w.metrics.IntegrityFailure("measurement")
	if qerr := w.repo.QuarantineMeasurement(ctx, m.ID, err.Error()); qerr != nil {
		w.logger.Error("Failed to quarantine measurement", zap.String("measurement_id", m.ID), zap.Error(qerr))
	}
	w.emitter.Emit(ctx, events.Event{Type: events.IntegrityQuarantined, UserID: m.UserID, MeasurementID: m.ID})
	return err
}

// applyAdjustments returns the values a review would verify and the originals they replace
func (w *Workflow) applyAdjustments(m *offsets.Measurement, adj *offsets.Adjustments) (verifiedValues, offsets.OriginalValues) {
	values := verifiedValues{
		savingsKg:   m.Calculation.SavingsKg,
		confidence:  m.Confidence,
		dcUnits:     m.Calculation.DCUnits,
		tokenAmount: m.Calculation.TokenAmount,
	}
	if adj.Empty() {
		return values, offsets.OriginalValues{}
	}

	original := offsets.OriginalValues{
		Adjusted:    true,
		SavingsKg:   values.savingsKg,
		Confidence:  values.confidence,
		DCUnits:     values.dcUnits,
		TokenAmount: values.tokenAmount,
	}
	if adj.SavingsKg != nil {
		values.savingsKg = *adj.SavingsKg
		values.dcUnits, values.tokenAmount = w.engine.Recredit(m.Activity.Type, values.savingsKg)
	}
	if adj.DCUnits != nil {
		values.dcUnits = *adj.DCUnits
		values.tokenAmount = w.engine.TokensForDC(values.dcUnits)
	}
	if adj.Confidence != nil {
		values.confidence = *adj.Confidence
	}
	return values, original
}

func (w *Workflow) newResult(req *offsets.VerificationRequest, m *offsets.Measurement, decision offsets.RequestStatus, reviewerID, reason string,
	values verifiedValues, checklist []offsets.ChecklistItem, original offsets.OriginalValues, measurementHash string, now time.Time) (*offsets.VerificationResult, error) {
	result := &offsets.VerificationResult{
		ID:                  uuid.NewString(),
		RequestID:           req.ID,
		MeasurementID:       m.ID,
		UserID:              m.UserID,
		Decision:            decision,
		VerifiedSavingsKg:   values.savingsKg,
		VerifiedConfidence:  values.confidence,
		VerifiedDCUnits:     values.dcUnits,
		VerifiedTokenAmount: values.tokenAmount,
		Checklist:           datatypes.JSONSlice[offsets.ChecklistItem](checklist),
		OriginalValues:      datatypes.NewJSONType(original),
		ReviewerID:          reviewerID,
		Reason:              reason,
		ReviewedAt:          now.Truncate(time.Millisecond),
		MeasurementHash:     measurementHash,
	}
	hash, err := offsets.ComputeResultHash(result)
	if err != nil {
		return nil, err
	}
	result.ResultHash = hash
	return result, nil
}
