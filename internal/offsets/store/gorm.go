package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/internal/offsets/anchoring"
	"carbon-scribe/agri-credit/internal/offsets/settlement"
	"carbon-scribe/agri-credit/internal/offsets/verification"
)

var (
	_ verification.Repository = (*GormStore)(nil)
	_ anchoring.Repository    = (*GormStore)(nil)
	_ settlement.Repository   = (*GormStore)(nil)
	_ settlement.Stats        = (*GormStore)(nil)
)

// Models lists every table the pipeline owns
func Models() []any {
	return []any{
		&offsets.Measurement{},
		&offsets.VerificationRequest{},
		&offsets.VerificationResult{},
		&offsets.Reviewer{},
		&offsets.ReviewerCursor{},
		&offsets.RewardRecord{},
		&offsets.UserDailyTotal{},
		&offsets.UserWallet{},
	}
}

// GormStore persists pipeline state through gorm. Status changes are compare-and-swap updates.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a gorm-backed store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates or updates the pipeline tables
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("failed to migrate offsets schema: %w", err)
	}
	return nil
}

// DB exposes the underlying handle
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// forUpdate takes a row lock where the dialect supports it; sqlite serializes writers anyway
func forUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func notFound(err error, entity, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s %s", offsets.ErrNotFound, entity, id)
	}
	return fmt.Errorf("failed to load %s: %w", entity, err)
}

// CreateSubmission inserts a measurement and its verification request in one transaction
func (s *GormStore) CreateSubmission(ctx context.Context, m *offsets.Measurement, req *offsets.VerificationRequest) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&offsets.Measurement{}).Where("id = ?", m.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check measurement: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: measurement %s already exists", offsets.ErrConflict, m.ID)
		}
		if err := tx.Create(m).Error; err != nil {
			return fmt.Errorf("failed to create measurement: %w", err)
		}
		if err := tx.Create(req).Error; err != nil {
			return fmt.Errorf("failed to create verification request: %w", err)
		}
		return nil
	})
}

// GetMeasurement loads a measurement by id
func (s *GormStore) GetMeasurement(ctx context.Context, id string) (*offsets.Measurement, error) {
	var m offsets.Measurement
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "measurement", id)
	}
	return &m, nil
}

// GetRequest loads a verification request by id
func (s *GormStore) GetRequest(ctx context.Context, id string) (*offsets.VerificationRequest, error) {
	var r offsets.VerificationRequest
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "verification request", id)
	}
	return &r, nil
}

// GetResultByRequest loads the verification result concluded for a request
func (s *GormStore) GetResultByRequest(ctx context.Context, requestID string) (*offsets.VerificationResult, error) {
	var r offsets.VerificationResult
	if err := s.db.WithContext(ctx).First(&r, "request_id = ?", requestID).Error; err != nil {
		return nil, notFound(err, "result for request", requestID)
	}
	return &r, nil
}

// GetResult loads a verification result by id
func (s *GormStore) GetResult(ctx context.Context, id string) (*offsets.VerificationResult, error) {
	var r offsets.VerificationResult
	if err := s.db.WithContext(ctx).First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "verification result", id)
	}
	return &r, nil
}

// AssignReviewer hands a request to the next reviewer in rotation for the first role with capacity
func (s *GormStore) AssignReviewer(ctx context.Context, a verification.Assignment) (*offsets.Reviewer, error) {
	var picked *offsets.Reviewer
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req offsets.VerificationRequest
		if err := forUpdate(tx).First(&req, "id = ?", a.RequestID).Error; err != nil {
			return notFound(err, "verification request", a.RequestID)
		}
		if req.Status != a.From || req.AssignedReviewer != nil {
			return fmt.Errorf("%w: request %s is %s", offsets.ErrConflict, req.ID, req.Status)
		}

		for _, role := range a.Roles {
			var pool []offsets.Reviewer
			err := forUpdate(tx).
				Where("role = ? AND active = ?", role, true).
				Where("(capacity <= 0 OR active_assignments < capacity)").
				Order("id").
				Find(&pool).Error
			if err != nil {
				return fmt.Errorf("failed to load reviewers: %w", err)
			}
			if len(pool) == 0 {
				continue
			}

			var cursor offsets.ReviewerCursor
			err = forUpdate(tx).Where("pool = ?", string(role)).Limit(1).Find(&cursor).Error
			if err != nil {
				return fmt.Errorf("failed to load reviewer cursor: %w", err)
			}
			reviewer := nextInRotation(pool, cursor.LastReviewerID, func(r offsets.Reviewer) string { return r.ID })

			// the status and unassigned checks are the compare-and-swap guard
			result := tx.Model(&offsets.VerificationRequest{}).
				Where("id = ? AND status = ? AND assigned_reviewer IS NULL", a.RequestID, a.From).
				Updates(map[string]any{
					"status":            a.To,
					"assigned_reviewer": reviewer.ID,
					"assigned_at":       a.Now,
					"updated_at":        a.Now,
				})
			if result.Error != nil {
				return fmt.Errorf("failed to assign reviewer: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return s.requestConflict(tx, a.RequestID)
			}

			err = tx.Model(&offsets.Reviewer{}).Where("id = ?", reviewer.ID).
				UpdateColumn("active_assignments", gorm.Expr("active_assignments + 1")).Error
			if err != nil {
				return fmt.Errorf("failed to update reviewer load: %w", err)
			}
			err = tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "pool"}},
				DoUpdates: clause.AssignmentColumns([]string{"last_reviewer_id"}),
			}).Create(&offsets.ReviewerCursor{Pool: string(role), LastReviewerID: reviewer.ID}).Error
			if err != nil {
				return fmt.Errorf("failed to advance reviewer cursor: %w", err)
			}

			reviewer.ActiveAssignments++
			picked = &reviewer
			return nil
		}
		return offsets.ErrNoReviewerAvailable
	})
	if err != nil {
		return nil, err
	}
	return picked, nil
}

// requestConflict explains why a guarded request update matched no row
func (s *GormStore) requestConflict(tx *gorm.DB, requestID string) error {
	var req offsets.VerificationRequest
	if err := tx.First(&req, "id = ?", requestID).Error; err != nil {
		return notFound(err, "verification request", requestID)
	}
	return fmt.Errorf("%w: request %s is %s", offsets.ErrConflict, req.ID, req.Status)
}

// ConcludeReview records a review decision, releases the reviewer and stores the result when one is given
func (s *GormStore) ConcludeReview(ctx context.Context, c verification.Conclusion) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req offsets.VerificationRequest
		if err := forUpdate(tx).First(&req, "id = ?", c.RequestID).Error; err != nil {
			return notFound(err, "verification request", c.RequestID)
		}
		if !containsStatus(c.From, req.Status) {
			return &offsets.TransitionError{Entity: "verification_request", ID: req.ID, Current: string(req.Status), Target: string(c.To)}
		}
		if err := checkReviewer(req.ID, req.AssignedReviewer, c.ReviewerID); err != nil {
			return err
		}

		updates := map[string]any{
			"status":     c.To,
			"comments":   append(req.Comments, c.Comments...),
			"updated_at": c.Now,
		}
		if verification.IsTerminal(c.To) {
			updates["completed_at"] = c.Now
		} else {
			updates["assigned_reviewer"] = nil
			updates["assigned_at"] = nil
		}

		query := tx.Model(&offsets.VerificationRequest{}).Where("id = ? AND status = ?", req.ID, req.Status)
		if req.AssignedReviewer == nil {
			query = query.Where("assigned_reviewer IS NULL")
		} else {
			query = query.Where("assigned_reviewer = ?", *req.AssignedReviewer)
		}
		result := query.Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("failed to update verification request: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return s.requestConflict(tx, req.ID)
		}

		if req.AssignedReviewer != nil {
			if err := releaseReviewer(tx, *req.AssignedReviewer); err != nil {
				return err
			}
		}

		if c.Result != nil {
			var existing int64
			if err := tx.Model(&offsets.VerificationResult{}).Where("request_id = ?", req.ID).Count(&existing).Error; err != nil {
				return fmt.Errorf("failed to check existing result: %w", err)
			}
			if existing > 0 {
				return fmt.Errorf("%w: request %s already has a result", offsets.ErrConflict, req.ID)
			}
			if err := tx.Create(c.Result).Error; err != nil {
				return fmt.Errorf("failed to create verification result: %w", err)
			}
		}

		if u := c.Measurement; u != nil {
			updates := map[string]any{
				"status":            u.Status,
				"calc_savings_kg":   u.SavingsKg,
				"calc_dc_units":     u.DCUnits,
				"calc_token_amount": u.TokenAmount,
				"confidence":        u.Confidence,
				"integrity_hash":    u.IntegrityHash,
				"updated_at":        c.Now,
			}
			if u.ApprovedAt != nil {
				updates["approved_at"] = *u.ApprovedAt
			}
			result := tx.Model(&offsets.Measurement{}).Where("id = ?", req.MeasurementID).Updates(updates)
			if result.Error != nil {
				return fmt.Errorf("failed to update measurement: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: measurement %s", offsets.ErrNotFound, req.MeasurementID)
			}
		}
		return nil
	})
}

func containsStatus(list []offsets.RequestStatus, s offsets.RequestStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func releaseReviewer(tx *gorm.DB, reviewerID string) error {
	err := tx.Model(&offsets.Reviewer{}).
		Where("id = ? AND active_assignments > 0", reviewerID).
		UpdateColumn("active_assignments", gorm.Expr("active_assignments - 1")).Error
	if err != nil {
		return fmt.Errorf("failed to release reviewer: %w", err)
	}
	return nil
}

// Escalate moves an in-review request to a senior reviewer
func (s *GormStore) Escalate(ctx context.Context, e verification.Escalation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req offsets.VerificationRequest
		if err := forUpdate(tx).First(&req, "id = ?", e.RequestID).Error; err != nil {
			return notFound(err, "verification request", e.RequestID)
		}
		if req.Status != offsets.RequestInReview {
			return &offsets.TransitionError{Entity: "verification_request", ID: req.ID, Current: string(req.Status), Target: string(offsets.RequestEscalated)}
		}

		comments := append(req.Comments, offsets.Comment{Author: e.Author, Kind: "escalation", Text: e.Reason, CreatedAt: e.Now})
		result := tx.Model(&offsets.VerificationRequest{}).
			Where("id = ? AND status = ?", req.ID, offsets.RequestInReview).
			Updates(map[string]any{
				"status":            offsets.RequestEscalated,
				"priority":          offsets.PriorityUrgent,
				"assigned_reviewer": nil,
				"assigned_at":       nil,
				"escalation_reason": e.Reason,
				"comments":          comments,
				"updated_at":        e.Now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to escalate request: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return s.requestConflict(tx, req.ID)
		}
		if req.AssignedReviewer != nil {
			return releaseReviewer(tx, *req.AssignedReviewer)
		}
		return nil
	})
}

// Resubmit replaces the measurement of a request awaiting resubmission and returns it to pending
func (s *GormStore) Resubmit(ctx context.Context, r verification.Resubmission) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req offsets.VerificationRequest
		if err := forUpdate(tx).First(&req, "id = ?", r.RequestID).Error; err != nil {
			return notFound(err, "verification request", r.RequestID)
		}
		if req.Status != offsets.RequestResubmissionRequired {
			return &offsets.TransitionError{Entity: "verification_request", ID: req.ID, Current: string(req.Status), Target: string(offsets.RequestPending)}
		}

		err := tx.Model(&offsets.Measurement{}).Where("id = ?", req.MeasurementID).
			Updates(map[string]any{"status": offsets.MeasurementRejected, "updated_at": r.Now}).Error
		if err != nil {
			return fmt.Errorf("failed to retire measurement: %w", err)
		}
		if err := tx.Create(r.NewMeasurement).Error; err != nil {
			return fmt.Errorf("failed to create measurement: %w", err)
		}

		result := tx.Model(&offsets.VerificationRequest{}).
			Where("id = ? AND status = ?", req.ID, offsets.RequestResubmissionRequired).
			Updates(map[string]any{
				"measurement_id":     r.NewMeasurement.ID,
				"status":             offsets.RequestPending,
				"priority":           r.Priority,
				"savings_kg":         r.NewMeasurement.Calculation.SavingsKg,
				"confidence":         r.NewMeasurement.Confidence,
				"evidence_count":     len(r.NewMeasurement.Evidence),
				"resubmission_count": gorm.Expr("resubmission_count + 1"),
				"comments":           append(req.Comments, r.Comment),
				"updated_at":         r.Now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to reopen request: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return s.requestConflict(tx, req.ID)
		}
		return nil
	})
}

// AppendComment adds a comment to a request
func (s *GormStore) AppendComment(ctx context.Context, requestID string, comment offsets.Comment) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var req offsets.VerificationRequest
		if err := forUpdate(tx).First(&req, "id = ?", requestID).Error; err != nil {
			return notFound(err, "verification request", requestID)
		}
		err := tx.Model(&offsets.VerificationRequest{}).Where("id = ?", requestID).
			Update("comments", append(req.Comments, comment)).Error
		if err != nil {
			return fmt.Errorf("failed to append comment: %w", err)
		}
		return nil
	})
}

// ListUnassigned returns pending requests without a reviewer
func (s *GormStore) ListUnassigned(ctx context.Context, limit int) ([]offsets.VerificationRequest, error) {
	return s.ListRequests(ctx, unassignedFilter(limit))
}

// ListRequests returns requests matching the filter, highest priority first
func (s *GormStore) ListRequests(ctx context.Context, f verification.Filter) ([]offsets.VerificationRequest, error) {
	query := s.db.WithContext(ctx).Model(&offsets.VerificationRequest{})
	if len(f.Statuses) > 0 {
		query = query.Where("status IN ?", f.Statuses)
	}
	if f.Unassigned {
		query = query.Where("assigned_reviewer IS NULL")
	}
	if f.Priority != nil {
		query = query.Where("priority = ?", *f.Priority)
	}
	if f.ReviewerID != "" {
		query = query.Where("assigned_reviewer = ?", f.ReviewerID)
	}
	if f.UserID != "" {
		query = query.Where("user_id = ?", f.UserID)
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}

	var out []offsets.VerificationRequest
	if err := query.Order("priority DESC, created_at ASC, id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list verification requests: %w", err)
	}
	return out, nil
}

// QuarantineMeasurement flags a measurement whose stored hash no longer verifies
func (s *GormStore) QuarantineMeasurement(ctx context.Context, id, reason string) error {
	return s.flagColumns(ctx, &offsets.Measurement{}, "measurement", id, map[string]any{
		"quarantined":       true,
		"quarantine_reason": reason,
	})
}

func (s *GormStore) flagColumns(ctx context.Context, model any, entity, id string, updates map[string]any) error {
	result := s.db.WithContext(ctx).Model(model).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to update %s: %w", entity, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s %s", offsets.ErrNotFound, entity, id)
	}
	return nil
}

// SaveReviewer creates or updates a reviewer
func (s *GormStore) SaveReviewer(ctx context.Context, r *offsets.Reviewer) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "role", "active", "capacity"}),
	}).Create(r).Error
	if err != nil {
		return fmt.Errorf("failed to save reviewer: %w", err)
	}
	return nil
}

// ListReviewers returns all reviewers ordered by id
func (s *GormStore) ListReviewers(ctx context.Context) ([]offsets.Reviewer, error) {
	var out []offsets.Reviewer
	if err := s.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list reviewers: %w", err)
	}
	return out, nil
}

// RecordAnchor stores the ledger reference of a result once; later calls get ErrAlreadyAnchored
func (s *GormStore) RecordAnchor(ctx context.Context, resultID, txRef string, block int64, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&offsets.VerificationResult{}).
			Where("id = ? AND ledger_tx_ref IS NULL", resultID).
			Updates(map[string]any{
				"ledger_tx_ref":   txRef,
				"confirmed_block": block,
				"anchored_at":     at,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to record anchor: %w", result.Error)
		}
		if result.RowsAffected > 0 {
			return nil
		}
		if _, err := s.getResultTx(tx, resultID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", offsets.ErrAlreadyAnchored, resultID)
	})
}

func (s *GormStore) getResultTx(tx *gorm.DB, id string) (*offsets.VerificationResult, error) {
	var r offsets.VerificationResult
	if err := tx.First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "verification result", id)
	}
	return &r, nil
}

// QuarantineResult flags a result whose anchored copy diverges
func (s *GormStore) QuarantineResult(ctx context.Context, id, reason string) error {
	return s.flagColumns(ctx, &offsets.VerificationResult{}, "verification result", id, map[string]any{
		"quarantined":       true,
		"quarantine_reason": reason,
	})
}

// ListUnanchoredResults returns approved results that still need a ledger note
func (s *GormStore) ListUnanchoredResults(ctx context.Context, limit int) ([]offsets.VerificationResult, error) {
	query := s.db.WithContext(ctx).
		Where("ledger_tx_ref IS NULL AND quarantined = ?", false).
		Order("reviewed_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var out []offsets.VerificationResult
	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list unanchored results: %w", err)
	}
	return out, nil
}

func settleableScope(db *gorm.DB) *gorm.DB {
	return db.Where("status = ? AND approved_at IS NOT NULL AND settlement_flagged = ? AND quarantined = ? AND reward_id IS NULL",
		offsets.MeasurementMeasured, false, false)
}

// ListSettleable returns anchored, unsettled measurements oldest first
func (s *GormStore) ListSettleable(ctx context.Context, limit int) ([]offsets.Measurement, error) {
	query := s.db.WithContext(ctx).Scopes(settleableScope).Order("measured_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var out []offsets.Measurement
	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list settleable measurements: %w", err)
	}
	return out, nil
}

// FlagMeasurement parks a measurement for manual settlement review
func (s *GormStore) FlagMeasurement(ctx context.Context, id, reason string, at time.Time) error {
	return s.flagColumns(ctx, &offsets.Measurement{}, "measurement", id, map[string]any{
		"settlement_flagged":     true,
		"settlement_flag_reason": reason,
		"flagged_at":             at,
		"updated_at":             at,
	})
}

// SettleMeasurement marks a measurement settled and creates its reward, enforcing the daily cap
func (s *GormStore) SettleMeasurement(ctx context.Context, st settlement.Settlement) (*offsets.RewardRecord, error) {
	var reward *offsets.RewardRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m offsets.Measurement
		found := forUpdate(tx).Scopes(settleableScope).Where("id = ?", st.MeasurementID).Limit(1).Find(&m)
		if found.Error != nil {
			return fmt.Errorf("failed to load measurement: %w", found.Error)
		}
		if found.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&offsets.Measurement{}).Where("id = ?", st.MeasurementID).Count(&n).Error; err != nil {
				return fmt.Errorf("failed to load measurement: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("%w: measurement %s", offsets.ErrNotFound, st.MeasurementID)
			}
			return fmt.Errorf("%w: measurement %s is no longer settleable", offsets.ErrConflict, st.MeasurementID)
		}

		// make sure the row exists so it can be locked
		err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&offsets.UserDailyTotal{UserID: st.UserID, Day: st.Day}).Error
		if err != nil {
			return fmt.Errorf("failed to init daily total: %w", err)
		}

		var total offsets.UserDailyTotal
		if err := forUpdate(tx).First(&total, "user_id = ? AND day = ?", st.UserID, st.Day).Error; err != nil {
			return fmt.Errorf("failed to load daily total: %w", err)
		}
		if st.Cap > 0 && total.SettledAmount+st.Amount > st.Cap {
			return offsets.ErrCapExceeded
		}

		result := tx.Model(&offsets.Measurement{}).Scopes(settleableScope).
			Where("id = ?", st.MeasurementID).
			Updates(map[string]any{
				"status":     offsets.MeasurementVerified,
				"reward_id":  st.RewardID,
				"settled_at": st.Now,
				"updated_at": st.Now,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to mark measurement verified: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: measurement %s is no longer settleable", offsets.ErrConflict, st.MeasurementID)
		}

		reward = &offsets.RewardRecord{
			ID:                   st.RewardID,
			UserID:               st.UserID,
			SourceMeasurementIDs: []string{st.MeasurementID},
			TokenAmount:          st.Amount,
			Status:               offsets.RewardApproved,
		}
		if err := tx.Create(reward).Error; err != nil {
			return fmt.Errorf("failed to create reward: %w", err)
		}

		err = tx.Model(&offsets.UserDailyTotal{}).
			Where("user_id = ? AND day = ?", st.UserID, st.Day).
			Updates(map[string]any{
				"settled_amount": gorm.Expr("settled_amount + ?", st.Amount),
				"settled_count":  gorm.Expr("settled_count + 1"),
			}).Error
		if err != nil {
			return fmt.Errorf("failed to increment daily total: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reward, nil
}

// DailyTotal returns the tokens already credited to a user on day
func (s *GormStore) DailyTotal(ctx context.Context, userID, day string) (offsets.UserDailyTotal, error) {
	total := offsets.UserDailyTotal{UserID: userID, Day: day}
	err := s.db.WithContext(ctx).Where("user_id = ? AND day = ?", userID, day).Limit(1).Find(&total).Error
	if err != nil {
		return total, fmt.Errorf("failed to load daily total: %w", err)
	}
	return total, nil
}

// ListApprovedRewards returns rewards waiting to be minted
func (s *GormStore) ListApprovedRewards(ctx context.Context, limit int) ([]offsets.RewardRecord, error) {
	query := s.db.WithContext(ctx).Where("status = ?", offsets.RewardApproved).Order("created_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var out []offsets.RewardRecord
	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list approved rewards: %w", err)
	}
	return out, nil
}

// ListRewards returns a user's rewards, oldest first
func (s *GormStore) ListRewards(ctx context.Context, userID string) ([]offsets.RewardRecord, error) {
	var out []offsets.RewardRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at ASC, id ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list rewards: %w", err)
	}
	return out, nil
}

// ClaimRewards moves approved rewards into a minting batch
func (s *GormStore) ClaimRewards(ctx context.Context, ids []string, batchID string, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&offsets.RewardRecord{}).
			Where("id IN ? AND status = ?", ids, offsets.RewardApproved).
			Updates(map[string]any{
				"status":         offsets.RewardMinting,
				"batch_id":       batchID,
				"failure_reason": "",
				"updated_at":     at,
			})
		if result.Error != nil {
			return fmt.Errorf("failed to claim rewards: %w", result.Error)
		}
		if result.RowsAffected != int64(len(ids)) {
			// rolls back the partial claim
			return fmt.Errorf("%w: claimed %d of %d rewards", offsets.ErrConflict, result.RowsAffected, len(ids))
		}
		return nil
	})
}

// CompleteMint marks a minting batch paid and returns how many rewards it covered
func (s *GormStore) CompleteMint(ctx context.Context, batchID, txRef string, at time.Time) (int, error) {
	result := s.db.WithContext(ctx).Model(&offsets.RewardRecord{}).
		Where("batch_id = ? AND status = ?", batchID, offsets.RewardMinting).
		Updates(map[string]any{
			"status":     offsets.RewardPaid,
			"tx_ref":     txRef,
			"minted_at":  at,
			"updated_at": at,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to complete mint: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, fmt.Errorf("%w: no minting rewards in batch %s", offsets.ErrNotFound, batchID)
	}
	return int(result.RowsAffected), nil
}

// RevertMint returns a minting batch to approved
func (s *GormStore) RevertMint(ctx context.Context, batchID, reason string) error {
	err := s.db.WithContext(ctx).Model(&offsets.RewardRecord{}).
		Where("batch_id = ? AND status = ?", batchID, offsets.RewardMinting).
		Updates(map[string]any{
			"status":         offsets.RewardApproved,
			"batch_id":       nil,
			"failure_reason": reason,
			"updated_at":     time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to revert mint: %w", err)
	}
	return nil
}

// ListStaleMinting returns minting rewards last touched before the cutoff, oldest first
func (s *GormStore) ListStaleMinting(ctx context.Context, before time.Time, limit int) ([]offsets.RewardRecord, error) {
	query := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", offsets.RewardMinting, before).
		Order("updated_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var out []offsets.RewardRecord
	if err := query.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list minting rewards: %w", err)
	}
	return out, nil
}

// GetWallet loads a user's wallet
func (s *GormStore) GetWallet(ctx context.Context, userID string) (*offsets.UserWallet, error) {
	var w offsets.UserWallet
	if err := s.db.WithContext(ctx).First(&w, "user_id = ?", userID).Error; err != nil {
		return nil, notFound(err, "wallet for user", userID)
	}
	return &w, nil
}

// SaveWallet creates or updates a wallet
func (s *GormStore) SaveWallet(ctx context.Context, w *offsets.UserWallet) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"address"}),
	}).Create(w).Error
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

// AverageSavings returns the mean savings and sample count of a user's activity in the window
func (s *GormStore) AverageSavings(ctx context.Context, userID string, activityType offsets.ActivityType, from, to time.Time, excludeID string) (float64, int, error) {
	var row struct {
		Avg   *float64
		Count int
	}
	err := s.db.WithContext(ctx).Model(&offsets.Measurement{}).
		Select("AVG(calc_savings_kg) AS avg, COUNT(*) AS count").
		Where("user_id = ? AND activity_type = ? AND id <> ? AND status <> ?", userID, activityType, excludeID, offsets.MeasurementRejected).
		Where("measured_at >= ? AND measured_at < ?", from, to).
		Scan(&row).Error
	if err != nil {
		return 0, 0, fmt.Errorf("failed to average savings: %w", err)
	}
	if row.Avg == nil {
		return 0, 0, nil
	}
	return *row.Avg, row.Count, nil
}

// DailyActivityCount counts the measurements a user recorded on the day of t
func (s *GormStore) DailyActivityCount(ctx context.Context, userID string, t time.Time) (int, error) {
	start := time.Date(t.UTC().Year(), t.UTC().Month(), t.UTC().Day(), 0, 0, 0, 0, time.UTC)
	var count int64
	err := s.db.WithContext(ctx).Model(&offsets.Measurement{}).
		Where("user_id = ? AND status <> ?", userID, offsets.MeasurementRejected).
		Where("measured_at >= ? AND measured_at < ?", start, start.Add(24*time.Hour)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count daily activities: %w", err)
	}
	return int(count), nil
}
