package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/internal/offsets/settlement"
	"carbon-scribe/agri-credit/internal/offsets/verification"
)

var _ settlement.Stats = (*QueryRepository)(nil)

// PendingVerification is a review queue row joined with its measurement
type PendingVerification struct {
	RequestID        string                `db:"request_id" json:"request_id"`
	MeasurementID    string                `db:"measurement_id" json:"measurement_id"`
	UserID           string                `db:"user_id" json:"user_id"`
	Status           offsets.RequestStatus `db:"status" json:"status"`
	Priority         offsets.Priority      `db:"priority" json:"priority"`
	SavingsKg        float64               `db:"savings_kg" json:"savings_kg"`
	Confidence       float64               `db:"confidence" json:"confidence"`
	EvidenceCount    int                   `db:"evidence_count" json:"evidence_count"`
	AssignedReviewer *string               `db:"assigned_reviewer" json:"assigned_reviewer,omitempty"`
	ActivityType     offsets.ActivityType  `db:"activity_type" json:"activity_type"`
	ProductName      string                `db:"product_name" json:"product_name"`
	CreatedAt        time.Time             `db:"created_at" json:"created_at"`
}

// QueryRepository serves read-side queries with hand-written SQL
type QueryRepository struct {
	db *sqlx.DB
}

// NewQueryRepository creates a read-side repository
func NewQueryRepository(db *sqlx.DB) *QueryRepository {
	return &QueryRepository{db: db}
}

// PendingVerifications lists review queue rows, most urgent first
func (r *QueryRepository) PendingVerifications(ctx context.Context, f verification.Filter) ([]PendingVerification, error) {
	query := `
		SELECT vr.id AS request_id, vr.measurement_id, vr.user_id, vr.status, vr.priority,
			   vr.savings_kg, vr.confidence, vr.evidence_count, vr.assigned_reviewer,
			   m.activity_type, m.activity_product_name AS product_name, vr.created_at
		FROM verification_requests vr
		JOIN measurements m ON m.id = vr.measurement_id
	`

	var (
		conditions []string
		args       []any
	)
	statuses := f.Statuses
	if len(statuses) == 0 {
		statuses = []offsets.RequestStatus{offsets.RequestPending, offsets.RequestInReview, offsets.RequestEscalated}
	}
	conditions = append(conditions, "vr.status IN (?)")
	args = append(args, statuses)

	if f.Unassigned {
		conditions = append(conditions, "vr.assigned_reviewer IS NULL")
	}
	if f.Priority != nil {
		conditions = append(conditions, "vr.priority = ?")
		args = append(args, *f.Priority)
	}
	if f.ReviewerID != "" {
		conditions = append(conditions, "vr.assigned_reviewer = ?")
		args = append(args, f.ReviewerID)
	}
	if f.UserID != "" {
		conditions = append(conditions, "vr.user_id = ?")
		args = append(args, f.UserID)
	}

	query += " WHERE " + strings.Join(conditions, " AND ")
	query += " ORDER BY vr.priority DESC, vr.created_at ASC, vr.id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
		if f.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", f.Offset)
		}
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to expand pending query: %w", err)
	}

	var rows []PendingVerification
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query pending verifications: %w", err)
	}
	return rows, nil
}

// AverageSavings returns the user's mean savings for an activity type over [from, to)
func (r *QueryRepository) AverageSavings(ctx context.Context, userID string, activityType offsets.ActivityType, from, to time.Time, excludeID string) (float64, int, error) {
	query := r.db.Rebind(`
		SELECT AVG(calc_savings_kg), COUNT(*)
		FROM measurements
		WHERE user_id = ? AND activity_type = ? AND id <> ? AND status <> ?
		  AND measured_at >= ? AND measured_at < ?
	`)

	var (
		avg   sql.NullFloat64
		count int
	)
	err := r.db.QueryRowContext(ctx, query, userID, activityType, excludeID, offsets.MeasurementRejected, from, to).Scan(&avg, &count)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to average savings: %w", err)
	}
	if !avg.Valid {
		return 0, 0, nil
	}
	return avg.Float64, count, nil
}

// DailyActivityCount counts the user's non-rejected measurements on the UTC day of t
func (r *QueryRepository) DailyActivityCount(ctx context.Context, userID string, t time.Time) (int, error) {
	day := t.UTC()
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	query := r.db.Rebind(`
		SELECT COUNT(*)
		FROM measurements
		WHERE user_id = ? AND status <> ? AND measured_at >= ? AND measured_at < ?
	`)

	var count int
	if err := r.db.GetContext(ctx, &count, query, userID, offsets.MeasurementRejected, start, start.Add(24*time.Hour)); err != nil {
		return 0, fmt.Errorf("failed to count daily activities: %w", err)
	}
	return count, nil
}
