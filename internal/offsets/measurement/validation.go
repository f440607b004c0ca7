package measurement

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/pkg/geospatial"
)

// Issue codes
const (
	IssueMissingField     = "missing_field"
	IssueHashMismatch     = "hash_mismatch"
	IssueInvalidQuantity  = "invalid_quantity"
	IssueFutureActivity   = "future_activity"
	IssueMeasuredEarly    = "measured_before_activity"
	IssueStaleActivity    = "stale_activity"
	IssueLowConfidence    = "low_confidence"
	IssueNoEvidence       = "no_evidence"
	IssueLocationMismatch = "location_mismatch"
)

// Validate inspects a measurement without modifying it.
// ok is false when any blocking issue was found.
func (s *Service) Validate(m *offsets.Measurement) (bool, []offsets.Issue) {
	var issues []offsets.Issue
	block := func(code, field, msg string) {
		issues = append(issues, offsets.Issue{Code: code, Field: field, Message: msg, Blocking: true})
	}
	advise := func(code, field, msg string) {
		issues = append(issues, offsets.Issue{Code: code, Field: field, Message: msg})
	}

	required := []struct {
		field string
		empty bool
	}{
		{"id", m.ID == ""},
		{"user_id", m.UserID == ""},
		{"activity.type", m.Activity.Type == ""},
		{"activity.product_name", m.Activity.ProductName == ""},
		{"activity.activity_date", m.Activity.ActivityDate.IsZero()},
		{"measured_at", m.MeasuredAt.IsZero()},
		{"integrity_hash", m.IntegrityHash == ""},
	}
	for _, r := range required {
		if r.empty {
			block(IssueMissingField, r.field, fmt.Sprintf("%s is required", r.field))
		}
	}

	if m.IntegrityHash != "" {
		if err := VerifyHash(m); err != nil {
			var integrityErr *offsets.IntegrityError
			if errors.As(err, &integrityErr) {
				block(IssueHashMismatch, "integrity_hash", "stored hash does not match recomputed hash")
			} else {
				block(IssueHashMismatch, "integrity_hash", err.Error())
			}
		}
	}

	q := m.Activity.QuantityKg
	if q <= 0 {
		block(IssueInvalidQuantity, "activity.quantity_kg", "quantity must be positive")
	} else if q > s.cfg.MaxQuantityKg {
		block(IssueInvalidQuantity, "activity.quantity_kg", fmt.Sprintf("quantity %.2f kg exceeds plausible maximum %.0f kg", q, s.cfg.MaxQuantityKg))
	}

	activityDate := m.Activity.ActivityDate
	if !activityDate.IsZero() {
		now := s.now()
		if activityDate.After(now) {
			block(IssueFutureActivity, "activity.activity_date", "activity date is in the future")
		}
		if !m.MeasuredAt.IsZero() {
			if m.MeasuredAt.Before(activityDate) {
				block(IssueMeasuredEarly, "measured_at", "measurement predates the activity")
			}
			if m.MeasuredAt.Sub(activityDate) > s.cfg.MaxActivityAge {
				block(IssueStaleActivity, "activity.activity_date", fmt.Sprintf("activity is older than %s at measurement time", s.cfg.MaxActivityAge))
			}
		}
	}

	if m.Confidence < s.cfg.MinConfidence {
		block(IssueLowConfidence, "confidence", fmt.Sprintf("confidence %.1f is below %.0f", m.Confidence, s.cfg.MinConfidence))
	}
	if len(m.Evidence) == 0 {
		block(IssueNoEvidence, "evidence", "no evidence attached")
	}
	if loc, ok := m.Location(); ok {
		if mismatch := s.gpsMismatch(loc, m.Evidence); mismatch != "" {
			advise(IssueLocationMismatch, "evidence", mismatch)
		}
	}

	for _, issue := range issues {
		if issue.Blocking {
			return false, issues
		}
	}
	return true, issues
}

func (s *Service) gpsMismatch(loc offsets.Location, evidence []offsets.Evidence) string {
	reported, err := geospatial.NewPoint(loc.Latitude, loc.Longitude)
	if err != nil {
		return err.Error()
	}
	for _, ev := range evidence {
		if ev.GPS == nil {
			continue
		}
		fix, err := gpsFix(ev.GPS)
		if err != nil {
			return fmt.Sprintf("gps evidence has invalid coordinates: %v", err)
		}
		if !geospatial.WithinRadiusKm(fix, reported, s.cfg.GPSMatchRadiusKm) {
			return fmt.Sprintf("gps evidence is %.1f km from the reported location", geospatial.DistanceKm(fix, reported))
		}
	}
	return ""
}

// gpsFix prefers the device's GeoJSON feature over the flat coordinates
func gpsFix(gps *offsets.GPSDetail) (orb.Point, error) {
	if gps.GeoJSON != "" {
		return geospatial.PointFromGeoJSON(gps.GeoJSON)
	}
	return geospatial.NewPoint(gps.Latitude, gps.Longitude)
}

// BlockingIssues filters issues down to the blocking ones
func BlockingIssues(issues []offsets.Issue) []offsets.Issue {
	var out []offsets.Issue
	for _, issue := range issues {
		if issue.Blocking {
			out = append(out, issue)
		}
	}
	return out
}
