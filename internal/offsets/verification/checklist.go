package verification

import (
	"fmt"

	"carbon-scribe/agri-credit/internal/offsets"
)

// Checklist item names
const (
	CheckEvidencePresent   = "evidence_present"
	CheckHashValid         = "hash_valid"
	CheckSavingsPositive   = "savings_positive"
	CheckConfidenceMinimum = "confidence_minimum"
	CheckTimestampPresent  = "timestamp_present"
	CheckProductNamed      = "product_named"
)

type verifiedValues struct {
	savingsKg   float64
	confidence  float64
	dcUnits     float64
	tokenAmount int64
}

// runChecklist evaluates the fixed review checklist against the values that would be verified
func runChecklist(m *offsets.Measurement, hashValid bool, v verifiedValues, minConfidence float64) []offsets.ChecklistItem {
	return []offsets.ChecklistItem{
		{Name: CheckEvidencePresent, Passed: len(m.Evidence) > 0, Detail: fmt.Sprintf("%d evidence item(s)", len(m.Evidence))},
		{Name: CheckHashValid, Passed: hashValid},
		{Name: CheckSavingsPositive, Passed: v.savingsKg > 0, Detail: fmt.Sprintf("%.4f kg", v.savingsKg)},
		{Name: CheckConfidenceMinimum, Passed: v.confidence >= minConfidence, Detail: fmt.Sprintf("%.1f of %.0f", v.confidence, minConfidence)},
		{Name: CheckTimestampPresent, Passed: !m.MeasuredAt.IsZero()},
		{Name: CheckProductNamed, Passed: m.Activity.ProductName != ""},
	}
}

func failedChecks(items []offsets.ChecklistItem) []offsets.Issue {
	var issues []offsets.Issue
	for _, item := range items {
		if !item.Passed {
			issues = append(issues, offsets.Issue{
				Code:     "checklist_failed",
				Field:    item.Name,
				Message:  fmt.Sprintf("checklist item %s failed", item.Name),
				Blocking: true,
			})
		}
	}
	return issues
}
