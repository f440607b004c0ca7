package measurement

import (
	"math"
	"strings"

	"carbon-scribe/agri-credit/internal/offsets"
)

var methodBase = map[offsets.MeasurementMethod]float64{
	offsets.MethodSensor:         85,
	offsets.MethodAutomated:      75,
	offsets.MethodManualVerified: 70,
	offsets.MethodManual:         55,
	offsets.MethodSelfReported:   40,
}

// Bonus for the 1st, 2nd and 3rd piece of evidence; every further piece adds countBonusTail
var countBonus = []float64{8, 5, 3}

const countBonusTail = 1

var typeBonus = map[offsets.EvidenceType]float64{
	offsets.EvidenceReceipt:       5,
	offsets.EvidenceGPS:           5,
	offsets.EvidenceSensorReading: 10,
	offsets.EvidenceCertificate:   10,
}

const favourableMultiplier = 1.05

// ValidMethod reports whether m is a known measurement method
func ValidMethod(m offsets.MeasurementMethod) bool {
	_, ok := methodBase[m]
	return ok
}

// Confidence scores how much a claim can be trusted, from 0 to 100
func Confidence(method offsets.MeasurementMethod, evidence []offsets.Evidence, activity offsets.CarbonActivity) float64 {
	score := methodBase[method]

	for i := range evidence {
		if i < len(countBonus) {
			score += countBonus[i]
		} else {
			score += countBonusTail
		}
	}

	// Each evidence type earns its bonus once
	seen := make(map[offsets.EvidenceType]bool, len(evidence))
	for _, ev := range evidence {
		if seen[ev.Type] {
			continue
		}
		seen[ev.Type] = true
		score += typeBonus[ev.Type]
	}

	if strings.EqualFold(activity.FarmingMethod, "organic") {
		score *= favourableMultiplier
	}
	if strings.EqualFold(activity.PackagingType, "reusable") {
		score *= favourableMultiplier
	}

	return math.Max(0, math.Min(100, score))
}
