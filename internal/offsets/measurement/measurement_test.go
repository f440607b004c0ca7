package measurement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/internal/offsets/calculation"
)

var fixedNow = time.Date(2026, 3, 5, 10, 30, 0, 123456789, time.UTC)

func newTestService() *Service {
	engine := calculation.NewEngine(calculation.DefaultConfig())
	return NewService(engine, DefaultConfig(), zap.NewNop()).WithClock(func() time.Time { return fixedNow })
}

func tomatoInput() Input {
	return Input{
		Activity: offsets.CarbonActivity{
			Type:              offsets.ActivityLocalPurchase,
			UserID:            "user-1",
			ProductName:       "tomatoes",
			ProductCategory:   "vegetables",
			QuantityKg:        2,
			OriginRegion:      "westland",
			DestinationRegion: "rotterdam",
			FarmingMethod:     "organic",
			TransportMethod:   "local_truck",
			PackagingType:     "paper",
			ActivityDate:      time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC),
		},
		Method: offsets.MethodManual,
		Evidence: []offsets.Evidence{
			{Type: offsets.EvidenceReceipt, Receipt: &offsets.ReceiptDetail{Vendor: "Market", Amount: 6.5, Currency: "EUR"}},
			{Type: offsets.EvidenceGPS, GPS: &offsets.GPSDetail{Latitude: 51.92, Longitude: 4.48}},
		},
		Location: &offsets.Location{Latitude: 51.921, Longitude: 4.479},
	}
}

func TestMeasureTomatoScenario(t *testing.T) {
	s := newTestService()

	m, err := s.Measure(tomatoInput())
	require.NoError(t, err)

	assert.Equal(t, "MEAS_user-1_"+"1772706600123", m.ID)
	assert.Equal(t, offsets.MeasurementMeasured, m.Status)
	assert.Greater(t, m.Calculation.SavingsKg, 0.0)
	assert.GreaterOrEqual(t, m.Confidence, 60.0)
	// manual 55 + 8 + 5 + receipt 5 + gps 5 = 78, organic × 1.05
	assert.InDelta(t, 81.9, m.Confidence, 1e-9)
	assert.Len(t, m.IntegrityHash, 64)
	for _, ev := range m.Evidence {
		assert.Len(t, ev.ContentHash, 64)
	}

	ok, issues := s.Validate(m)
	assert.True(t, ok)
	assert.Empty(t, issues)
}

func TestConfidence(t *testing.T) {
	activity := offsets.CarbonActivity{FarmingMethod: "conventional", PackagingType: "plastic"}

	assert.Equal(t, 40.0, Confidence(offsets.MethodSelfReported, nil, activity))

	photos := make([]offsets.Evidence, 5)
	for i := range photos {
		photos[i] = offsets.Evidence{Type: offsets.EvidencePhoto}
	}
	// 75 + 8 + 5 + 3 + 1 + 1
	assert.Equal(t, 93.0, Confidence(offsets.MethodAutomated, photos, activity))

	rich := []offsets.Evidence{
		{Type: offsets.EvidenceSensorReading},
		{Type: offsets.EvidenceCertificate},
		{Type: offsets.EvidenceReceipt},
	}
	assert.Equal(t, 100.0, Confidence(offsets.MethodSensor, rich, activity))

	favourable := offsets.CarbonActivity{FarmingMethod: "organic", PackagingType: "reusable"}
	assert.InDelta(t, 40*1.05*1.05, Confidence(offsets.MethodSelfReported, nil, favourable), 1e-9)
}

func TestConfidenceCountsTypeBonusOnce(t *testing.T) {
	activity := offsets.CarbonActivity{}
	two := []offsets.Evidence{{Type: offsets.EvidenceReceipt}, {Type: offsets.EvidenceReceipt}}
	// 55 + 8 + 5 + 5
	assert.Equal(t, 73.0, Confidence(offsets.MethodManual, two, activity))
}

func TestHashRoundTripAndSensitivity(t *testing.T) {
	s := newTestService()
	m, err := s.Measure(tomatoInput())
	require.NoError(t, err)

	require.NoError(t, VerifyHash(m))

	notes := "picked up at the Saturday market"
	m.Metadata = datatypes.NewJSONType(offsets.MeasurementMetadata{Notes: &notes})
	assert.NoError(t, VerifyHash(m), "metadata must not affect the hash")

	m.Calculation.SavingsKg += 0.001
	err = VerifyHash(m)
	assert.ErrorIs(t, err, offsets.ErrIntegrity)

	ok, issues := s.Validate(m)
	assert.False(t, ok)
	assert.Equal(t, IssueHashMismatch, issues[0].Code)
}

func TestValidateBlockingIssues(t *testing.T) {
	s := newTestService()

	cases := map[string]struct {
		mutate func(in *Input)
		code   string
	}{
		"future activity": {
			mutate: func(in *Input) { in.Activity.ActivityDate = fixedNow.Add(48 * time.Hour) },
			code:   IssueFutureActivity,
		},
		"stale activity": {
			mutate: func(in *Input) { in.Activity.ActivityDate = fixedNow.Add(-31 * 24 * time.Hour) },
			code:   IssueStaleActivity,
		},
		"zero quantity": {
			mutate: func(in *Input) { in.Activity.QuantityKg = 0 },
			code:   IssueInvalidQuantity,
		},
		"implausible quantity": {
			mutate: func(in *Input) { in.Activity.QuantityKg = 20000 },
			code:   IssueInvalidQuantity,
		},
		"missing product": {
			mutate: func(in *Input) { in.Activity.ProductName = "" },
			code:   IssueMissingField,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			in := tomatoInput()
			tc.mutate(&in)
			m, err := s.Measure(in)
			require.NoError(t, err)

			ok, issues := s.Validate(m)
			assert.False(t, ok)
			codes := make([]string, 0, len(issues))
			for _, issue := range issues {
				codes = append(codes, issue.Code)
			}
			assert.Contains(t, codes, tc.code)
		})
	}
}

func TestValidateRejectsMissingEvidence(t *testing.T) {
	s := newTestService()
	in := tomatoInput()
	in.Method = offsets.MethodSelfReported
	in.Evidence = nil
	in.Activity.FarmingMethod = "conventional"
	in.Activity.PackagingType = "plastic"
	in.Activity.QuantityKg = 5
	in.Location = nil

	m, err := s.Measure(in)
	require.NoError(t, err)

	ok, issues := s.Validate(m)
	assert.False(t, ok)
	require.Len(t, issues, 1)
	assert.Equal(t, IssueNoEvidence, issues[0].Code)
	assert.True(t, issues[0].Blocking)

	_, _, err = s.MeasureAndValidate(in)
	assert.ErrorIs(t, err, offsets.ErrValidation)
}

func TestValidateRejectsLowConfidence(t *testing.T) {
	s := newTestService()
	m, err := s.Measure(tomatoInput())
	require.NoError(t, err)

	// confidence sits outside the integrity hash
	m.Confidence = 30
	require.NoError(t, VerifyHash(m))

	ok, issues := s.Validate(m)
	assert.False(t, ok)
	require.Len(t, issues, 1)
	assert.Equal(t, IssueLowConfidence, issues[0].Code)
	assert.True(t, issues[0].Blocking)
}

func TestValidateGPSMismatch(t *testing.T) {
	s := newTestService()
	in := tomatoInput()
	in.Location = &offsets.Location{Latitude: 52.37, Longitude: 4.90}

	m, err := s.Measure(in)
	require.NoError(t, err)

	ok, issues := s.Validate(m)
	assert.True(t, ok)
	require.Len(t, issues, 1)
	assert.Equal(t, IssueLocationMismatch, issues[0].Code)
}

func TestValidateGPSFromGeoJSON(t *testing.T) {
	s := newTestService()
	in := tomatoInput()
	// flat coordinates agree with the reported location, the device feature does not
	in.Evidence[1].GPS.GeoJSON = `{"type":"Feature","geometry":{"type":"Point","coordinates":[4.90,52.37]},"properties":{}}`

	m, err := s.Measure(in)
	require.NoError(t, err)

	ok, issues := s.Validate(m)
	assert.True(t, ok)
	require.Len(t, issues, 1)
	assert.Equal(t, IssueLocationMismatch, issues[0].Code)

	m.Evidence[1].GPS.GeoJSON = `{"type":"Feature","geometry":{"type":"Point","coordinates":[4.48,51.92]},"properties":{}}`
	_, issues = s.Validate(m)
	assert.Empty(t, issues)
}

func TestValidateDoesNotMutate(t *testing.T) {
	s := newTestService()
	m, err := s.Measure(tomatoInput())
	require.NoError(t, err)
	m.Calculation.SavingsKg = 99

	before := *m
	s.Validate(m)
	assert.Equal(t, before, *m)
}

func TestMeasureAndValidateRejects(t *testing.T) {
	s := newTestService()
	in := tomatoInput()
	in.Activity.ActivityDate = fixedNow.Add(72 * time.Hour)

	m, issues, err := s.MeasureAndValidate(in)
	assert.Nil(t, m)
	assert.NotEmpty(t, issues)
	assert.ErrorIs(t, err, offsets.ErrValidation)
}

func TestMeasureRejectsUnknownInputs(t *testing.T) {
	s := newTestService()

	in := tomatoInput()
	in.Method = "telepathy"
	_, err := s.Measure(in)
	assert.ErrorIs(t, err, offsets.ErrValidation)

	in = tomatoInput()
	in.Evidence = []offsets.Evidence{{Type: "selfie"}}
	_, err = s.Measure(in)
	assert.ErrorIs(t, err, offsets.ErrValidation)

	in = tomatoInput()
	in.Activity.UserID = ""
	_, err = s.Measure(in)
	assert.ErrorIs(t, err, offsets.ErrValidation)
}
