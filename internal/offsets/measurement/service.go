package measurement

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/internal/offsets/calculation"
)

// Config holds measurement plausibility limits
type Config struct {
	MaxQuantityKg    float64       `json:"max_quantity_kg"`
	MaxActivityAge   time.Duration `json:"max_activity_age"`
	MinConfidence    float64       `json:"min_confidence"`
	GPSMatchRadiusKm float64       `json:"gps_match_radius_km"`
}

// DefaultConfig returns the standard measurement limits
func DefaultConfig() Config {
	return Config{
		MaxQuantityKg:    10000,
		MaxActivityAge:   30 * 24 * time.Hour,
		MinConfidence:    40,
		GPSMatchRadiusKm: 5,
	}
}

// Input is everything a user supplies for one measurement
type Input struct {
	Activity offsets.CarbonActivity
	Method   offsets.MeasurementMethod
	Evidence []offsets.Evidence
	Location *offsets.Location
	Metadata offsets.MeasurementMetadata
}

// Service turns activities into scored, hash-sealed measurements
type Service struct {
	engine *calculation.Engine
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

// NewService creates a new measurement service
func NewService(engine *calculation.Engine, cfg Config, logger *zap.Logger) *Service {
	def := DefaultConfig()
	if cfg.MaxQuantityKg <= 0 {
		cfg.MaxQuantityKg = def.MaxQuantityKg
	}
	if cfg.MaxActivityAge <= 0 {
		cfg.MaxActivityAge = def.MaxActivityAge
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = def.MinConfidence
	}
	if cfg.GPSMatchRadiusKm <= 0 {
		cfg.GPSMatchRadiusKm = def.GPSMatchRadiusKm
	}
	return &Service{engine: engine, cfg: cfg, now: time.Now, logger: logger}
}

// WithClock replaces the time source
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// MeasurementID derives the id of a measurement from its user and timestamp
func MeasurementID(userID string, measuredAt time.Time) string {
	return fmt.Sprintf("MEAS_%s_%d", userID, measuredAt.UnixMilli())
}

// Measure calculates, scores and seals a new measurement. The result is not yet validated.
func (s *Service) Measure(in Input) (*offsets.Measurement, error) {
	if in.Activity.UserID == "" {
		return nil, &offsets.ValidationError{Issues: []offsets.Issue{{Code: IssueMissingField, Field: "activity.user_id", Message: "user id is required", Blocking: true}}}
	}
	if !ValidMethod(in.Method) {
		return nil, fmt.Errorf("%w: unknown measurement method %q", offsets.ErrValidation, in.Method)
	}

	evidence := make([]offsets.Evidence, 0, len(in.Evidence))
	for i, ev := range in.Evidence {
		if !ev.Type.Valid() {
			return nil, fmt.Errorf("%w: evidence %d has unknown type %q", offsets.ErrValidation, i, ev.Type)
		}
		if ev.ContentHash == "" {
			h, err := HashEvidence(ev)
			if err != nil {
				return nil, err
			}
			ev.ContentHash = h
		}
		evidence = append(evidence, ev)
	}

	result, err := s.engine.Calculate(in.Activity)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate activity: %w", err)
	}

	activity := in.Activity
	activity.ActivityDate = activity.ActivityDate.UTC()
	measuredAt := s.now().UTC().Truncate(time.Millisecond)

	m := &offsets.Measurement{
		ID:          MeasurementID(activity.UserID, measuredAt),
		UserID:      activity.UserID,
		Activity:    activity,
		Calculation: result,
		Method:      in.Method,
		Evidence:    datatypes.JSONSlice[offsets.Evidence](evidence),
		Confidence:  Confidence(in.Method, evidence, activity),
		Status:      offsets.MeasurementMeasured,
		Metadata:    datatypes.NewJSONType(in.Metadata),
		MeasuredAt:  measuredAt,
	}
	if in.Location != nil {
		lat, lon := in.Location.Latitude, in.Location.Longitude
		m.Latitude, m.Longitude = &lat, &lon
	}
	if err := Seal(m); err != nil {
		return nil, err
	}

	s.logger.Debug("Measurement computed",
		zap.String("measurement_id", m.ID),
		zap.Float64("savings_kg", result.SavingsKg),
		zap.Float64("confidence", m.Confidence))

	return m, nil
}

// MeasureAndValidate measures and rejects the result when validation finds blocking issues
func (s *Service) MeasureAndValidate(in Input) (*offsets.Measurement, []offsets.Issue, error) {
	m, err := s.Measure(in)
	if err != nil {
		return nil, nil, err
	}
	ok, issues := s.Validate(m)
	if !ok {
		return nil, issues, &offsets.ValidationError{Issues: BlockingIssues(issues)}
	}
	return m, issues, nil
}
