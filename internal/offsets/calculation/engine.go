package calculation

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"carbon-scribe/agri-credit/internal/offsets"
)

// Config tunes the calculation engine
type Config struct {
	// MinSavingsKg is the threshold below which no DC units are issued
	MinSavingsKg       float64 `json:"min_savings_kg"`
	DefaultDistanceKm  float64 `json:"default_distance_km"`
	BaselineDistanceKm float64 `json:"baseline_distance_km"`
	// TokenDecimals is the number of minor-unit decimals per DC unit
	TokenDecimals int32 `json:"token_decimals"`
}

// DefaultConfig returns the standard engine configuration
func DefaultConfig() Config {
	return Config{
		MinSavingsKg:       0.1,
		DefaultDistanceKm:  500,
		BaselineDistanceKm: 1500,
		TokenDecimals:      6,
	}
}

// Engine computes emissions, savings and credit amounts for activities.
// It is pure: the same activity always produces the same result.
type Engine struct {
	cfg Config
}

// NewEngine creates a new calculation engine
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.DefaultDistanceKm <= 0 {
		cfg.DefaultDistanceKm = def.DefaultDistanceKm
	}
	if cfg.BaselineDistanceKm <= 0 {
		cfg.BaselineDistanceKm = def.BaselineDistanceKm
	}
	if cfg.TokenDecimals <= 0 {
		cfg.TokenDecimals = def.TokenDecimals
	}
	if cfg.MinSavingsKg < 0 {
		cfg.MinSavingsKg = def.MinSavingsKg
	}
	return &Engine{cfg: cfg}
}

type scenario struct {
	distanceKm float64
	transport  string
	category   string
	farming    string
	packaging  string
}

type emissions struct {
	transport  float64
	production float64
	packaging  float64
}

func (e emissions) total() float64 {
	return e.transport + e.production + e.packaging
}

// Calculate computes the CalculationResult for an activity
func (e *Engine) Calculate(activity offsets.CarbonActivity) (offsets.CalculationResult, error) {
	if !activity.Type.Valid() {
		return offsets.CalculationResult{}, fmt.Errorf("%w: unknown activity type %q", offsets.ErrValidation, activity.Type)
	}
	// zero quantity yields a zero result; validation is what rejects it
	if activity.QuantityKg < 0 || math.IsNaN(activity.QuantityKg) || math.IsInf(activity.QuantityKg, 0) {
		return offsets.CalculationResult{}, fmt.Errorf("%w: quantity must not be negative, got %v", offsets.ErrValidation, activity.QuantityKg)
	}

	distanceKm, source := lookupDistance(activity.OriginRegion, activity.DestinationRegion, e.cfg.DefaultDistanceKm)
	category := normalizeKey(activity.ProductCategory)
	if _, ok := productionFactors[category]; !ok {
		category = fallbackCategory
	}

	actual := scenario{
		distanceKm: distanceKm,
		transport:  orDefault(activity.TransportMethod, defaultTransport),
		category:   category,
		farming:    orDefault(activity.FarmingMethod, defaultFarming),
		packaging:  orDefault(activity.PackagingType, defaultPackaging),
	}
	baseline := scenario{
		distanceKm: e.cfg.BaselineDistanceKm,
		transport:  baselineTransport,
		category:   category,
		farming:    baselineFarming,
		packaging:  baselinePackaging,
	}

	actualEm, err := e.emissions(activity.QuantityKg, actual)
	if err != nil {
		return offsets.CalculationResult{}, err
	}
	baselineEm, err := e.emissions(activity.QuantityKg, baseline)
	if err != nil {
		return offsets.CalculationResult{}, err
	}

	total := actualEm.total()
	baselineTotal := baselineEm.total()
	savings := math.Max(0, baselineTotal-total)

	reduction := 0.0
	if baselineTotal > 0 {
		reduction = savings / baselineTotal * 100
	}

	multiplier := activityMultipliers[activity.Type]
	dcUnits, tokens := e.credits(savings, multiplier)

	steps := []offsets.CalculationStep{
		{Name: "distance", Formula: "lookup(" + string(source) + ")", Value: distanceKm, Unit: "km"},
		{Name: "transport_emissions", Formula: "distance × quantity/1000 × factor[" + actual.transport + "]", Value: actualEm.transport, Unit: "kg CO2e"},
		{Name: "production_emissions", Formula: "quantity × factor[" + actual.category + "][" + actual.farming + "]", Value: actualEm.production, Unit: "kg CO2e"},
		{Name: "packaging_emissions", Formula: "quantity × weight_fraction × factor[" + actual.packaging + "]", Value: actualEm.packaging, Unit: "kg CO2e"},
		{Name: "total_emissions", Formula: "transport + production + packaging", Value: total, Unit: "kg CO2e"},
		{Name: "baseline_emissions", Formula: "worst case: distant truck, conventional, plastic", Value: baselineTotal, Unit: "kg CO2e"},
		{Name: "savings", Formula: "max(0, baseline − total)", Value: savings, Unit: "kg CO2e"},
		{Name: "dc_units", Formula: "savings × multiplier[" + string(activity.Type) + "]", Value: dcUnits, Unit: "DC"},
	}

	return offsets.CalculationResult{
		TransportEmissionsKg:  actualEm.transport,
		ProductionEmissionsKg: actualEm.production,
		PackagingEmissionsKg:  actualEm.packaging,
		TotalEmissionsKg:      total,
		BaselineEmissionsKg:   baselineTotal,
		SavingsKg:             savings,
		ReductionPercent:      reduction,
		DistanceKm:            distanceKm,
		Multiplier:            multiplier,
		DCUnits:               dcUnits,
		TokenAmount:           tokens,
		Steps:                 steps,
	}, nil
}

// Recredit recomputes DC units and token amount for an adjusted savings figure
func (e *Engine) Recredit(activityType offsets.ActivityType, savingsKg float64) (float64, int64) {
	return e.credits(math.Max(0, savingsKg), activityMultipliers[activityType])
}

// TokenDecimals is the number of minor-unit decimals in token amounts
func (e *Engine) TokenDecimals() int32 {
	return e.cfg.TokenDecimals
}

// TokensForDC converts DC units to integer minor units
func (e *Engine) TokensForDC(dcUnits float64) int64 {
	if dcUnits <= 0 {
		return 0
	}
	return decimal.NewFromFloat(dcUnits).Round(4).Shift(e.cfg.TokenDecimals).IntPart()
}

// Distance exposes the region distance lookup
func (e *Engine) Distance(origin, destination string) (float64, DistanceSource) {
	return lookupDistance(origin, destination, e.cfg.DefaultDistanceKm)
}

func (e *Engine) credits(savings, multiplier float64) (float64, int64) {
	if savings < e.cfg.MinSavingsKg || savings <= 0 {
		return 0, 0
	}
	dc := decimal.NewFromFloat(savings).Mul(decimal.NewFromFloat(multiplier)).Round(4)
	return dc.InexactFloat64(), dc.Shift(e.cfg.TokenDecimals).IntPart()
}

func (e *Engine) emissions(quantityKg float64, s scenario) (emissions, error) {
	transportFactor, ok := transportFactors[normalizeKey(s.transport)]
	if !ok {
		return emissions{}, fmt.Errorf("%w: unknown transport method %q", offsets.ErrValidation, s.transport)
	}
	production, ok := productionFactors[s.category][normalizeKey(s.farming)]
	if !ok {
		return emissions{}, fmt.Errorf("%w: unknown farming method %q", offsets.ErrValidation, s.farming)
	}
	packaging, ok := packagingFactors[normalizeKey(s.packaging)]
	if !ok {
		return emissions{}, fmt.Errorf("%w: unknown packaging type %q", offsets.ErrValidation, s.packaging)
	}

	return emissions{
		transport:  s.distanceKm * (quantityKg / 1000) * transportFactor,
		production: quantityKg * production,
		packaging:  quantityKg * packaging.weightFraction * packaging.factor,
	}, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
