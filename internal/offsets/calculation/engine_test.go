package calculation

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbon-scribe/agri-credit/internal/offsets"
)

func tomatoes() offsets.CarbonActivity {
	return offsets.CarbonActivity{
		Type:              offsets.ActivityLocalPurchase,
		UserID:            "user-1",
		ProductName:       "tomatoes",
		ProductCategory:   "vegetables",
		QuantityKg:        2,
		OriginRegion:      "Westland",
		DestinationRegion: "Rotterdam",
		FarmingMethod:     "organic",
		TransportMethod:   "local_truck",
		PackagingType:     "paper",
		ActivityDate:      time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCalculateLocalOrganicTomatoes(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	result, err := engine.Calculate(tomatoes())
	require.NoError(t, err)

	assert.InDelta(t, 25, result.DistanceKm, 1e-9)
	assert.InDelta(t, 0.005, result.TransportEmissionsKg, 1e-9)
	assert.InDelta(t, 0.6, result.ProductionEmissionsKg, 1e-9)
	assert.InDelta(t, 0.09, result.PackagingEmissionsKg, 1e-9)
	assert.InDelta(t, 0.695, result.TotalEmissionsKg, 1e-9)
	assert.InDelta(t, 1.438, result.BaselineEmissionsKg, 1e-9)
	assert.InDelta(t, 0.743, result.SavingsKg, 1e-9)
	assert.InDelta(t, 51.67, result.ReductionPercent, 0.01)
	assert.InDelta(t, 0.743, result.DCUnits, 1e-9)
	assert.Equal(t, int64(743000), result.TokenAmount)
	assert.Len(t, result.Steps, 8)
}

func TestCalculateIsDeterministic(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	a, err := engine.Calculate(tomatoes())
	require.NoError(t, err)
	b, err := engine.Calculate(tomatoes())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSavingsNeverNegative(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	activity := tomatoes()
	activity.TransportMethod = "air"
	activity.OriginRegion = "New Zealand"
	activity.DestinationRegion = "Netherlands"
	activity.FarmingMethod = "conventional"
	activity.PackagingType = "glass"

	result, err := engine.Calculate(activity)
	require.NoError(t, err)
	assert.Greater(t, result.TotalEmissionsKg, result.BaselineEmissionsKg)
	assert.Equal(t, 0.0, result.SavingsKg)
	assert.Equal(t, 0.0, result.DCUnits)
	assert.Equal(t, int64(0), result.TokenAmount)
}

func TestZeroQuantityEarnsNothing(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	for _, transport := range []string{"local_truck", "air", "bicycle"} {
		activity := tomatoes()
		activity.QuantityKg = 0
		activity.TransportMethod = transport

		result, err := engine.Calculate(activity)
		require.NoError(t, err, transport)
		assert.Equal(t, 0.0, result.TotalEmissionsKg, transport)
		assert.Equal(t, 0.0, result.BaselineEmissionsKg, transport)
		assert.Equal(t, 0.0, result.SavingsKg, transport)
		assert.Equal(t, 0.0, result.ReductionPercent, transport)
		assert.Equal(t, int64(0), result.TokenAmount, transport)
	}
}

func TestMinimumSavingsThreshold(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	activity := tomatoes()
	activity.QuantityKg = 0.2 // savings ≈ 0.0743 kg

	result, err := engine.Calculate(activity)
	require.NoError(t, err)
	assert.Greater(t, result.SavingsKg, 0.0)
	assert.Equal(t, 0.0, result.DCUnits)
	assert.Equal(t, int64(0), result.TokenAmount)
}

func TestActivityMultiplier(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	activity := tomatoes()
	activity.Type = offsets.ActivityOrganicFarming

	result, err := engine.Calculate(activity)
	require.NoError(t, err)
	assert.InDelta(t, 1.2, result.Multiplier, 1e-9)
	assert.InDelta(t, 0.8916, result.DCUnits, 1e-9)
	assert.Equal(t, int64(891600), result.TokenAmount)
}

func TestDistanceLookupOrder(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	km, source := engine.Distance("rotterdam", "westland")
	assert.Equal(t, DistanceTable, source)
	assert.Equal(t, 25.0, km)

	km, source = engine.Distance("Kenya", "Chile")
	assert.Equal(t, DistanceGeodesic, source)
	assert.Greater(t, km, 9000.0)

	km, source = engine.Distance("atlantis", "amsterdam")
	assert.Equal(t, DistanceDefault, source)
	assert.Equal(t, 500.0, km)

	_, source = engine.Distance("Utrecht", "utrecht")
	assert.Equal(t, DistanceSameRegion, source)
}

func TestCalculateRejectsBadInput(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	activity := tomatoes()
	activity.QuantityKg = -1
	_, err := engine.Calculate(activity)
	assert.ErrorIs(t, err, offsets.ErrValidation)

	activity = tomatoes()
	activity.QuantityKg = math.NaN()
	_, err = engine.Calculate(activity)
	assert.ErrorIs(t, err, offsets.ErrValidation)

	activity = tomatoes()
	activity.TransportMethod = "teleport"
	_, err = engine.Calculate(activity)
	assert.ErrorIs(t, err, offsets.ErrValidation)

	activity = tomatoes()
	activity.Type = "gardening"
	_, err = engine.Calculate(activity)
	assert.ErrorIs(t, err, offsets.ErrValidation)
}

func TestUnknownCategoryFallsBack(t *testing.T) {
	engine := NewEngine(DefaultConfig())
	activity := tomatoes()
	activity.ProductCategory = "mushrooms"

	result, err := engine.Calculate(activity)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, result.ProductionEmissionsKg, 1e-9) // 2 kg × other/organic 0.5
}

func TestRecredit(t *testing.T) {
	engine := NewEngine(DefaultConfig())

	dc, tokens := engine.Recredit(offsets.ActivityRenewableEnergy, 10)
	assert.InDelta(t, 15, dc, 1e-9)
	assert.Equal(t, int64(15_000_000), tokens)

	dc, tokens = engine.Recredit(offsets.ActivityLocalPurchase, -3)
	assert.Equal(t, 0.0, dc)
	assert.Equal(t, int64(0), tokens)

	assert.Equal(t, int64(1_234_500), engine.TokensForDC(1.2345))
}
