package calculation

import (
	"strings"

	"github.com/paulmach/orb"

	"carbon-scribe/agri-credit/internal/offsets"
	"carbon-scribe/agri-credit/pkg/geospatial"
)

// Transport emission factors in kg CO2e per tonne-km
var transportFactors = map[string]float64{
	"walking":          0,
	"bicycle":          0,
	"electric_vehicle": 0.05,
	"rail":             0.03,
	"ship":             0.015,
	"local_truck":      0.1,
	"truck":            0.096,
	"air":              0.602,
}

// Production emission factors in kg CO2e per kg of product, by category and farming method
var productionFactors = map[string]map[string]float64{
	"vegetables": {"organic": 0.3, "conventional": 0.5, "regenerative": 0.2, "hydroponic": 0.4},
	"fruits":     {"organic": 0.35, "conventional": 0.6, "regenerative": 0.25, "hydroponic": 0.45},
	"grains":     {"organic": 0.8, "conventional": 1.2, "regenerative": 0.6, "hydroponic": 1.0},
	"dairy":      {"organic": 1.2, "conventional": 1.5, "regenerative": 1.0, "hydroponic": 1.5},
	"meat":       {"organic": 20.0, "conventional": 27.0, "regenerative": 15.0, "hydroponic": 27.0},
	"other":      {"organic": 0.5, "conventional": 0.8, "regenerative": 0.4, "hydroponic": 0.7},
}

type packagingFactor struct {
	weightFraction float64 // kg packaging per kg product
	factor         float64 // kg CO2e per kg packaging
}

var packagingFactors = map[string]packagingFactor{
	"none":        {0, 0},
	"paper":       {0.05, 0.9},
	"plastic":     {0.03, 2.5},
	"glass":       {0.3, 0.85},
	"reusable":    {0.02, 0.1},
	"compostable": {0.04, 0.5},
}

// Activity multipliers applied to savings when converting to DC units
var activityMultipliers = map[offsets.ActivityType]float64{
	offsets.ActivityLocalPurchase:      1.0,
	offsets.ActivityOrganicFarming:     1.2,
	offsets.ActivityRenewableEnergy:    1.5,
	offsets.ActivityWasteReduction:     1.1,
	offsets.ActivityTransportReduction: 1.3,
	offsets.ActivityPackagingReduction: 0.8,
}

// Worst-case scenario used as the baseline
const (
	baselineTransport = "truck"
	baselineFarming   = "conventional"
	baselinePackaging = "plastic"
	fallbackCategory  = "other"

	// Conservative defaults for attributes the user left empty
	defaultTransport = "truck"
	defaultFarming   = "conventional"
	defaultPackaging = "plastic"
)

// regionCentroids holds approximate centroids used for geodesic distance fallback
var regionCentroids = map[string]orb.Point{
	"westland":       {4.20, 52.00},
	"the_hague":      {4.30, 52.07},
	"rotterdam":      {4.48, 51.92},
	"amsterdam":      {4.90, 52.37},
	"utrecht":        {5.12, 52.09},
	"flevoland":      {5.60, 52.53},
	"netherlands":    {5.29, 52.13},
	"belgium":        {4.47, 50.50},
	"germany":        {10.45, 51.17},
	"france":         {2.21, 46.23},
	"spain":          {-3.75, 40.46},
	"almeria":        {-2.46, 36.84},
	"italy":          {12.57, 41.87},
	"poland":         {19.15, 51.92},
	"united_kingdom": {-3.44, 55.38},
	"morocco":        {-7.09, 31.79},
	"kenya":          {37.91, -0.02},
	"south_africa":   {22.94, -30.56},
	"peru":           {-75.02, -9.19},
	"chile":          {-71.54, -35.68},
	"brazil":         {-51.93, -14.24},
	"united_states":  {-95.71, 37.09},
	"new_zealand":    {174.89, -40.90},
}

type regionPair struct{ a, b string }

// Road/shipping distances in km for common supply routes
var regionDistances = map[regionPair]float64{
	{"rotterdam", "westland"}:      25,
	{"the_hague", "westland"}:      12,
	{"amsterdam", "westland"}:      70,
	{"amsterdam", "flevoland"}:     60,
	{"amsterdam", "utrecht"}:       45,
	{"amsterdam", "rotterdam"}:     78,
	{"almeria", "amsterdam"}:       2300,
	{"netherlands", "spain"}:       1800,
	{"morocco", "netherlands"}:     2900,
	{"germany", "netherlands"}:     580,
	{"belgium", "netherlands"}:     200,
	{"kenya", "netherlands"}:       6700,
	{"netherlands", "peru"}:        10500,
	{"chile", "netherlands"}:       12000,
	{"netherlands", "new_zealand"}: 18500,
}

func normalizeKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), " ", "_")
}

func pairKey(a, b string) regionPair {
	if a > b {
		a, b = b, a
	}
	return regionPair{a, b}
}

// DistanceSource tells which lookup produced a distance
type DistanceSource string

const (
	DistanceSameRegion DistanceSource = "same_region"
	DistanceTable      DistanceSource = "region_table"
	DistanceGeodesic   DistanceSource = "geodesic"
	DistanceDefault    DistanceSource = "default_average"
)

// sameRegionDistanceKm is used when origin and destination coincide
const sameRegionDistanceKm = 10

// lookupDistance resolves origin/destination to km: table, then centroids, then the default
func lookupDistance(origin, destination string, defaultKm float64) (float64, DistanceSource) {
	o, d := normalizeKey(origin), normalizeKey(destination)
	if o != "" && o == d {
		return sameRegionDistanceKm, DistanceSameRegion
	}
	if km, ok := regionDistances[pairKey(o, d)]; ok {
		return km, DistanceTable
	}
	op, okO := regionCentroids[o]
	dp, okD := regionCentroids[d]
	if okO && okD {
		return geospatial.DistanceKm(op, dp), DistanceGeodesic
	}
	return defaultKm, DistanceDefault
}
