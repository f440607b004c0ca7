package geospatial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPointValidatesRanges(t *testing.T) {
	p, err := NewPoint(52.37, 4.89)
	require.NoError(t, err)
	assert.Equal(t, 4.89, p.Lon())
	assert.Equal(t, 52.37, p.Lat())

	_, err = NewPoint(91, 0)
	assert.Error(t, err)
	_, err = NewPoint(0, -181)
	assert.Error(t, err)
}

func TestDistanceKm(t *testing.T) {
	amsterdam, _ := NewPoint(52.3676, 4.9041)
	rotterdam, _ := NewPoint(51.9244, 4.4777)

	d := DistanceKm(amsterdam, rotterdam)
	assert.InDelta(t, 57, d, 3)
	assert.Equal(t, 0.0, DistanceKm(amsterdam, amsterdam))
	assert.True(t, WithinRadiusKm(rotterdam, amsterdam, 60))
	assert.False(t, WithinRadiusKm(rotterdam, amsterdam, 50))
}

func TestPointFromGeoJSON(t *testing.T) {
	p, err := PointFromGeoJSON(`{"type":"Feature","geometry":{"type":"Point","coordinates":[4.9,52.4]},"properties":{}}`)
	require.NoError(t, err)
	assert.Equal(t, 4.9, p.Lon())
	assert.Equal(t, 52.4, p.Lat())

	_, err = PointFromGeoJSON(`not json`)
	assert.Error(t, err)
}

func TestPointFromGeoJSON_PolygonCentroid(t *testing.T) {
	field := `{"type":"Feature","geometry":{"type":"Polygon","coordinates":[[[4,52],[6,52],[6,54],[4,54],[4,52]]]},"properties":{}}`
	p, err := PointFromGeoJSON(field)
	require.NoError(t, err)
	assert.InDelta(t, 5, p.Lon(), 1e-9)
	assert.InDelta(t, 53, p.Lat(), 1e-9)

	_, err = PointFromGeoJSON(`{"type":"Feature","geometry":{"type":"Point","coordinates":[4.9,95]},"properties":{}}`)
	assert.Error(t, err)
}
