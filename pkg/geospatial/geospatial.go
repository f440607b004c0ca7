package geospatial

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// NewPoint builds a point from latitude/longitude degrees, validating ranges
func NewPoint(lat, lon float64) (orb.Point, error) {
	if lat < -90 || lat > 90 {
		return orb.Point{}, fmt.Errorf("latitude out of range: %f", lat)
	}
	if lon < -180 || lon > 180 {
		return orb.Point{}, fmt.Errorf("longitude out of range: %f", lon)
	}
	return orb.Point{lon, lat}, nil
}

// PointFromGeoJSON extracts a point from a GeoJSON feature string
func PointFromGeoJSON(geojsonStr string) (orb.Point, error) {
	feature, err := geojson.UnmarshalFeature([]byte(geojsonStr))
	if err != nil {
		return orb.Point{}, err
	}

	if feature.Geometry == nil {
		return orb.Point{}, errors.New("invalid GeoJSON: no geometry")
	}

	var p orb.Point
	switch g := feature.Geometry.(type) {
	case orb.Point:
		p = g
	default:
		// Non-point geometries (field polygons) are reduced to their centroid
		p, _ = planar.CentroidArea(g)
	}
	return NewPoint(p.Lat(), p.Lon())
}

// DistanceKm returns the haversine distance between two points in kilometres
func DistanceKm(a, b orb.Point) float64 {
	return geo.DistanceHaversine(a, b) / 1000
}

// WithinRadiusKm reports whether p lies within radiusKm of center
func WithinRadiusKm(p, center orb.Point, radiusKm float64) bool {
	return DistanceKm(p, center) <= radiusKm
}
