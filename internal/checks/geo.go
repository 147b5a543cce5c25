// Package checks holds the pure signal validators evaluated for every check-in:
// geofence, network identifier and face embedding distance.
package checks

import (
	"math"

	"classattend/internal/model"
)

const (
	// EarthRadiusKm is the mean Earth radius used by the haversine formula.
	EarthRadiusKm = 6371.0
	// DefaultRadiusMeters is the geofence radius around a session anchor.
	DefaultRadiusMeters = 100.0
)

// GeoResult is the outcome of a geofence check.
type GeoResult struct {
	Valid          bool
	DistanceMeters float64
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b model.Coordinates) float64 {
	lat1 := deg2rad(a.Latitude)
	lat2 := deg2rad(b.Latitude)
	dLat := deg2rad(b.Latitude - a.Latitude)
	dLon := deg2rad(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push h just outside [0, 1] for identical or antipodal points
	h = math.Max(0, math.Min(1, h))

	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c * 1000
}

// Geo reports whether claimed lies within radius meters of anchor.
func Geo(anchor, claimed model.Coordinates, radius float64) GeoResult {
	if radius <= 0 {
		radius = DefaultRadiusMeters
	}
	d := Distance(anchor, claimed)
	return GeoResult{Valid: d <= radius, DistanceMeters: d}
}

func deg2rad(deg float64) float64 {
	return deg * math.Pi / 180
}
