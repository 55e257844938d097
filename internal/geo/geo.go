package geo

import "math"

const earthRadiusMeters = 6371000

// Point is a WGS84 coordinate pair.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the coordinates are inside the legal WGS84 ranges.
// Callers must reject invalid points before asking for a distance.
func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Result is the outcome of a geofence evaluation.
type Result struct {
	WithinRadius   bool    `json:"within_radius"`
	DistanceMeters float64 `json:"distance_meters"`
}

// Evaluate computes the great-circle distance between a and b and checks it
// against radiusMeters at whole-meter granularity, so sub-meter haversine
// error cannot flip the decision. A point exactly on the radius passes.
func Evaluate(a, b Point, radiusMeters float64) Result {
	d := Distance(a, b)
	return Result{WithinRadius: math.Round(d) <= radiusMeters, DistanceMeters: d}
}

// Distance returns the haversine distance between two points in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}
