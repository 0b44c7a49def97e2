package geo

import (
	"math"

	"github.com/example/driver-dispatch/internal/models"
)

const (
	EarthRadiusKm      = 6371.0
	DefaultAvgSpeedKmh = 40.0
)

// DistanceKm is the great-circle distance between two coordinates (Haversine).
func DistanceKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	// rounding can push a just past 1 for antipodal inputs
	a = math.Min(1, math.Max(0, a))
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

func Distance(a, b models.Point) float64 {
	return DistanceKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

// ETAMinutes estimates travel time at a constant average speed.
// A non-positive speed falls back to DefaultAvgSpeedKmh.
func ETAMinutes(distanceKm, avgSpeedKmh float64) int {
	if avgSpeedKmh <= 0 {
		avgSpeedKmh = DefaultAvgSpeedKmh
	}
	return int(math.Round(distanceKm / avgSpeedKmh * 60))
}

// ValidCoordinate reports whether lat/lng are finite and in range.
func ValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// Round2 rounds to two decimals; used for money and reported distances.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func toRad(deg float64) float64 { return deg * math.Pi / 180 }
