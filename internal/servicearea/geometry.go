package servicearea

import (
	"errors"
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
	"github.com/twpayne/go-geom/xy"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
)

// Contains reports whether the point lies in the area. Radius areas include
// their boundary; city areas have no geometry and always match.
func Contains(a *models.ServiceArea, p models.Point) bool {
	switch a.Type {
	case models.AreaRadius:
		if a.Center == nil {
			return false
		}
		return geo.Distance(*a.Center, p) <= a.RadiusKm
	case models.AreaPolygon:
		ring, err := ringCoords(a.Polygon)
		if err != nil {
			return false
		}
		return xy.IsPointInRing(geom.XY, geom.Coord{p.Lng, p.Lat}, ring)
	case models.AreaCity:
		return true
	}
	return false
}

var (
	errRingTooShort = errors.New("polygon needs at least 4 points")
	errRingOpen     = errors.New("polygon ring must be closed (first point == last point)")
)

// ValidateRing checks the closed-ring convention and coordinate ranges.
func ValidateRing(ring []models.Point) error {
	_, err := ringCoords(ring)
	return err
}

func ringCoords(ring []models.Point) ([]float64, error) {
	if len(ring) < 4 {
		return nil, errRingTooShort
	}
	if ring[0] != ring[len(ring)-1] {
		return nil, errRingOpen
	}
	coords := make([]geom.Coord, 0, len(ring))
	for i, p := range ring {
		if !geo.ValidCoordinate(p.Lat, p.Lng) {
			return nil, fmt.Errorf("polygon point %d out of range", i)
		}
		coords = append(coords, geom.Coord{p.Lng, p.Lat})
	}
	poly, err := geom.NewPolygon(geom.XY).SetCoords([][]geom.Coord{coords})
	if err != nil {
		return nil, err
	}
	return poly.LinearRing(0).FlatCoords(), nil
}

// RingFromGeoJSON decodes a GeoJSON Polygon geometry into its outer ring.
func RingFromGeoJSON(raw []byte) ([]models.Point, error) {
	var g geom.T
	if err := geojson.Unmarshal(raw, &g); err != nil {
		return nil, err
	}
	poly, ok := g.(*geom.Polygon)
	if !ok {
		return nil, fmt.Errorf("expected Polygon geometry, got %T", g)
	}
	if poly.NumLinearRings() == 0 {
		return nil, errRingTooShort
	}
	var ring []models.Point
	for _, c := range poly.LinearRing(0).Coords() {
		ring = append(ring, models.Point{Lat: c.Y(), Lng: c.X()})
	}
	return ring, nil
}
