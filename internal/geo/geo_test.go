package geo

import (
	"context"
	"math"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

func TestDistanceKmZero(t *testing.T) {
	if d := DistanceKm(0, 0, 0, 0); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
	if d := DistanceKm(12.9716, 77.5946, 12.9716, 77.5946); d != 0 {
		t.Fatalf("expected 0 for identical points, got %f", d)
	}
}

func TestDistanceKmKnownValues(t *testing.T) {
	tests := []struct {
		name         string
		a, b         models.Point
		minKm, maxKm float64
	}{
		{"bangalore-chennai", models.Point{Lat: 12.9716, Lng: 77.5946}, models.Point{Lat: 13.0827, Lng: 80.2707}, 330, 340},
		{"one degree of latitude", models.Point{Lat: 0, Lng: 0}, models.Point{Lat: 1, Lng: 0}, 111.1, 111.3},
		{"antipodal", models.Point{Lat: 0, Lng: 0}, models.Point{Lat: 0, Lng: 180}, 20015, 20016},
		{"pole to pole", models.Point{Lat: 90, Lng: 0}, models.Point{Lat: -90, Lng: 0}, 20015, 20016},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Distance(tt.a, tt.b)
			if math.IsNaN(d) || d < tt.minKm || d > tt.maxKm {
				t.Fatalf("distance %f outside [%f, %f]", d, tt.minKm, tt.maxKm)
			}
		})
	}
}

func TestDistanceKmSymmetric(t *testing.T) {
	pts := []models.Point{
		{Lat: 12.90, Lng: 77.60},
		{Lat: -33.86, Lng: 151.21},
		{Lat: 51.5, Lng: -0.12},
		{Lat: 89.9, Lng: 179.9},
		{Lat: -89.9, Lng: -179.9},
	}
	for i := range pts {
		for j := range pts {
			ab := Distance(pts[i], pts[j])
			ba := Distance(pts[j], pts[i])
			if math.Abs(ab-ba) > 1e-9 {
				t.Fatalf("asymmetric distance %v %v: %f vs %f", pts[i], pts[j], ab, ba)
			}
		}
	}
}

func TestETAMinutes(t *testing.T) {
	tests := []struct {
		dist, speed float64
		want        int
	}{
		{20, 40, 30},
		{0, 40, 0},
		{0, 0, 0},
		{1.2, 40, 2},
		{10, 0, 15},
	}
	for _, tt := range tests {
		if got := ETAMinutes(tt.dist, tt.speed); got != tt.want {
			t.Fatalf("ETAMinutes(%v, %v) = %d, want %d", tt.dist, tt.speed, got, tt.want)
		}
	}
}

func TestValidCoordinate(t *testing.T) {
	if !ValidCoordinate(90, 180) || !ValidCoordinate(-90, -180) {
		t.Fatal("bounds should be valid")
	}
	if ValidCoordinate(91, 0) || ValidCoordinate(0, 181) || ValidCoordinate(math.NaN(), 0) {
		t.Fatal("out of range coordinates accepted")
	}
}

func TestMemoryIndexNearby(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	pickup := models.Point{Lat: 12.90, Lng: 77.60}
	_ = idx.Upsert(ctx, "t1", "near", models.Point{Lat: 12.91, Lng: 77.60})
	_ = idx.Upsert(ctx, "t1", "far", models.Point{Lat: 12.94, Lng: 77.62})
	_ = idx.Upsert(ctx, "t2", "other-tenant", models.Point{Lat: 12.90, Lng: 77.60})

	hits, err := idx.Nearby(ctx, "t1", pickup, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].DriverID != "near" {
		t.Fatalf("expected only near driver, got %+v", hits)
	}

	hits, _ = idx.Nearby(ctx, "t1", pickup, 50)
	if len(hits) != 2 {
		t.Fatalf("expected both drivers with wide radius, got %+v", hits)
	}
}

func TestMemoryIndexMoveAndRemove(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	_ = idx.Upsert(ctx, "t1", "d1", models.Point{Lat: 12.90, Lng: 77.60})
	_ = idx.Upsert(ctx, "t1", "d1", models.Point{Lat: 28.61, Lng: 77.20})

	if hits, _ := idx.Nearby(ctx, "t1", models.Point{Lat: 12.90, Lng: 77.60}, 3); len(hits) != 0 {
		t.Fatalf("driver should have moved out of the old cell, got %+v", hits)
	}
	if hits, _ := idx.Nearby(ctx, "t1", models.Point{Lat: 28.61, Lng: 77.20}, 1); len(hits) != 1 {
		t.Fatalf("driver should be found at the new position, got %+v", hits)
	}
	_ = idx.Remove(ctx, "t1", "d1")
	if hits, _ := idx.Nearby(ctx, "t1", models.Point{Lat: 28.61, Lng: 77.20}, 1); len(hits) != 0 {
		t.Fatalf("removed driver still indexed: %+v", hits)
	}
}

func TestMemoryIndexCellBoundary(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	// two points ~1km apart that straddle a precision-5 cell edge
	_ = idx.Upsert(ctx, "t1", "d1", models.Point{Lat: 12.9199, Lng: 77.5195})
	hits, _ := idx.Nearby(ctx, "t1", models.Point{Lat: 12.9199, Lng: 77.5285}, 1.5)
	if len(hits) != 1 {
		t.Fatalf("neighbor cell not searched: %+v", hits)
	}
}

func TestWithinRadiusUsesHaversine(t *testing.T) {
	center := models.Point{Lat: 0, Lng: 0}
	edge := DistanceKm(0, 0, 0, 0.01)
	// Dist is what Redis reported; the edge driver is past the radius by its measure
	res := []redis.GeoLocation{
		{Name: "d-edge", Latitude: 0, Longitude: 0.01, Dist: edge + 0.0005},
		{Name: "d-out", Latitude: 0, Longitude: 0.0101, Dist: edge + 0.012},
		{Name: "d-near", Latitude: 0, Longitude: 0.005, Dist: edge / 2},
	}
	hits := withinRadius(res, center, edge)
	if len(hits) != 2 || hits[0].DriverID != "d-near" || hits[1].DriverID != "d-edge" {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if hits[1].DistanceKm != edge {
		t.Fatalf("expected haversine distance %f, got %f", edge, hits[1].DistanceKm)
	}
}

func TestRedisGeoIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	g := NewRedisGeo(client, "test_drivers_geo")
	defer client.Del(ctx, "test_drivers_geo:t1")

	if err := g.Upsert(ctx, "t1", "d1", models.Point{Lat: 12.91, Lng: 77.60}); err != nil {
		t.Fatal(err)
	}
	hits, err := g.Nearby(ctx, "t1", models.Point{Lat: 12.90, Lng: 77.60}, 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].DriverID != "d1" {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if err := g.Remove(ctx, "t1", "d1"); err != nil {
		t.Fatal(err)
	}
	hits, _ = g.Nearby(ctx, "t1", models.Point{Lat: 12.90, Lng: 77.60}, 5)
	if len(hits) != 0 {
		t.Fatalf("expected no hits after remove, got %+v", hits)
	}
}
