package geo

import (
	"context"
	"math"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/example/driver-dispatch/internal/models"
)

// Hit is a driver found by a proximity search.
type Hit struct {
	DriverID   string
	DistanceKm float64
}

// Index is a per-tenant proximity index over dispatchable drivers.
// It is an accelerator only; callers re-check status against the store.
type Index interface {
	Upsert(ctx context.Context, tenantID, driverID string, p models.Point) error
	Remove(ctx context.Context, tenantID, driverID string) error
	Nearby(ctx context.Context, tenantID string, p models.Point, radiusKm float64) ([]Hit, error)
}

// CellPrecision is the geohash length used for bucketing (~4.9km cells).
const CellPrecision = 5

const cellHeightKm = 4.89

type entry struct {
	p    models.Point
	cell string
}

type tenantIndex struct {
	drivers map[string]entry
	cells   map[string]map[string]struct{}
}

// MemoryIndex buckets drivers by geohash cell.
type MemoryIndex struct {
	mu      sync.RWMutex
	tenants map[string]*tenantIndex
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{tenants: make(map[string]*tenantIndex)}
}

func (g *MemoryIndex) Upsert(_ context.Context, tenantID, driverID string, p models.Point) error {
	cell := geohash.EncodeWithPrecision(p.Lat, p.Lng, CellPrecision)
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.tenants[tenantID]
	if t == nil {
		t = &tenantIndex{drivers: make(map[string]entry), cells: make(map[string]map[string]struct{})}
		g.tenants[tenantID] = t
	}
	if old, ok := t.drivers[driverID]; ok && old.cell != cell {
		t.removeFromCell(old.cell, driverID)
	}
	t.drivers[driverID] = entry{p: p, cell: cell}
	bucket := t.cells[cell]
	if bucket == nil {
		bucket = make(map[string]struct{})
		t.cells[cell] = bucket
	}
	bucket[driverID] = struct{}{}
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, tenantID, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t := g.tenants[tenantID]
	if t == nil {
		return nil
	}
	if old, ok := t.drivers[driverID]; ok {
		t.removeFromCell(old.cell, driverID)
		delete(t.drivers, driverID)
	}
	return nil
}

// Nearby returns drivers within radiusKm, unordered. Small radii only visit
// the 3x3 block of cells around p; anything wider scans the tenant.
func (g *MemoryIndex) Nearby(_ context.Context, tenantID string, p models.Point, radiusKm float64) ([]Hit, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t := g.tenants[tenantID]
	if t == nil {
		return nil, nil
	}
	var hits []Hit
	consider := func(id string, e entry) {
		if d := Distance(p, e.p); d <= radiusKm {
			hits = append(hits, Hit{DriverID: id, DistanceKm: d})
		}
	}
	if radiusKm <= minCellSpanKm(p.Lat) {
		center := geohash.EncodeWithPrecision(p.Lat, p.Lng, CellPrecision)
		cells := append([]string{center}, geohash.Neighbors(center)...)
		for _, c := range cells {
			for id := range t.cells[c] {
				consider(id, t.drivers[id])
			}
		}
		return hits, nil
	}
	for id, e := range t.drivers {
		consider(id, e)
	}
	return hits, nil
}

func (t *tenantIndex) removeFromCell(cell, driverID string) {
	bucket := t.cells[cell]
	delete(bucket, driverID)
	if len(bucket) == 0 {
		delete(t.cells, cell)
	}
}

// cells narrow towards the poles; width scales with cos(lat)
func minCellSpanKm(lat float64) float64 {
	width := cellHeightKm * math.Cos(toRad(lat))
	return math.Min(width, cellHeightKm)
}
