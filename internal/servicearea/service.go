package servicearea

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/storage"
)

var (
	ErrNotFound     = errors.New("service area not found")
	ErrInvalidArea  = errors.New("invalid service area")
	ErrZoneCodeUsed = errors.New("zone code already in use")
)

const DefaultMaxDistanceKm = 50

type Store interface {
	CreateArea(ctx context.Context, a *models.ServiceArea) error
	GetArea(ctx context.Context, id string) (*models.ServiceArea, error)
	ListAreas(ctx context.Context, f storage.AreaFilter) ([]*models.ServiceArea, error)
	UpdateArea(ctx context.Context, a *models.ServiceArea) error
}

// Service resolves coordinates to operating zones and prices trips.
type Service struct {
	store       Store
	avgSpeedKmh float64
	now         func() time.Time
	logger      *slog.Logger
}

func NewService(store Store, avgSpeedKmh float64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, avgSpeedKmh: avgSpeedKmh, now: time.Now, logger: logger}
}

type AreaInput struct {
	Name          string             `json:"name"`
	City          string             `json:"city"`
	ZoneCode      string             `json:"zone_code"`
	Type          models.AreaType    `json:"area_type"`
	Center        *models.Point      `json:"center"`
	RadiusKm      float64            `json:"radius_km"`
	Polygon       []models.Point     `json:"polygon"`
	Pricing       models.AreaPricing `json:"pricing"`
	MaxDistanceKm float64            `json:"max_distance_km"`
}

func (s *Service) Create(ctx context.Context, tenantID string, in AreaInput) (*models.ServiceArea, error) {
	now := s.now()
	a := &models.ServiceArea{
		ID:            uuid.NewString(),
		TenantID:      tenantID,
		Name:          strings.TrimSpace(in.Name),
		City:          strings.TrimSpace(in.City),
		ZoneCode:      strings.TrimSpace(in.ZoneCode),
		Type:          in.Type,
		Center:        in.Center,
		RadiusKm:      in.RadiusKm,
		Polygon:       in.Polygon,
		Pricing:       in.Pricing,
		MaxDistanceKm: in.MaxDistanceKm,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if a.ZoneCode == "" {
		a.ZoneCode = zoneCode(a.City, now)
	}
	if a.MaxDistanceKm <= 0 {
		a.MaxDistanceKm = DefaultMaxDistanceKm
	}
	if err := validate(a); err != nil {
		return nil, err
	}
	if err := s.store.CreateArea(ctx, a); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrZoneCodeUsed
		}
		return nil, err
	}
	s.logger.Info("service area created", "area_id", a.ID, "zone_code", a.ZoneCode, "type", a.Type)
	return a, nil
}

func (s *Service) Get(ctx context.Context, tenantID, id string) (*models.ServiceArea, error) {
	a, err := s.store.GetArea(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && a.TenantID != tenantID) {
		return nil, ErrNotFound
	}
	return a, err
}

type ListQuery struct {
	City   string
	Active *bool
}

// List returns the tenant's areas ordered by city then name.
func (s *Service) List(ctx context.Context, tenantID string, q ListQuery) ([]*models.ServiceArea, error) {
	areas, err := s.store.ListAreas(ctx, storage.AreaFilter{TenantID: tenantID, City: q.City, Active: q.Active})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(areas, func(i, j int) bool {
		if areas[i].City != areas[j].City {
			return areas[i].City < areas[j].City
		}
		return areas[i].Name < areas[j].Name
	})
	return areas, nil
}

// Update replaces the editable fields of an area. Empty fields keep their value.
func (s *Service) Update(ctx context.Context, tenantID, id string, in AreaInput) (*models.ServiceArea, error) {
	a, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if v := strings.TrimSpace(in.Name); v != "" {
		a.Name = v
	}
	if v := strings.TrimSpace(in.City); v != "" {
		a.City = v
	}
	if v := strings.TrimSpace(in.ZoneCode); v != "" {
		a.ZoneCode = v
	}
	if in.Type != "" {
		a.Type = in.Type
	}
	if in.Center != nil {
		a.Center = in.Center
	}
	if in.RadiusKm > 0 {
		a.RadiusKm = in.RadiusKm
	}
	if len(in.Polygon) > 0 {
		a.Polygon = in.Polygon
	}
	if in.Pricing != (models.AreaPricing{}) {
		a.Pricing = in.Pricing
	}
	if in.MaxDistanceKm > 0 {
		a.MaxDistanceKm = in.MaxDistanceKm
	}
	a.UpdatedAt = s.now()
	if err := validate(a); err != nil {
		return nil, err
	}
	if err := s.store.UpdateArea(ctx, a); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ErrZoneCodeUsed
		}
		return nil, err
	}
	return a, nil
}

// Deactivate soft-deletes an area; bookings may still reference it.
func (s *Service) Deactivate(ctx context.Context, tenantID, id string) (*models.ServiceArea, error) {
	a, err := s.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !a.Active {
		return a, nil
	}
	a.Active = false
	a.UpdatedAt = s.now()
	if err := s.store.UpdateArea(ctx, a); err != nil {
		return nil, err
	}
	s.logger.Info("service area deactivated", "area_id", a.ID)
	return a, nil
}

// Resolve returns every active area of the tenant containing p, in creation order.
// Overlaps are not ranked.
func (s *Service) Resolve(ctx context.Context, tenantID string, p models.Point) ([]*models.ServiceArea, error) {
	active := true
	areas, err := s.store.ListAreas(ctx, storage.AreaFilter{TenantID: tenantID, Active: &active})
	if err != nil {
		return nil, err
	}
	var out []*models.ServiceArea
	for _, a := range areas {
		if Contains(a, p) {
			out = append(out, a)
		}
	}
	return out, nil
}

type CheckResult struct {
	InServiceArea bool                  `json:"in_service_area"`
	Areas         []*models.ServiceArea `json:"areas"`
}

func (s *Service) Check(ctx context.Context, tenantID string, p models.Point) (CheckResult, error) {
	areas, err := s.Resolve(ctx, tenantID, p)
	if err != nil {
		return CheckResult{}, err
	}
	if areas == nil {
		areas = []*models.ServiceArea{}
	}
	return CheckResult{InServiceArea: len(areas) > 0, Areas: areas}, nil
}

type QuoteRequest struct {
	TenantID    string
	Pickup      models.Point
	Drop        models.Point
	AreaID      string
	RequestedAt *time.Time
}

// Quote prices pickup -> drop. An explicit area wins; otherwise the first
// area containing the pickup is used, and with none the default tariff.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	var area *models.ServiceArea
	if req.AreaID != "" {
		a, err := s.Get(ctx, req.TenantID, req.AreaID)
		if err != nil {
			return Quote{}, err
		}
		area = a
	} else {
		areas, err := s.Resolve(ctx, req.TenantID, req.Pickup)
		if err != nil {
			return Quote{}, err
		}
		if len(areas) > 0 {
			area = areas[0]
		}
	}

	dist := geo.Distance(req.Pickup, req.Drop)
	minutes := geo.ETAMinutes(dist, s.avgSpeedKmh)
	pricing := DefaultPricing
	if area != nil {
		pricing = area.Pricing
	}
	q := PriceQuote(pricing, dist, minutes, req.RequestedAt)
	if area != nil {
		q.AreaID = area.ID
	}
	return q, nil
}

func validate(a *models.ServiceArea) error {
	if a.Name == "" || a.City == "" {
		return fmt.Errorf("%w: name and city are required", ErrInvalidArea)
	}
	switch a.Type {
	case models.AreaRadius:
		if a.Center == nil || !geo.ValidCoordinate(a.Center.Lat, a.Center.Lng) {
			return fmt.Errorf("%w: radius area needs a valid center", ErrInvalidArea)
		}
		if a.RadiusKm <= 0 {
			return fmt.Errorf("%w: radius_km must be > 0", ErrInvalidArea)
		}
	case models.AreaPolygon:
		if err := ValidateRing(a.Polygon); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArea, err)
		}
	case models.AreaCity:
	default:
		return fmt.Errorf("%w: unknown area type %q", ErrInvalidArea, a.Type)
	}
	if a.Pricing.BaseFare < 0 || a.Pricing.PerKm < 0 || a.Pricing.PerMinute < 0 || a.Pricing.MinFare < 0 {
		return fmt.Errorf("%w: pricing must not be negative", ErrInvalidArea)
	}
	return nil
}

func zoneCode(city string, now time.Time) string {
	prefix := strings.ToUpper(city)
	if len(prefix) > 3 {
		prefix = prefix[:3]
	}
	return fmt.Sprintf("%s-%d", prefix, now.UnixMilli())
}
