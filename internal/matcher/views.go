package matcher

import (
	"context"
	"time"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/storage"
)

type NearbyDriver struct {
	*models.Driver
	DistanceKm float64 `json:"distance_km"`
	ETAMinutes int     `json:"eta_minutes"`
}

// NearestDrivers is the read-only side of AutoAssign: same ranking, no claim.
func (s *Service) NearestDrivers(ctx context.Context, tenantID string, p models.Point, maxKm float64) ([]NearbyDriver, error) {
	if maxKm <= 0 {
		maxKm = s.DefaultMaxDistanceKm
	}
	cands, err := s.Drivers.Candidates(ctx, tenantID, p, maxKm)
	if err != nil {
		return nil, err
	}
	out := make([]NearbyDriver, 0, len(cands))
	for _, c := range cands {
		out = append(out, NearbyDriver{
			Driver:     c.Driver,
			DistanceKm: geo.Round2(c.DistanceKm),
			ETAMinutes: geo.ETAMinutes(c.DistanceKm, s.AvgSpeedKmh),
		})
	}
	return out, nil
}

// Stats counts "today" from local midnight.
func (s *Service) Stats(ctx context.Context, tenantID string) (models.DashboardStats, error) {
	now := s.now()
	since := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	st, err := s.Store.DashboardStats(ctx, tenantID, since)
	if err != nil {
		return st, err
	}
	observability.DriversOnline.Set(float64(st.OnlineDrivers))
	return st, nil
}

type MapData struct {
	Drivers  []*models.Driver  `json:"drivers"`
	Bookings []*models.Booking `json:"bookings"`
}

func (s *Service) MapData(ctx context.Context, tenantID string) (MapData, error) {
	drivers, err := s.Store.ListDrivers(ctx, storage.DriverFilter{
		TenantID:    tenantID,
		Statuses:    []models.DriverStatus{models.DriverOnline, models.DriverBusy},
		HasLocation: true,
	})
	if err != nil {
		return MapData{}, err
	}
	bookings, err := s.Store.ListBookings(ctx, storage.BookingFilter{
		TenantID: tenantID,
		Statuses: storage.ActiveBookingStatuses,
	})
	if err != nil {
		return MapData{}, err
	}
	if drivers == nil {
		drivers = []*models.Driver{}
	}
	if bookings == nil {
		bookings = []*models.Booking{}
	}
	return MapData{Drivers: drivers, Bookings: bookings}, nil
}
