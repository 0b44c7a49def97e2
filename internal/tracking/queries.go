package tracking

import (
	"context"

	"github.com/example/driver-dispatch/internal/models"
)

// LiveLocation reads the cache first and falls back to the newest stored point.
func (p *Processor) LiveLocation(ctx context.Context, tenantID, bookingID string) (*LiveLocation, error) {
	b, err := p.booking(ctx, tenantID, bookingID)
	if err != nil {
		return nil, err
	}
	if loc, ok, err := p.cache.Get(ctx, b.ID); err != nil {
		p.logger.Warn("live location cache read failed", "booking_id", b.ID, "err", err)
	} else if ok {
		return loc, nil
	}
	pts, err := p.store.RecentPoints(ctx, b.ID, 1)
	if err != nil {
		return nil, err
	}
	if len(pts) == 0 {
		return nil, ErrNoLocation
	}
	pt := pts[0]
	return &LiveLocation{
		BookingID: b.ID,
		DriverID:  pt.DriverID,
		Location:  pt.Location,
		Speed:     pt.Speed,
		Heading:   pt.Heading,
		Status:    pt.Status,
		Timestamp: pt.Timestamp,
	}, nil
}

func (p *Processor) RouteHistory(ctx context.Context, tenantID, bookingID string) ([]*models.TrackingPoint, error) {
	b, err := p.booking(ctx, tenantID, bookingID)
	if err != nil {
		return nil, err
	}
	pts, err := p.store.RouteHistory(ctx, b.ID)
	if err != nil {
		return nil, err
	}
	if pts == nil {
		pts = []*models.TrackingPoint{}
	}
	return pts, nil
}

func (p *Processor) BookingAlerts(ctx context.Context, tenantID, bookingID string) ([]*models.GeoAlert, error) {
	out, err := p.store.ListBookingAlerts(ctx, tenantID, bookingID)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*models.GeoAlert{}
	}
	return out, nil
}

// DriverAlerts caps limit at 200; zero means 50.
func (p *Processor) DriverAlerts(ctx context.Context, tenantID, driverID string, limit int) ([]*models.GeoAlert, error) {
	switch {
	case limit <= 0:
		limit = 50
	case limit > 200:
		limit = 200
	}
	out, err := p.store.ListDriverAlerts(ctx, tenantID, driverID, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*models.GeoAlert{}
	}
	return out, nil
}
