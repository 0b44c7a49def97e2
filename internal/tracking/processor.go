package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mmcloughlin/geohash"

	"github.com/example/driver-dispatch/internal/booking"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/realtime"
	"github.com/example/driver-dispatch/internal/storage"
)

var (
	ErrInvalidPing      = errors.New("invalid location ping")
	ErrBookingNotFound  = errors.New("booking not found")
	ErrDriverMismatch   = errors.New("driver is not assigned to this booking")
	ErrBookingNotActive = errors.New("booking is not on an active trip")
	ErrNoLocation       = errors.New("no location recorded for booking")
)

// PointPrecision is the geohash length stamped on tracking points (~150m).
const PointPrecision = 7

type Store interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	AppendPoint(ctx context.Context, p *models.TrackingPoint) error
	RecentPoints(ctx context.Context, bookingID string, n int) ([]*models.TrackingPoint, error)
	RouteHistory(ctx context.Context, bookingID string) ([]*models.TrackingPoint, error)
	CreateAlert(ctx context.Context, a *models.GeoAlert) error
	HasAlert(ctx context.Context, bookingID string, t models.AlertType) (bool, error)
	LatestAlert(ctx context.Context, bookingID string, t models.AlertType) (*models.GeoAlert, error)
	ListBookingAlerts(ctx context.Context, tenantID, bookingID string) ([]*models.GeoAlert, error)
	ListDriverAlerts(ctx context.Context, tenantID, driverID string, limit int) ([]*models.GeoAlert, error)
}

type Bookings interface {
	Transition(ctx context.Context, cmd booking.TransitionCommand) (*models.Booking, error)
}

type Drivers interface {
	UpdateLocation(ctx context.Context, tenantID, driverID string, p models.Point) (*models.Driver, error)
}

type Notifier interface {
	EmitToRoom(room, event string, payload any)
	Notify(ctx context.Context, cmd realtime.NotifyCommand) (*models.Notification, error)
}

// Thresholds tune the alert rules. Distances are km.
type Thresholds struct {
	ArrivedKm          float64
	ApproachingKm      float64
	DeviationKm        float64
	DeviationWindow    time.Duration
	DeviationMinPoints int
	ETAWindow          time.Duration
	AvgSpeedKmh        float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ArrivedKm:          0.5,
		ApproachingKm:      2.0,
		DeviationKm:        1.0,
		DeviationWindow:    5 * time.Minute,
		DeviationMinPoints: 3,
		ETAWindow:          30 * time.Second,
		AvgSpeedKmh:        geo.DefaultAvgSpeedKmh,
	}
}

type Options struct {
	Bookings   Bookings
	Drivers    Drivers
	Notifier   Notifier
	Cache      LiveCache
	Thresholds Thresholds
	Logger     *slog.Logger
}

// Processor runs the location-ping pipeline: persist the point, refresh
// live state, then derive geo alerts. Only the point write can fail a ping.
type Processor struct {
	store    Store
	bookings Bookings
	drivers  Drivers
	notifier Notifier
	cache    LiveCache
	limits   Thresholds
	logger   *slog.Logger
	now      func() time.Time
	locks    *keyedMutex
}

func NewProcessor(store Store, opts Options) *Processor {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryLiveCache(DefaultLiveTTL)
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	return &Processor{
		store:    store,
		bookings: opts.Bookings,
		drivers:  opts.Drivers,
		notifier: opts.Notifier,
		cache:    opts.Cache,
		limits:   opts.Thresholds,
		logger:   opts.Logger,
		now:      time.Now,
		locks:    newKeyedMutex(),
	}
}

type PingCommand struct {
	TenantID  string    `json:"tenant_id,omitempty"`
	BookingID string    `json:"booking_id"`
	DriverID  string    `json:"driver_id"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Speed     float64   `json:"speed,omitempty"`
	Heading   float64   `json:"heading,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	// Source labels metrics: http, ws or kafka.
	Source string `json:"-"`
}

// Validate checks the fields a ping must carry before it is queued or processed.
func (c PingCommand) Validate() error {
	switch {
	case strings.TrimSpace(c.BookingID) == "":
		return fmt.Errorf("%w: booking_id is required", ErrInvalidPing)
	case strings.TrimSpace(c.DriverID) == "":
		return fmt.Errorf("%w: driver_id is required", ErrInvalidPing)
	case !geo.ValidCoordinate(c.Lat, c.Lng):
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidPing)
	case c.Accuracy < 0 || c.Speed < 0:
		return fmt.Errorf("%w: accuracy and speed must be non-negative", ErrInvalidPing)
	}
	return nil
}

type PingResult struct {
	Point              *models.TrackingPoint `json:"point"`
	Status             models.BookingStatus  `json:"booking_status"`
	DistanceToPickupKm float64               `json:"distance_to_pickup_km"`
	ETAMinutes         int                   `json:"eta_minutes"`
	Alerts             []*models.GeoAlert    `json:"alerts"`
}

func (p *Processor) Process(ctx context.Context, cmd PingCommand) (*PingResult, error) {
	source := cmd.Source
	if source == "" {
		source = "http"
	}
	res, err := p.process(ctx, cmd)
	outcome := "ok"
	switch {
	case errors.Is(err, ErrInvalidPing):
		outcome = "invalid"
	case errors.Is(err, ErrBookingNotFound), errors.Is(err, ErrDriverMismatch), errors.Is(err, ErrBookingNotActive):
		outcome = "rejected"
	case err != nil:
		outcome = "error"
	}
	observability.PingsTotal.WithLabelValues(source, outcome).Inc()
	return res, err
}

func (p *Processor) process(ctx context.Context, cmd PingCommand) (*PingResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	unlock := p.locks.Lock(cmd.BookingID)
	defer unlock()

	b, err := p.booking(ctx, cmd.TenantID, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if b.DriverID != cmd.DriverID {
		return nil, ErrDriverMismatch
	}
	if !slices.Contains(storage.ActiveBookingStatuses, b.Status) {
		return nil, fmt.Errorf("%w: status %s", ErrBookingNotActive, b.Status)
	}

	now := p.now()
	ts := cmd.Timestamp
	if ts.IsZero() {
		ts = now
	}
	loc := models.Point{Lat: cmd.Lat, Lng: cmd.Lng}
	pt := &models.TrackingPoint{
		ID:        uuid.NewString(),
		TenantID:  b.TenantID,
		BookingID: b.ID,
		DriverID:  cmd.DriverID,
		Location:  loc,
		Geohash:   geohash.EncodeWithPrecision(loc.Lat, loc.Lng, PointPrecision),
		Accuracy:  cmd.Accuracy,
		Speed:     cmd.Speed,
		Heading:   cmd.Heading,
		Status:    cmd.Status,
		Timestamp: ts,
	}
	if err := p.store.AppendPoint(ctx, pt); err != nil {
		return nil, fmt.Errorf("append point: %w", err)
	}

	p.refreshLive(ctx, b, pt)

	if b.Status == models.BookingTripStarted && p.bookings != nil {
		updated, err := p.bookings.Transition(ctx, booking.TransitionCommand{
			TenantID:  b.TenantID,
			BookingID: b.ID,
			To:        models.BookingTripInProgress,
			Actor:     cmd.DriverID,
			Note:      "first location after trip start",
		})
		if err != nil {
			p.logger.Warn("trip progress transition failed", "booking_id", b.ID, "err", err)
		} else {
			b = updated
		}
	}

	dist := geo.Distance(loc, b.Pickup.Point())
	res := &PingResult{
		Point:              pt,
		DistanceToPickupKm: geo.Round2(dist),
		ETAMinutes:         geo.ETAMinutes(dist, p.limits.AvgSpeedKmh),
		Alerts:             []*models.GeoAlert{},
	}
	res.Alerts = p.evaluate(ctx, b, pt, dist)
	res.Status = b.Status
	return res, nil
}

func (p *Processor) refreshLive(ctx context.Context, b *models.Booking, pt *models.TrackingPoint) {
	if p.drivers != nil {
		if _, err := p.drivers.UpdateLocation(ctx, b.TenantID, pt.DriverID, pt.Location); err != nil {
			p.logger.Warn("driver location update failed", "driver_id", pt.DriverID, "err", err)
		}
	}
	live := LiveLocation{
		BookingID: b.ID,
		DriverID:  pt.DriverID,
		Location:  pt.Location,
		Speed:     pt.Speed,
		Heading:   pt.Heading,
		Status:    pt.Status,
		Timestamp: pt.Timestamp,
	}
	if err := p.cache.Put(ctx, live); err != nil {
		p.logger.Warn("live location cache write failed", "booking_id", b.ID, "err", err)
	}
	if p.notifier != nil {
		p.notifier.EmitToRoom(realtime.BookingRoom(b.ID), realtime.EventLocationUpdate, live)
	}
}

// evaluate never fails the ping; each rule logs and skips on error.
func (p *Processor) evaluate(ctx context.Context, b *models.Booking, pt *models.TrackingPoint, dist float64) []*models.GeoAlert {
	alerts := []*models.GeoAlert{}
	keep := func(kind models.AlertType, a *models.GeoAlert, err error) {
		if err != nil {
			observability.AlertFailures.Inc()
			p.logger.Warn("geo alert skipped", "type", kind, "booking_id", b.ID, "err", err)
			return
		}
		if a != nil {
			observability.AlertsTotal.WithLabelValues(string(kind)).Inc()
			alerts = append(alerts, a)
		}
	}

	switch b.Status {
	case models.BookingDriverAssigned, models.BookingDriverEnRoute:
		if dist <= p.limits.ArrivedKm {
			a, err := p.arrived(ctx, b, pt, dist)
			keep(models.AlertArrived, a, err)
			return alerts
		}
		if dist <= p.limits.ApproachingKm {
			a, err := p.approaching(ctx, b, pt, dist)
			keep(models.AlertApproachingPickup, a, err)
		}
		a, err := p.etaUpdate(ctx, b, pt, dist)
		keep(models.AlertETAUpdate, a, err)
	case models.BookingTripInProgress:
		a, err := p.deviation(ctx, b, pt)
		keep(models.AlertDeviatingRoute, a, err)
	}
	return alerts
}

func (p *Processor) approaching(ctx context.Context, b *models.Booking, pt *models.TrackingPoint, dist float64) (*models.GeoAlert, error) {
	seen, err := p.store.HasAlert(ctx, b.ID, models.AlertApproachingPickup)
	if err != nil || seen {
		return nil, err
	}
	d := geo.Round2(dist)
	eta := geo.ETAMinutes(dist, p.limits.AvgSpeedKmh)
	a := p.newAlert(b, pt, models.AlertApproachingPickup,
		fmt.Sprintf("Driver is %.1f km away from pickup location", dist),
		models.AlertMetadata{DistanceToPickupKm: &d, ETAMinutes: &eta})
	return a, p.deliver(ctx, b, a, "Driver approaching")
}

func (p *Processor) arrived(ctx context.Context, b *models.Booking, pt *models.TrackingPoint, dist float64) (*models.GeoAlert, error) {
	seen, err := p.store.HasAlert(ctx, b.ID, models.AlertArrived)
	if err != nil || seen {
		return nil, err
	}
	d := geo.Round2(dist)
	a := p.newAlert(b, pt, models.AlertArrived, "Driver has arrived at pickup location",
		models.AlertMetadata{DistanceToPickupKm: &d})
	if err := p.deliver(ctx, b, a, "Driver arrived"); err != nil {
		return nil, err
	}
	if p.bookings != nil {
		updated, err := p.bookings.Transition(ctx, booking.TransitionCommand{
			TenantID:  b.TenantID,
			BookingID: b.ID,
			To:        models.BookingDriverArrived,
			Actor:     "system",
			Note:      "driver within arrival radius",
		})
		if err != nil {
			p.logger.Warn("arrival transition failed", "booking_id", b.ID, "err", err)
		} else {
			*b = *updated
		}
	}
	return a, nil
}

// etaUpdate is stored for history only and is not pushed.
func (p *Processor) etaUpdate(ctx context.Context, b *models.Booking, pt *models.TrackingPoint, dist float64) (*models.GeoAlert, error) {
	last, err := p.store.LatestAlert(ctx, b.ID, models.AlertETAUpdate)
	if err != nil {
		return nil, err
	}
	if last != nil && p.now().Sub(last.CreatedAt) <= p.limits.ETAWindow {
		return nil, nil
	}
	eta := geo.ETAMinutes(dist, p.limits.AvgSpeedKmh)
	a := p.newAlert(b, pt, models.AlertETAUpdate,
		fmt.Sprintf("Driver will arrive in approximately %d minutes", eta),
		models.AlertMetadata{ETAMinutes: &eta})
	if err := p.store.CreateAlert(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// deviation compares the last two points against the drop. It is a
// single-step heuristic, not a match against a planned route.
func (p *Processor) deviation(ctx context.Context, b *models.Booking, pt *models.TrackingPoint) (*models.GeoAlert, error) {
	if b.Drop == nil {
		return nil, errors.New("booking has no drop location")
	}
	pts, err := p.store.RecentPoints(ctx, b.ID, p.limits.DeviationMinPoints)
	if err != nil {
		return nil, err
	}
	if len(pts) < p.limits.DeviationMinPoints || len(pts) < 2 {
		return nil, nil
	}
	drop := b.Drop.Point()
	delta := geo.Distance(pts[0].Location, drop) - geo.Distance(pts[1].Location, drop)
	if delta <= p.limits.DeviationKm {
		return nil, nil
	}
	last, err := p.store.LatestAlert(ctx, b.ID, models.AlertDeviatingRoute)
	if err != nil {
		return nil, err
	}
	if last != nil && p.now().Sub(last.CreatedAt) <= p.limits.DeviationWindow {
		return nil, nil
	}
	dev := geo.Round2(delta)
	a := p.newAlert(b, pt, models.AlertDeviatingRoute, "Driver appears to be deviating from the route",
		models.AlertMetadata{DeviationKm: &dev})
	return a, p.deliver(ctx, b, a, "Route deviation")
}

func (p *Processor) newAlert(b *models.Booking, pt *models.TrackingPoint, t models.AlertType, msg string, meta models.AlertMetadata) *models.GeoAlert {
	return &models.GeoAlert{
		ID:         uuid.NewString(),
		TenantID:   b.TenantID,
		BookingID:  b.ID,
		DriverID:   pt.DriverID,
		CustomerID: b.CustomerID,
		Type:       t,
		Message:    msg,
		Location:   pt.Location,
		Metadata:   meta,
		CreatedAt:  p.now(),
	}
}

// deliver notifies the customer, then records the alert with the outcome.
// A failed notify still records the alert so dedup holds.
func (p *Processor) deliver(ctx context.Context, b *models.Booking, a *models.GeoAlert, title string) error {
	if p.notifier != nil {
		_, err := p.notifier.Notify(ctx, realtime.NotifyCommand{
			TenantID: b.TenantID,
			UserID:   b.CustomerID,
			Type:     string(a.Type),
			Title:    title,
			Body:     a.Message,
			Data:     map[string]any{"booking_id": b.ID, "alert_id": a.ID},
		})
		if err != nil {
			p.logger.Warn("alert notify failed", "booking_id", b.ID, "type", a.Type, "err", err)
		} else {
			at := p.now()
			a.Sent = true
			a.SentAt = &at
		}
	}
	if err := p.store.CreateAlert(ctx, a); err != nil {
		return err
	}
	if p.notifier != nil {
		p.notifier.EmitToRoom(realtime.BookingRoom(b.ID), realtime.EventGeoAlert, a)
	}
	return nil
}

func (p *Processor) booking(ctx context.Context, tenantID, id string) (*models.Booking, error) {
	b, err := p.store.GetBooking(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	if tenantID != "" && b.TenantID != tenantID {
		return nil, ErrBookingNotFound
	}
	return b, nil
}
