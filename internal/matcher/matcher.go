package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/driver-dispatch/internal/availability"
	"github.com/example/driver-dispatch/internal/booking"
	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/observability"
	"github.com/example/driver-dispatch/internal/realtime"
	"github.com/example/driver-dispatch/internal/storage"
)

var (
	ErrBookingNotFound      = errors.New("booking not found")
	ErrAlreadyAssigned      = errors.New("booking already has a driver")
	ErrBookingNotAssignable = errors.New("booking is not waiting for a driver")
	ErrNoAvailableDrivers   = errors.New("no available drivers in range")
	ErrDriverNotFound       = errors.New("driver not found")
	ErrDriverNotAvailable   = errors.New("driver is not online")
	ErrAssignmentConflict   = errors.New("assignment conflict")
)

type Store interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListBookings(ctx context.Context, f storage.BookingFilter) ([]*models.Booking, error)
	ListDrivers(ctx context.Context, f storage.DriverFilter) ([]*models.Driver, error)
	AssignDriver(ctx context.Context, a storage.Assignment) (*models.Booking, error)
	CreateTripSession(ctx context.Context, s *models.TripSession) (*models.TripSession, error)
	DashboardStats(ctx context.Context, tenantID string, since time.Time) (models.DashboardStats, error)
}

// Drivers is the availability side the matcher reads from.
type Drivers interface {
	Candidates(ctx context.Context, tenantID string, p models.Point, maxKm float64) ([]availability.Candidate, error)
	Get(ctx context.Context, tenantID, driverID string) (*models.Driver, error)
}

type Dispatcher interface {
	EmitToRoom(room, event string, payload any)
	EmitToUser(ctx context.Context, userID, event string, payload any)
}

// Service assigns drivers to bookings. The claim itself is a single
// conditional write in the store; losing it moves on to the next
// candidate instead of failing the booking.
type Service struct {
	Store    Store
	Drivers  Drivers
	Dispatch Dispatcher
	Logger   *slog.Logger
	Now      func() time.Time

	AvgSpeedKmh          float64
	DefaultMaxDistanceKm float64
	// MaxCandidates bounds claim attempts per auto-assign.
	MaxCandidates int
	// Timeout bounds the candidate query, ranking and claim loop.
	Timeout time.Duration
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Assignment is the outcome of a successful claim.
type Assignment struct {
	Booking     *models.Booking     `json:"booking"`
	Driver      *models.Driver      `json:"driver"`
	DistanceKm  float64             `json:"distance_km"`
	ETAMinutes  int                 `json:"eta_minutes"`
	TripSession *models.TripSession `json:"trip_session,omitempty"`
}

type AutoAssignCommand struct {
	TenantID      string
	BookingID     string
	MaxDistanceKm float64
	AssignedBy    string
}

func (s *Service) AutoAssign(ctx context.Context, cmd AutoAssignCommand) (*Assignment, error) {
	start := time.Now()
	defer func() { observability.AssignmentLatency.Observe(time.Since(start).Seconds()) }()
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	b, err := s.assignableBooking(ctx, cmd.TenantID, cmd.BookingID)
	if err != nil {
		return nil, s.fail("auto", err)
	}
	maxKm := cmd.MaxDistanceKm
	if maxKm <= 0 {
		maxKm = s.DefaultMaxDistanceKm
	}

	cands, err := s.Drivers.Candidates(ctx, b.TenantID, b.Pickup.Point(), maxKm)
	if err != nil {
		return nil, s.fail("auto", fmt.Errorf("load candidates: %w", err))
	}
	observability.CandidatesFound.Observe(float64(len(cands)))
	if len(cands) == 0 {
		s.logger().Info("no drivers in range", "booking_id", b.ID, "max_distance_km", maxKm)
		return nil, s.fail("auto", ErrNoAvailableDrivers)
	}

	limit := s.MaxCandidates
	if limit <= 0 {
		limit = len(cands)
	}
	for i, c := range cands {
		if i == limit {
			s.logger().Warn("claim attempts exhausted", "booking_id", b.ID, "attempts", limit, "remaining", len(cands)-limit)
			return nil, s.fail("auto", ErrAssignmentConflict)
		}
		note := fmt.Sprintf("auto-assigned, %.2f km from pickup", c.DistanceKm)
		updated, err := s.claim(ctx, b.ID, c.Driver.ID, cmd.AssignedBy, note)
		switch {
		case err == nil:
			c.Driver.Status = models.DriverBusy
			return s.finish(ctx, "auto", updated, c.Driver, c.DistanceKm), nil
		case errors.Is(err, storage.ErrDriverUnavailable):
			observability.ClaimConflicts.Inc()
			s.logger().Info("driver claimed elsewhere, trying next", "booking_id", b.ID, "driver_id", c.Driver.ID)
			continue
		default:
			return nil, s.fail("auto", err)
		}
	}
	return nil, s.fail("auto", ErrNoAvailableDrivers)
}

type ManualAssignCommand struct {
	TenantID   string
	BookingID  string
	DriverID   string
	AssignedBy string
}

// ManualAssign skips ranking but still requires the driver to be online.
func (s *Service) ManualAssign(ctx context.Context, cmd ManualAssignCommand) (*Assignment, error) {
	b, err := s.assignableBooking(ctx, cmd.TenantID, cmd.BookingID)
	if err != nil {
		return nil, s.fail("manual", err)
	}
	d, err := s.Drivers.Get(ctx, b.TenantID, cmd.DriverID)
	if errors.Is(err, availability.ErrDriverNotFound) {
		return nil, s.fail("manual", ErrDriverNotFound)
	}
	if err != nil {
		return nil, s.fail("manual", err)
	}
	if d.Status != models.DriverOnline {
		return nil, s.fail("manual", ErrDriverNotAvailable)
	}
	var dist float64
	if d.Location != nil {
		dist = geo.Distance(*d.Location, b.Pickup.Point())
	}
	updated, err := s.claim(ctx, b.ID, d.ID, cmd.AssignedBy, "manually assigned by dispatcher")
	if errors.Is(err, storage.ErrDriverUnavailable) {
		observability.ClaimConflicts.Inc()
		return nil, s.fail("manual", ErrDriverNotAvailable)
	}
	if err != nil {
		return nil, s.fail("manual", err)
	}
	d.Status = models.DriverBusy
	return s.finish(ctx, "manual", updated, d, dist), nil
}

func (s *Service) assignableBooking(ctx context.Context, tenantID, bookingID string) (*models.Booking, error) {
	b, err := s.Store.GetBooking(ctx, bookingID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && tenantID != "" && b.TenantID != tenantID) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, err
	}
	if b.DriverID != "" {
		return nil, ErrAlreadyAssigned
	}
	if b.Status != models.BookingSearchingDriver {
		return nil, fmt.Errorf("%w: status %s", ErrBookingNotAssignable, b.Status)
	}
	return b, nil
}

// claim maps store outcomes except a lost driver CAS, which the caller
// handles.
func (s *Service) claim(ctx context.Context, bookingID, driverID, actor, note string) (*models.Booking, error) {
	if actor == "" {
		actor = "system"
	}
	updated, err := s.Store.AssignDriver(ctx, storage.Assignment{
		BookingID: bookingID,
		DriverID:  driverID,
		Change:    models.StatusChange{Status: models.BookingDriverAssigned, At: s.now(), UpdatedBy: actor, Note: note},
	})
	switch {
	case err == nil:
		return updated, nil
	case errors.Is(err, storage.ErrDriverUnavailable):
		return nil, err
	case errors.Is(err, storage.ErrAlreadyAssigned):
		return nil, ErrAlreadyAssigned
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrBookingNotFound
	case errors.Is(err, storage.ErrConflict):
		return nil, ErrAssignmentConflict
	}
	return nil, err
}

// AssignedEvent is sent to the driver on booking:assigned.
type AssignedEvent struct {
	BookingID     string        `json:"booking_id"`
	BookingNumber string        `json:"booking_number"`
	CustomerID    string        `json:"customer_id"`
	Pickup        models.Place  `json:"pickup"`
	Drop          *models.Place `json:"drop,omitempty"`
	DistanceKm    float64       `json:"distance_km"`
	ETAMinutes    int           `json:"eta_minutes"`
	Fare          float64       `json:"fare"`
}

// CustomerAssignedEvent tells the customer who is coming and the PIN to
// give the driver at pickup.
type CustomerAssignedEvent struct {
	BookingID  string `json:"booking_id"`
	DriverID   string `json:"driver_id"`
	DriverName string `json:"driver_name,omitempty"`
	ETAMinutes int    `json:"eta_minutes"`
	TripPIN    string `json:"trip_pin,omitempty"`
}

func (s *Service) finish(ctx context.Context, mode string, b *models.Booking, d *models.Driver, dist float64) *Assignment {
	eta := geo.ETAMinutes(dist, s.AvgSpeedKmh)
	out := &Assignment{Booking: b, Driver: d, DistanceKm: geo.Round2(dist), ETAMinutes: eta}

	// the customer was shown the booking's PIN, so the session checks that one
	pin := b.TripPIN
	if pin == "" {
		pin = booking.NewPIN()
	}
	sess, err := s.Store.CreateTripSession(ctx, &models.TripSession{
		ID:         uuid.NewString(),
		TenantID:   b.TenantID,
		BookingID:  b.ID,
		DriverID:   d.ID,
		CustomerID: b.CustomerID,
		PIN:        pin,
		Status:     models.TripSessionPending,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.logger().Error("create trip session failed", "booking_id", b.ID, "err", err)
	} else {
		out.TripSession = sess
	}

	observability.AssignmentsTotal.WithLabelValues(mode, "assigned").Inc()
	s.logger().Info("driver assigned", "mode", mode, "booking_id", b.ID, "driver_id", d.ID, "distance_km", out.DistanceKm)

	if s.Dispatch != nil {
		s.Dispatch.EmitToRoom(realtime.DriverRoom(d.ID), realtime.EventBookingAssigned, AssignedEvent{
			BookingID:     b.ID,
			BookingNumber: b.BookingNumber,
			CustomerID:    b.CustomerID,
			Pickup:        b.Pickup,
			Drop:          b.Drop,
			DistanceKm:    out.DistanceKm,
			ETAMinutes:    eta,
			Fare:          b.Pricing.FinalAmount,
		})
		ce := CustomerAssignedEvent{BookingID: b.ID, DriverID: d.ID, DriverName: d.Name, ETAMinutes: eta}
		if out.TripSession != nil {
			ce.TripPIN = out.TripSession.PIN
		}
		s.Dispatch.EmitToUser(ctx, b.CustomerID, realtime.EventBookingAssigned, ce)
		s.Dispatch.EmitToRoom(realtime.TenantRoom(b.TenantID), realtime.EventBookingStatusChanged, booking.StatusEvent{
			BookingID: b.ID,
			Status:    b.Status,
			Previous:  models.BookingSearchingDriver,
			DriverID:  d.ID,
			At:        b.UpdatedAt,
		})
	}
	return out
}

func (s *Service) fail(mode string, err error) error {
	outcome := "error"
	switch {
	case errors.Is(err, ErrNoAvailableDrivers):
		outcome = "no_drivers"
	case errors.Is(err, ErrAssignmentConflict):
		outcome = "conflict"
	case errors.Is(err, ErrBookingNotFound), errors.Is(err, ErrAlreadyAssigned),
		errors.Is(err, ErrBookingNotAssignable), errors.Is(err, ErrDriverNotFound),
		errors.Is(err, ErrDriverNotAvailable):
		outcome = "rejected"
	default:
		s.logger().Error("assignment failed", "mode", mode, "err", err)
	}
	observability.AssignmentsTotal.WithLabelValues(mode, outcome).Inc()
	return err
}
