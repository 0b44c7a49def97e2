package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/driver-dispatch/internal/geo"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/payments"
	"github.com/example/driver-dispatch/internal/realtime"
	"github.com/example/driver-dispatch/internal/servicearea"
	"github.com/example/driver-dispatch/internal/storage"
)

var (
	ErrNotFound            = errors.New("booking not found")
	ErrInvalidBooking      = errors.New("invalid booking")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrConflict            = errors.New("booking changed concurrently")
	ErrInvalidPIN          = errors.New("invalid trip pin")
	ErrTripSessionNotFound = errors.New("trip session not found")
	ErrDriverMismatch      = errors.New("driver is not assigned to this booking")
)

const (
	PaymentCash = "cash"
	PaymentCard = "card"
)

type Store interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListBookings(ctx context.Context, f storage.BookingFilter) ([]*models.Booking, error)
	UpdateBookingStatus(ctx context.Context, id string, from models.BookingStatus, change models.StatusChange, patch storage.BookingPatch) (*models.Booking, error)
	GetTripSessionByBooking(ctx context.Context, bookingID string) (*models.TripSession, error)
	UpdateTripSession(ctx context.Context, s *models.TripSession) error
	RecordTripOutcome(ctx context.Context, id string, completed bool, earnings float64) error
}

type Quoter interface {
	Quote(ctx context.Context, req servicearea.QuoteRequest) (servicearea.Quote, error)
}

// DriverReleaser puts a driver back to online once a job ends.
type DriverReleaser interface {
	Release(ctx context.Context, driverID string) error
}

type Emitter interface {
	EmitToRoom(room, event string, payload any)
	EmitToUser(ctx context.Context, userID, event string, payload any)
}

// Service owns every booking status change except the initial driver
// claim, which the matcher performs atomically with the driver flip.
type Service struct {
	Store    Store
	Quoter   Quoter
	Drivers  DriverReleaser
	Payments payments.Gateway
	Events   Emitter
	Logger   *slog.Logger
	Now      func() time.Time
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

type CreateCommand struct {
	TenantID      string        `json:"-"`
	CustomerID    string        `json:"customer_id"`
	VehicleID     string        `json:"vehicle_id"`
	ServiceAreaID string        `json:"service_area_id"`
	Pickup        models.Place  `json:"pickup"`
	Drop          *models.Place `json:"drop"`
	ServiceType   string        `json:"service_type"`
	ScheduledFor  *time.Time    `json:"scheduled_for"`
	PaymentMethod string        `json:"payment_method"`
}

// Create stores a new booking already moved to searching_driver. When a
// drop point is known the fare is quoted up front and, for card
// payments, held on the gateway.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*models.Booking, error) {
	if cmd.CustomerID == "" {
		return nil, fmt.Errorf("%w: customer_id is required", ErrInvalidBooking)
	}
	if !geo.ValidCoordinate(cmd.Pickup.Lat, cmd.Pickup.Lng) {
		return nil, fmt.Errorf("%w: invalid pickup coordinates", ErrInvalidBooking)
	}
	if cmd.Drop != nil && !geo.ValidCoordinate(cmd.Drop.Lat, cmd.Drop.Lng) {
		return nil, fmt.Errorf("%w: invalid drop coordinates", ErrInvalidBooking)
	}
	method := strings.ToLower(strings.TrimSpace(cmd.PaymentMethod))
	if method == "" {
		method = PaymentCash
	}

	now := s.now()
	id := uuid.NewString()
	b := &models.Booking{
		ID:            id,
		TenantID:      cmd.TenantID,
		BookingNumber: bookingNumber(id, now),
		CustomerID:    cmd.CustomerID,
		VehicleID:     cmd.VehicleID,
		ServiceAreaID: cmd.ServiceAreaID,
		Pickup:        cmd.Pickup,
		Drop:          cmd.Drop,
		ServiceType:   cmd.ServiceType,
		ScheduledFor:  cmd.ScheduledFor,
		TripPIN:       NewPIN(),
		Status:        models.BookingSearchingDriver,
		History: []models.StatusChange{
			{Status: models.BookingRequested, At: now, UpdatedBy: cmd.CustomerID, Note: "booking created"},
			{Status: models.BookingSearchingDriver, At: now, UpdatedBy: "system"},
		},
		Pricing:   models.Pricing{Currency: servicearea.DefaultCurrency},
		Payment:   models.Payment{Method: method, Status: models.PaymentPending},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if cmd.Drop != nil && s.Quoter != nil {
		at := now
		if cmd.ScheduledFor != nil {
			at = *cmd.ScheduledFor
		}
		q, err := s.Quoter.Quote(ctx, servicearea.QuoteRequest{
			TenantID:    cmd.TenantID,
			Pickup:      cmd.Pickup.Point(),
			Drop:        cmd.Drop.Point(),
			AreaID:      cmd.ServiceAreaID,
			RequestedAt: &at,
		})
		if err != nil {
			return nil, fmt.Errorf("quote fare: %w", err)
		}
		b.Pricing = pricingFromQuote(q)
		if b.ServiceAreaID == "" {
			b.ServiceAreaID = q.AreaID
		}
	}

	if method == PaymentCard && s.Payments != nil && b.Pricing.FinalAmount > 0 {
		txID, err := s.Payments.Hold(ctx, b.Pricing.FinalAmount, b.Pricing.Currency, b.ID)
		if err != nil {
			return nil, fmt.Errorf("hold payment: %w", err)
		}
		b.Payment.TransactionID = txID
		b.Payment.Status = models.PaymentAuthorized
	}

	if err := s.Store.CreateBooking(ctx, b); err != nil {
		return nil, err
	}
	s.logger().Info("booking created", "booking_id", b.ID, "tenant_id", b.TenantID, "fare", b.Pricing.FinalAmount)
	s.publish(ctx, b, models.BookingRequested)
	return b, nil
}

func pricingFromQuote(q servicearea.Quote) models.Pricing {
	return models.Pricing{
		BaseFare:       q.BaseFare,
		DistanceCharge: q.DistanceCharge,
		TimeCharge:     q.TimeCharge,
		Surcharge:      q.Surcharge,
		Subtotal:       q.Subtotal,
		Tax:            q.Tax,
		FinalAmount:    q.Total,
		Currency:       q.Currency,
	}
}

func bookingNumber(id string, now time.Time) string {
	return fmt.Sprintf("BK%s%s", now.Format("060102"), strings.ToUpper(id[:6]))
}

// Get hides bookings of other tenants.
func (s *Service) Get(ctx context.Context, tenantID, id string) (*models.Booking, error) {
	b, err := s.Store.GetBooking(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && tenantID != "" && b.TenantID != tenantID) {
		return nil, ErrNotFound
	}
	return b, err
}

type ListQuery struct {
	Statuses   []models.BookingStatus
	DriverID   string
	CustomerID string
	Limit      int
	Offset     int
}

func (s *Service) List(ctx context.Context, tenantID string, q ListQuery) ([]*models.Booking, error) {
	return s.Store.ListBookings(ctx, storage.BookingFilter{
		TenantID:   tenantID,
		Statuses:   q.Statuses,
		DriverID:   q.DriverID,
		CustomerID: q.CustomerID,
		Limit:      q.Limit,
		Offset:     q.Offset,
	})
}

type TransitionCommand struct {
	TenantID  string
	BookingID string
	To        models.BookingStatus
	Actor     string
	Note      string
	Patch     storage.BookingPatch
}

// Transition applies one step of the lifecycle. The write is conditional
// on the status read here, so two racing callers cannot both succeed.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (*models.Booking, error) {
	b, err := s.Get(ctx, cmd.TenantID, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, b, cmd.To, cmd.Actor, cmd.Note, cmd.Patch)
}

func (s *Service) transition(ctx context.Context, b *models.Booking, to models.BookingStatus, actor, note string, patch storage.BookingPatch) (*models.Booking, error) {
	if !CanTransition(b.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}
	from := b.Status
	change := models.StatusChange{Status: to, At: s.now(), UpdatedBy: actor, Note: note}
	updated, err := s.Store.UpdateBookingStatus(ctx, b.ID, from, change, patch)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, ErrNotFound
	case errors.Is(err, storage.ErrConflict):
		return nil, fmt.Errorf("%w: expected %s", ErrConflict, from)
	case err != nil:
		return nil, err
	}
	s.logger().Info("booking status changed", "booking_id", b.ID, "from", from, "to", to, "actor", actor)
	s.publish(ctx, updated, from)
	return updated, nil
}

// StatusEvent is the payload of booking:status_changed.
type StatusEvent struct {
	BookingID string               `json:"booking_id"`
	Status    models.BookingStatus `json:"status"`
	Previous  models.BookingStatus `json:"previous_status"`
	DriverID  string               `json:"driver_id,omitempty"`
	At        time.Time            `json:"timestamp"`
}

func (s *Service) publish(ctx context.Context, b *models.Booking, from models.BookingStatus) {
	if s.Events == nil {
		return
	}
	ev := StatusEvent{BookingID: b.ID, Status: b.Status, Previous: from, DriverID: b.DriverID, At: b.UpdatedAt}
	s.Events.EmitToRoom(realtime.BookingRoom(b.ID), realtime.EventBookingStatusChanged, ev)
	s.Events.EmitToRoom(realtime.TenantRoom(b.TenantID), realtime.EventBookingStatusChanged, ev)
	s.Events.EmitToUser(ctx, b.CustomerID, realtime.EventBookingStatusChanged, ev)
}

func (s *Service) assignedBooking(ctx context.Context, tenantID, bookingID, driverID string) (*models.Booking, error) {
	b, err := s.Get(ctx, tenantID, bookingID)
	if err != nil {
		return nil, err
	}
	if b.DriverID == "" || b.DriverID != driverID {
		return nil, ErrDriverMismatch
	}
	return b, nil
}

// Accept is the driver confirming the job: driver_assigned -> driver_en_route.
func (s *Service) Accept(ctx context.Context, tenantID, bookingID, driverID string) (*models.Booking, error) {
	b, err := s.assignedBooking(ctx, tenantID, bookingID, driverID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, b, models.BookingDriverEnRoute, driverID, "driver accepted", storage.BookingPatch{})
}

type StartTripCommand struct {
	TenantID  string        `json:"-"`
	BookingID string        `json:"-"`
	DriverID  string        `json:"driver_id"`
	PIN       string        `json:"trip_pin"`
	Location  *models.Point `json:"location"`
}

// StartTrip verifies the PIN the customer relays against the trip session.
func (s *Service) StartTrip(ctx context.Context, cmd StartTripCommand) (*models.Booking, error) {
	b, err := s.assignedBooking(ctx, cmd.TenantID, cmd.BookingID, cmd.DriverID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(b.Status, models.BookingTripStarted) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, models.BookingTripStarted)
	}
	sess, err := s.Store.GetTripSessionByBooking(ctx, b.ID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTripSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cmd.PIN) != sess.PIN {
		s.logger().Warn("trip pin rejected", "booking_id", b.ID, "driver_id", cmd.DriverID)
		return nil, ErrInvalidPIN
	}

	now := s.now()
	updated, err := s.transition(ctx, b, models.BookingTripStarted, cmd.DriverID, "pin verified", storage.BookingPatch{TripStart: &now})
	if err != nil {
		return nil, err
	}
	sess.PINVerified = true
	sess.VerifiedAt = &now
	sess.Status = models.TripSessionStarted
	sess.StartTime = &now
	sess.StartLocation = cmd.Location
	if err := s.Store.UpdateTripSession(ctx, sess); err != nil {
		s.logger().Error("trip session update failed", "booking_id", b.ID, "err", err)
	}
	return updated, nil
}

type EndTripCommand struct {
	TenantID  string        `json:"-"`
	BookingID string        `json:"-"`
	DriverID  string        `json:"driver_id"`
	Location  *models.Point `json:"location"`
}

// EndTrip completes the ride, frees the driver and leaves the booking
// waiting for payment.
func (s *Service) EndTrip(ctx context.Context, cmd EndTripCommand) (*models.Booking, error) {
	b, err := s.assignedBooking(ctx, cmd.TenantID, cmd.BookingID, cmd.DriverID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	minutes := 0
	if b.TripStart != nil {
		minutes = int(math.Round(now.Sub(*b.TripStart).Minutes()))
	}
	completed, err := s.transition(ctx, b, models.BookingTripCompleted, cmd.DriverID, "trip ended",
		storage.BookingPatch{TripEnd: &now, TotalMinutes: &minutes})
	if err != nil {
		return nil, err
	}
	pending, err := s.transition(ctx, completed, models.BookingPaymentPending, "system", "", storage.BookingPatch{})
	if err != nil {
		return nil, err
	}

	if sess, err := s.Store.GetTripSessionByBooking(ctx, b.ID); err == nil {
		sess.Status = models.TripSessionCompleted
		sess.EndTime = &now
		sess.EndLocation = cmd.Location
		sess.ActualMinutes = minutes
		if err := s.Store.UpdateTripSession(ctx, sess); err != nil {
			s.logger().Error("trip session update failed", "booking_id", b.ID, "err", err)
		}
	}
	if err := s.Store.RecordTripOutcome(ctx, cmd.DriverID, true, pending.Pricing.FinalAmount); err != nil {
		s.logger().Error("record trip outcome failed", "driver_id", cmd.DriverID, "err", err)
	}
	s.release(ctx, cmd.DriverID)
	return pending, nil
}

// SettlePayment captures a held card payment (or records cash) and moves
// payment_pending -> payment_done.
func (s *Service) SettlePayment(ctx context.Context, tenantID, bookingID, method string) (*models.Booking, error) {
	b, err := s.Get(ctx, tenantID, bookingID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(b.Status, models.BookingPaymentDone) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, models.BookingPaymentDone)
	}
	pay := b.Payment
	if m := strings.ToLower(strings.TrimSpace(method)); m != "" {
		pay.Method = m
	}
	if pay.TransactionID != "" && s.Payments != nil {
		if err := s.Payments.Capture(ctx, pay.TransactionID); err != nil {
			return nil, fmt.Errorf("capture payment: %w", err)
		}
	}
	now := s.now()
	pay.Status = models.PaymentPaid
	pay.PaidAmount = b.Pricing.FinalAmount
	pay.PaidAt = &now
	return s.transition(ctx, b, models.BookingPaymentDone, "system", "payment received", storage.BookingPatch{Payment: &pay})
}

func (s *Service) Close(ctx context.Context, tenantID, bookingID string) (*models.Booking, error) {
	return s.Transition(ctx, TransitionCommand{TenantID: tenantID, BookingID: bookingID, To: models.BookingClosed, Actor: "system"})
}

type CancelCommand struct {
	TenantID  string `json:"-"`
	BookingID string `json:"-"`
	By        string `json:"cancelled_by"`
	Reason    string `json:"reason"`
}

// CancelEvent is sent to the driver who lost the job.
type CancelEvent struct {
	BookingID string    `json:"booking_id"`
	By        string    `json:"cancelled_by"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"cancelled_at"`
}

// Cancel is allowed until the trip starts. An assigned driver goes back
// to online and any payment hold is voided.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (*models.Booking, error) {
	b, err := s.Get(ctx, cmd.TenantID, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	by := cmd.By
	if by == "" {
		by = "customer"
	}
	patch := storage.BookingPatch{
		Cancellation: &models.Cancellation{By: by, Reason: cmd.Reason, DriverID: b.DriverID, At: now},
		ClearDriver:  b.DriverID != "",
	}
	voidHold := b.Payment.Status == models.PaymentAuthorized && b.Payment.TransactionID != ""
	if voidHold {
		pay := b.Payment
		pay.Status = models.PaymentVoided
		patch.Payment = &pay
	}
	updated, err := s.transition(ctx, b, models.BookingCancelled, by, cmd.Reason, patch)
	if err != nil {
		return nil, err
	}

	if voidHold && s.Payments != nil {
		if err := s.Payments.Cancel(ctx, b.Payment.TransactionID); err != nil {
			s.logger().Error("void payment hold failed", "booking_id", b.ID, "transaction_id", b.Payment.TransactionID, "err", err)
		}
	}
	if sess, err := s.Store.GetTripSessionByBooking(ctx, b.ID); err == nil {
		sess.Status = models.TripSessionCancelled
		if err := s.Store.UpdateTripSession(ctx, sess); err != nil {
			s.logger().Error("trip session update failed", "booking_id", b.ID, "err", err)
		}
	}
	if b.DriverID != "" {
		if err := s.Store.RecordTripOutcome(ctx, b.DriverID, false, 0); err != nil {
			s.logger().Error("record trip outcome failed", "driver_id", b.DriverID, "err", err)
		}
		s.release(ctx, b.DriverID)
		if s.Events != nil {
			s.Events.EmitToRoom(realtime.DriverRoom(b.DriverID), realtime.EventBookingCancelled,
				CancelEvent{BookingID: b.ID, By: by, Reason: cmd.Reason, At: now})
		}
	}
	return updated, nil
}

func (s *Service) release(ctx context.Context, driverID string) {
	if s.Drivers == nil {
		return
	}
	if err := s.Drivers.Release(ctx, driverID); err != nil {
		s.logger().Error("release driver failed", "driver_id", driverID, "err", err)
	}
}
