package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional write lost: the row no longer has the expected state.
	ErrConflict  = errors.New("conflict")
	ErrDuplicate = errors.New("duplicate")
	// ErrAlreadyAssigned is returned by AssignDriver when the booking already has a driver.
	ErrAlreadyAssigned = errors.New("booking already assigned")
	// ErrDriverUnavailable is returned by AssignDriver when the driver CAS (online -> busy) fails.
	ErrDriverUnavailable = errors.New("driver not available")
)

type AreaFilter struct {
	TenantID string
	City     string
	Active   *bool
}

type DriverFilter struct {
	TenantID    string
	Statuses    []models.DriverStatus
	HasLocation bool
}

type BookingFilter struct {
	TenantID   string
	Statuses   []models.BookingStatus
	DriverID   string
	CustomerID string
	Limit      int
	Offset     int
}

type NotificationFilter struct {
	TenantID   string
	UserID     string
	UnreadOnly bool
	Limit      int
	Offset     int
}

// BookingPatch carries the fields written together with a status transition.
type BookingPatch struct {
	TripStart    *time.Time
	TripEnd      *time.Time
	TotalMinutes *int
	Payment      *models.Payment
	Cancellation *models.Cancellation
	// ClearDriver unsets driver_id (cancellation path).
	ClearDriver bool
}

// Assignment is the single atomic claim: driver online -> busy, booking
// searching_driver -> driver_assigned with driver_id set and a history entry.
type Assignment struct {
	BookingID string
	DriverID  string
	Change    models.StatusChange
}

type AreaStore interface {
	CreateArea(ctx context.Context, a *models.ServiceArea) error
	GetArea(ctx context.Context, id string) (*models.ServiceArea, error)
	ListAreas(ctx context.Context, f AreaFilter) ([]*models.ServiceArea, error)
	UpdateArea(ctx context.Context, a *models.ServiceArea) error
}

type DriverStore interface {
	CreateDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	// GetDrivers returns the drivers that exist, in creation order.
	GetDrivers(ctx context.Context, ids []string) ([]*models.Driver, error)
	ListDrivers(ctx context.Context, f DriverFilter) ([]*models.Driver, error)
	SetDriverStatus(ctx context.Context, id string, status models.DriverStatus, at time.Time) error
	// CompareAndSetDriverStatus updates the status only if it still equals from.
	CompareAndSetDriverStatus(ctx context.Context, id string, from, to models.DriverStatus, at time.Time) error
	UpdateDriverLocation(ctx context.Context, id string, p models.Point, at time.Time) error
	RecordTripOutcome(ctx context.Context, id string, completed bool, earnings float64) error
}

type BookingStore interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	ListBookings(ctx context.Context, f BookingFilter) ([]*models.Booking, error)
	// UpdateBookingStatus moves the booking to change.Status only if its
	// current status equals from, appending change to the history.
	UpdateBookingStatus(ctx context.Context, id string, from models.BookingStatus, change models.StatusChange, patch BookingPatch) (*models.Booking, error)
	AssignDriver(ctx context.Context, a Assignment) (*models.Booking, error)
}

type TripSessionStore interface {
	// CreateTripSession stores s unless the booking already has a session,
	// in which case the existing one is returned.
	CreateTripSession(ctx context.Context, s *models.TripSession) (*models.TripSession, error)
	GetTripSessionByBooking(ctx context.Context, bookingID string) (*models.TripSession, error)
	UpdateTripSession(ctx context.Context, s *models.TripSession) error
}

type AlertStore interface {
	CreateAlert(ctx context.Context, a *models.GeoAlert) error
	HasAlert(ctx context.Context, bookingID string, t models.AlertType) (bool, error)
	// LatestAlert returns nil, nil when the booking has no alert of that type.
	LatestAlert(ctx context.Context, bookingID string, t models.AlertType) (*models.GeoAlert, error)
	ListBookingAlerts(ctx context.Context, tenantID, bookingID string) ([]*models.GeoAlert, error)
	ListDriverAlerts(ctx context.Context, tenantID, driverID string, limit int) ([]*models.GeoAlert, error)
}

type TrackingStore interface {
	AppendPoint(ctx context.Context, p *models.TrackingPoint) error
	// RecentPoints returns up to n points for the booking, newest first.
	RecentPoints(ctx context.Context, bookingID string, n int) ([]*models.TrackingPoint, error)
	// RouteHistory returns all points for the booking, oldest first.
	RouteHistory(ctx context.Context, bookingID string) ([]*models.TrackingPoint, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, f NotificationFilter) ([]*models.Notification, int, error)
	CountUnread(ctx context.Context, tenantID, userID string) (int, error)
	MarkNotificationRead(ctx context.Context, tenantID, userID, id string, at time.Time) error
	MarkAllNotificationsRead(ctx context.Context, tenantID, userID string, at time.Time) (int, error)
}

type StatsStore interface {
	DashboardStats(ctx context.Context, tenantID string, since time.Time) (models.DashboardStats, error)
}

// Store is everything the dispatch engine persists.
type Store interface {
	AreaStore
	DriverStore
	BookingStore
	TripSessionStore
	AlertStore
	TrackingStore
	NotificationStore
	StatsStore
	Close() error
}

// ActiveBookingStatuses are the states in which a driver is on a job.
var ActiveBookingStatuses = []models.BookingStatus{
	models.BookingDriverAssigned,
	models.BookingDriverEnRoute,
	models.BookingDriverArrived,
	models.BookingTripStarted,
	models.BookingTripInProgress,
}

// PendingBookingStatuses are the states waiting on dispatch.
var PendingBookingStatuses = []models.BookingStatus{
	models.BookingRequested,
	models.BookingSearchingDriver,
}
