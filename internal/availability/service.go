package availability

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
	"github.com/example/driver-dispatch/internal/realtime"
	"github.com/example/driver-dispatch/internal/storage"
)

var (
	ErrDriverNotFound  = errors.New("driver not found")
	ErrInvalidStatus   = errors.New("invalid driver status")
	ErrInvalidLocation = errors.New("invalid location")
	ErrInvalidDriver   = errors.New("invalid driver")
	// ErrDriverBusy means the driver is on a job; only the trip lifecycle frees it.
	ErrDriverBusy = errors.New("driver is busy")
)

type Store interface {
	CreateDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetDrivers(ctx context.Context, ids []string) ([]*models.Driver, error)
	ListDrivers(ctx context.Context, f storage.DriverFilter) ([]*models.Driver, error)
	CompareAndSetDriverStatus(ctx context.Context, id string, from, to models.DriverStatus, at time.Time) error
	UpdateDriverLocation(ctx context.Context, id string, p models.Point, at time.Time) error
}

type Emitter interface {
	EmitToRoom(room, event string, payload any)
}

// Service is the driver availability store: who is dispatchable and where.
// The proximity index mirrors the last position of every driver that is
// not offline; status is always re-read from the store.
type Service struct {
	store  Store
	index  geo.Index
	events Emitter
	now    func() time.Time
	logger *slog.Logger
}

// NewService wires the availability store. index and events may be nil.
func NewService(store Store, index geo.Index, events Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, index: index, events: events, now: time.Now, logger: logger}
}

type RegisterCommand struct {
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	LicenseNumber string `json:"license_number"`
}

// Register adds a driver profile. New drivers start offline.
func (s *Service) Register(ctx context.Context, tenantID string, cmd RegisterCommand) (*models.Driver, error) {
	if strings.TrimSpace(cmd.UserID) == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidDriver)
	}
	now := s.now()
	d := &models.Driver{
		ID:                 uuid.NewString(),
		TenantID:           tenantID,
		UserID:             cmd.UserID,
		Name:               strings.TrimSpace(cmd.Name),
		LicenseNumber:      cmd.LicenseNumber,
		VerificationStatus: "pending",
		Status:             models.DriverOffline,
		Rating:             5,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.CreateDriver(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *Service) Get(ctx context.Context, tenantID, driverID string) (*models.Driver, error) {
	d, err := s.store.GetDriver(ctx, driverID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && tenantID != "" && d.TenantID != tenantID) {
		return nil, ErrDriverNotFound
	}
	return d, err
}

func (s *Service) List(ctx context.Context, tenantID string, statuses []models.DriverStatus) ([]*models.Driver, error) {
	return s.store.ListDrivers(ctx, storage.DriverFilter{TenantID: tenantID, Statuses: statuses})
}

// AvailabilityEvent is the payload of driver:availability_changed.
type AvailabilityEvent struct {
	DriverID string              `json:"driver_id"`
	Status   models.DriverStatus `json:"status"`
	Location *models.Point       `json:"location,omitempty"`
	At       time.Time           `json:"timestamp"`
}

// SetAvailability is the driver's own toggle between online, offline and
// break. busy is owned by dispatch and cannot be set or left here.
func (s *Service) SetAvailability(ctx context.Context, tenantID, driverID string, status models.DriverStatus, loc *models.Point) (*models.Driver, error) {
	if !status.Valid() || status == models.DriverBusy {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}
	if loc != nil && !geo.ValidCoordinate(loc.Lat, loc.Lng) {
		return nil, ErrInvalidLocation
	}
	d, err := s.Get(ctx, tenantID, driverID)
	if err != nil {
		return nil, err
	}
	if d.Status == models.DriverBusy {
		return nil, ErrDriverBusy
	}

	now := s.now()
	if d.Status != status {
		err := s.store.CompareAndSetDriverStatus(ctx, d.ID, d.Status, status, now)
		switch {
		case errors.Is(err, storage.ErrConflict):
			// lost to a concurrent claim
			return nil, ErrDriverBusy
		case errors.Is(err, storage.ErrNotFound):
			return nil, ErrDriverNotFound
		case err != nil:
			return nil, err
		}
		d.Status = status
	}
	if loc != nil {
		if err := s.store.UpdateDriverLocation(ctx, d.ID, *loc, now); err != nil {
			return nil, err
		}
		d.Location = loc
		d.LocationUpdatedAt = &now
	}
	s.syncIndex(ctx, d)

	s.logger.Info("driver availability changed", "driver_id", d.ID, "status", status)
	if s.events != nil {
		s.events.EmitToRoom(realtime.TenantRoom(d.TenantID), realtime.EventAvailabilityChanged,
			AvailabilityEvent{DriverID: d.ID, Status: status, Location: d.Location, At: now})
	}
	return d, nil
}

// LocationEvent is the payload of driver:location_update.
type LocationEvent struct {
	DriverID string              `json:"driver_id"`
	Status   models.DriverStatus `json:"status"`
	Location models.Point        `json:"location"`
	At       time.Time           `json:"timestamp"`
}

// UpdateLocation records the driver's last known position.
func (s *Service) UpdateLocation(ctx context.Context, tenantID, driverID string, p models.Point) (*models.Driver, error) {
	if !geo.ValidCoordinate(p.Lat, p.Lng) {
		return nil, ErrInvalidLocation
	}
	d, err := s.Get(ctx, tenantID, driverID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if err := s.store.UpdateDriverLocation(ctx, d.ID, p, now); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrDriverNotFound
		}
		return nil, err
	}
	d.Location = &p
	d.LocationUpdatedAt = &now
	s.syncIndex(ctx, d)
	if s.events != nil {
		s.events.EmitToRoom(realtime.TenantRoom(d.TenantID), realtime.EventDriverLocationUpdate,
			LocationEvent{DriverID: d.ID, Status: d.Status, Location: p, At: now})
	}
	return d, nil
}

// Candidate is a dispatchable driver and its distance to a pickup.
type Candidate struct {
	Driver     *models.Driver `json:"driver"`
	DistanceKm float64        `json:"distance_km"`
}

// Candidates returns online drivers with a known location within maxKm of
// p, nearest first. Equal distances keep driver creation order.
func (s *Service) Candidates(ctx context.Context, tenantID string, p models.Point, maxKm float64) ([]Candidate, error) {
	drivers, err := s.nearbyDrivers(ctx, tenantID, p, maxKm)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		if d.TenantID != tenantID || d.Status != models.DriverOnline || d.Location == nil {
			continue
		}
		dist := geo.Distance(*d.Location, p)
		if dist > maxKm {
			continue
		}
		out = append(out, Candidate{Driver: d, DistanceKm: dist})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

func (s *Service) nearbyDrivers(ctx context.Context, tenantID string, p models.Point, maxKm float64) ([]*models.Driver, error) {
	if s.index == nil {
		return s.store.ListDrivers(ctx, storage.DriverFilter{
			TenantID:    tenantID,
			Statuses:    []models.DriverStatus{models.DriverOnline},
			HasLocation: true,
		})
	}
	hits, err := s.index.Nearby(ctx, tenantID, p, maxKm)
	if err != nil {
		return nil, fmt.Errorf("index lookup: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.DriverID
	}
	return s.store.GetDrivers(ctx, ids)
}

// Release moves a driver from busy back to online after a job ends. A
// driver that already left busy (forced offline, say) is left alone.
func (s *Service) Release(ctx context.Context, driverID string) error {
	err := s.store.CompareAndSetDriverStatus(ctx, driverID, models.DriverBusy, models.DriverOnline, s.now())
	switch {
	case errors.Is(err, storage.ErrConflict):
		s.logger.Info("driver not busy on release", "driver_id", driverID)
		return nil
	case errors.Is(err, storage.ErrNotFound):
		return ErrDriverNotFound
	}
	return err
}

// ForceOffline handles a driver whose last connection dropped mid-job.
// It reports whether the driver was changed.
func (s *Service) ForceOffline(ctx context.Context, tenantID, driverID string) (bool, error) {
	err := s.store.CompareAndSetDriverStatus(ctx, driverID, models.DriverBusy, models.DriverOffline, s.now())
	switch {
	case errors.Is(err, storage.ErrConflict):
		return false, nil
	case errors.Is(err, storage.ErrNotFound):
		return false, ErrDriverNotFound
	case err != nil:
		return false, err
	}
	if s.index != nil {
		if err := s.index.Remove(ctx, tenantID, driverID); err != nil {
			s.logger.Warn("index remove failed", "driver_id", driverID, "err", err)
		}
	}
	s.logger.Warn("driver forced offline", "driver_id", driverID)
	if s.events != nil {
		s.events.EmitToRoom(realtime.TenantRoom(tenantID), realtime.EventProviderOffline,
			map[string]any{"driver_id": driverID, "timestamp": s.now()})
	}
	return true, nil
}

// Reindex loads every located, non-offline driver into the index.
func (s *Service) Reindex(ctx context.Context) (int, error) {
	if s.index == nil {
		return 0, nil
	}
	drivers, err := s.store.ListDrivers(ctx, storage.DriverFilter{
		Statuses:    []models.DriverStatus{models.DriverOnline, models.DriverBusy, models.DriverBreak},
		HasLocation: true,
	})
	if err != nil {
		return 0, err
	}
	for _, d := range drivers {
		if err := s.index.Upsert(ctx, d.TenantID, d.ID, *d.Location); err != nil {
			return 0, err
		}
	}
	return len(drivers), nil
}

func (s *Service) syncIndex(ctx context.Context, d *models.Driver) {
	if s.index == nil {
		return
	}
	var err error
	if d.Status == models.DriverOffline || d.Location == nil {
		err = s.index.Remove(ctx, d.TenantID, d.ID)
	} else {
		err = s.index.Upsert(ctx, d.TenantID, d.ID, *d.Location)
	}
	if err != nil {
		s.logger.Warn("index sync failed", "driver_id", d.ID, "err", err)
	}
}
