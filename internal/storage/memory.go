package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

// MemoryStore keeps everything in process. A single lock makes the
// multi-record writes (AssignDriver) atomic. Values are copied in and out
// so callers never share mutable state with the store.
type MemoryStore struct {
	mu sync.RWMutex

	areas     map[string]*models.ServiceArea
	areaOrder []string

	drivers     map[string]*models.Driver
	driverOrder []string

	bookings     map[string]*models.Booking
	bookingOrder []string

	sessions      map[string]*models.TripSession // by booking id
	alerts        []*models.GeoAlert
	points        map[string][]*models.TrackingPoint // by booking id
	notifications []*models.Notification
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		areas:    make(map[string]*models.ServiceArea),
		drivers:  make(map[string]*models.Driver),
		bookings: make(map[string]*models.Booking),
		sessions: make(map[string]*models.TripSession),
		points:   make(map[string][]*models.TrackingPoint),
	}
}

func (m *MemoryStore) Close() error { return nil }

// ---- service areas

func (m *MemoryStore) CreateArea(_ context.Context, a *models.ServiceArea) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.areas[a.ID]; ok {
		return ErrDuplicate
	}
	for _, existing := range m.areas {
		if existing.ZoneCode == a.ZoneCode {
			return ErrDuplicate
		}
	}
	m.areas[a.ID] = cloneArea(a)
	m.areaOrder = append(m.areaOrder, a.ID)
	return nil
}

func (m *MemoryStore) GetArea(_ context.Context, id string) (*models.ServiceArea, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.areas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneArea(a), nil
}

// ListAreas returns matching areas in creation order.
func (m *MemoryStore) ListAreas(_ context.Context, f AreaFilter) ([]*models.ServiceArea, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ServiceArea
	for _, id := range m.areaOrder {
		a := m.areas[id]
		if f.TenantID != "" && a.TenantID != f.TenantID {
			continue
		}
		if f.City != "" && a.City != f.City {
			continue
		}
		if f.Active != nil && a.Active != *f.Active {
			continue
		}
		out = append(out, cloneArea(a))
	}
	return out, nil
}

func (m *MemoryStore) UpdateArea(_ context.Context, a *models.ServiceArea) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.areas[a.ID]; !ok {
		return ErrNotFound
	}
	for id, existing := range m.areas {
		if id != a.ID && existing.ZoneCode == a.ZoneCode {
			return ErrDuplicate
		}
	}
	m.areas[a.ID] = cloneArea(a)
	return nil
}

// ---- drivers

func (m *MemoryStore) CreateDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; ok {
		return ErrDuplicate
	}
	m.drivers[d.ID] = cloneDriver(d)
	m.driverOrder = append(m.driverOrder, d.ID)
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDriver(d), nil
}

func (m *MemoryStore) GetDrivers(_ context.Context, ids []string) ([]*models.Driver, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Driver, 0, len(ids))
	for _, id := range m.driverOrder {
		if _, ok := want[id]; ok {
			out = append(out, cloneDriver(m.drivers[id]))
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDrivers(_ context.Context, f DriverFilter) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Driver
	for _, id := range m.driverOrder {
		d := m.drivers[id]
		if f.TenantID != "" && d.TenantID != f.TenantID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, d.Status) {
			continue
		}
		if f.HasLocation && d.Location == nil {
			continue
		}
		out = append(out, cloneDriver(d))
	}
	return out, nil
}

func (m *MemoryStore) SetDriverStatus(_ context.Context, id string, status models.DriverStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	setStatus(d, status, at)
	return nil
}

func (m *MemoryStore) CompareAndSetDriverStatus(_ context.Context, id string, from, to models.DriverStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != from {
		return ErrConflict
	}
	setStatus(d, to, at)
	return nil
}

func (m *MemoryStore) UpdateDriverLocation(_ context.Context, id string, p models.Point, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	loc := p
	ts := at
	d.Location = &loc
	d.LocationUpdatedAt = &ts
	d.UpdatedAt = at
	return nil
}

func (m *MemoryStore) RecordTripOutcome(_ context.Context, id string, completed bool, earnings float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	if completed {
		d.CompletedTrips++
		d.TotalEarnings += earnings
		d.PendingSettlement += earnings
	} else {
		d.CancelledTrips++
	}
	return nil
}

func setStatus(d *models.Driver, status models.DriverStatus, at time.Time) {
	d.Status = status
	d.UpdatedAt = at
	if status == models.DriverOnline {
		ts := at
		d.LastOnlineAt = &ts
	}
}

// ---- bookings

func (m *MemoryStore) CreateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return ErrDuplicate
	}
	m.bookings[b.ID] = cloneBooking(b)
	m.bookingOrder = append(m.bookingOrder, b.ID)
	return nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBooking(b), nil
}

// ListBookings returns newest first.
func (m *MemoryStore) ListBookings(_ context.Context, f BookingFilter) ([]*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Booking
	skipped := 0
	for i := len(m.bookingOrder) - 1; i >= 0; i-- {
		b := m.bookings[m.bookingOrder[i]]
		if f.TenantID != "" && b.TenantID != f.TenantID {
			continue
		}
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, b.Status) {
			continue
		}
		if f.DriverID != "" && b.DriverID != f.DriverID {
			continue
		}
		if f.CustomerID != "" && b.CustomerID != f.CustomerID {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, cloneBooking(b))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateBookingStatus(_ context.Context, id string, from models.BookingStatus, change models.StatusChange, patch BookingPatch) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	if b.Status != from {
		return nil, ErrConflict
	}
	b.Status = change.Status
	b.History = append(b.History, change)
	b.UpdatedAt = change.At
	applyPatch(b, patch)
	return cloneBooking(b), nil
}

func (m *MemoryStore) AssignDriver(_ context.Context, a Assignment) (*models.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[a.BookingID]
	if !ok {
		return nil, ErrNotFound
	}
	if b.DriverID != "" {
		return nil, ErrAlreadyAssigned
	}
	if b.Status != models.BookingSearchingDriver {
		return nil, ErrConflict
	}
	d, ok := m.drivers[a.DriverID]
	if !ok || d.Status != models.DriverOnline {
		return nil, ErrDriverUnavailable
	}
	setStatus(d, models.DriverBusy, a.Change.At)
	b.DriverID = a.DriverID
	b.Status = a.Change.Status
	b.History = append(b.History, a.Change)
	b.UpdatedAt = a.Change.At
	return cloneBooking(b), nil
}

func applyPatch(b *models.Booking, p BookingPatch) {
	if p.TripStart != nil {
		ts := *p.TripStart
		b.TripStart = &ts
	}
	if p.TripEnd != nil {
		ts := *p.TripEnd
		b.TripEnd = &ts
	}
	if p.TotalMinutes != nil {
		b.TotalMinutes = *p.TotalMinutes
	}
	if p.Payment != nil {
		b.Payment = *p.Payment
	}
	if p.Cancellation != nil {
		c := *p.Cancellation
		b.Cancellation = &c
	}
	if p.ClearDriver {
		b.DriverID = ""
	}
}

// ---- trip sessions

func (m *MemoryStore) CreateTripSession(_ context.Context, s *models.TripSession) (*models.TripSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[s.BookingID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *s
	m.sessions[s.BookingID] = &cp
	out := cp
	return &out, nil
}

func (m *MemoryStore) GetTripSessionByBooking(_ context.Context, bookingID string) (*models.TripSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[bookingID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) UpdateTripSession(_ context.Context, s *models.TripSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.BookingID]; !ok {
		return ErrNotFound
	}
	cp := *s
	m.sessions[s.BookingID] = &cp
	return nil
}

// ---- geo alerts

func (m *MemoryStore) CreateAlert(_ context.Context, a *models.GeoAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.alerts = append(m.alerts, &cp)
	return nil
}

func (m *MemoryStore) HasAlert(_ context.Context, bookingID string, t models.AlertType) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if a.BookingID == bookingID && a.Type == t {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) LatestAlert(_ context.Context, bookingID string, t models.AlertType) (*models.GeoAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if a.BookingID == bookingID && a.Type == t {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListBookingAlerts(_ context.Context, tenantID, bookingID string) ([]*models.GeoAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.GeoAlert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if a.BookingID == bookingID && a.TenantID == tenantID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDriverAlerts(_ context.Context, tenantID, driverID string, limit int) ([]*models.GeoAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.GeoAlert
	for i := len(m.alerts) - 1; i >= 0; i-- {
		a := m.alerts[i]
		if a.DriverID == driverID && a.TenantID == tenantID {
			cp := *a
			out = append(out, &cp)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// ---- location tracking

func (m *MemoryStore) AppendPoint(_ context.Context, p *models.TrackingPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.points[p.BookingID] = append(m.points[p.BookingID], &cp)
	return nil
}

func (m *MemoryStore) RecentPoints(_ context.Context, bookingID string, n int) ([]*models.TrackingPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pts := m.points[bookingID]
	out := make([]*models.TrackingPoint, 0, n)
	for i := len(pts) - 1; i >= 0 && len(out) < n; i-- {
		cp := *pts[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) RouteHistory(_ context.Context, bookingID string) ([]*models.TrackingPoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pts := m.points[bookingID]
	out := make([]*models.TrackingPoint, 0, len(pts))
	for _, p := range pts {
		cp := *p
		out = append(out, &cp)
	}
	return out, nil
}

// ---- notifications

func (m *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.notifications = append(m.notifications, &cp)
	return nil
}

func (m *MemoryStore) ListNotifications(_ context.Context, f NotificationFilter) ([]*models.Notification, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*models.Notification
	for i := len(m.notifications) - 1; i >= 0; i-- {
		n := m.notifications[i]
		if n.UserID != f.UserID || (f.TenantID != "" && n.TenantID != f.TenantID) {
			continue
		}
		if f.UnreadOnly && n.ReadAt != nil {
			continue
		}
		matched = append(matched, n)
	}
	total := len(matched)
	if f.Offset >= total {
		return nil, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	out := make([]*models.Notification, 0, len(matched))
	for _, n := range matched {
		cp := *n
		out = append(out, &cp)
	}
	return out, total, nil
}

func (m *MemoryStore) CountUnread(_ context.Context, tenantID, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && n.TenantID == tenantID && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) MarkNotificationRead(_ context.Context, tenantID, userID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.notifications {
		if n.ID == id && n.UserID == userID && n.TenantID == tenantID {
			ts := at
			n.ReadAt = &ts
			n.Status = models.NotificationRead
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) MarkAllNotificationsRead(_ context.Context, tenantID, userID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && n.TenantID == tenantID && n.ReadAt == nil {
			ts := at
			n.ReadAt = &ts
			n.Status = models.NotificationRead
			count++
		}
	}
	return count, nil
}

// ---- dashboard

func (m *MemoryStore) DashboardStats(_ context.Context, tenantID string, since time.Time) (models.DashboardStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s models.DashboardStats
	for _, b := range m.bookings {
		if b.TenantID != tenantID {
			continue
		}
		switch {
		case slices.Contains(PendingBookingStatuses, b.Status):
			s.PendingBookings++
		case slices.Contains(ActiveBookingStatuses, b.Status):
			s.ActiveBookings++
		case b.Status == models.BookingCancelled:
			if b.Cancellation != nil && !b.Cancellation.At.Before(since) {
				s.CancelledToday++
			}
		default:
			if b.TripEnd != nil && !b.TripEnd.Before(since) {
				s.CompletedToday++
			}
		}
		if b.Payment.PaidAt != nil && !b.Payment.PaidAt.Before(since) {
			s.TodayRevenue += b.Payment.PaidAmount
		}
	}
	for _, d := range m.drivers {
		if d.TenantID != tenantID {
			continue
		}
		switch d.Status {
		case models.DriverOnline:
			s.OnlineDrivers++
		case models.DriverBusy:
			s.BusyDrivers++
		}
		s.PendingSettlements += d.PendingSettlement
	}
	return s, nil
}

func cloneArea(a *models.ServiceArea) *models.ServiceArea {
	cp := *a
	if a.Center != nil {
		c := *a.Center
		cp.Center = &c
	}
	cp.Polygon = slices.Clone(a.Polygon)
	return &cp
}

func cloneDriver(d *models.Driver) *models.Driver {
	cp := *d
	if d.Location != nil {
		l := *d.Location
		cp.Location = &l
	}
	return &cp
}

func cloneBooking(b *models.Booking) *models.Booking {
	cp := *b
	if b.Drop != nil {
		d := *b.Drop
		cp.Drop = &d
	}
	if b.Cancellation != nil {
		c := *b.Cancellation
		cp.Cancellation = &c
	}
	cp.History = slices.Clone(b.History)
	return &cp
}
