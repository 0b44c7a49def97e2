package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/availability"
	"github.com/example/driver-dispatch/internal/booking"
	"github.com/example/driver-dispatch/internal/models"
	"github.com/example/driver-dispatch/internal/realtime"
	"github.com/example/driver-dispatch/internal/storage"
)

type fakeNotifier struct {
	mu       sync.Mutex
	notified []string
	rooms    []string
	fail     bool
}

func (f *fakeNotifier) EmitToRoom(room, event string, _ any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms = append(f.rooms, room+" "+event)
}

func (f *fakeNotifier) Notify(_ context.Context, cmd realtime.NotifyCommand) (*models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("push channel down")
	}
	f.notified = append(f.notified, cmd.UserID+" "+cmd.Type)
	return &models.Notification{ID: "n1"}, nil
}

type failingAlerts struct {
	*storage.MemoryStore
}

func (failingAlerts) CreateAlert(context.Context, *models.GeoAlert) error {
	return errors.New("alerts table unavailable")
}

var pickup = models.Place{Address: "MG Road", Lat: 12.90, Lng: 77.60}

type harness struct {
	store    *storage.MemoryStore
	notifier *fakeNotifier
	proc     *Processor
	clock    time.Time
}

func newHarness(t *testing.T, status models.BookingStatus, store Store) *harness {
	t.Helper()
	mem := storage.NewMemoryStore()
	if store == nil {
		store = mem
	} else if fa, ok := store.(failingAlerts); ok {
		mem = fa.MemoryStore
	}
	ctx := context.Background()
	if err := mem.CreateDriver(ctx, &models.Driver{ID: "d1", TenantID: "t1", Status: models.DriverBusy}); err != nil {
		t.Fatal(err)
	}
	drop := models.Place{Lat: 12.90, Lng: 77.70}
	err := mem.CreateBooking(ctx, &models.Booking{
		ID:         "b1",
		TenantID:   "t1",
		CustomerID: "c1",
		DriverID:   "d1",
		Pickup:     pickup,
		Drop:       &drop,
		Status:     status,
		History:    []models.StatusChange{{Status: status}},
	})
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{store: mem, notifier: &fakeNotifier{}, clock: time.Unix(1700000000, 0)}
	h.proc = NewProcessor(store, Options{
		Bookings: &booking.Service{Store: mem},
		Drivers:  availability.NewService(mem, nil, nil, nil),
		Notifier: h.notifier,
	})
	h.proc.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) ping(t *testing.T, lat, lng float64) *PingResult {
	t.Helper()
	res, err := h.proc.Process(context.Background(), PingCommand{TenantID: "t1", BookingID: "b1", DriverID: "d1", Lat: lat, Lng: lng})
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func (h *harness) alerts(t *testing.T, kind models.AlertType) int {
	t.Helper()
	all, err := h.store.ListBookingAlerts(context.Background(), "t1", "b1")
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, a := range all {
		if a.Type == kind {
			n++
		}
	}
	return n
}

func TestApproachingAlertFiresOnce(t *testing.T) {
	h := newHarness(t, models.BookingDriverEnRoute, nil)
	for i := 0; i < 5; i++ {
		h.ping(t, 12.90, 77.6111)
		h.clock = h.clock.Add(5 * time.Second)
	}
	if n := h.alerts(t, models.AlertApproachingPickup); n != 1 {
		t.Fatalf("expected 1 approaching alert, got %d", n)
	}
	if len(h.notifier.notified) != 1 || h.notifier.notified[0] != "c1 driver_approaching_pickup" {
		t.Fatalf("unexpected notifications %v", h.notifier.notified)
	}
	pts, _ := h.store.RouteHistory(context.Background(), "b1")
	if len(pts) != 5 || pts[0].Geohash == "" {
		t.Fatalf("every ping must be stored with a geohash, got %d", len(pts))
	}
	d, _ := h.store.GetDriver(context.Background(), "d1")
	if d.Location == nil || d.Location.Lng != 77.6111 {
		t.Fatalf("driver location not refreshed: %+v", d.Location)
	}
}

func TestArrivalTransitionsOnce(t *testing.T) {
	h := newHarness(t, models.BookingDriverEnRoute, nil)
	res := h.ping(t, 12.90, 77.602)
	if res.Status != models.BookingDriverArrived {
		t.Fatalf("expected driver_arrived, got %s", res.Status)
	}
	h.ping(t, 12.90, 77.601)

	if n := h.alerts(t, models.AlertArrived); n != 1 {
		t.Fatalf("expected 1 arrival alert, got %d", n)
	}
	b, _ := h.store.GetBooking(context.Background(), "b1")
	arrived := 0
	for _, c := range b.History {
		if c.Status == models.BookingDriverArrived {
			arrived++
		}
	}
	if b.Status != models.BookingDriverArrived || arrived != 1 {
		t.Fatalf("expected one arrived history entry, got status %s entries %d", b.Status, arrived)
	}
}

func TestETAAlertWindow(t *testing.T) {
	h := newHarness(t, models.BookingDriverAssigned, nil)
	h.ping(t, 12.90, 77.6443)
	h.clock = h.clock.Add(10 * time.Second)
	h.ping(t, 12.90, 77.6443)
	if n := h.alerts(t, models.AlertETAUpdate); n != 1 {
		t.Fatalf("expected 1 eta alert inside the window, got %d", n)
	}
	h.clock = h.clock.Add(31 * time.Second)
	h.ping(t, 12.90, 77.6443)
	if n := h.alerts(t, models.AlertETAUpdate); n != 2 {
		t.Fatalf("expected 2 eta alerts, got %d", n)
	}
	all, _ := h.store.ListBookingAlerts(context.Background(), "t1", "b1")
	for _, a := range all {
		if a.Sent {
			t.Fatal("eta alerts are not pushed")
		}
	}
	if len(h.notifier.notified) != 0 {
		t.Fatalf("no notification expected beyond 2 km, got %v", h.notifier.notified)
	}
}

func TestDeviationWindow(t *testing.T) {
	h := newHarness(t, models.BookingTripStarted, nil)
	if res := h.ping(t, 12.90, 77.65); res.Status != models.BookingTripInProgress {
		t.Fatalf("first ping after start should move to trip_in_progress, got %s", res.Status)
	}
	h.ping(t, 12.90, 77.66)
	res := h.ping(t, 12.90, 77.64)
	if len(res.Alerts) != 1 || res.Alerts[0].Type != models.AlertDeviatingRoute || !res.Alerts[0].Sent {
		t.Fatalf("expected a sent deviation alert, got %+v", res.Alerts)
	}
	h.clock = h.clock.Add(time.Minute)
	h.ping(t, 12.90, 77.62)
	if n := h.alerts(t, models.AlertDeviatingRoute); n != 1 {
		t.Fatalf("deviation inside the window must not repeat, got %d", n)
	}
	h.clock = h.clock.Add(6 * time.Minute)
	h.ping(t, 12.90, 77.60)
	if n := h.alerts(t, models.AlertDeviatingRoute); n != 2 {
		t.Fatalf("expected a second deviation alert, got %d", n)
	}
}

func TestAlertFailureDoesNotFailPing(t *testing.T) {
	h := newHarness(t, models.BookingDriverEnRoute, failingAlerts{storage.NewMemoryStore()})
	res := h.ping(t, 12.90, 77.6111)
	if len(res.Alerts) != 0 {
		t.Fatalf("expected no alerts, got %d", len(res.Alerts))
	}
	pts, _ := h.store.RouteHistory(context.Background(), "b1")
	if len(pts) != 1 {
		t.Fatalf("point must be stored, got %d", len(pts))
	}
}

func TestNotifyFailureStillRecordsAlert(t *testing.T) {
	h := newHarness(t, models.BookingDriverEnRoute, nil)
	h.notifier.fail = true
	h.ping(t, 12.90, 77.6111)
	h.ping(t, 12.90, 77.6111)
	all, _ := h.store.ListBookingAlerts(context.Background(), "t1", "b1")
	approaching := 0
	for _, a := range all {
		if a.Type == models.AlertApproachingPickup {
			approaching++
			if a.Sent {
				t.Fatal("alert must be marked unsent")
			}
		}
	}
	if approaching != 1 {
		t.Fatalf("expected 1 approaching alert, got %d", approaching)
	}
}

func TestPingRejected(t *testing.T) {
	h := newHarness(t, models.BookingDriverEnRoute, nil)
	ctx := context.Background()
	cases := []struct {
		name string
		cmd  PingCommand
		want error
	}{
		{"bad coordinates", PingCommand{BookingID: "b1", DriverID: "d1", Lat: 95, Lng: 0}, ErrInvalidPing},
		{"missing booking id", PingCommand{DriverID: "d1", Lat: 1, Lng: 1}, ErrInvalidPing},
		{"unknown booking", PingCommand{BookingID: "nope", DriverID: "d1", Lat: 1, Lng: 1}, ErrBookingNotFound},
		{"other tenant", PingCommand{TenantID: "t2", BookingID: "b1", DriverID: "d1", Lat: 1, Lng: 1}, ErrBookingNotFound},
		{"wrong driver", PingCommand{BookingID: "b1", DriverID: "d2", Lat: 1, Lng: 1}, ErrDriverMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.proc.Process(ctx, tc.cmd); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	idle := newHarness(t, models.BookingSearchingDriver, nil)
	if _, err := idle.proc.Process(ctx, PingCommand{BookingID: "b1", DriverID: "d1", Lat: 1, Lng: 1}); !errors.Is(err, ErrBookingNotActive) {
		t.Fatalf("expected ErrBookingNotActive, got %v", err)
	}
}

func TestLiveLocationFallsBackToHistory(t *testing.T) {
	h := newHarness(t, models.BookingDriverEnRoute, nil)
	ctx := context.Background()
	if _, err := h.proc.LiveLocation(ctx, "t1", "b1"); !errors.Is(err, ErrNoLocation) {
		t.Fatalf("expected ErrNoLocation, got %v", err)
	}
	h.ping(t, 12.91, 77.65)

	loc, err := h.proc.LiveLocation(ctx, "t1", "b1")
	if err != nil || loc.Location.Lat != 12.91 {
		t.Fatalf("unexpected cached location %+v %v", loc, err)
	}

	cold := NewProcessor(h.store, Options{Cache: NewMemoryLiveCache(time.Minute)})
	loc, err = cold.LiveLocation(ctx, "t1", "b1")
	if err != nil || loc.Location.Lng != 77.65 || loc.DriverID != "d1" {
		t.Fatalf("unexpected fallback location %+v %v", loc, err)
	}
}

func TestMemoryLiveCacheExpires(t *testing.T) {
	c := NewMemoryLiveCache(time.Minute)
	now := time.Unix(1700000000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()
	_ = c.Put(ctx, LiveLocation{BookingID: "b1"})
	if _, ok, _ := c.Get(ctx, "b1"); !ok {
		t.Fatal("expected hit")
	}
	now = now.Add(time.Minute)
	if _, ok, _ := c.Get(ctx, "b1"); ok {
		t.Fatal("expected expiry")
	}
}
