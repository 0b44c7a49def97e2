package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/driver-dispatch/internal/models"
)

func seedBooking(t *testing.T, m *MemoryStore, id string) {
	t.Helper()
	now := time.Now()
	err := m.CreateBooking(context.Background(), &models.Booking{
		ID: id, TenantID: "t1", CustomerID: "c1", Status: models.BookingSearchingDriver,
		Pickup: models.Place{Lat: 12.9, Lng: 77.6}, CreatedAt: now, UpdatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestMemoryAssignDriverExclusive(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateDriver(ctx, &models.Driver{ID: "d1", TenantID: "t1", Status: models.DriverOnline})
	const n = 16
	for i := 0; i < n; i++ {
		seedBooking(t, m, fmt.Sprintf("b%d", i))
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.AssignDriver(ctx, Assignment{
				BookingID: fmt.Sprintf("b%d", i),
				DriverID:  "d1",
				Change:    models.StatusChange{Status: models.BookingDriverAssigned, At: time.Now()},
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		switch {
		case err == nil:
			success++
		case errors.Is(err, ErrDriverUnavailable):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one assignment, got %d", success)
	}
	assigned, _ := m.ListBookings(ctx, BookingFilter{DriverID: "d1"})
	if len(assigned) != 1 {
		t.Fatalf("driver bound to %d bookings", len(assigned))
	}
}

func TestMemoryAssignDriverRejectsAssignedBooking(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateDriver(ctx, &models.Driver{ID: "d1", TenantID: "t1", Status: models.DriverOnline})
	_ = m.CreateDriver(ctx, &models.Driver{ID: "d2", TenantID: "t1", Status: models.DriverOnline})
	seedBooking(t, m, "b1")

	change := models.StatusChange{Status: models.BookingDriverAssigned, At: time.Now()}
	if _, err := m.AssignDriver(ctx, Assignment{BookingID: "b1", DriverID: "d1", Change: change}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.AssignDriver(ctx, Assignment{BookingID: "b1", DriverID: "d2", Change: change}); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	d2, _ := m.GetDriver(ctx, "d2")
	if d2.Status != models.DriverOnline {
		t.Fatalf("losing driver must stay online, got %s", d2.Status)
	}
}

func TestMemoryUpdateBookingStatusCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	seedBooking(t, m, "b1")
	change := models.StatusChange{Status: models.BookingCancelled, At: time.Now()}

	if _, err := m.UpdateBookingStatus(ctx, "b1", models.BookingRequested, change, BookingPatch{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict on stale from-status, got %v", err)
	}
	b, err := m.UpdateBookingStatus(ctx, "b1", models.BookingSearchingDriver, change, BookingPatch{
		Cancellation: &models.Cancellation{By: "customer", At: change.At},
	})
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != models.BookingCancelled || b.Cancellation == nil || len(b.History) != 1 {
		t.Fatalf("unexpected booking %+v", b)
	}
	if _, err := m.UpdateBookingStatus(ctx, "missing", models.BookingRequested, change, BookingPatch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateDriver(ctx, &models.Driver{ID: "d1", TenantID: "t1", Status: models.DriverOnline, Location: &models.Point{Lat: 1, Lng: 1}})
	d, _ := m.GetDriver(ctx, "d1")
	d.Status = models.DriverOffline
	d.Location.Lat = 50
	again, _ := m.GetDriver(ctx, "d1")
	if again.Status != models.DriverOnline || again.Location.Lat != 1 {
		t.Fatalf("store state leaked through returned pointer: %+v", again)
	}
}

func TestMemoryNotificationsPaging(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Now()
	for i := 0; i < 5; i++ {
		_ = m.CreateNotification(ctx, &models.Notification{ID: fmt.Sprintf("n%d", i), TenantID: "t1", UserID: "u1",
			Status: models.NotificationSent, SentAt: now, CreatedAt: now})
	}
	_ = m.MarkNotificationRead(ctx, "t1", "u1", "n4", now)

	page, total, _ := m.ListNotifications(ctx, NotificationFilter{TenantID: "t1", UserID: "u1", Limit: 2})
	if total != 5 || len(page) != 2 || page[0].ID != "n4" {
		t.Fatalf("unexpected page total=%d page=%+v", total, page)
	}
	unread, total, _ := m.ListNotifications(ctx, NotificationFilter{TenantID: "t1", UserID: "u1", UnreadOnly: true})
	if total != 4 || len(unread) != 4 {
		t.Fatalf("expected 4 unread, got %d", total)
	}
	n, _ := m.MarkAllNotificationsRead(ctx, "t1", "u1", now)
	if n != 4 {
		t.Fatalf("expected 4 marked, got %d", n)
	}
	if c, _ := m.CountUnread(ctx, "t1", "u1"); c != 0 {
		t.Fatalf("expected no unread, got %d", c)
	}
}

func TestMemoryRecentPointsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Now()
	for i := 0; i < 4; i++ {
		_ = m.AppendPoint(ctx, &models.TrackingPoint{ID: fmt.Sprint(i), BookingID: "b1", Timestamp: base.Add(time.Duration(i) * time.Second)})
	}
	pts, _ := m.RecentPoints(ctx, "b1", 3)
	if len(pts) != 3 || pts[0].ID != "3" || pts[2].ID != "1" {
		t.Fatalf("unexpected order %+v", pts)
	}
	hist, _ := m.RouteHistory(ctx, "b1")
	if len(hist) != 4 || hist[0].ID != "0" {
		t.Fatalf("history should be oldest first")
	}
}
