package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/example/driver-dispatch/internal/models"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreWithDB(db), mock
}

var bookingCols = []string{"id", "tenant_id", "booking_number", "customer_id", "vehicle_id", "driver_id",
	"service_area_id", "pickup_address", "pickup_lat", "pickup_lng", "drop_address", "drop_lat", "drop_lng",
	"service_type", "scheduled_for", "trip_pin", "status", "pricing", "payment", "ratings", "cancellation",
	"trip_start", "trip_end", "total_minutes", "created_at", "updated_at"}

func bookingRow(id, driverID string, status models.BookingStatus, at time.Time) *sqlmock.Rows {
	var driver any
	if driverID != "" {
		driver = driverID
	}
	return sqlmock.NewRows(bookingCols).AddRow(id, "t1", "DB-1", "c1", "", driver, "", "MG Road", 12.90, 77.60,
		nil, nil, nil, "standard", nil, "1234", string(status), []byte(`{"final_amount":120,"currency":"INR"}`),
		[]byte(`{"status":"pending"}`), []byte(`{}`), nil, nil, nil, 0, at, at)
}

func TestAssignDriverCommitsBothWrites(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE drivers SET status = 'busy'`).
		WithArgs("d1", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bookings SET driver_id = \$2`).
		WithArgs("b1", "d1", "driver_assigned", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO booking_status_history`).
		WithArgs("b1", "driver_assigned", at, "dispatcher", "auto").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT .* FROM bookings WHERE id = \$1`).
		WithArgs("b1").
		WillReturnRows(bookingRow("b1", "d1", models.BookingDriverAssigned, at))
	mock.ExpectQuery(`FROM booking_status_history`).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "at", "updated_by", "note"}).
			AddRow("requested", at, "c1", "").
			AddRow("driver_assigned", at, "dispatcher", "auto"))

	b, err := store.AssignDriver(context.Background(), Assignment{
		BookingID: "b1",
		DriverID:  "d1",
		Change:    models.StatusChange{Status: models.BookingDriverAssigned, At: at, UpdatedBy: "dispatcher", Note: "auto"},
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if b.DriverID != "d1" || b.Status != models.BookingDriverAssigned || len(b.History) != 2 {
		t.Fatalf("unexpected booking %+v", b)
	}
	if b.Pricing.FinalAmount != 120 {
		t.Fatalf("pricing not decoded: %+v", b.Pricing)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAssignDriverLostDriverCAS(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE drivers SET status = 'busy'`).
		WithArgs("d1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := store.AssignDriver(context.Background(), Assignment{
		BookingID: "b1", DriverID: "d1",
		Change: models.StatusChange{Status: models.BookingDriverAssigned, At: at},
	})
	if !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("expected ErrDriverUnavailable, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAssignDriverRollsBackWhenBookingTaken(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE drivers SET status = 'busy'`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE bookings SET driver_id`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT driver_id FROM bookings`).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"driver_id"}).AddRow("d9"))
	mock.ExpectRollback()

	_, err := store.AssignDriver(context.Background(), Assignment{
		BookingID: "b1", DriverID: "d1",
		Change: models.StatusChange{Status: models.BookingDriverAssigned, At: at},
	})
	if !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("expected ErrAlreadyAssigned, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCompareAndSetDriverStatusConflict(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now()

	mock.ExpectExec(`UPDATE drivers SET status = \$3`).
		WithArgs("d1", "busy", "online", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("d1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.CompareAndSetDriverStatus(context.Background(), "d1", models.DriverBusy, models.DriverOnline, at)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateBookingStatusConflict(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE bookings SET status = \$3, updated_at = \$4 WHERE id = \$1 AND status = \$2`).
		WithArgs("b1", "driver_en_route", "driver_arrived", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("b1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := store.UpdateBookingStatus(context.Background(), "b1", models.BookingDriverEnRoute,
		models.StatusChange{Status: models.BookingDriverArrived, At: at}, BookingPatch{})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestHasAlert(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM geo_alerts`).
		WithArgs("b1", "driver_arrived").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := store.HasAlert(context.Background(), "b1", models.AlertArrived)
	if err != nil || !ok {
		t.Fatalf("expected alert to exist, got %v %v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLatestAlertNone(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(`FROM geo_alerts`).
		WithArgs("b1", "eta_update").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	a, err := store.LatestAlert(context.Background(), "b1", models.AlertETAUpdate)
	if err != nil || a != nil {
		t.Fatalf("expected nil alert, got %+v %v", a, err)
	}
}

func TestRecentPointsFollowArrivalOrder(t *testing.T) {
	store, mock := newMockStore(t)
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cols := []string{"id", "tenant_id", "booking_id", "driver_id", "lat", "lng", "geohash", "accuracy", "speed", "heading", "status", "recorded_at"}
	// p2 arrived last but carries an earlier client timestamp
	mock.ExpectQuery(`FROM location_tracking\s+WHERE booking_id = \$1 ORDER BY seq DESC LIMIT \$2`).
		WithArgs("b1", 3).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("p2", "t1", "b1", "d1", 12.91, 77.60, "tdr1y2b", 5.0, 0.0, 0.0, "", at.Add(-time.Minute)).
			AddRow("p1", "t1", "b1", "d1", 12.90, 77.60, "tdr1y2a", 5.0, 0.0, 0.0, "", at))

	pts, err := store.RecentPoints(context.Background(), "b1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(pts) != 2 || pts[0].ID != "p2" || pts[1].ID != "p1" {
		t.Fatalf("unexpected order %+v", pts)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresIntegrationAssign(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := store.ApplyMigrations(ctx, "../../migrations"); err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	suffix := now.Format("150405.000")
	d := &models.Driver{ID: "it-d-" + suffix, TenantID: "it", UserID: "u", Status: models.DriverOnline,
		Location: &models.Point{Lat: 12.9, Lng: 77.6}, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateDriver(ctx, d); err != nil {
		t.Fatal(err)
	}
	b := &models.Booking{ID: "it-b-" + suffix, TenantID: "it", BookingNumber: "IT", CustomerID: "c",
		Pickup: models.Place{Lat: 12.9, Lng: 77.6}, Status: models.BookingSearchingDriver, CreatedAt: now, UpdatedAt: now,
		History: []models.StatusChange{{Status: models.BookingSearchingDriver, At: now}}}
	if err := store.CreateBooking(ctx, b); err != nil {
		t.Fatal(err)
	}
	got, err := store.AssignDriver(ctx, Assignment{BookingID: b.ID, DriverID: d.ID,
		Change: models.StatusChange{Status: models.BookingDriverAssigned, At: now}})
	if err != nil {
		t.Fatal(err)
	}
	if got.DriverID != d.ID || len(got.History) != 2 {
		t.Fatalf("unexpected booking %+v", got)
	}
	if _, err := store.AssignDriver(ctx, Assignment{BookingID: b.ID, DriverID: d.ID,
		Change: models.StatusChange{Status: models.BookingDriverAssigned, At: now}}); !errors.Is(err, ErrDriverUnavailable) {
		t.Fatalf("second claim should lose the driver CAS, got %v", err)
	}
}
