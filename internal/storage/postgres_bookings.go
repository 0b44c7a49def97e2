package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/models"
)

const bookingColumns = `id, tenant_id, booking_number, customer_id, vehicle_id, driver_id, service_area_id,
	pickup_address, pickup_lat, pickup_lng, drop_address, drop_lat, drop_lng, service_type, scheduled_for,
	trip_pin, status, pricing, payment, ratings, cancellation, trip_start, trip_end, total_minutes,
	created_at, updated_at`

func (p *PostgresStore) CreateBooking(ctx context.Context, b *models.Booking) error {
	pricing, payment, ratings, cancellation, err := marshalBookingDocs(b)
	if err != nil {
		return err
	}
	var dropAddr sql.NullString
	var dropLat, dropLng sql.NullFloat64
	if b.Drop != nil {
		dropAddr = sql.NullString{String: b.Drop.Address, Valid: true}
		dropLat = sql.NullFloat64{Float64: b.Drop.Lat, Valid: true}
		dropLng = sql.NullFloat64{Float64: b.Drop.Lng, Valid: true}
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		b.ID, b.TenantID, b.BookingNumber, b.CustomerID, b.VehicleID, nullString(b.DriverID), b.ServiceAreaID,
		b.Pickup.Address, b.Pickup.Lat, b.Pickup.Lng, dropAddr, dropLat, dropLng, b.ServiceType, b.ScheduledFor,
		b.TripPIN, string(b.Status), string(pricing), string(payment), string(ratings), nullString(string(cancellation)), b.TripStart, b.TripEnd,
		b.TotalMinutes, b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return mapWriteErr(err)
	}
	for _, h := range b.History {
		if err := insertHistory(ctx, tx, b.ID, h); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if b.History, err = p.history(ctx, id); err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) ListBookings(ctx context.Context, f BookingFilter) ([]*models.Booking, error) {
	var (
		conds []string
		args  []any
	)
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		conds = append(conds, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if f.DriverID != "" {
		args = append(args, f.DriverID)
		conds = append(conds, fmt.Sprintf("driver_id = $%d", len(args)))
	}
	if f.CustomerID != "" {
		args = append(args, f.CustomerID)
		conds = append(conds, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	q := `SELECT ` + bookingColumns + ` FROM bookings` + where(conds) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var out []*models.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, b)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, b := range out {
		if b.History, err = p.history(ctx, b.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *PostgresStore) UpdateBookingStatus(ctx context.Context, id string, from models.BookingStatus, change models.StatusChange, patch BookingPatch) (*models.Booking, error) {
	sets := []string{"status = $3", "updated_at = $4"}
	args := []any{id, string(from), string(change.Status), change.At}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.TripStart != nil {
		add("trip_start", *patch.TripStart)
	}
	if patch.TripEnd != nil {
		add("trip_end", *patch.TripEnd)
	}
	if patch.TotalMinutes != nil {
		add("total_minutes", *patch.TotalMinutes)
	}
	if patch.Payment != nil {
		b, err := json.Marshal(patch.Payment)
		if err != nil {
			return nil, err
		}
		add("payment", string(b))
	}
	if patch.Cancellation != nil {
		b, err := json.Marshal(patch.Cancellation)
		if err != nil {
			return nil, err
		}
		add("cancellation", string(b))
	}
	if patch.ClearDriver {
		sets = append(sets, "driver_id = NULL")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	q := `UPDATE bookings SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 AND status = $2`
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, bookingMissOrConflict(ctx, tx, id)
	}
	if err := insertHistory(ctx, tx, id, change); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.GetBooking(ctx, id)
}

// AssignDriver claims the driver and binds it to the booking in one
// transaction. The driver row is locked first on every path.
func (p *PostgresStore) AssignDriver(ctx context.Context, a Assignment) (*models.Booking, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE drivers SET status = 'busy', updated_at = $2
		WHERE id = $1 AND status = 'online'`, a.DriverID, a.Change.At)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, ErrDriverUnavailable
	}

	res, err = tx.ExecContext(ctx, `UPDATE bookings SET driver_id = $2, status = $3, updated_at = $4
		WHERE id = $1 AND driver_id IS NULL AND status = 'searching_driver'`,
		a.BookingID, a.DriverID, string(a.Change.Status), a.Change.At)
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		var driverID sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT driver_id FROM bookings WHERE id = $1`, a.BookingID).Scan(&driverID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil, ErrNotFound
		case err != nil:
			return nil, err
		case driverID.Valid:
			return nil, ErrAlreadyAssigned
		default:
			return nil, ErrConflict
		}
	}
	if err := insertHistory(ctx, tx, a.BookingID, a.Change); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return p.GetBooking(ctx, a.BookingID)
}

func (p *PostgresStore) history(ctx context.Context, bookingID string) ([]models.StatusChange, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT status, at, updated_by, note FROM booking_status_history
		WHERE booking_id = $1 ORDER BY id`, bookingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.StatusChange
	for rows.Next() {
		var (
			h      models.StatusChange
			status string
		)
		if err := rows.Scan(&status, &h.At, &h.UpdatedBy, &h.Note); err != nil {
			return nil, err
		}
		h.Status = models.BookingStatus(status)
		out = append(out, h)
	}
	return out, rows.Err()
}

func insertHistory(ctx context.Context, tx *sql.Tx, bookingID string, h models.StatusChange) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO booking_status_history (booking_id, status, at, updated_by, note)
		VALUES ($1,$2,$3,$4,$5)`, bookingID, string(h.Status), h.At, h.UpdatedBy, h.Note)
	return err
}

func bookingMissOrConflict(ctx context.Context, tx *sql.Tx, id string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM bookings WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func scanBooking(s scanner) (*models.Booking, error) {
	var (
		b                  models.Booking
		driverID           sql.NullString
		dropAddr           sql.NullString
		dropLat, dropLng   sql.NullFloat64
		scheduled          sql.NullTime
		status             string
		pricing, payment   []byte
		ratings, cancelDoc []byte
		tripStart, tripEnd sql.NullTime
	)
	err := s.Scan(&b.ID, &b.TenantID, &b.BookingNumber, &b.CustomerID, &b.VehicleID, &driverID, &b.ServiceAreaID,
		&b.Pickup.Address, &b.Pickup.Lat, &b.Pickup.Lng, &dropAddr, &dropLat, &dropLng, &b.ServiceType, &scheduled,
		&b.TripPIN, &status, &pricing, &payment, &ratings, &cancelDoc, &tripStart, &tripEnd, &b.TotalMinutes,
		&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.DriverID = driverID.String
	b.Status = models.BookingStatus(status)
	if dropLat.Valid && dropLng.Valid {
		b.Drop = &models.Place{Address: dropAddr.String, Lat: dropLat.Float64, Lng: dropLng.Float64}
	}
	b.ScheduledFor = timeFromNull(scheduled)
	b.TripStart = timeFromNull(tripStart)
	b.TripEnd = timeFromNull(tripEnd)
	if err := unmarshalDoc(pricing, &b.Pricing); err != nil {
		return nil, err
	}
	if err := unmarshalDoc(payment, &b.Payment); err != nil {
		return nil, err
	}
	if err := unmarshalDoc(ratings, &b.Ratings); err != nil {
		return nil, err
	}
	if len(cancelDoc) > 0 {
		var c models.Cancellation
		if err := json.Unmarshal(cancelDoc, &c); err != nil {
			return nil, err
		}
		b.Cancellation = &c
	}
	return &b, nil
}

func marshalBookingDocs(b *models.Booking) (pricing, payment, ratings, cancellation []byte, err error) {
	if pricing, err = json.Marshal(b.Pricing); err != nil {
		return
	}
	if payment, err = json.Marshal(b.Payment); err != nil {
		return
	}
	if ratings, err = json.Marshal(b.Ratings); err != nil {
		return
	}
	if b.Cancellation != nil {
		cancellation, err = json.Marshal(b.Cancellation)
	}
	return
}

func unmarshalDoc(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ---- trip sessions

const tripSessionColumns = `id, tenant_id, booking_id, driver_id, customer_id, pin, pin_verified, verified_at,
	status, start_time, end_time, start_lat, start_lng, end_lat, end_lng, actual_minutes, created_at`

func (p *PostgresStore) CreateTripSession(ctx context.Context, s *models.TripSession) (*models.TripSession, error) {
	sLat, sLng := nullPoint(s.StartLocation)
	eLat, eLng := nullPoint(s.EndLocation)
	_, err := p.db.ExecContext(ctx, `INSERT INTO trip_sessions (`+tripSessionColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (booking_id) DO NOTHING`,
		s.ID, s.TenantID, s.BookingID, s.DriverID, s.CustomerID, s.PIN, s.PINVerified, s.VerifiedAt,
		string(s.Status), s.StartTime, s.EndTime, sLat, sLng, eLat, eLng, s.ActualMinutes, s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p.GetTripSessionByBooking(ctx, s.BookingID)
}

func (p *PostgresStore) GetTripSessionByBooking(ctx context.Context, bookingID string) (*models.TripSession, error) {
	var (
		s            models.TripSession
		status       string
		verifiedAt   sql.NullTime
		startT, endT sql.NullTime
		sLat, sLng   sql.NullFloat64
		eLat, eLng   sql.NullFloat64
	)
	err := p.db.QueryRowContext(ctx, `SELECT `+tripSessionColumns+` FROM trip_sessions WHERE booking_id = $1`, bookingID).
		Scan(&s.ID, &s.TenantID, &s.BookingID, &s.DriverID, &s.CustomerID, &s.PIN, &s.PINVerified, &verifiedAt,
			&status, &startT, &endT, &sLat, &sLng, &eLat, &eLng, &s.ActualMinutes, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = models.TripSessionStatus(status)
	s.VerifiedAt = timeFromNull(verifiedAt)
	s.StartTime = timeFromNull(startT)
	s.EndTime = timeFromNull(endT)
	s.StartLocation = pointFromNull(sLat, sLng)
	s.EndLocation = pointFromNull(eLat, eLng)
	return &s, nil
}

func (p *PostgresStore) UpdateTripSession(ctx context.Context, s *models.TripSession) error {
	sLat, sLng := nullPoint(s.StartLocation)
	eLat, eLng := nullPoint(s.EndLocation)
	res, err := p.db.ExecContext(ctx, `UPDATE trip_sessions SET pin_verified = $2, verified_at = $3, status = $4,
		start_time = $5, end_time = $6, start_lat = $7, start_lng = $8, end_lat = $9, end_lng = $10,
		actual_minutes = $11 WHERE booking_id = $1`,
		s.BookingID, s.PINVerified, s.VerifiedAt, string(s.Status), s.StartTime, s.EndTime, sLat, sLng, eLat, eLng,
		s.ActualMinutes)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}
