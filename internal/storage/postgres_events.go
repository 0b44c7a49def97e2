package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/models"
)

// ---- geo alerts

const alertColumns = `id, tenant_id, booking_id, driver_id, customer_id, alert_type, message, lat, lng,
	metadata, sent, sent_at, created_at`

func (p *PostgresStore) CreateAlert(ctx context.Context, a *models.GeoAlert) error {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO geo_alerts (`+alertColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		a.ID, a.TenantID, a.BookingID, a.DriverID, a.CustomerID, string(a.Type), a.Message,
		a.Location.Lat, a.Location.Lng, string(meta), a.Sent, a.SentAt, a.CreatedAt)
	return err
}

func (p *PostgresStore) HasAlert(ctx context.Context, bookingID string, t models.AlertType) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM geo_alerts WHERE booking_id = $1 AND alert_type = $2)`,
		bookingID, string(t)).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) LatestAlert(ctx context.Context, bookingID string, t models.AlertType) (*models.GeoAlert, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM geo_alerts
		WHERE booking_id = $1 AND alert_type = $2 ORDER BY created_at DESC LIMIT 1`, bookingID, string(t))
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (p *PostgresStore) ListBookingAlerts(ctx context.Context, tenantID, bookingID string) ([]*models.GeoAlert, error) {
	return p.queryAlerts(ctx, `SELECT `+alertColumns+` FROM geo_alerts
		WHERE tenant_id = $1 AND booking_id = $2 ORDER BY created_at DESC`, tenantID, bookingID)
}

func (p *PostgresStore) ListDriverAlerts(ctx context.Context, tenantID, driverID string, limit int) ([]*models.GeoAlert, error) {
	if limit <= 0 {
		limit = 20
	}
	return p.queryAlerts(ctx, `SELECT `+alertColumns+` FROM geo_alerts
		WHERE tenant_id = $1 AND driver_id = $2 ORDER BY created_at DESC LIMIT $3`, tenantID, driverID, limit)
}

func (p *PostgresStore) queryAlerts(ctx context.Context, q string, args ...any) ([]*models.GeoAlert, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.GeoAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAlert(s scanner) (*models.GeoAlert, error) {
	var (
		a         models.GeoAlert
		alertType string
		meta      []byte
		sentAt    sql.NullTime
	)
	err := s.Scan(&a.ID, &a.TenantID, &a.BookingID, &a.DriverID, &a.CustomerID, &alertType, &a.Message,
		&a.Location.Lat, &a.Location.Lng, &meta, &a.Sent, &sentAt, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Type = models.AlertType(alertType)
	a.SentAt = timeFromNull(sentAt)
	if err := unmarshalDoc(meta, &a.Metadata); err != nil {
		return nil, err
	}
	return &a, nil
}

// ---- location tracking

const pointColumns = `id, tenant_id, booking_id, driver_id, lat, lng, geohash, accuracy, speed, heading, status, recorded_at`

func (p *PostgresStore) AppendPoint(ctx context.Context, pt *models.TrackingPoint) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO location_tracking (`+pointColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		pt.ID, pt.TenantID, pt.BookingID, pt.DriverID, pt.Location.Lat, pt.Location.Lng, pt.Geohash,
		pt.Accuracy, pt.Speed, pt.Heading, pt.Status, pt.Timestamp)
	return err
}

// RecentPoints returns the last n points in arrival order, newest first.
// seq is assigned by the database, so a late or backdated ping cannot
// displace the latest one.
func (p *PostgresStore) RecentPoints(ctx context.Context, bookingID string, n int) ([]*models.TrackingPoint, error) {
	return p.queryPoints(ctx, `SELECT `+pointColumns+` FROM location_tracking
		WHERE booking_id = $1 ORDER BY seq DESC LIMIT $2`, bookingID, n)
}

func (p *PostgresStore) RouteHistory(ctx context.Context, bookingID string) ([]*models.TrackingPoint, error) {
	return p.queryPoints(ctx, `SELECT `+pointColumns+` FROM location_tracking
		WHERE booking_id = $1 ORDER BY seq`, bookingID)
}

func (p *PostgresStore) queryPoints(ctx context.Context, q string, args ...any) ([]*models.TrackingPoint, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.TrackingPoint
	for rows.Next() {
		var pt models.TrackingPoint
		if err := rows.Scan(&pt.ID, &pt.TenantID, &pt.BookingID, &pt.DriverID, &pt.Location.Lat, &pt.Location.Lng,
			&pt.Geohash, &pt.Accuracy, &pt.Speed, &pt.Heading, &pt.Status, &pt.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, &pt)
	}
	return out, rows.Err()
}

// ---- notifications

const notificationColumns = `id, tenant_id, user_id, type, channel, title, body, data, status, sent_at, read_at, created_at`

func (p *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	var data sql.NullString
	if n.Data != nil {
		b, err := json.Marshal(n.Data)
		if err != nil {
			return err
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO notifications (`+notificationColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		n.ID, n.TenantID, n.UserID, n.Type, n.Channel, n.Title, n.Body, data, string(n.Status), n.SentAt,
		n.ReadAt, n.CreatedAt)
	return err
}

func (p *PostgresStore) ListNotifications(ctx context.Context, f NotificationFilter) ([]*models.Notification, int, error) {
	cond := `tenant_id = $1 AND user_id = $2`
	if f.UnreadOnly {
		cond += ` AND read_at IS NULL`
	}
	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE `+cond, f.TenantID, f.UserID).
		Scan(&total); err != nil {
		return nil, 0, err
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE `+cond+`
		ORDER BY created_at DESC LIMIT $3 OFFSET $4`, f.TenantID, f.UserID, limit, f.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*models.Notification
	for rows.Next() {
		var (
			n      models.Notification
			data   []byte
			status string
			readAt sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.TenantID, &n.UserID, &n.Type, &n.Channel, &n.Title, &n.Body, &data, &status,
			&n.SentAt, &readAt, &n.CreatedAt); err != nil {
			return nil, 0, err
		}
		n.Status = models.NotificationStatus(status)
		n.ReadAt = timeFromNull(readAt)
		if err := unmarshalDoc(data, &n.Data); err != nil {
			return nil, 0, err
		}
		out = append(out, &n)
	}
	return out, total, rows.Err()
}

func (p *PostgresStore) CountUnread(ctx context.Context, tenantID, userID string) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications
		WHERE tenant_id = $1 AND user_id = $2 AND read_at IS NULL`, tenantID, userID).Scan(&n)
	return n, err
}

func (p *PostgresStore) MarkNotificationRead(ctx context.Context, tenantID, userID, id string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET status = 'read', read_at = $4
		WHERE id = $1 AND tenant_id = $2 AND user_id = $3`, id, tenantID, userID, at)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (p *PostgresStore) MarkAllNotificationsRead(ctx context.Context, tenantID, userID string, at time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE notifications SET status = 'read', read_at = $3
		WHERE tenant_id = $1 AND user_id = $2 AND read_at IS NULL`, tenantID, userID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ---- dashboard

func (p *PostgresStore) DashboardStats(ctx context.Context, tenantID string, since time.Time) (models.DashboardStats, error) {
	var s models.DashboardStats
	pending := statusStrings(PendingBookingStatuses)
	active := statusStrings(ActiveBookingStatuses)
	err := p.db.QueryRowContext(ctx, `SELECT
		COUNT(*) FILTER (WHERE status = ANY($2)),
		COUNT(*) FILTER (WHERE status = ANY($3)),
		COUNT(*) FILTER (WHERE status IN ('trip_completed','payment_pending','payment_done','closed') AND trip_end >= $4),
		COUNT(*) FILTER (WHERE status = 'cancelled' AND (cancellation->>'cancelled_at')::timestamptz >= $4),
		COALESCE(SUM((payment->>'paid_amount')::float8) FILTER (WHERE (payment->>'paid_at')::timestamptz >= $4), 0)
		FROM bookings WHERE tenant_id = $1`, tenantID, pq.Array(pending), pq.Array(active), since).
		Scan(&s.PendingBookings, &s.ActiveBookings, &s.CompletedToday, &s.CancelledToday, &s.TodayRevenue)
	if err != nil {
		return s, err
	}
	err = p.db.QueryRowContext(ctx, `SELECT
		COUNT(*) FILTER (WHERE status = 'online'),
		COUNT(*) FILTER (WHERE status = 'busy'),
		COALESCE(SUM(pending_settlement), 0)
		FROM drivers WHERE tenant_id = $1`, tenantID).
		Scan(&s.OnlineDrivers, &s.BusyDrivers, &s.PendingSettlements)
	return s, err
}

func statusStrings(in []models.BookingStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
