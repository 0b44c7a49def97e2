package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/example/driver-dispatch/internal/models"
)

// PostgresStore persists the dispatch engine in PostgreSQL (schema in migrations/).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing handle.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// ApplyMigrations executes every *.sql file in dir in lexical order.
// Statements are written to be idempotent.
func (p *PostgresStore) ApplyMigrations(ctx context.Context, dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	applied := make([]string, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return applied, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return applied, fmt.Errorf("migration %s: %w", filepath.Base(f), err)
		}
		applied = append(applied, filepath.Base(f))
	}
	return applied, nil
}

// ---- service areas

const areaColumns = `id, tenant_id, name, city, zone_code, area_type, center_lat, center_lng, radius_km,
	polygon_lat, polygon_lng, base_fare, per_km, per_minute, night_surcharge_pct, peak_surcharge_pct,
	min_fare, max_distance_km, active, created_at, updated_at`

func (p *PostgresStore) CreateArea(ctx context.Context, a *models.ServiceArea) error {
	lats, lngs := splitRing(a.Polygon)
	cLat, cLng := nullPoint(a.Center)
	_, err := p.db.ExecContext(ctx, `INSERT INTO service_areas (`+areaColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		a.ID, a.TenantID, a.Name, a.City, a.ZoneCode, string(a.Type), cLat, cLng, a.RadiusKm,
		pq.Array(lats), pq.Array(lngs), a.Pricing.BaseFare, a.Pricing.PerKm, a.Pricing.PerMinute,
		a.Pricing.NightSurchargePct, a.Pricing.PeakSurchargePct, a.Pricing.MinFare, a.MaxDistanceKm,
		a.Active, a.CreatedAt, a.UpdatedAt)
	return mapWriteErr(err)
}

func (p *PostgresStore) GetArea(ctx context.Context, id string) (*models.ServiceArea, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+areaColumns+` FROM service_areas WHERE id = $1`, id)
	a, err := scanArea(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (p *PostgresStore) ListAreas(ctx context.Context, f AreaFilter) ([]*models.ServiceArea, error) {
	var (
		conds []string
		args  []any
	)
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		conds = append(conds, fmt.Sprintf("tenant_id = $%d", len(args)))
	}
	if f.City != "" {
		args = append(args, f.City)
		conds = append(conds, fmt.Sprintf("city = $%d", len(args)))
	}
	if f.Active != nil {
		args = append(args, *f.Active)
		conds = append(conds, fmt.Sprintf("active = $%d", len(args)))
	}
	q := `SELECT ` + areaColumns + ` FROM service_areas` + where(conds) + ` ORDER BY created_at, id`
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.ServiceArea
	for rows.Next() {
		a, err := scanArea(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateArea(ctx context.Context, a *models.ServiceArea) error {
	lats, lngs := splitRing(a.Polygon)
	cLat, cLng := nullPoint(a.Center)
	res, err := p.db.ExecContext(ctx, `UPDATE service_areas SET name=$2, city=$3, zone_code=$4, area_type=$5,
		center_lat=$6, center_lng=$7, radius_km=$8, polygon_lat=$9, polygon_lng=$10, base_fare=$11, per_km=$12,
		per_minute=$13, night_surcharge_pct=$14, peak_surcharge_pct=$15, min_fare=$16, max_distance_km=$17,
		active=$18, updated_at=$19 WHERE id=$1`,
		a.ID, a.Name, a.City, a.ZoneCode, string(a.Type), cLat, cLng, a.RadiusKm, pq.Array(lats), pq.Array(lngs),
		a.Pricing.BaseFare, a.Pricing.PerKm, a.Pricing.PerMinute, a.Pricing.NightSurchargePct,
		a.Pricing.PeakSurchargePct, a.Pricing.MinFare, a.MaxDistanceKm, a.Active, a.UpdatedAt)
	if err != nil {
		return mapWriteErr(err)
	}
	return requireOneRow(res)
}

func scanArea(s scanner) (*models.ServiceArea, error) {
	var (
		a          models.ServiceArea
		areaType   string
		cLat, cLng sql.NullFloat64
		lats, lngs []float64
	)
	err := s.Scan(&a.ID, &a.TenantID, &a.Name, &a.City, &a.ZoneCode, &areaType, &cLat, &cLng, &a.RadiusKm,
		pq.Array(&lats), pq.Array(&lngs), &a.Pricing.BaseFare, &a.Pricing.PerKm, &a.Pricing.PerMinute,
		&a.Pricing.NightSurchargePct, &a.Pricing.PeakSurchargePct, &a.Pricing.MinFare, &a.MaxDistanceKm,
		&a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Type = models.AreaType(areaType)
	a.Center = pointFromNull(cLat, cLng)
	for i := range lats {
		if i < len(lngs) {
			a.Polygon = append(a.Polygon, models.Point{Lat: lats[i], Lng: lngs[i]})
		}
	}
	return &a, nil
}

// ---- drivers

const driverColumns = `id, tenant_id, user_id, name, license_number, verification_status, status, lat, lng,
	location_updated_at, last_online_at, rating, completed_trips, cancelled_trips, acceptance_rate,
	total_earnings, pending_settlement, created_at, updated_at`

func (p *PostgresStore) CreateDriver(ctx context.Context, d *models.Driver) error {
	lat, lng := nullPoint(d.Location)
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers (`+driverColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`,
		d.ID, d.TenantID, d.UserID, d.Name, d.LicenseNumber, d.VerificationStatus, string(d.Status), lat, lng,
		d.LocationUpdatedAt, d.LastOnlineAt, d.Rating, d.CompletedTrips, d.CancelledTrips, d.AcceptanceRate,
		d.TotalEarnings, d.PendingSettlement, d.CreatedAt, d.UpdatedAt)
	return mapWriteErr(err)
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, id)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) GetDrivers(ctx context.Context, ids []string) ([]*models.Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return p.queryDrivers(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1) ORDER BY created_at, id`, pq.Array(ids))
}

func (p *PostgresStore) ListDrivers(ctx context.Context, f DriverFilter) ([]*models.Driver, error) {
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
	if f.HasLocation {
		conds = append(conds, "lat IS NOT NULL AND lng IS NOT NULL")
	}
	return p.queryDrivers(ctx, `SELECT `+driverColumns+` FROM drivers`+where(conds)+` ORDER BY created_at, id`, args...)
}

func (p *PostgresStore) queryDrivers(ctx context.Context, q string, args ...any) ([]*models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetDriverStatus(ctx context.Context, id string, status models.DriverStatus, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET status = $2, updated_at = $3,
		last_online_at = CASE WHEN $2 = 'online' THEN $3 ELSE last_online_at END WHERE id = $1`,
		id, string(status), at)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

// CompareAndSetDriverStatus is the optimistic status write: the WHERE clause
// carries the expected pre-state, so zero affected rows means we lost.
func (p *PostgresStore) CompareAndSetDriverStatus(ctx context.Context, id string, from, to models.DriverStatus, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET status = $3, updated_at = $4,
		last_online_at = CASE WHEN $3 = 'online' THEN $4 ELSE last_online_at END
		WHERE id = $1 AND status = $2`, id, string(from), string(to), at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM drivers WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (p *PostgresStore) UpdateDriverLocation(ctx context.Context, id string, pt models.Point, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE drivers SET lat = $2, lng = $3, location_updated_at = $4, updated_at = $4
		WHERE id = $1`, id, pt.Lat, pt.Lng, at)
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func (p *PostgresStore) RecordTripOutcome(ctx context.Context, id string, completed bool, earnings float64) error {
	var (
		res sql.Result
		err error
	)
	if completed {
		res, err = p.db.ExecContext(ctx, `UPDATE drivers SET completed_trips = completed_trips + 1,
			total_earnings = total_earnings + $2, pending_settlement = pending_settlement + $2 WHERE id = $1`, id, earnings)
	} else {
		res, err = p.db.ExecContext(ctx, `UPDATE drivers SET cancelled_trips = cancelled_trips + 1 WHERE id = $1`, id)
	}
	if err != nil {
		return err
	}
	return requireOneRow(res)
}

func scanDriver(s scanner) (*models.Driver, error) {
	var (
		d               models.Driver
		status          string
		lat, lng        sql.NullFloat64
		locAt, onlineAt sql.NullTime
	)
	err := s.Scan(&d.ID, &d.TenantID, &d.UserID, &d.Name, &d.LicenseNumber, &d.VerificationStatus, &status,
		&lat, &lng, &locAt, &onlineAt, &d.Rating, &d.CompletedTrips, &d.CancelledTrips, &d.AcceptanceRate,
		&d.TotalEarnings, &d.PendingSettlement, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = models.DriverStatus(status)
	d.Location = pointFromNull(lat, lng)
	d.LocationUpdatedAt = timeFromNull(locAt)
	d.LastOnlineAt = timeFromNull(onlineAt)
	return &d, nil
}

// ---- helpers

type scanner interface {
	Scan(dest ...any) error
}

func where(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// unique_violation
const pqUniqueViolation = "23505"

func mapWriteErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
		return ErrDuplicate
	}
	return err
}

func splitRing(ring []models.Point) ([]float64, []float64) {
	if len(ring) == 0 {
		return nil, nil
	}
	lats := make([]float64, len(ring))
	lngs := make([]float64, len(ring))
	for i, pt := range ring {
		lats[i], lngs[i] = pt.Lat, pt.Lng
	}
	return lats, lngs
}

func nullPoint(pt *models.Point) (sql.NullFloat64, sql.NullFloat64) {
	if pt == nil {
		return sql.NullFloat64{}, sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: pt.Lat, Valid: true}, sql.NullFloat64{Float64: pt.Lng, Valid: true}
}

func pointFromNull(lat, lng sql.NullFloat64) *models.Point {
	if !lat.Valid || !lng.Valid {
		return nil
	}
	return &models.Point{Lat: lat.Float64, Lng: lng.Float64}
}

func timeFromNull(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time
	return &ts
}
