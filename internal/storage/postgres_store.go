package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Migrate applies every .sql file in dir in lexical order. Files are
// expected to be idempotent (CREATE TABLE IF NOT EXISTS and friends).
func (p *PostgresStore) Migrate(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

const rideCols = `id, passenger_id, driver_id, origin_lat, origin_lng, origin_address,
	dest_lat, dest_lng, dest_address, vehicle_class, payment_method,
	fare_estimate, fare_actual, status, code4, cancel_reason, cancelled_by,
	route, created_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	route, err := json.Marshal(r.Route)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO rides(`+rideCols+`)
		VALUES($1,$2,NULLIF($3,''),$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		r.ID, r.PassengerID, r.DriverID, r.Origin.Lat, r.Origin.Lng, r.OriginAddr,
		r.Destination.Lat, r.Destination.Lng, r.DestAddr, r.VehicleClass, r.PaymentMethod,
		r.FareEstimate, r.FareActual, r.Status, r.Code4, r.CancelReason, r.CancelledBy,
		route, r.CreatedAt, r.UpdatedAt)
	return err
}

func scanRide(row interface{ Scan(...any) error }) (*models.Ride, error) {
	var r models.Ride
	var driverID, code4, cancelReason, cancelledBy, originAddr, destAddr sql.NullString
	var fareEstimate, fareActual sql.NullFloat64
	var route []byte
	err := row.Scan(&r.ID, &r.PassengerID, &driverID, &r.Origin.Lat, &r.Origin.Lng, &originAddr,
		&r.Destination.Lat, &r.Destination.Lng, &destAddr, &r.VehicleClass, &r.PaymentMethod,
		&fareEstimate, &fareActual, &r.Status, &code4, &cancelReason, &cancelledBy,
		&route, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRideNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DriverID = driverID.String
	r.Code4 = code4.String
	r.CancelReason = cancelReason.String
	r.CancelledBy = cancelledBy.String
	r.OriginAddr = originAddr.String
	r.DestAddr = destAddr.String
	r.FareEstimate = fareEstimate.Float64
	r.FareActual = fareActual.Float64
	if len(route) > 0 {
		_ = json.Unmarshal(route, &r.Route)
	}
	return &r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id=$1`, id))
}

func updateRideExec(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, r *models.Ride) error {
	route, err := json.Marshal(r.Route)
	if err != nil {
		return err
	}
	res, err := ex.ExecContext(ctx, `UPDATE rides SET driver_id=NULLIF($1,''), status=$2,
		fare_actual=$3, cancel_reason=$4, cancelled_by=$5, route=$6, updated_at=$7 WHERE id=$8`,
		r.DriverID, r.Status, r.FareActual, r.CancelReason, r.CancelledBy, route, time.Now(), r.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRideNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	return updateRideExec(ctx, p.db, r)
}

func (p *PostgresStore) CreateDispatchRequest(ctx context.Context, dr *models.DispatchRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO dispatch_requests(ride_id, driver_id, sent_at, response, timed_out)
		VALUES($1,$2,$3,$4,$5) ON CONFLICT (ride_id, driver_id) DO NOTHING`,
		dr.RideID, dr.DriverID, dr.SentAt, dr.Response, dr.TimedOut)
	return err
}

func (p *PostgresStore) SetDispatchResponse(ctx context.Context, rideID, driverID, response string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `UPDATE dispatch_requests SET response=$1, response_at=$2
		WHERE ride_id=$3 AND driver_id=$4`, response, at, rideID, driverID)
	return err
}

func (p *PostgresStore) MarkDispatchTimedOut(ctx context.Context, rideID string) error {
	_, err := p.db.ExecContext(ctx, `UPDATE dispatch_requests SET timed_out=TRUE
		WHERE ride_id=$1 AND response='no_response'`, rideID)
	return err
}

func (p *PostgresStore) queryDispatchRequests(ctx context.Context, q string, args ...any) ([]models.DispatchRequest, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.DispatchRequest
	for rows.Next() {
		var dr models.DispatchRequest
		var responseAt sql.NullTime
		if err := rows.Scan(&dr.RideID, &dr.DriverID, &dr.SentAt, &dr.Response, &responseAt, &dr.TimedOut); err != nil {
			return nil, err
		}
		if responseAt.Valid {
			t := responseAt.Time
			dr.ResponseAt = &t
		}
		out = append(out, dr)
	}
	return out, rows.Err()
}

func (p *PostgresStore) PendingDispatchRequests(ctx context.Context, rideID, excludeDriver string) ([]models.DispatchRequest, error) {
	return p.queryDispatchRequests(ctx, `SELECT ride_id, driver_id, sent_at, response, response_at, timed_out
		FROM dispatch_requests WHERE ride_id=$1 AND driver_id<>$2 AND response='no_response' ORDER BY sent_at`,
		rideID, excludeDriver)
}

func (p *PostgresStore) DispatchRequestsForRide(ctx context.Context, rideID string) ([]models.DispatchRequest, error) {
	return p.queryDispatchRequests(ctx, `SELECT ride_id, driver_id, sent_at, response, response_at, timed_out
		FROM dispatch_requests WHERE ride_id=$1 ORDER BY sent_at`, rideID)
}

func (p *PostgresStore) SetDriverAvailable(ctx context.Context, driverID string, available bool) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO drivers(driver_id, is_available) VALUES($1,$2)
		ON CONFLICT (driver_id) DO UPDATE SET is_available=EXCLUDED.is_available`, driverID, available)
	return err
}

func (p *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	t := &pgTx{ctx: ctx, tx: sqlTx}
	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

type pgTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *pgTx) GetRideForUpdate(rideID string) (*models.Ride, error) {
	return scanRide(t.tx.QueryRowContext(t.ctx, `SELECT `+rideCols+` FROM rides WHERE id=$1 FOR UPDATE`, rideID))
}

func (t *pgTx) UpdateRide(r *models.Ride) error {
	return updateRideExec(t.ctx, t.tx, r)
}

func (t *pgTx) SetDispatchResponse(rideID, driverID, response string, at time.Time) error {
	_, err := t.tx.ExecContext(t.ctx, `UPDATE dispatch_requests SET response=$1, response_at=$2
		WHERE ride_id=$3 AND driver_id=$4`, response, at, rideID, driverID)
	return err
}

func (t *pgTx) SetDriverAvailable(driverID string, available bool) error {
	_, err := t.tx.ExecContext(t.ctx, `INSERT INTO drivers(driver_id, is_available) VALUES($1,$2)
		ON CONFLICT (driver_id) DO UPDATE SET is_available=EXCLUDED.is_available`, driverID, available)
	return err
}
