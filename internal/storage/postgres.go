package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-relay/internal/models"
	"github.com/example/ride-relay/internal/ride"
)

// forwardFrom maps each advance target to the single status it is legal from.
var forwardFrom = map[ride.Status]ride.Status{
	ride.StatusArrived:   ride.StatusAccepted,
	ride.StatusStarted:   ride.StatusArrived,
	ride.StatusCompleted: ride.StatusStarted,
}

// PostgresStore is the durable RideStore. Transitions are conditional
// UPDATEs, so the claim compare-and-set and idempotency hold under
// concurrent relays sharing one database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Create(ctx context.Context, r *ride.Ride) error {
	var dropLat, dropLng sql.NullFloat64
	if r.Dropoff != nil {
		dropLat = sql.NullFloat64{Float64: r.Dropoff.Lat, Valid: true}
		dropLng = sql.NullFloat64{Float64: r.Dropoff.Lng, Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO rides(id, rider_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, status, created_at, status_changed_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.RiderID, r.Pickup.Lat, r.Pickup.Lng, dropLat, dropLng,
		string(r.Status), r.CreatedAt, r.StatusChangedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*ride.Ride, error) {
	return p.scanOne(p.db.QueryRowContext(ctx,
		`SELECT id, rider_id, driver_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
		        status, cancelled_by, cancel_reason, created_at, status_changed_at
		 FROM rides WHERE id=$1`, id))
}

func (p *PostgresStore) Active(ctx context.Context) ([]*ride.Ride, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, rider_id, driver_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng,
		        status, cancelled_by, cancel_reason, created_at, status_changed_at
		 FROM rides WHERE status NOT IN ('completed','cancelled')
		 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*ride.Ride
	for rows.Next() {
		r, err := p.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) AcceptRide(ctx context.Context, rideID, driverID string) (*ride.Ride, bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET driver_id=$1, status='accepted', status_changed_at=$2
		 WHERE id=$3 AND status='requested'`,
		driverID, time.Now(), rideID)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	cur, err := p.Get(ctx, rideID)
	if err != nil {
		return nil, false, err
	}
	return cur, n == 1, nil
}

func (p *PostgresStore) AdvanceStatus(ctx context.Context, rideID string, to ride.Status) (*ride.Ride, bool, error) {
	from, ok := forwardFrom[to]
	if !ok {
		cur, err := p.Get(ctx, rideID)
		if err != nil {
			return nil, false, err
		}
		return cur, false, &ride.InvalidTransitionError{RideID: rideID, From: cur.Status, To: to}
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET status=$1, status_changed_at=$2 WHERE id=$3 AND status=$4`,
		string(to), time.Now(), rideID, string(from))
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	cur, err := p.Get(ctx, rideID)
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		return cur, true, nil
	}
	if cur.Status == to {
		// Replay of an applied transition.
		return cur, false, nil
	}
	return cur, false, &ride.InvalidTransitionError{RideID: rideID, From: cur.Status, To: to}
}

func (p *PostgresStore) Cancel(ctx context.Context, rideID, reason string, by ride.Party) (*ride.Ride, bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET status='cancelled', cancelled_by=$1, cancel_reason=$2, status_changed_at=$3
		 WHERE id=$4 AND status NOT IN ('completed','cancelled')`,
		string(by), reason, time.Now(), rideID)
	if err != nil {
		return nil, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	cur, err := p.Get(ctx, rideID)
	if err != nil {
		return nil, false, err
	}
	if n == 1 {
		return cur, true, nil
	}
	if cur.Status == ride.StatusCancelled {
		return cur, false, nil
	}
	return cur, false, &ride.InvalidTransitionError{RideID: rideID, From: cur.Status, To: ride.StatusCancelled}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanOne(row rowScanner) (*ride.Ride, error) {
	var (
		r                sql.NullString
		driverID         sql.NullString
		cancelledBy      sql.NullString
		cancelReason     sql.NullString
		dropLat, dropLng sql.NullFloat64
		out              ride.Ride
	)
	err := row.Scan(&out.ID, &r, &driverID, &out.Pickup.Lat, &out.Pickup.Lng,
		&dropLat, &dropLng, (*string)(&out.Status), &cancelledBy, &cancelReason,
		&out.CreatedAt, &out.StatusChangedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out.RiderID = r.String
	out.DriverID = driverID.String
	out.CancelledBy = ride.Party(cancelledBy.String)
	out.CancelReason = cancelReason.String
	if dropLat.Valid && dropLng.Valid {
		out.Dropoff = &models.Coord{Lat: dropLat.Float64, Lng: dropLng.Float64}
	}
	return &out, nil
}
