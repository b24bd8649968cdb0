package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/example/taxigrid/internal/grid"
	"github.com/example/taxigrid/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS rides (
	id                BIGSERIAL PRIMARY KEY,
	passenger_user_id TEXT NOT NULL,
	driver_user_id    TEXT NOT NULL DEFAULT '',
	start_x           INTEGER NOT NULL,
	start_y           INTEGER NOT NULL,
	end_x             INTEGER,
	end_y             INTEGER,
	status            TEXT NOT NULL,
	price             DOUBLE PRECISION,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS rides_passenger_idx ON rides (passenger_user_id);
CREATE INDEX IF NOT EXISTS rides_driver_idx ON rides (driver_user_id);
`

const rideColumns = `id, passenger_user_id, driver_user_id, start_x, start_y, end_x, end_y, status, price`

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
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Migrate creates the rides table when missing.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return err
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	if r.Status == "" {
		r.Status = models.StatusPending
	}
	var endX, endY sql.NullInt64
	if r.Destination != nil {
		endX = sql.NullInt64{Int64: int64(r.Destination.X), Valid: true}
		endY = sql.NullInt64{Int64: int64(r.Destination.Y), Valid: true}
	}
	var price sql.NullFloat64
	if r.Price != nil {
		price = sql.NullFloat64{Float64: *r.Price, Valid: true}
	}
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO rides(passenger_user_id, driver_user_id, start_x, start_y, end_x, end_y, status, price)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		r.PassengerID, r.DriverID, r.Pickup.X, r.Pickup.Y, endX, endY, string(r.Status), price).Scan(&id)
	if err != nil {
		return err
	}
	r.ID = strconv.FormatInt(id, 10)
	return nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return models.Ride{}, ErrNotFound
	}
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, n))
}

func (p *PostgresStore) AssignDriver(ctx context.Context, id, driverID string) (models.Ride, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return models.Ride{}, ErrNotFound
	}
	r, err := scanRide(p.db.QueryRowContext(ctx,
		`UPDATE rides SET driver_user_id=$1, status=$2, updated_at=now()
		 WHERE id=$3 AND status=$4 RETURNING `+rideColumns,
		driverID, string(models.StatusDriverAssigned), n, string(models.StatusPending)))
	if errors.Is(err, ErrNotFound) {
		cur, gerr := p.GetRide(ctx, id)
		if gerr != nil {
			return models.Ride{}, gerr
		}
		return cur, ErrNotPending
	}
	return r, err
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to models.RideStatus) (models.Ride, error) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return models.Ride{}, ErrNotFound
	}
	r, err := scanRide(p.db.QueryRowContext(ctx,
		`UPDATE rides SET status=$1, updated_at=now() WHERE id=$2 AND status=$3 RETURNING `+rideColumns,
		string(to), n, string(from)))
	if errors.Is(err, ErrNotFound) {
		cur, gerr := p.GetRide(ctx, id)
		if gerr != nil {
			return models.Ride{}, gerr
		}
		return cur, ErrStatusChanged
	}
	return r, err
}

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+rideColumns+` FROM rides
		 WHERE passenger_user_id=$1 OR driver_user_id=$1 ORDER BY id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DriverBusy(ctx context.Context, driverID string) (bool, error) {
	var busy bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM rides WHERE driver_user_id=$1 AND status NOT IN ($2,$3))`,
		driverID, string(models.StatusCompleted), string(models.StatusCancelled)).Scan(&busy)
	return busy, err
}

func (p *PostgresStore) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (models.Ride, error) {
	var (
		r          models.Ride
		id         int64
		status     string
		endX, endY sql.NullInt64
		price      sql.NullFloat64
	)
	err := row.Scan(&id, &r.PassengerID, &r.DriverID, &r.Pickup.X, &r.Pickup.Y, &endX, &endY, &status, &price)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, ErrNotFound
	}
	if err != nil {
		return models.Ride{}, err
	}
	r.ID = strconv.FormatInt(id, 10)
	r.Status = models.RideStatus(status)
	if endX.Valid && endY.Valid {
		r.Destination = &grid.Position{X: int(endX.Int64), Y: int(endY.Int64)}
	}
	if price.Valid {
		v := price.Float64
		r.Price = &v
	}
	return r, nil
}
