package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"
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
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// MarkAccepted upserts so a ride row created elsewhere is updated in place.
func (p *PostgresStore) MarkAccepted(ctx context.Context, rideID, driverID string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, driver_id, status, created_at, updated_at) VALUES($1,$2,$3,now(),now())
ON CONFLICT (id) DO UPDATE SET driver_id=EXCLUDED.driver_id, status=EXCLUDED.status, updated_at=now()`,
		rideID, driverID, StatusAccepted)
	return err
}

// MarkExpired never overwrites an accepted ride.
func (p *PostgresStore) MarkExpired(ctx context.Context, rideID string) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, status, created_at, updated_at) VALUES($1,$2,now(),now())
ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, updated_at=now() WHERE rides.status <> $3`,
		rideID, StatusExpired, StatusAccepted)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate executes migrations/001_create_rides.sql relative to dir.
func (p *PostgresStore) Migrate(ctx context.Context, dir string) error {
	b, err := os.ReadFile(filepath.Join(dir, "001_create_rides.sql"))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, string(b))
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
