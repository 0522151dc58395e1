package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// Structs

// PostgresStore keeps one row per session in a snapshots table. It suits
// deployments that already operate a database and want snapshot durability
// beyond the hub's local disk.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Functions

// NewPostgresStore connects to the database described by the supplied
// parameters and ensures the snapshots table exists.
func NewPostgresStore(ctx context.Context, ip string, port uint16, database, user, password string, useTLS bool) (*PostgresStore, error) {

	sslMode := "disable"
	if useTLS {
		sslMode = "require"
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		ip, port, database, user, password, sslMode)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to snapshot database")
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS snapshots (
			session_id TEXT PRIMARY KEY,
			snapshot   BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`)
	if err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "ensuring snapshots table")
	}

	return &PostgresStore{pool: pool}, nil
}

// Put upserts the snapshot row for one session.
func (s *PostgresStore) Put(sessionID string, snapshot []byte) error {

	_, err := s.pool.Exec(context.Background(), `
		INSERT INTO snapshots (session_id, snapshot, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (session_id)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = now()`,
		sessionID, snapshot)
	if err != nil {
		return errors.Wrap(err, "upserting snapshot row")
	}

	return nil
}

// Get reads the snapshot row for one session.
func (s *PostgresStore) Get(sessionID string) ([]byte, bool, error) {

	var snapshot []byte

	err := s.pool.QueryRow(context.Background(),
		`SELECT snapshot FROM snapshots WHERE session_id = $1`,
		sessionID).Scan(&snapshot)
	if err == pgx.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "querying snapshot row")
	}

	return snapshot, true, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}
