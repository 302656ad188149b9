package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/precheck/monitor/internal/monitor"
)

// DB is the subset of *pgxpool.Pool used by PostgresRepository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const createSnapshotsTable = `
	CREATE TABLE IF NOT EXISTS health_snapshots (
		snapshot_id     TEXT PRIMARY KEY,
		status          TEXT NOT NULL,
		total_services  INTEGER NOT NULL,
		failed_services INTEGER NOT NULL,
		success_rate    DOUBLE PRECISION NOT NULL,
		generated_at    TIMESTAMPTZ NOT NULL,
		snapshot        JSONB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS health_snapshots_generated_at_idx
		ON health_snapshots (generated_at DESC);
`

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	db DB
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new PostgreSQL snapshot repository.
func NewPostgresRepository(db DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Migrate creates the snapshot table when missing.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, createSnapshotsTable); err != nil {
		return fmt.Errorf("create health_snapshots: %w", err)
	}
	return nil
}

// Save stores a snapshot.
func (r *PostgresRepository) Save(ctx context.Context, snapshot *monitor.AggregateHealth) error {
	doc, err := json.Marshal(compact(snapshot))
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	query := `
		INSERT INTO health_snapshots (
			snapshot_id, status, total_services, failed_services, success_rate, generated_at, snapshot
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (snapshot_id) DO NOTHING
	`

	_, err = r.db.Exec(ctx, query,
		snapshot.ID,
		string(snapshot.Status),
		snapshot.Total,
		snapshot.Failed,
		snapshot.SuccessRate,
		snapshot.GeneratedAt,
		doc,
	)
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snapshot.ID, err)
	}
	return nil
}

// List returns up to limit snapshots, newest first.
func (r *PostgresRepository) List(ctx context.Context, limit int) ([]*monitor.AggregateHealth, error) {
	query := `
		SELECT snapshot
		FROM health_snapshots
		ORDER BY generated_at DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}

	snaps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*monitor.AggregateHealth, error) {
		var doc []byte
		if err := row.Scan(&doc); err != nil {
			return nil, err
		}
		var snap monitor.AggregateHealth
		if err := json.Unmarshal(doc, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		return &snap, nil
	})
	if err != nil {
		return nil, err
	}
	return snaps, nil
}
