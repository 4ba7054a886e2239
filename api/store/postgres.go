package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	pool *pgxpool.Pool
}

func Connect(databaseURL string) (*DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() {
	db.pool.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

func Migrate(db *DB) error {
	ctx := context.Background()
	_, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS nodes (
			id             TEXT PRIMARY KEY,
			name           TEXT NOT NULL DEFAULT '',
			org            TEXT NOT NULL DEFAULT '',
			region         TEXT NOT NULL DEFAULT '',
			hostname       TEXT NOT NULL DEFAULT '',
			status         TEXT NOT NULL DEFAULT 'provisioning',
			override       TEXT NOT NULL DEFAULT '',
			cpu_total      INTEGER NOT NULL DEFAULT 0,
			memory_total   INTEGER NOT NULL DEFAULT 0,
			disk_total     INTEGER NOT NULL DEFAULT 0,
			cpu_used       INTEGER NOT NULL DEFAULT 0,
			memory_used    INTEGER NOT NULL DEFAULT 0,
			disk_used      INTEGER NOT NULL DEFAULT 0,
			containers     INTEGER NOT NULL DEFAULT 0,
			secret         TEXT NOT NULL DEFAULT '',
			last_heartbeat TIMESTAMPTZ,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_nodes_region_status ON nodes(region, status);

		CREATE TABLE IF NOT EXISTS registration_tokens (
			token_hash  TEXT PRIMARY KEY,
			node_id     TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE,
			org         TEXT NOT NULL DEFAULT '',
			region      TEXT NOT NULL DEFAULT '',
			expires_at  TIMESTAMPTZ NOT NULL,
			used_at     TIMESTAMPTZ,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		);

		CREATE TABLE IF NOT EXISTS tasks (
			id              TEXT PRIMARY KEY,
			seq             BIGSERIAL,
			node_id         TEXT NOT NULL,
			type            TEXT NOT NULL,
			resource_type   TEXT NOT NULL,
			resource_id     TEXT NOT NULL,
			payload         JSONB,
			priority        INTEGER NOT NULL DEFAULT 5,
			status          TEXT NOT NULL DEFAULT 'pending',
			output          TEXT NOT NULL DEFAULT '',
			error           TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			sent_at         TIMESTAMPTZ,
			acknowledged_at TIMESTAMPTZ,
			started_at      TIMESTAMPTZ,
			finished_at     TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_node_status ON tasks(node_id, status, priority, created_at, seq);
		CREATE INDEX IF NOT EXISTS idx_tasks_resource ON tasks(resource_type, resource_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_finished ON tasks(finished_at) WHERE finished_at IS NOT NULL;
	`)
	return err
}
