// Package postgres backs the data-point store and ingest ledger with
// PostgreSQL. Conflict detection rides on the primary key over the full
// data-point tuple: insert with ON CONFLICT DO NOTHING, then compare the
// surviving row's value when nothing was inserted.
package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// DB wraps the sqlx connection pool shared by the store and ledger.
type DB struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New opens a connection pool and verifies it with a ping.
func New(dsn string, logger *slog.Logger) (*DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &DB{db: db, logger: logger}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS data_points (
	source_field_id INTEGER          NOT NULL,
	location_id     INTEGER          NOT NULL,
	run_time        TIMESTAMPTZ      NOT NULL,
	valid_time      TIMESTAMPTZ      NOT NULL,
	value           DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (source_field_id, location_id, run_time, valid_time)
);

CREATE INDEX IF NOT EXISTS idx_data_points_loc_valid
	ON data_points (location_id, valid_time);

CREATE TABLE IF NOT EXISTS ingest_ledger (
	id          BIGSERIAL   PRIMARY KEY,
	source_id   INTEGER     NOT NULL,
	run_time    TIMESTAMPTZ NOT NULL,
	file_id     TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	reason      TEXT        NOT NULL DEFAULT '',
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ingest_ledger_file
	ON ingest_ledger (source_id, run_time, file_id, id DESC);
`

// Migrate creates the tables and indexes if they do not exist.
func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	d.logger.Info("postgres schema up to date")
	return nil
}
