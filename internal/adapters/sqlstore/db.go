// Package sqlstore persists entity state, simulation results and parameter
// presets in a SQL database. Postgres (pgx) and SQLite (modernc) share one
// set of queries written with '?' placeholders and rebound per driver.
package sqlstore

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // driver: sqlite
)

// Driver names accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

const defaultTimeout = 5 * time.Second

func init() { //nolint:gochecknoinits // register placeholder style for the modernc driver
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Open connects to the database and ensures the schema exists.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = "file:alpharank.db?mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres, "postgres":
		driver = DriverPostgres
		if dsn == "" {
			dsn = "postgres://localhost:5432/alpharank?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported sql driver: %s", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// One writer at a time; also keeps :memory: databases on one connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema: %w", err)
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sqlx.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// The DDL is valid for both SQLite and Postgres.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS entity_state (
  scope        TEXT NOT NULL,
  entity_id    TEXT NOT NULL,
  season       INTEGER NOT NULL,
  class        TEXT NOT NULL DEFAULT '',
  last_period  INTEGER NOT NULL,
  smoothed     DOUBLE PRECISION NOT NULL,
  tier         TEXT NOT NULL DEFAULT '',
  volatility   DOUBLE PRECISION NULL,
  momentum     DOUBLE PRECISION NULL,
  history      TEXT NOT NULL,
  updated_at   BIGINT NOT NULL,
  PRIMARY KEY (scope, entity_id, season)
)`,
	`CREATE TABLE IF NOT EXISTS rating_results (
  run_id     TEXT NOT NULL,
  entity_id  TEXT NOT NULL,
  season     INTEGER NOT NULL,
  period     INTEGER NOT NULL,
  class      TEXT NOT NULL,
  tier       TEXT NOT NULL,
  rating     DOUBLE PRECISION NOT NULL,
  flagged    INTEGER NOT NULL DEFAULT 0,
  flags      TEXT NOT NULL DEFAULT '',
  record     TEXT NOT NULL,
  PRIMARY KEY (run_id, entity_id, season, period)
)`,
	`CREATE INDEX IF NOT EXISTS rating_results_run_period ON rating_results (run_id, season, period)`,
	`CREATE TABLE IF NOT EXISTS presets (
  name        TEXT PRIMARY KEY,
  description TEXT NOT NULL DEFAULT '',
  params      TEXT NOT NULL,
  created_at  BIGINT NOT NULL,
  updated_at  BIGINT NOT NULL
)`,
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = defaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
