// Package database keeps the proxy list in Postgres so several hosts can share
// it, together with the outcome of the latest liveness probe of each entry.
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"ndt-reporter/pkg/config"
	"ndt-reporter/pkg/models"
)

type DB struct {
	*bun.DB
}

// Open prepares a handle without contacting the server
func Open(cfg config.DatabaseConfig) *DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.DSN())))
	return &DB{bun.NewDB(sqldb, pgdialect.New())}
}

// NewDB opens the database and checks that it is reachable
func NewDB(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	db := Open(cfg)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// InitSchema creates the proxies table if it doesn't exist
func (db *DB) InitSchema(ctx context.Context) error {
	_, err := db.NewCreateTable().
		Model((*models.StoredProxy)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	_, err = db.NewCreateIndex().
		Model((*models.StoredProxy)(nil)).
		Index("proxies_last_alive_idx").
		Column("last_alive").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	return nil
}
