// Copyright 2024 The msq-tx-monitor Authors
// This file is part of the msq-tx-monitor library.
//
// The msq-tx-monitor library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The msq-tx-monitor library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the msq-tx-monitor library. If not, see <http://www.gnu.org/licenses/>.

// Package storage is the Postgres persistence layer: schema migrations, the
// write-side repositories used inside the drain transaction, and the
// read-side aggregation queries behind the dashboard. All SQL lives here;
// callers never see raw statements.
package storage

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DB wraps the pooled connection plus the monitor's repositories.
type DB struct {
	*sqlx.DB
	log      *zap.Logger
	logQuery bool
}

// Open connects, configures the pool and pings. The pool is sized for the
// single drainer plus the dashboard's parallel aggregation queries.
func Open(ctx context.Context, cfg config.DB, logQueries bool, log *zap.Logger) (*DB, error) {
	db, err := sqlx.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return Wrap(db, logQueries, log), nil
}

// Wrap adopts an already-open connection. Callers own the pool settings.
func Wrap(db *sqlx.DB, logQueries bool, log *zap.Logger) *DB {
	return &DB{DB: db, log: log.Named("storage"), logQuery: logQueries}
}

// Migrate brings the schema up to date using the embedded goose migrations.
func (d *DB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("storage: dialect: %w", err)
	}
	if err := goose.UpContext(ctx, d.DB.DB, "migrations"); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, d.DB.DB)
	if err == nil {
		d.log.Info("schema up to date", zap.Int64("version", version))
	}
	return nil
}

// Healthy reports whether the database answers a ping within the deadline.
func (d *DB) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return d.PingContext(ctx) == nil
}

func (d *DB) debugf(msg string, fields ...zap.Field) {
	if d.logQuery {
		d.log.Debug(msg, fields...)
	}
}
