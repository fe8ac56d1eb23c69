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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
)

const selectStatsColumns = `
    address, token_address, total_sent, total_received,
    transaction_count_sent, transaction_count_received,
    avg_transaction_size, avg_transaction_size_sent, avg_transaction_size_received,
    max_transaction_size, max_transaction_size_sent, max_transaction_size_received,
    velocity_score, diversity_score, risk_score, dormancy_period,
    is_whale, is_suspicious, is_active, behavioral_flags, last_activity_type,
    first_seen, last_seen, updated_at`

const upsertStats = `
INSERT INTO address_statistics (
    address, token_address, total_sent, total_received,
    transaction_count_sent, transaction_count_received,
    avg_transaction_size, avg_transaction_size_sent, avg_transaction_size_received,
    max_transaction_size, max_transaction_size_sent, max_transaction_size_received,
    velocity_score, diversity_score, risk_score, dormancy_period,
    is_whale, is_suspicious, is_active, behavioral_flags, last_activity_type,
    first_seen, last_seen, updated_at
) VALUES (
    :address, :token_address, :total_sent, :total_received,
    :transaction_count_sent, :transaction_count_received,
    :avg_transaction_size, :avg_transaction_size_sent, :avg_transaction_size_received,
    :max_transaction_size, :max_transaction_size_sent, :max_transaction_size_received,
    :velocity_score, :diversity_score, :risk_score, :dormancy_period,
    :is_whale, :is_suspicious, :is_active, :behavioral_flags, :last_activity_type,
    :first_seen, :last_seen, :updated_at
) ON CONFLICT (address, token_address) DO UPDATE SET
    total_sent = EXCLUDED.total_sent,
    total_received = EXCLUDED.total_received,
    transaction_count_sent = EXCLUDED.transaction_count_sent,
    transaction_count_received = EXCLUDED.transaction_count_received,
    avg_transaction_size = EXCLUDED.avg_transaction_size,
    avg_transaction_size_sent = EXCLUDED.avg_transaction_size_sent,
    avg_transaction_size_received = EXCLUDED.avg_transaction_size_received,
    max_transaction_size = EXCLUDED.max_transaction_size,
    max_transaction_size_sent = EXCLUDED.max_transaction_size_sent,
    max_transaction_size_received = EXCLUDED.max_transaction_size_received,
    velocity_score = EXCLUDED.velocity_score,
    diversity_score = EXCLUDED.diversity_score,
    risk_score = EXCLUDED.risk_score,
    dormancy_period = EXCLUDED.dormancy_period,
    is_whale = EXCLUDED.is_whale,
    is_suspicious = EXCLUDED.is_suspicious,
    is_active = EXCLUDED.is_active,
    behavioral_flags = EXCLUDED.behavioral_flags,
    last_activity_type = EXCLUDED.last_activity_type,
    first_seen = EXCLUDED.first_seen,
    last_seen = EXCLUDED.last_seen,
    updated_at = EXCLUDED.updated_at`

// GetStatsForUpdate reads the row for (address, token) under the caller's
// transaction with a row lock, serializing concurrent updates of the same
// pair. A missing row returns (nil, nil).
func (d *DB) GetStatsForUpdate(ctx context.Context, tx *sqlx.Tx, address, tokenAddress string) (*model.AddressStats, error) {
	q := `SELECT` + selectStatsColumns + `
	      FROM address_statistics
	      WHERE address = $1 AND token_address = $2
	      FOR UPDATE`
	var s model.AddressStats
	err := tx.GetContext(ctx, &s, q, address, tokenAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: stats for update: %w", err)
	}
	return &s, nil
}

// UpsertStats writes the full recomputed row inside the caller's transaction.
func (d *DB) UpsertStats(ctx context.Context, tx *sqlx.Tx, s *model.AddressStats) error {
	if _, err := tx.NamedExecContext(ctx, upsertStats, s); err != nil {
		return fmt.Errorf("storage: upsert stats %s/%s: %w", s.Address, s.TokenAddress, err)
	}
	d.debugf("stats upsert", zap.String("address", s.Address), zap.String("token", s.TokenAddress))
	return nil
}

// StatsForToken streams every statistics row of one token, the ranking
// engine's working set.
func (d *DB) StatsForToken(ctx context.Context, tokenAddress string) ([]model.AddressStats, error) {
	q := `SELECT` + selectStatsColumns + `
	      FROM address_statistics WHERE token_address = $1`
	var out []model.AddressStats
	if err := d.SelectContext(ctx, &out, q, tokenAddress); err != nil {
		return nil, fmt.Errorf("storage: stats for token: %w", err)
	}
	return out, nil
}

// GetStats reads one row without locking, for the read path.
func (d *DB) GetStats(ctx context.Context, address, tokenAddress string) (*model.AddressStats, error) {
	q := `SELECT` + selectStatsColumns + `
	      FROM address_statistics WHERE address = $1 AND token_address = $2`
	var s model.AddressStats
	err := d.GetContext(ctx, &s, q, address, tokenAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get stats: %w", err)
	}
	return &s, nil
}
