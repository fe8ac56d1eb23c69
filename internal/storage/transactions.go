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

const insertTransaction = `
INSERT INTO transactions (
    hash, block_number, block_hash, transaction_index, log_index,
    from_address, to_address, value, token_address, token_symbol,
    token_decimals, gas_price, gas_used, timestamp, is_anomaly, anomaly_score
) VALUES (
    :hash, :block_number, :block_hash, :transaction_index, :log_index,
    :from_address, :to_address, :value, :token_address, :token_symbol,
    :token_decimals, :gas_price, :gas_used, :timestamp, :is_anomaly, :anomaly_score
) ON CONFLICT (hash) DO NOTHING`

// InsertTransaction writes one transfer fact inside the caller's transaction.
// Duplicates are skipped, not errors; the bool reports whether a row landed.
func (d *DB) InsertTransaction(ctx context.Context, tx *sqlx.Tx, row *model.Transaction) (bool, error) {
	res, err := tx.NamedExecContext(ctx, insertTransaction, row)
	if err != nil {
		return false, fmt.Errorf("storage: insert transaction %s: %w", row.Hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: insert transaction %s: %w", row.Hash, err)
	}
	d.debugf("transaction insert", zap.String("hash", row.Hash), zap.Bool("inserted", n > 0))
	return n > 0, nil
}

// MaxBlockNumber returns the highest ingested block, the authoritative
// fallback for the watermark. ok is false on an empty table.
func (d *DB) MaxBlockNumber(ctx context.Context) (uint64, bool, error) {
	var max sql.NullInt64
	if err := d.GetContext(ctx, &max, `SELECT MAX(block_number) FROM transactions`); err != nil {
		return 0, false, fmt.Errorf("storage: max block: %w", err)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return uint64(max.Int64), true, nil
}

// CountByHash reports how many rows carry the hash. Only tests and invariant
// checks use it; the unique key keeps the answer at most 1.
func (d *DB) CountByHash(ctx context.Context, hash string) (int, error) {
	var n int
	if err := d.GetContext(ctx, &n, `SELECT COUNT(*) FROM transactions WHERE hash = $1`, hash); err != nil {
		return 0, fmt.Errorf("storage: count hash: %w", err)
	}
	return n, nil
}

// RecentAnomalies lists the newest anomalous transfers, optionally filtered
// by token.
func (d *DB) RecentAnomalies(ctx context.Context, tokenAddress string, limit int) ([]model.Transaction, error) {
	q := `SELECT hash, block_number, block_hash, transaction_index, log_index,
	             from_address, to_address, value, token_address, token_symbol,
	             token_decimals, gas_price, gas_used, timestamp, is_anomaly, anomaly_score
	      FROM transactions WHERE is_anomaly`
	args := []interface{}{}
	if tokenAddress != "" {
		args = append(args, tokenAddress)
		q += fmt.Sprintf(` AND token_address = $%d`, len(args))
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY timestamp DESC LIMIT $%d`, len(args))
	var out []model.Transaction
	if err := d.SelectContext(ctx, &out, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("storage: recent anomalies: %w", err)
	}
	return out, nil
}
