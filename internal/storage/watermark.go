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

	"go.uber.org/zap"
)

// GetWatermark reads the durable last-processed block for a chain. ok is
// false when no row exists yet.
func (d *DB) GetWatermark(ctx context.Context, chainID uint64) (uint64, bool, error) {
	var block int64
	err := d.GetContext(ctx, &block,
		`SELECT last_processed_block FROM block_processing_status WHERE chain_id = $1`, int64(chainID))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("storage: get watermark: %w", err)
	}
	return uint64(block), true, nil
}

// SaveWatermark persists the durable watermark. GREATEST keeps saves
// monotone even if a stale writer races a fresher one.
func (d *DB) SaveWatermark(ctx context.Context, chainID, block uint64) error {
	const q = `
	INSERT INTO block_processing_status (chain_id, last_processed_block, updated_at)
	VALUES ($1, $2, now())
	ON CONFLICT (chain_id) DO UPDATE SET
	    last_processed_block = GREATEST(block_processing_status.last_processed_block, EXCLUDED.last_processed_block),
	    updated_at = now()`
	if _, err := d.ExecContext(ctx, q, int64(chainID), int64(block)); err != nil {
		return fmt.Errorf("storage: save watermark: %w", err)
	}
	d.debugf("watermark saved", zap.Uint64("chain", chainID), zap.Uint64("block", block))
	return nil
}
