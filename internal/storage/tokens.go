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
	"fmt"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
)

// ListActiveTokens returns the monitored token set; it backs the in-memory
// registry.
func (d *DB) ListActiveTokens(ctx context.Context) ([]model.Token, error) {
	const q = `SELECT address, symbol, name, decimals, is_active
	           FROM tokens WHERE is_active ORDER BY symbol`
	var out []model.Token
	if err := d.SelectContext(ctx, &out, q); err != nil {
		return nil, fmt.Errorf("storage: list tokens: %w", err)
	}
	return out, nil
}
