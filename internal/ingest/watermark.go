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

package ingest

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/cache"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/storage"
)

// Watermarks persists the last processed block. Reads go through three
// levels: the Redis fast store, the processing-status row, and finally the
// highest stored transaction. A fast-store miss that resolves deeper
// repopulates Redis on the way out.
type Watermarks struct {
	db      *storage.DB
	cache   *cache.Cache
	chainID uint64
	log     *zap.Logger
}

// NewWatermarks builds the store for one chain id.
func NewWatermarks(db *storage.DB, c *cache.Cache, chainID uint64, log *zap.Logger) *Watermarks {
	return &Watermarks{db: db, cache: c, chainID: chainID, log: log.Named("watermark")}
}

func (w *Watermarks) key() string {
	return w.cache.Key("watermark", strconv.FormatUint(w.chainID, 10))
}

// Load resolves the resume point. A fresh deployment resolves to 0.
func (w *Watermarks) Load(ctx context.Context) (uint64, error) {
	if raw, ok := w.cache.Get(ctx, w.key()); ok {
		if n, err := strconv.ParseUint(raw, 10, 64); err == nil {
			return n, nil
		}
		w.log.Warn("discarding corrupt fast watermark", zap.String("raw", raw))
	}

	if n, ok, err := w.db.GetWatermark(ctx, w.chainID); err != nil {
		return 0, err
	} else if ok {
		w.SaveFast(ctx, n)
		return n, nil
	}

	if n, ok, err := w.db.MaxBlockNumber(ctx); err != nil {
		return 0, err
	} else if ok {
		w.SaveFast(ctx, n)
		w.log.Info("watermark recovered from transaction history", zap.Uint64("block", n))
		return n, nil
	}
	return 0, nil
}

// SaveFast writes the fast store, best effort. The key never expires; a
// stale fast value is caught by the monotone durable save.
func (w *Watermarks) SaveFast(ctx context.Context, block uint64) {
	w.cache.Set(ctx, w.key(), strconv.FormatUint(block, 10), 0)
}

// SaveDurable upserts the processing-status row. The row only moves
// forward, so replays and races cannot rewind it.
func (w *Watermarks) SaveDurable(ctx context.Context, block uint64) error {
	if err := w.db.SaveWatermark(ctx, w.chainID, block); err != nil {
		return err
	}
	w.SaveFast(ctx, block)
	return nil
}
