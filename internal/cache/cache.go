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

// Package cache fronts Redis for the hot read paths. Every accessor is
// fail-open: a Redis outage degrades to database reads, it never breaks them.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
)

const (
	dialTimeout  = 5 * time.Second
	opTimeout    = 3 * time.Second
	healthPeriod = 10 * time.Second

	// Reconnect backoff grows linearly per attempt and is capped.
	reconnectStep = 100 * time.Millisecond
	reconnectCap  = 2 * time.Second
	reconnectMax  = 10
)

// Stats is a point-in-time snapshot of cache traffic counters.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Sets    uint64  `json:"sets"`
	Deletes uint64  `json:"deletes"`
	Errors  uint64  `json:"errors"`
	HitRate float64 `json:"hitRate"`
}

// Health reports reachability and round-trip latency.
type Health struct {
	Available bool    `json:"available"`
	LatencyMS float64 `json:"latencyMs"`
}

// Cache wraps a Redis client with a key namespace, TTL classes and
// traffic counters. The zero value is not usable; call New.
type Cache struct {
	rdb    *redis.Client
	prefix string
	log    *zap.Logger

	ttl config.Cache

	available atomic.Bool
	hits      atomic.Uint64
	misses    atomic.Uint64
	sets      atomic.Uint64
	deletes   atomic.Uint64
	errors    atomic.Uint64
}

// New builds a cache around the configured Redis endpoint. No connection is
// attempted until Start.
func New(cfg config.Cache, log *zap.Logger) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  dialTimeout,
		ReadTimeout:  opTimeout,
		WriteTimeout: opTimeout,
	})
	return &Cache{
		rdb:    rdb,
		prefix: cfg.KeyPrefix,
		log:    log.Named("cache"),
		ttl:    cfg,
	}
}

// Start pings Redis and launches the availability monitor. An unreachable
// Redis is logged, not fatal: the process starts degraded and the monitor
// keeps trying.
func (c *Cache) Start(ctx context.Context) {
	if err := c.ping(ctx); err != nil {
		c.log.Warn("redis unreachable, starting degraded", zap.Error(err))
	} else {
		c.available.Store(true)
		c.log.Info("redis connected", zap.String("addr", c.rdb.Options().Addr))
	}
	go c.monitor(ctx)
}

// Close releases the underlying client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Available reports whether the last health probe succeeded.
func (c *Cache) Available() bool {
	return c.available.Load()
}

// Key joins parts under the configured namespace.
func (c *Cache) Key(parts ...string) string {
	return c.prefix + ":" + strings.Join(parts, ":")
}

// Get fetches a key. Misses and errors both report !ok; errors are counted
// and logged at debug so a flapping Redis cannot flood the log.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if !c.available.Load() {
		c.misses.Add(1)
		return "", false
	}
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		c.misses.Add(1)
		return "", false
	}
	if err != nil {
		c.errors.Add(1)
		c.misses.Add(1)
		c.log.Debug("get failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	c.hits.Add(1)
	return val, true
}

// GetJSON fetches and unmarshals a key into dst.
func (c *Cache) GetJSON(ctx context.Context, key string, dst interface{}) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		c.errors.Add(1)
		c.log.Warn("corrupt cache entry", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Set stores a value with a TTL. Failures are swallowed after counting.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if !c.available.Load() {
		return
	}
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		c.errors.Add(1)
		c.log.Debug("set failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.sets.Add(1)
}

// SetJSON marshals and stores a value with a TTL.
func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	raw, err := json.Marshal(value)
	if err != nil {
		c.errors.Add(1)
		c.log.Warn("marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	c.Set(ctx, key, string(raw), ttl)
}

// BatchSet pipelines several writes that share one TTL class. Used by the
// ranking engine to refresh all leaderboards in one round trip.
func (c *Cache) BatchSet(ctx context.Context, entries map[string]string, ttl time.Duration) {
	if !c.available.Load() || len(entries) == 0 {
		return
	}
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range entries {
			pipe.Set(ctx, k, v, ttl)
		}
		return nil
	})
	if err != nil {
		c.errors.Add(1)
		c.log.Debug("batch set failed", zap.Int("entries", len(entries)), zap.Error(err))
		return
	}
	c.sets.Add(uint64(len(entries)))
}

// Delete removes keys.
func (c *Cache) Delete(ctx context.Context, keys ...string) {
	if !c.available.Load() || len(keys) == 0 {
		return
	}
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		c.errors.Add(1)
		c.log.Debug("delete failed", zap.Error(err))
		return
	}
	c.deletes.Add(uint64(n))
}

// DeleteByPattern scans and removes every key matching the pattern under the
// namespace. Invalidation is best effort.
func (c *Cache) DeleteByPattern(ctx context.Context, pattern string) {
	if !c.available.Load() {
		return
	}
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.errors.Add(1)
			c.log.Debug("scan failed", zap.String("pattern", pattern), zap.Error(err))
			return
		}
		if len(keys) > 0 {
			c.Delete(ctx, keys...)
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Stats snapshots the traffic counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Sets:    c.sets.Load(),
		Deletes: c.deletes.Load(),
		Errors:  c.errors.Load(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// CheckHealth probes Redis and reports latency.
func (c *Cache) CheckHealth(ctx context.Context) Health {
	start := time.Now()
	if err := c.ping(ctx); err != nil {
		return Health{Available: false}
	}
	return Health{Available: true, LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
}

func (c *Cache) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

// monitor probes Redis on a fixed period. On failure it retries with a
// linearly growing backoff before declaring the cache unavailable; it keeps
// probing so a recovered Redis is picked up without a restart.
func (c *Cache) monitor(ctx context.Context) {
	ticker := time.NewTicker(healthPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if c.ping(ctx) == nil {
			if !c.available.Swap(true) {
				c.log.Info("redis recovered")
			}
			continue
		}
		c.reconnect(ctx)
	}
}

func (c *Cache) reconnect(ctx context.Context) {
	if c.available.Swap(false) {
		c.log.Warn("redis connection lost, entering degraded mode")
	}
	for attempt := 1; attempt <= reconnectMax; attempt++ {
		delay := time.Duration(attempt) * reconnectStep
		if delay > reconnectCap {
			delay = reconnectCap
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if c.ping(ctx) == nil {
			c.available.Store(true)
			c.log.Info("redis recovered", zap.Int("attempt", attempt))
			return
		}
	}
	c.log.Error("redis still unreachable", zap.Int("attempts", reconnectMax))
}
