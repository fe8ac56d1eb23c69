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

package cache

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := New(config.Cache{Host: host, Port: port, KeyPrefix: "msq:monitor"}, zap.NewNop())
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)
	require.True(t, c.Available())
	return c, mr
}

func TestKeyNamespacing(t *testing.T) {
	c := New(config.Cache{KeyPrefix: "msq:monitor"}, zap.NewNop())
	require.Equal(t, "msq:monitor:stats:summary:24h", c.Key("stats", "summary", "24h"))
}

func TestGetSetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, c.Key("absent"))
	require.False(t, ok)

	c.Set(ctx, c.Key("greeting"), "hello", time.Minute)
	val, ok := c.Get(ctx, c.Key("greeting"))
	require.True(t, ok)
	require.Equal(t, "hello", val)

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.Hits)
	require.Equal(t, uint64(1), stats.Misses)
	require.Equal(t, uint64(1), stats.Sets)
	require.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, c.Key("ttl"), "v", 30*time.Second)
	mr.FastForward(31 * time.Second)

	_, ok := c.Get(ctx, c.Key("ttl"))
	require.False(t, ok)
}

func TestJSONRoundTripAndCorruption(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	type payload struct {
		Count int    `json:"count"`
		Name  string `json:"name"`
	}
	c.SetJSON(ctx, c.Key("json"), payload{Count: 3, Name: "whale"}, time.Minute)

	var got payload
	require.True(t, c.GetJSON(ctx, c.Key("json"), &got))
	require.Equal(t, payload{Count: 3, Name: "whale"}, got)

	require.NoError(t, mr.Set(c.Key("bad"), "{not json"))
	require.False(t, c.GetJSON(ctx, c.Key("bad"), &got))
	require.NotZero(t, c.Stats().Errors)
}

func TestBatchSetPipelines(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	entries := map[string]string{
		c.Key("rankings", "whales"): `["a"]`,
		c.Key("rankings", "risky"):  `["b"]`,
		c.Key("rankings", "active"): `["c"]`,
	}
	c.BatchSet(ctx, entries, 5*time.Minute)

	for k, want := range entries {
		got, err := mr.Get(k)
		require.NoError(t, err)
		require.Equal(t, want, got)
		require.Equal(t, 5*time.Minute, mr.TTL(k))
	}
	require.Equal(t, uint64(3), c.Stats().Sets)
}

func TestDeleteByPattern(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, c.Key("stats", "a"), "1", time.Minute)
	c.Set(ctx, c.Key("stats", "b"), "2", time.Minute)
	c.Set(ctx, c.Key("rankings", "a"), "3", time.Minute)

	c.DeleteByPattern(ctx, c.Key("stats", "*"))

	require.False(t, mr.Exists(c.Key("stats", "a")))
	require.False(t, mr.Exists(c.Key("stats", "b")))
	require.True(t, mr.Exists(c.Key("rankings", "a")))
	require.Equal(t, uint64(2), c.Stats().Deletes)
}

func TestOutageDegradesToMisses(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, c.Key("k"), "v", time.Minute)
	mr.Close()

	_, ok := c.Get(ctx, c.Key("k"))
	require.False(t, ok, "an unreachable redis reads as a miss")
	require.NotZero(t, c.Stats().Errors)
}

func TestUnavailableShortCircuits(t *testing.T) {
	c := New(config.Cache{Host: "127.0.0.1", Port: 1, KeyPrefix: "msq:monitor"}, zap.NewNop())
	ctx := context.Background()

	require.False(t, c.Available())
	_, ok := c.Get(ctx, c.Key("k"))
	require.False(t, ok)
	c.Set(ctx, c.Key("k"), "v", time.Minute)
	require.Zero(t, c.Stats().Sets)
	require.Equal(t, uint64(1), c.Stats().Misses)
}

func TestCheckHealth(t *testing.T) {
	c, mr := newTestCache(t)

	h := c.CheckHealth(context.Background())
	require.True(t, h.Available)

	mr.Close()
	h = c.CheckHealth(context.Background())
	require.False(t, h.Available)
}
