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

package httpapi

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/cache"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/dashboard"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/metrics"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/rank"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/storage"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/tokens"
)

const msqAddress = "0x6789a4c3985bf23b27b2e7175e3bd37e1e4b3d3b"

type staticTokens []model.Token

func (s staticTokens) ListActiveTokens(ctx context.Context) ([]model.Token, error) {
	return s, nil
}

func newTestServer(t *testing.T) (*Server, sqlmock.Sqlmock) {
	t.Helper()

	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	db := storage.Wrap(sqlx.NewDb(raw, "pgx"), false, zap.NewNop())

	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	ttl := config.Cache{
		Host:            host,
		Port:            port,
		KeyPrefix:       "msq:monitor",
		TTLAddressStats: 5 * time.Minute,
		TTLRankings:     time.Minute,
		TTLRisky:        2 * time.Minute,
		TTLSummary:      30 * time.Second,
	}
	c := cache.New(ttl, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)

	reg := tokens.NewRegistry(staticTokens{
		{Address: msqAddress, Symbol: "MSQ", Decimals: 18, IsActive: true},
	}, zap.NewNop())
	require.NoError(t, reg.Refresh(context.Background()))

	dash := dashboard.New(db, c, reg, ttl, func() uint64 { return 4242 }, zap.NewNop())
	ranks := rank.New(db, c, reg, ttl, time.Minute, zap.NewNop())
	cfg := config.HTTP{Port: 0, RateLimitWindow: time.Minute, RateLimitMax: 1000}
	return New(cfg, dash, ranks, reg, ttl, metrics.New(metrics.Sources{}), zap.NewNop()), mock
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = "10.1.2.3:5555"
	h.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv.Router(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeEnvelope(t, rec)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, serviceName, body["service"])
}

func TestUnknownRouteEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv.Router(), "/nope")
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := decodeEnvelope(t, rec)
	require.Equal(t, "not_found", body["error"])
	require.Equal(t, "/nope", body["path"])
	require.Equal(t, http.MethodGet, body["method"])
}

func TestVolumeSeriesRejectsGranularity(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv.Router(), "/statistics/volume/fortnightly?limit=5")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "bad_request", decodeEnvelope(t, rec)["error"])
}

func TestVolumeSeriesServesEnvelope(t *testing.T) {
	srv, mock := newTestServer(t)
	mock.ExpectQuery(`date_trunc\('hour', timestamp\)`).
		WillReturnRows(sqlmock.NewRows([]string{
			"bucket", "tx_count", "total_volume", "unique_addresses",
			"avg_volume", "gas_used", "anomaly_count", "highest_tx",
		}))

	rec := get(t, srv.Router(), "/statistics/volume/hourly?limit=6")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeEnvelope(t, rec)
	require.False(t, body["cached"].(bool))
	require.EqualValues(t, 30, body["ttl"])
	require.Len(t, body["data"].([]interface{}), 6, "series is zero-filled to the limit")
	fil := body["filters"].(map[string]interface{})
	require.Equal(t, "hour", fil["granularity"])
	require.EqualValues(t, 6, fil["limit"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopAddressesValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := get(t, srv.Router(), "/statistics/addresses/top?metric=karma")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, srv.Router(), "/statistics/addresses/top?timeframe=2w")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTokenSymbolResolution(t *testing.T) {
	srv, mock := newTestServer(t)
	mock.ExpectQuery(`date_trunc\('hour', timestamp\)`).
		WillReturnRows(sqlmock.NewRows([]string{
			"bucket", "tx_count", "total_volume", "unique_addresses",
			"avg_volume", "gas_used", "anomaly_count", "highest_tx",
		}))

	rec := get(t, srv.Router(), "/statistics/volume/hourly?limit=2&token=msq")
	require.Equal(t, http.StatusOK, rec.Code)
	fil := decodeEnvelope(t, rec)["filters"].(map[string]interface{})
	require.Equal(t, msqAddress, fil["token"], "symbol resolves to the registry address")

	rec = get(t, srv.Router(), "/statistics/volume/hourly?limit=2&token=WAT")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, srv.Router(), "/statistics/volume/hourly?limit=2&token=0x123")
	require.Equal(t, http.StatusBadRequest, rec.Code, "malformed address rejected")
}

func TestRecentAnomalies(t *testing.T) {
	srv, mock := newTestServer(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`FROM transactions WHERE is_anomaly`).
		WillReturnRows(sqlmock.NewRows([]string{
			"hash", "block_number", "block_hash", "transaction_index", "log_index",
			"from_address", "to_address", "value", "token_address", "token_symbol",
			"token_decimals", "gas_price", "gas_used", "timestamp", "is_anomaly", "anomaly_score",
		}).AddRow("0xh1", 9, "0xb1", 0, 1,
			"0xaa", "0xbb", "1000000", msqAddress, "MSQ",
			18, "0", "0", now, true, 0.91))

	rec := get(t, srv.Router(), "/statistics/anomalies?limit=5")
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeEnvelope(t, rec)["data"].([]interface{})
	require.Len(t, data, 1)
	row := data[0].(map[string]interface{})
	require.Equal(t, "0xh1", row["hash"])
	require.Equal(t, 0.91, row["anomalyScore"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRankingsRequireToken(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := get(t, srv.Router(), "/analytics/rankings")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(t, srv.Router(), "/analytics/rankings?token=MSQ&category=bogus")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRankingsComputeAndServe(t *testing.T) {
	srv, mock := newTestServer(t)
	now := time.Now().UTC()
	flags, err := json.Marshal(model.BehavioralFlags{})
	require.NoError(t, err)
	mock.ExpectQuery(`FROM address_statistics WHERE token_address`).
		WithArgs(msqAddress).
		WillReturnRows(sqlmock.NewRows([]string{
			"address", "token_address", "total_sent", "total_received",
			"transaction_count_sent", "transaction_count_received",
			"avg_transaction_size", "avg_transaction_size_sent", "avg_transaction_size_received",
			"max_transaction_size", "max_transaction_size_sent", "max_transaction_size_received",
			"velocity_score", "diversity_score", "risk_score", "dormancy_period",
			"is_whale", "is_suspicious", "is_active", "behavioral_flags", "last_activity_type",
			"first_seen", "last_seen", "updated_at",
		}).AddRow("0xwhale", msqAddress, "900000", "100000",
			uint64(60), uint64(10),
			14285.7, 15000.0, 10000.0,
			"50000", "50000", "20000",
			0.9, 0.7, 0.85, 0,
			true, true, true, flags, "sent",
			now.Add(-48*time.Hour), now, now))

	rec := get(t, srv.Router(), "/analytics/rankings?token=MSQ&category=whales")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeEnvelope(t, rec)
	require.False(t, body["cached"].(bool))
	require.EqualValues(t, 60, body["ttl"])
	data := body["data"].([]interface{})
	require.Len(t, data, 1)
	row := data[0].(map[string]interface{})
	require.Equal(t, "0xwhale", row["address"])
	require.EqualValues(t, 1, row["rank"])

	// Second call is served from the cached leaderboard.
	rec = get(t, srv.Router(), "/analytics/rankings?token=MSQ&category=whales")
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decodeEnvelope(t, rec)["cached"].(bool))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.RateLimitMax = 2
	router := srv.Router()

	require.Equal(t, http.StatusOK, get(t, router, "/health").Code)
	require.Equal(t, http.StatusOK, get(t, router, "/health").Code)

	rec := get(t, router, "/health")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", decodeEnvelope(t, rec)["error"])
}

func TestMetricsRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()
	get(t, router, "/health")

	rec := get(t, router, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "txmonitor_http_requests_total")
}
