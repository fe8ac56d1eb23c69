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

package dashboard

import (
	"context"
	"net"
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
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/storage"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/tokens"
)

// A Wednesday afternoon, so week buckets have a distinct Monday.
var dashNow = time.Date(2024, 6, 5, 14, 37, 21, 0, time.UTC)

type staticTokens []model.Token

func (s staticTokens) ListActiveTokens(ctx context.Context) ([]model.Token, error) {
	return s, nil
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock) {
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
	cfg := config.Cache{
		Host:            host,
		Port:            port,
		KeyPrefix:       "msq:monitor",
		TTLAddressStats: 5 * time.Minute,
		TTLRisky:        2 * time.Minute,
		TTLSummary:      30 * time.Second,
	}
	c := cache.New(cfg, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)

	reg := tokens.NewRegistry(staticTokens{
		{Address: "0x6789a4c3985bf23b27b2e7175e3bd37e1e4b3d3b", Symbol: "MSQ", Decimals: 18, IsActive: true},
	}, zap.NewNop())
	require.NoError(t, reg.Refresh(context.Background()))

	svc := New(db, c, reg, cfg, func() uint64 { return 777 }, zap.NewNop())
	svc.now = func() time.Time { return dashNow }
	return svc, mock
}

func bucketRowColumns() []string {
	return []string{
		"bucket", "tx_count", "total_volume", "unique_addresses",
		"avg_volume", "gas_used", "anomaly_count", "highest_tx",
	}
}

func TestVolumeSeriesZeroFills(t *testing.T) {
	svc, mock := newTestService(t)

	oldest := time.Date(2024, 6, 4, 15, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows(bucketRowColumns()).
		AddRow(time.Date(2024, 6, 5, 9, 0, 0, 0, time.UTC), uint64(5), "5000", uint64(3), 1000.0, "105000", uint64(1), "2500").
		AddRow(time.Date(2024, 6, 5, 12, 0, 0, 0, time.UTC), uint64(2), "800", uint64(2), 400.0, "42000", uint64(0), "600").
		AddRow(time.Date(2024, 6, 5, 14, 0, 0, 0, time.UTC), uint64(1), "90", uint64(1), 90.0, "21000", uint64(0), "90")
	mock.ExpectQuery(`date_trunc\('hour', timestamp\)`).WithArgs(oldest).WillReturnRows(rows)

	series, cached, err := svc.VolumeSeries(context.Background(), "hour", "", 24)
	require.NoError(t, err)
	require.False(t, cached)
	require.Len(t, series, 24)

	require.Equal(t, "2024-06-04 15:00:00", series[0].Bucket)
	require.Equal(t, "2024-06-05 14:00:00", series[23].Bucket)

	nonEmpty := 0
	for _, p := range series {
		if p.TxCount > 0 {
			nonEmpty++
			continue
		}
		require.Equal(t, "0", p.TotalVolume.String())
		require.Zero(t, p.AnomalyCount)
	}
	require.Equal(t, 3, nonEmpty)

	require.Equal(t, uint64(5), series[18].TxCount, "09:00 bucket lands 18 steps from the oldest")
	require.Equal(t, "5000", series[18].TotalVolume.String())
	require.Equal(t, "ALL", series[18].TokenSymbol)

	// Second read must come from cache without touching the database.
	again, cached, err := svc.VolumeSeries(context.Background(), "hour", "", 24)
	require.NoError(t, err)
	require.True(t, cached)
	require.Len(t, again, 24)
	require.Equal(t, series[18].TotalVolume.String(), again[18].TotalVolume.String())

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestVolumeSeriesRejectsUnknownGranularity(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.VolumeSeries(context.Background(), "fortnight", "", 10)
	require.Error(t, err)
}

func TestVolumeSeriesResolvesTokenSymbol(t *testing.T) {
	svc, mock := newTestService(t)

	token := "0x6789a4c3985bf23b27b2e7175e3bd37e1e4b3d3b"
	oldest := time.Date(2024, 6, 5, 13, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`date_trunc\('hour', timestamp\)`).
		WithArgs(oldest, token).
		WillReturnRows(sqlmock.NewRows(bucketRowColumns()))

	series, _, err := svc.VolumeSeries(context.Background(), "hour", token, 2)
	require.NoError(t, err)
	require.Len(t, series, 2)
	require.Equal(t, "MSQ", series[0].TokenSymbol)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDailySeriesCarriesPeakHour(t *testing.T) {
	svc, mock := newTestService(t)

	oldest := time.Date(2024, 6, 4, 0, 0, 0, 0, time.UTC)
	dayRows := sqlmock.NewRows(bucketRowColumns()).
		AddRow(time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC), uint64(10), "1000", uint64(4), 100.0, "0", uint64(0), "300")
	mock.ExpectQuery(`date_trunc\('day', timestamp\)`).WithArgs(oldest).WillReturnRows(dayRows)

	hourRows := sqlmock.NewRows(bucketRowColumns()).
		AddRow(time.Date(2024, 6, 5, 9, 0, 0, 0, time.UTC), uint64(7), "700", uint64(3), 100.0, "0", uint64(0), "300").
		AddRow(time.Date(2024, 6, 5, 13, 0, 0, 0, time.UTC), uint64(3), "300", uint64(2), 100.0, "0", uint64(0), "200")
	mock.ExpectQuery(`date_trunc\('hour', timestamp\)`).WithArgs(oldest).WillReturnRows(hourRows)

	series, _, err := svc.VolumeSeries(context.Background(), "day", "", 2)
	require.NoError(t, err)
	require.Len(t, series, 2)

	require.Nil(t, series[0].PeakHour, "empty day has no peak")
	require.NotNil(t, series[1].PeakHour)
	require.Equal(t, 9, *series[1].PeakHour)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAnomalySeriesZeroFills(t *testing.T) {
	svc, mock := newTestService(t)

	oldest := time.Date(2024, 6, 5, 14, 31, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"bucket", "anomaly_count", "avg_score", "max_score", "total_value"}).
		AddRow(time.Date(2024, 6, 5, 14, 33, 0, 0, time.UTC), uint64(2), 0.81, 0.93, "40000")
	mock.ExpectQuery(`AND is_anomaly`).WithArgs(oldest).WillReturnRows(rows)

	series, cached, err := svc.AnomalySeries(context.Background(), "minute", "", 7)
	require.NoError(t, err)
	require.False(t, cached)
	require.Len(t, series, 7)
	require.Equal(t, "2024-06-05 14:31:00", series[0].Bucket)
	require.Equal(t, "2024-06-05 14:37:00", series[6].Bucket)
	require.Equal(t, uint64(2), series[2].AnomalyCount)
	require.Equal(t, 0.93, series[2].MaxScore)
	require.Equal(t, "0", series[0].TotalValue.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRealtimeStatsAggregatesWindow(t *testing.T) {
	svc, mock := newTestService(t)
	mock.MatchExpectationsInOrder(false)

	start := dashNow.Add(-48 * time.Hour)
	last24 := dashNow.Add(-24 * time.Hour)
	summaryCols := []string{
		"total_transactions", "total_volume", "avg_transaction_size",
		"active_tokens", "active_addresses",
	}
	mock.ExpectQuery(`active_addresses`).
		WithArgs(start, dashNow).
		WillReturnRows(sqlmock.NewRows(summaryCols).AddRow(uint64(200), "90000", 450.0, uint64(2), uint64(40)))
	mock.ExpectQuery(`active_addresses`).
		WithArgs(last24).
		WillReturnRows(sqlmock.NewRows(summaryCols).AddRow(uint64(120), "60000", 500.0, uint64(2), uint64(25)))
	mock.ExpectQuery(`GROUP BY token_address, token_symbol`).
		WithArgs(start, dashNow).
		WillReturnRows(sqlmock.NewRows([]string{"token_address", "token_symbol", "tx_count", "total_volume"}).
			AddRow("0xaaa", "MSQ", uint64(150), "67500").
			AddRow("0xbbb", "SUT", uint64(50), "22500"))

	out, cached, err := svc.RealtimeStats(context.Background(), RealtimeQuery{Hours: 48})
	require.NoError(t, err)
	require.False(t, cached)

	require.Equal(t, uint64(200), out.TotalTx)
	require.Equal(t, "90000", out.TotalVolume.String())
	require.Equal(t, uint64(120), out.TxLast24h)
	require.Equal(t, "60000", out.VolLast24h.String())
	require.Equal(t, uint64(777), out.CurrentBlock)
	require.Len(t, out.PerTokenBreakdown, 2)
	require.InDelta(t, 75.0, out.PerTokenBreakdown[0].Percentage, 1e-9)
	require.InDelta(t, 25.0, out.PerTokenBreakdown[1].Percentage, 1e-9)

	cachedOut, cached, err := svc.RealtimeStats(context.Background(), RealtimeQuery{Hours: 48})
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, out.TotalTx, cachedOut.TotalTx)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopAddressesMapsRows(t *testing.T) {
	svc, mock := newTestService(t)

	since := dashNow.Add(-24 * time.Hour)
	firstSeen := dashNow.Add(-72 * time.Hour)
	cols := []string{
		"address", "total_volume", "total_sent", "total_received", "tx_count",
		"unique_interactions", "first_seen", "last_seen", "is_whale", "is_suspicious", "risk_score",
	}
	mock.ExpectQuery(`FROM address_statistics`).
		WithArgs(since, 3).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("0xabc", "5000", "3000", "2000", uint64(12), uint64(42), firstSeen, dashNow, true, false, 0.35))

	out, cached, err := svc.TopAddresses(context.Background(), "volume", "24h", "", 3)
	require.NoError(t, err)
	require.False(t, cached)
	require.Len(t, out, 1)
	require.Equal(t, "0xabc", out[0].Address)
	require.Equal(t, "5000", out[0].TotalVolume.String())
	require.Equal(t, uint64(42), out[0].UniqueInteractions)
	require.True(t, out[0].IsWhale)

	_, cached, err = svc.TopAddresses(context.Background(), "volume", "24h", "", 3)
	require.NoError(t, err)
	require.True(t, cached)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTopAddressesRejectsUnknownTimeframe(t *testing.T) {
	svc, _ := newTestService(t)
	_, _, err := svc.TopAddresses(context.Background(), "volume", "fortnight", "", 3)
	require.Error(t, err)
}

func TestTopSendersGroupByOutbound(t *testing.T) {
	svc, mock := newTestService(t)

	since := dashNow.Add(-6 * time.Hour)
	cols := []string{
		"address", "total_volume", "total_sent", "total_received", "tx_count",
		"unique_interactions", "first_seen", "last_seen", "is_whale", "is_suspicious", "risk_score",
	}
	mock.ExpectQuery(`GROUP BY t\.from_address`).
		WithArgs(since, 5).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("0xsender", "9000", "9000", "0", uint64(4), uint64(3), since, dashNow, false, false, 0.1))

	out, _, err := svc.TopSenders(context.Background(), 6, "", 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "9000", out[0].TotalSent.String())
	require.Equal(t, "0", out[0].TotalReceived.String())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenDistributionShares(t *testing.T) {
	svc, mock := newTestService(t)

	since := dashNow.Add(-24 * time.Hour)
	mock.ExpectQuery(`GROUP BY token_address, token_symbol`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"token_address", "token_symbol", "tx_count", "total_volume"}).
			AddRow("0xaaa", "MSQ", uint64(30), "750").
			AddRow("0xbbb", "SUT", uint64(10), "250"))

	out, _, err := svc.TokenDistribution(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.InDelta(t, 75.0, out[0].Percentage, 1e-9)
	require.InDelta(t, 25.0, out[1].Percentage, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNetworkStatsThroughput(t *testing.T) {
	svc, mock := newTestService(t)
	mock.MatchExpectationsInOrder(false)

	since := dashNow.Add(-24 * time.Hour)
	mock.ExpectQuery(`avg_gas_price`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{
			"total_transactions", "avg_gas_price", "avg_gas_used", "first_timestamp", "last_timestamp",
		}).AddRow(uint64(7200), 31.5, 52000.0, dashNow.Add(-2*time.Hour), dashNow))
	mock.ExpectQuery(`date_trunc\('hour', timestamp\)`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows(bucketRowColumns()).
			AddRow(dashNow.Truncate(time.Hour), uint64(60), "600", uint64(9), 10.0, "120000", uint64(0), "50"))

	out, cached, err := svc.NetworkStats(context.Background(), 24*time.Hour)
	require.NoError(t, err)
	require.False(t, cached)
	require.Equal(t, uint64(7200), out.TotalTx)
	require.InDelta(t, 1.0, out.Throughput, 1e-9, "7200 transfers over two hours")
	require.Len(t, out.Series, 1)
	require.Equal(t, uint64(777), out.CurrentBlock)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTruncateBucket(t *testing.T) {
	require.Equal(t, time.Date(2024, 6, 5, 14, 37, 0, 0, time.UTC), truncateBucket(dashNow, "minute"))
	require.Equal(t, time.Date(2024, 6, 5, 14, 0, 0, 0, time.UTC), truncateBucket(dashNow, "hour"))
	require.Equal(t, time.Date(2024, 6, 5, 0, 0, 0, 0, time.UTC), truncateBucket(dashNow, "day"))
	require.Equal(t, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), truncateBucket(dashNow, "week"), "weeks start on Monday")

	monday := time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), truncateBucket(monday, "week"))
	sunday := time.Date(2024, 6, 2, 23, 0, 0, 0, time.UTC)
	require.Equal(t, time.Date(2024, 5, 27, 0, 0, 0, 0, time.UTC), truncateBucket(sunday, "week"))
}

func TestTimeframeSince(t *testing.T) {
	since, err := timeframeSince(dashNow, "7d")
	require.NoError(t, err)
	require.Equal(t, dashNow.Add(-7*24*time.Hour), since)

	since, err = timeframeSince(dashNow, "all")
	require.NoError(t, err)
	require.Equal(t, time.Unix(0, 0).UTC(), since)

	_, err = timeframeSince(dashNow, "2w")
	require.Error(t, err)
}
