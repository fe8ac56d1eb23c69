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
	"database/sql"
	"net"
	"strconv"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/cache"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/storage"
)

const markKey = "msq:monitor:watermark:137"

func newTestMarks(t *testing.T) (*Watermarks, sqlmock.Sqlmock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	host, portStr, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	c := cache.New(config.Cache{Host: host, Port: port, KeyPrefix: "msq:monitor"}, zap.NewNop())
	t.Cleanup(func() { c.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)

	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { raw.Close() })
	db := storage.Wrap(sqlx.NewDb(raw, "pgx"), false, zap.NewNop())

	return NewWatermarks(db, c, 137, zap.NewNop()), mock, mr
}

func TestLoadPrefersFastStore(t *testing.T) {
	marks, mock, mr := newTestMarks(t)
	require.NoError(t, mr.Set(markKey, "123"))

	n, err := marks.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(123), n)
	require.NoError(t, mock.ExpectationsWereMet(), "fast hit must not touch the database")
}

func TestLoadFallsBackToStatusRow(t *testing.T) {
	marks, mock, mr := newTestMarks(t)

	mock.ExpectQuery("SELECT last_processed_block").
		WithArgs(uint64(137)).
		WillReturnRows(sqlmock.NewRows([]string{"last_processed_block"}).AddRow(500))

	n, err := marks.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(500), n)

	got, err := mr.Get(markKey)
	require.NoError(t, err)
	require.Equal(t, "500", got, "deep hits repopulate the fast store")
}

func TestLoadFallsBackToTransactionHistory(t *testing.T) {
	marks, mock, _ := newTestMarks(t)

	mock.ExpectQuery("SELECT last_processed_block").
		WithArgs(uint64(137)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("MAX\\(block_number\\)").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(77))

	n, err := marks.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(77), n)
}

func TestLoadFreshDeployment(t *testing.T) {
	marks, mock, _ := newTestMarks(t)

	mock.ExpectQuery("SELECT last_processed_block").
		WithArgs(uint64(137)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("MAX\\(block_number\\)").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))

	n, err := marks.Load(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestLoadIgnoresCorruptFastValue(t *testing.T) {
	marks, mock, mr := newTestMarks(t)
	require.NoError(t, mr.Set(markKey, "not-a-number"))

	mock.ExpectQuery("SELECT last_processed_block").
		WithArgs(uint64(137)).
		WillReturnRows(sqlmock.NewRows([]string{"last_processed_block"}).AddRow(9))

	n, err := marks.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(9), n)
}

func TestSaveDurableRefreshesFastStore(t *testing.T) {
	marks, mock, mr := newTestMarks(t)

	mock.ExpectExec("GREATEST").
		WithArgs(uint64(137), uint64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, marks.SaveDurable(context.Background(), 42))

	got, err := mr.Get(markKey)
	require.NoError(t, err)
	require.Equal(t, "42", got)
	require.NoError(t, mock.ExpectationsWereMet())
}
