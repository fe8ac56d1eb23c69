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

package monitor

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/chain"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/dashboard"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/hub"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/storage"
)

func TestTransferPayload(t *testing.T) {
	ev := &model.TransferEvent{
		BlockNumber:   101,
		TxHash:        common.HexToHash("0xABCDEF"),
		From:          common.HexToAddress("0xAA"),
		To:            common.HexToAddress("0xBB"),
		Value:         new(big.Int).Mul(big.NewInt(15), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil)),
		TokenAddress:  common.HexToAddress("0xCC"),
		TokenSymbol:   "MSQ",
		TokenDecimals: 18,
		Timestamp:     time.Unix(1700000000, 0).UTC(),
	}

	payload := transferPayload(ev)
	row := payload["transaction"].(*model.Transaction)
	require.Equal(t, uint64(101), row.BlockNumber)
	require.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000abcdef", row.Hash)
	require.Equal(t, "1.5", payload["valueFormatted"], "18-decimals amount renders trimmed")
}

func TestStatePayload(t *testing.T) {
	p := statePayload(chain.StateChange{
		Old:      chain.StateConnected,
		New:      chain.StateReconnecting,
		Endpoint: "https://polygon-rpc.example",
	})
	require.Equal(t, "reconnecting", p["state"])
	require.Equal(t, "connected", p["previous"])
	require.NotContains(t, p, "error")

	p = statePayload(chain.StateChange{New: chain.StateTerminal, Err: errors.New("boom")})
	require.Equal(t, "terminal", p["state"])
	require.Equal(t, "boom", p["error"])
}

// An idle hub must not trigger dashboard queries from the snapshot loop.
func TestBroadcastSnapshotsSkipsWithoutSubscribers(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	m := &Monitor{
		cfg: &config.Config{Ops: config.Ops{SnapshotInterval: 5 * time.Millisecond}},
		log: zap.NewNop(),
		hub: hub.New(config.WS{MaxConnections: 10}, nil, zap.NewNop()),
		dash: dashboard.New(
			storage.Wrap(sqlx.NewDb(raw, "pgx"), false, zap.NewNop()),
			nil, nil, config.Cache{}, nil, zap.NewNop()),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()
	require.NoError(t, m.broadcastSnapshots(ctx))
	require.NoError(t, mock.ExpectationsWereMet(), "no queries while nobody is connected")
}

func TestHeadFuncBeforeSchedulerIsZero(t *testing.T) {
	m := &Monitor{}
	require.Zero(t, m.headFunc()())
}
