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

package decode

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/tokens"
)

var (
	msqAddr  = common.HexToAddress("0x6789a4C3985Bf23B27B2E7175e3BD37e1E4B3D3B")
	fromAddr = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	toAddr   = common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
)

type staticSource struct{ list []model.Token }

func (s staticSource) ListActiveTokens(context.Context) ([]model.Token, error) {
	return s.list, nil
}

func newTestDecoder(t *testing.T, ignoreZero bool) *Decoder {
	t.Helper()
	reg := tokens.NewRegistry(staticSource{list: []model.Token{
		{Address: msqAddr.Hex(), Symbol: "MSQ", Name: "MSQUARE", Decimals: 18, IsActive: true},
	}}, zap.NewNop())
	require.NoError(t, reg.Refresh(context.Background()))
	return New(reg, ignoreZero, zap.NewNop())
}

func transferLog(token common.Address, value *big.Int) types.Log {
	return types.Log{
		Address: token,
		Topics: []common.Hash{
			TransferTopic,
			common.BytesToHash(common.LeftPadBytes(fromAddr.Bytes(), 32)),
			common.BytesToHash(common.LeftPadBytes(toAddr.Bytes(), 32)),
		},
		Data:        common.LeftPadBytes(value.Bytes(), 32),
		BlockNumber: 101,
		TxHash:      common.HexToHash("0x01"),
		TxIndex:     2,
		BlockHash:   common.HexToHash("0x02"),
		Index:       7,
	}
}

func TestTransferTopicMatchesSignature(t *testing.T) {
	require.Equal(t,
		"0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef",
		TransferTopic.Hex())
}

func TestDecodeTransfer(t *testing.T) {
	d := newTestDecoder(t, true)
	at := time.Unix(1700000000, 0)

	ev, err := d.Decode(transferLog(msqAddr, big.NewInt(1000)), at)
	require.NoError(t, err)
	require.Equal(t, fromAddr, ev.From)
	require.Equal(t, toAddr, ev.To)
	require.Equal(t, "1000", ev.Value.String())
	require.Equal(t, "MSQ", ev.TokenSymbol)
	require.Equal(t, uint8(18), ev.TokenDecimals)
	require.Equal(t, uint64(101), ev.BlockNumber)
	require.Equal(t, uint(7), ev.LogIndex)
	require.Equal(t, at.UTC(), ev.Timestamp)
}

func TestDecodeRejections(t *testing.T) {
	d := newTestDecoder(t, true)
	at := time.Now()

	tests := []struct {
		name string
		lg   types.Log
		want error
	}{
		{"short topics", func() types.Log {
			lg := transferLog(msqAddr, big.NewInt(1))
			lg.Topics = lg.Topics[:2]
			return lg
		}(), ErrShortTopics},
		{"wrong signature", func() types.Log {
			lg := transferLog(msqAddr, big.NewInt(1))
			lg.Topics[0] = common.HexToHash("0xdead")
			return lg
		}(), ErrWrongTopic},
		{"unknown token", transferLog(common.HexToAddress("0x9999999999999999999999999999999999999999"), big.NewInt(1)), ErrUnknownToken},
		{"zero value filtered", transferLog(msqAddr, big.NewInt(0)), ErrZeroValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Decode(tt.lg, at)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecodeKeepsZeroValueWhenFilterOff(t *testing.T) {
	d := newTestDecoder(t, false)
	ev, err := d.Decode(transferLog(msqAddr, big.NewInt(0)), time.Now())
	require.NoError(t, err)
	require.Zero(t, ev.Value.Sign())
}
