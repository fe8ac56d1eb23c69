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

package model

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestBigIntScan(t *testing.T) {
	tests := []struct {
		src  interface{}
		want string
		err  bool
	}{
		{[]byte("1000000000000000000000"), "1000000000000000000000", false},
		{"42", "42", false},
		{int64(7), "7", false},
		{nil, "0", false},
		{"", "0", false},
		{"not-a-number", "", true},
		{3.14, "", true},
	}
	for _, tt := range tests {
		var b BigInt
		err := b.Scan(tt.src)
		if tt.err {
			require.Error(t, err, "src %v", tt.src)
			continue
		}
		require.NoError(t, err, "src %v", tt.src)
		require.Equal(t, tt.want, b.String())
	}
}

func TestBigIntJSON(t *testing.T) {
	v, ok := new(big.Int).SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.True(t, ok)

	raw, err := json.Marshal(NewBigInt(v))
	require.NoError(t, err)
	require.Equal(t, `"115792089237316195423570985008687907853269984665640564039457584007913129639935"`, string(raw))

	var back BigInt
	require.NoError(t, json.Unmarshal(raw, &back))
	require.Zero(t, back.ToBig().Cmp(v))

	var nilOut *BigInt
	raw, err = json.Marshal(nilOut)
	require.NoError(t, err)
	require.Equal(t, `"0"`, string(raw))
}

func TestBehavioralFlagsRoundTrip(t *testing.T) {
	in := BehavioralFlags{LargeTx: true, HighFrequency: true}
	val, err := in.Value()
	require.NoError(t, err)

	var out BehavioralFlags
	require.NoError(t, out.Scan(val))
	require.Equal(t, in, out)

	require.NoError(t, out.Scan(nil))
	require.Equal(t, BehavioralFlags{}, out)
}

func TestNewTransactionNormalizes(t *testing.T) {
	ev := &TransferEvent{
		BlockNumber:   101,
		BlockHash:     common.HexToHash("0xABCD"),
		TxHash:        common.HexToHash("0xFEED"),
		TxIndex:       3,
		LogIndex:      9,
		From:          common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"),
		To:            common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB"),
		Value:         big.NewInt(1000),
		TokenAddress:  common.HexToAddress("0x6789a4C3985Bf23B27B2E7175e3BD37e1E4B3D3B"),
		TokenSymbol:   "MSQ",
		TokenDecimals: 18,
		Timestamp:     time.Unix(1700000000, 0),
	}
	tx := NewTransaction(ev)

	require.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", tx.FromAddress)
	require.Equal(t, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb", tx.ToAddress)
	require.Equal(t, "1000", tx.Value.String())
	require.Equal(t, "0", tx.GasPrice.String())
	require.Equal(t, uint64(101), tx.BlockNumber)
	require.Equal(t, time.UTC, tx.Timestamp.Location())
}
