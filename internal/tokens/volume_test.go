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

package tokens

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFormatVolume(t *testing.T) {
	wei := func(s string) *big.Int {
		v, ok := new(big.Int).SetString(s, 10)
		require.True(t, ok)
		return v
	}
	tests := []struct {
		v        *big.Int
		decimals uint8
		want     string
	}{
		{nil, 18, "0"},
		{big.NewInt(0), 18, "0"},
		{wei("1000000000000000000"), 18, "1"},
		{wei("1500000000000000000"), 18, "1.5"},
		{wei("1000"), 18, "0.000000000000001"},
		{wei("123456"), 0, "123456"},
		{wei("1234567"), 6, "1.234567"},
		{big.NewInt(-2500000), 6, "-2.5"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, FormatVolume(tt.v, tt.decimals), "v=%v d=%d", tt.v, tt.decimals)
	}
}

func TestParseVolumeRoundTrip(t *testing.T) {
	values := []string{"0", "1", "999", "1000000000000000000", "123456789123456789123456789"}
	for _, s := range values {
		v, _ := new(big.Int).SetString(s, 10)
		for _, decimals := range []uint8{0, 6, 18} {
			got, err := ParseVolume(FormatVolume(v, decimals), decimals)
			require.NoError(t, err)
			require.Zero(t, got.Cmp(v), "value %s decimals %d", s, decimals)
		}
	}
}

func TestParseVolumeTruncatesExcessPrecision(t *testing.T) {
	got, err := ParseVolume("1.2345678", 6)
	require.NoError(t, err)
	require.Equal(t, "1234567", got.String())

	got, err = ParseVolume(".5", 2)
	require.NoError(t, err)
	require.Equal(t, "50", got.String())

	_, err = ParseVolume("", 6)
	require.Error(t, err)
	_, err = ParseVolume("12a.4", 6)
	require.Error(t, err)
}
