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
	"fmt"
	"math/big"
	"strings"
)

// FormatVolume renders a smallest-unit amount as a decimal token amount,
// trimming trailing fraction zeros. The output never loses precision, so
// ParseVolume(FormatVolume(v, d), d) returns v exactly.
func FormatVolume(v *big.Int, decimals uint8) string {
	if v == nil || v.Sign() == 0 {
		return "0"
	}
	s := new(big.Int).Abs(v).String()
	neg := v.Sign() < 0
	d := int(decimals)
	if d == 0 {
		return sign(neg) + s
	}
	if len(s) <= d {
		s = strings.Repeat("0", d-len(s)+1) + s
	}
	intPart, fracPart := s[:len(s)-d], s[len(s)-d:]
	fracPart = strings.TrimRight(fracPart, "0")
	if fracPart == "" {
		return sign(neg) + intPart
	}
	return sign(neg) + intPart + "." + fracPart
}

// ParseVolume parses a decimal token amount back into smallest units.
// Fraction digits beyond the token's precision are dropped, which is what
// "rounded to the token's decimals" means for display round-trips.
func ParseVolume(s string, decimals uint8) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("tokens: empty amount")
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	intPart := s
	fracPart := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		intPart, fracPart = s[:i], s[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	d := int(decimals)
	if len(fracPart) > d {
		fracPart = fracPart[:d]
	}
	fracPart += strings.Repeat("0", d-len(fracPart))
	v, ok := new(big.Int).SetString(intPart+fracPart, 10)
	if !ok {
		return nil, fmt.Errorf("tokens: invalid amount %q", s)
	}
	if neg {
		v.Neg(v)
	}
	return v, nil
}

func sign(neg bool) string {
	if neg {
		return "-"
	}
	return ""
}
