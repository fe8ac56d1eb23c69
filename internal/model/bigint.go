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
	"database/sql/driver"
	"fmt"
	"math/big"
)

// BigInt is a non-negative arbitrary-precision integer that travels as a
// decimal string: NUMERIC(78,0) in the database and a quoted string in JSON.
// Token amounts must never pass through float64, so every column holding a
// smallest-unit value uses this type.
type BigInt struct {
	big.Int
}

// NewBigInt copies x into a fresh BigInt. A nil x yields zero.
func NewBigInt(x *big.Int) *BigInt {
	b := new(BigInt)
	if x != nil {
		b.Set(x)
	}
	return b
}

// NewBigIntFromUint64 returns v as a BigInt.
func NewBigIntFromUint64(v uint64) *BigInt {
	b := new(BigInt)
	b.SetUint64(v)
	return b
}

// ToBig returns a copy as *big.Int. A nil receiver yields zero.
func (b *BigInt) ToBig() *big.Int {
	if b == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(&b.Int)
}

// Value implements driver.Valuer, rendering the decimal representation.
func (b *BigInt) Value() (driver.Value, error) {
	if b == nil {
		return "0", nil
	}
	return b.String(), nil
}

// Scan implements sql.Scanner. NUMERIC columns arrive as []byte or string
// depending on the driver; NULL scans to zero.
func (b *BigInt) Scan(src interface{}) error {
	if src == nil {
		b.SetInt64(0)
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return b.setString(string(v))
	case string:
		return b.setString(v)
	case int64:
		b.SetInt64(v)
		return nil
	default:
		return fmt.Errorf("model: cannot scan %T into BigInt", src)
	}
}

func (b *BigInt) setString(s string) error {
	if s == "" {
		b.SetInt64(0)
		return nil
	}
	if _, ok := b.SetString(s, 10); !ok {
		return fmt.Errorf("model: invalid decimal %q", s)
	}
	return nil
}

// MarshalJSON renders the value as a quoted decimal string.
func (b *BigInt) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte(`"0"`), nil
	}
	return []byte(`"` + b.String() + `"`), nil
}

// UnmarshalJSON accepts both quoted and bare decimal representations.
func (b *BigInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "null" {
		b.SetInt64(0)
		return nil
	}
	return b.setString(s)
}

// Cmp compares against other, treating nil as zero.
func (b *BigInt) Cmp(other *BigInt) int {
	return b.ToBig().Cmp(other.ToBig())
}

// Add returns a new BigInt holding b + x.
func (b *BigInt) Add(x *big.Int) *BigInt {
	sum := new(BigInt)
	sum.Int.Add(&b.Int, x)
	return sum
}
