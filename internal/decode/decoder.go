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

// Package decode turns raw ERC-20 Transfer logs into typed transfer events,
// resolving token metadata from the registry. Logs that cannot be decoded are
// rejected with a typed error so callers can count drops by reason.
package decode

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/tokens"
)

const erc20ABI = `[{"anonymous":false,"inputs":[{"indexed":true,"name":"from","type":"address"},{"indexed":true,"name":"to","type":"address"},{"indexed":false,"name":"value","type":"uint256"}],"name":"Transfer","type":"event"}]`

// Fallback metadata attached to drop logs for tokens outside the registry.
const (
	UnknownSymbol   = "UNKNOWN"
	UnknownDecimals = 18
)

var (
	transferABI abi.ABI

	// TransferTopic is keccak256("Transfer(address,address,uint256)"), the
	// topic[0] every monitored log must carry.
	TransferTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		panic(fmt.Sprintf("decode: bad embedded ABI: %v", err))
	}
	transferABI = parsed
	TransferTopic = parsed.Events["Transfer"].ID
}

var (
	ErrShortTopics  = errors.New("decode: transfer log carries fewer than three topics")
	ErrWrongTopic   = errors.New("decode: topic0 is not the Transfer signature")
	ErrUnknownToken = errors.New("decode: token not in registry")
	ErrZeroValue    = errors.New("decode: zero-value transfer filtered")
)

// Decoder resolves raw logs against the token registry.
type Decoder struct {
	reg        *tokens.Registry
	ignoreZero bool
	log        *zap.Logger
}

// New returns a Decoder. With ignoreZero set, zero-value transfers are
// rejected with ErrZeroValue.
func New(reg *tokens.Registry, ignoreZero bool, log *zap.Logger) *Decoder {
	return &Decoder{reg: reg, ignoreZero: ignoreZero, log: log.Named("decoder")}
}

// Decode parses one raw log into a TransferEvent stamped with the block time.
// Rejected logs return a typed error after being logged; the caller continues
// with the rest of the block.
func (d *Decoder) Decode(lg types.Log, blockTime time.Time) (*model.TransferEvent, error) {
	if len(lg.Topics) < 3 {
		d.log.Debug("dropping malformed transfer log",
			zap.String("tx", lg.TxHash.Hex()), zap.Int("topics", len(lg.Topics)))
		return nil, ErrShortTopics
	}
	if lg.Topics[0] != TransferTopic {
		return nil, ErrWrongTopic
	}
	tok, ok := d.reg.Get(lg.Address)
	if !ok {
		d.log.Warn("dropping transfer of unregistered token",
			zap.String("token", model.HexLower(lg.Address)),
			zap.String("symbol", UnknownSymbol),
			zap.Uint8("decimals", UnknownDecimals),
			zap.String("tx", lg.TxHash.Hex()))
		return nil, ErrUnknownToken
	}

	var payload struct {
		Value *big.Int
	}
	if err := transferABI.UnpackIntoInterface(&payload, "Transfer", lg.Data); err != nil {
		return nil, fmt.Errorf("decode: unpack value: %w", err)
	}
	if payload.Value.Sign() == 0 && d.ignoreZero {
		return nil, ErrZeroValue
	}

	// Indexed address topics are left-padded to 32 bytes; BytesToAddress
	// keeps the trailing 20.
	ev := &model.TransferEvent{
		BlockNumber:   lg.BlockNumber,
		BlockHash:     lg.BlockHash,
		TxHash:        lg.TxHash,
		TxIndex:       lg.TxIndex,
		LogIndex:      lg.Index,
		From:          common.BytesToAddress(lg.Topics[1].Bytes()),
		To:            common.BytesToAddress(lg.Topics[2].Bytes()),
		Value:         payload.Value,
		TokenAddress:  lg.Address,
		TokenSymbol:   tok.Symbol,
		TokenDecimals: tok.Decimals,
		Timestamp:     blockTime.UTC(),
	}
	return ev, nil
}
