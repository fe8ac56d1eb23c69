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

// Package tokens keeps the in-memory registry of monitored ERC-20 tokens and
// the helpers that move between smallest-unit amounts and display amounts.
package tokens

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
)

// ErrNoTokens is returned when a refresh finds no active tokens to monitor.
var ErrNoTokens = errors.New("tokens: no active tokens")

// Source lists the active tokens, typically backed by the tokens table.
type Source interface {
	ListActiveTokens(ctx context.Context) ([]model.Token, error)
}

type snapshot struct {
	byAddress map[common.Address]model.Token
	ordered   []model.Token
	addresses []common.Address
}

// Registry is the process-wide read-mostly token table. Lookups hit an
// immutable snapshot; Refresh swaps the whole snapshot atomically so readers
// never observe a partial update.
type Registry struct {
	source Source
	log    *zap.Logger
	snap   atomic.Pointer[snapshot]
}

// NewRegistry returns an empty registry. Call Refresh before first use.
func NewRegistry(source Source, log *zap.Logger) *Registry {
	r := &Registry{source: source, log: log}
	r.snap.Store(&snapshot{byAddress: map[common.Address]model.Token{}})
	return r
}

// Refresh reloads the registry from its source. The previous snapshot stays
// live until the replacement is complete; a refresh yielding zero tokens is
// rejected so a flaky source cannot blank the registry.
func (r *Registry) Refresh(ctx context.Context) error {
	list, err := r.source.ListActiveTokens(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return ErrNoTokens
	}
	next := &snapshot{
		byAddress: make(map[common.Address]model.Token, len(list)),
		ordered:   make([]model.Token, 0, len(list)),
		addresses: make([]common.Address, 0, len(list)),
	}
	for _, tok := range list {
		addr := common.HexToAddress(tok.Address)
		if _, dup := next.byAddress[addr]; dup {
			r.log.Warn("duplicate token in registry source", zap.String("address", tok.Address))
			continue
		}
		tok.Address = model.HexLower(addr)
		next.byAddress[addr] = tok
		next.ordered = append(next.ordered, tok)
		next.addresses = append(next.addresses, addr)
	}
	r.snap.Store(next)
	r.log.Info("token registry refreshed", zap.Int("tokens", len(next.ordered)))
	return nil
}

// Get looks up a token by address. The [20]byte key makes the lookup
// case-insensitive for any hex spelling.
func (r *Registry) Get(addr common.Address) (model.Token, bool) {
	tok, ok := r.snap.Load().byAddress[addr]
	return tok, ok
}

// GetByHex looks up a token from any hex spelling of its address.
func (r *Registry) GetByHex(addr string) (model.Token, bool) {
	return r.Get(common.HexToAddress(addr))
}

// All returns the registered tokens in load order.
func (r *Registry) All() []model.Token {
	return r.snap.Load().ordered
}

// Addresses returns the monitored addresses, the value handed to getLogs.
func (r *Registry) Addresses() []common.Address {
	return r.snap.Load().addresses
}

// Len reports the number of registered tokens.
func (r *Registry) Len() int {
	return len(r.snap.Load().ordered)
}
