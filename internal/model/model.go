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

// Package model holds the row and event types shared across the monitor:
// decoded transfer events, persisted transaction facts, per-address statistics
// and the token registry entries. Addresses and hashes are stored normalized
// to lowercase hex so lookups stay case-insensitive.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Direction tags which side of a transfer an address update refers to.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// HexLower renders an address as 0x-prefixed lowercase hex, the canonical
// storage form throughout the monitor.
func HexLower(a common.Address) string {
	return strings.ToLower(a.Hex())
}

// HashHex renders a hash as 0x-prefixed lowercase hex.
func HashHex(h common.Hash) string {
	return strings.ToLower(h.Hex())
}

// Token is one entry of the monitored-token registry.
type Token struct {
	Address  string `db:"address" json:"address"`
	Symbol   string `db:"symbol" json:"symbol"`
	Name     string `db:"name" json:"name"`
	Decimals uint8  `db:"decimals" json:"decimals"`
	IsActive bool   `db:"is_active" json:"isActive"`
}

// TransferEvent is one decoded ERC-20 Transfer log, enriched with token
// metadata and the block timestamp. It is the unit that flows from the
// decoder through the event queue into the batch writer.
type TransferEvent struct {
	BlockNumber   uint64         `json:"blockNumber"`
	BlockHash     common.Hash    `json:"blockHash"`
	TxHash        common.Hash    `json:"transactionHash"`
	TxIndex       uint           `json:"transactionIndex"`
	LogIndex      uint           `json:"logIndex"`
	From          common.Address `json:"from"`
	To            common.Address `json:"to"`
	Value         *big.Int       `json:"-"`
	TokenAddress  common.Address `json:"tokenAddress"`
	TokenSymbol   string         `json:"tokenSymbol"`
	TokenDecimals uint8          `json:"tokenDecimals"`
	Timestamp     time.Time      `json:"timestamp"`
	GasPrice      *big.Int       `json:"-"`
	GasUsed       *big.Int       `json:"-"`
}

// Transaction is the immutable persisted fact derived from a TransferEvent.
// Hash is the primary key; re-ingestion of the same log is a no-op.
type Transaction struct {
	Hash             string    `db:"hash" json:"hash"`
	BlockNumber      uint64    `db:"block_number" json:"blockNumber"`
	BlockHash        string    `db:"block_hash" json:"blockHash"`
	TransactionIndex uint      `db:"transaction_index" json:"transactionIndex"`
	LogIndex         uint      `db:"log_index" json:"logIndex"`
	FromAddress      string    `db:"from_address" json:"fromAddress"`
	ToAddress        string    `db:"to_address" json:"toAddress"`
	Value            *BigInt   `db:"value" json:"value"`
	TokenAddress     string    `db:"token_address" json:"tokenAddress"`
	TokenSymbol      string    `db:"token_symbol" json:"tokenSymbol"`
	TokenDecimals    uint8     `db:"token_decimals" json:"tokenDecimals"`
	GasPrice         *BigInt   `db:"gas_price" json:"gasPrice"`
	GasUsed          *BigInt   `db:"gas_used" json:"gasUsed"`
	Timestamp        time.Time `db:"timestamp" json:"timestamp"`
	IsAnomaly        bool      `db:"is_anomaly" json:"isAnomaly"`
	AnomalyScore     float64   `db:"anomaly_score" json:"anomalyScore"`
}

// NewTransaction maps a decoded event onto its persisted form. Gas fields
// default to zero when the enrichment path was skipped or failed.
func NewTransaction(ev *TransferEvent) *Transaction {
	return &Transaction{
		Hash:             HashHex(ev.TxHash),
		BlockNumber:      ev.BlockNumber,
		BlockHash:        HashHex(ev.BlockHash),
		TransactionIndex: ev.TxIndex,
		LogIndex:         ev.LogIndex,
		FromAddress:      HexLower(ev.From),
		ToAddress:        HexLower(ev.To),
		Value:            NewBigInt(ev.Value),
		TokenAddress:     HexLower(ev.TokenAddress),
		TokenSymbol:      ev.TokenSymbol,
		TokenDecimals:    ev.TokenDecimals,
		GasPrice:         NewBigInt(ev.GasPrice),
		GasUsed:          NewBigInt(ev.GasUsed),
		Timestamp:        ev.Timestamp.UTC(),
	}
}

// BehavioralFlags is the per-address flag set. All flags except HighFrequency
// latch once set; HighFrequency tracks the current velocity score.
type BehavioralFlags struct {
	Bot               bool `json:"bot"`
	Exchange          bool `json:"exchange"`
	Contract          bool `json:"contract"`
	HighFrequency     bool `json:"highFrequency"`
	LargeTx           bool `json:"largeTx"`
	SuspiciousPattern bool `json:"suspiciousPattern"`
}

// Value implements driver.Valuer, storing the flags as a JSON document.
func (f BehavioralFlags) Value() (driver.Value, error) {
	return json.Marshal(f)
}

// Scan implements sql.Scanner.
func (f *BehavioralFlags) Scan(src interface{}) error {
	if src == nil {
		*f = BehavioralFlags{}
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	default:
		return fmt.Errorf("model: cannot scan %T into BehavioralFlags", src)
	}
}

// AddressStats is the mutable aggregate keyed by (address, token). It is
// read and written exclusively inside the batch writer's transaction; the
// read path only ever selects.
type AddressStats struct {
	Address                    string          `db:"address" json:"address"`
	TokenAddress               string          `db:"token_address" json:"tokenAddress"`
	TotalSent                  *BigInt         `db:"total_sent" json:"totalSent"`
	TotalReceived              *BigInt         `db:"total_received" json:"totalReceived"`
	TransactionCountSent       uint64          `db:"transaction_count_sent" json:"transactionCountSent"`
	TransactionCountReceived   uint64          `db:"transaction_count_received" json:"transactionCountReceived"`
	AvgTransactionSize         float64         `db:"avg_transaction_size" json:"avgTransactionSize"`
	AvgTransactionSizeSent     float64         `db:"avg_transaction_size_sent" json:"avgTransactionSizeSent"`
	AvgTransactionSizeReceived float64         `db:"avg_transaction_size_received" json:"avgTransactionSizeReceived"`
	MaxTransactionSize         *BigInt         `db:"max_transaction_size" json:"maxTransactionSize"`
	MaxTransactionSizeSent     *BigInt         `db:"max_transaction_size_sent" json:"maxTransactionSizeSent"`
	MaxTransactionSizeReceived *BigInt         `db:"max_transaction_size_received" json:"maxTransactionSizeReceived"`
	VelocityScore              float64         `db:"velocity_score" json:"velocityScore"`
	DiversityScore             float64         `db:"diversity_score" json:"diversityScore"`
	RiskScore                  float64         `db:"risk_score" json:"riskScore"`
	DormancyPeriod             int             `db:"dormancy_period" json:"dormancyPeriod"`
	IsWhale                    bool            `db:"is_whale" json:"isWhale"`
	IsSuspicious               bool            `db:"is_suspicious" json:"isSuspicious"`
	IsActive                   bool            `db:"is_active" json:"isActive"`
	Flags                      BehavioralFlags `db:"behavioral_flags" json:"behavioralFlags"`
	LastActivityType           Direction       `db:"last_activity_type" json:"lastActivityType"`
	FirstSeen                  time.Time       `db:"first_seen" json:"firstSeen"`
	LastSeen                   time.Time       `db:"last_seen" json:"lastSeen"`
	UpdatedAt                  time.Time       `db:"updated_at" json:"updatedAt"`
}

// TotalVolume returns totalSent + totalReceived.
func (s *AddressStats) TotalVolume() *big.Int {
	return new(big.Int).Add(s.TotalSent.ToBig(), s.TotalReceived.ToBig())
}

// TotalCount returns the combined transaction count.
func (s *AddressStats) TotalCount() uint64 {
	return s.TransactionCountSent + s.TransactionCountReceived
}
