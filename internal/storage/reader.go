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

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
)

// Granularities the bucket queries accept. Only these tokens are ever
// templated into date_trunc; user input never reaches the SQL text.
var bucketGranularities = map[string]string{
	"minute": "minute",
	"hour":   "hour",
	"day":    "day",
	"week":   "week",
}

// Metrics the top-address query can order by.
var topAddressOrder = map[string]string{
	"volume":             "(SUM(total_sent) + SUM(total_received)) DESC",
	"transactions":       "SUM(transaction_count_sent + transaction_count_received) DESC",
	"uniqueInteractions": "MAX(diversity_score) DESC, SUM(transaction_count_sent + transaction_count_received) DESC",
}

// SummaryRow is the single-row aggregate behind the realtime dashboard.
type SummaryRow struct {
	TotalTransactions  uint64        `db:"total_transactions"`
	TotalVolume        *model.BigInt `db:"total_volume"`
	ActiveAddresses    uint64        `db:"active_addresses"`
	AvgTransactionSize float64       `db:"avg_transaction_size"`
	ActiveTokens       uint64        `db:"active_tokens"`
}

// TokenBreakdownRow is one token's share of a window.
type TokenBreakdownRow struct {
	TokenAddress string        `db:"token_address"`
	TokenSymbol  string        `db:"token_symbol"`
	TxCount      uint64        `db:"tx_count"`
	TotalVolume  *model.BigInt `db:"total_volume"`
}

// BucketRow is one time bucket of the volume series.
type BucketRow struct {
	Bucket          time.Time     `db:"bucket"`
	TxCount         uint64        `db:"tx_count"`
	TotalVolume     *model.BigInt `db:"total_volume"`
	UniqueAddresses uint64        `db:"unique_addresses"`
	AvgVolume       float64       `db:"avg_volume"`
	GasUsed         *model.BigInt `db:"gas_used"`
	AnomalyCount    uint64        `db:"anomaly_count"`
	HighestTx       *model.BigInt `db:"highest_tx"`
}

// AnomalyBucketRow is one time bucket of the anomaly series.
type AnomalyBucketRow struct {
	Bucket       time.Time     `db:"bucket"`
	AnomalyCount uint64        `db:"anomaly_count"`
	AvgScore     float64       `db:"avg_score"`
	MaxScore     float64       `db:"max_score"`
	TotalValue   *model.BigInt `db:"total_value"`
}

// AddressAggRow is one ranked address from the statistics table.
type AddressAggRow struct {
	Address            string        `db:"address"`
	TotalVolume        *model.BigInt `db:"total_volume"`
	TotalSent          *model.BigInt `db:"total_sent"`
	TotalReceived      *model.BigInt `db:"total_received"`
	TxCount            uint64        `db:"tx_count"`
	UniqueInteractions uint64        `db:"unique_interactions"`
	FirstSeen          time.Time     `db:"first_seen"`
	LastSeen           time.Time     `db:"last_seen"`
	IsWhale            bool          `db:"is_whale"`
	IsSuspicious       bool          `db:"is_suspicious"`
	RiskScore          float64       `db:"risk_score"`
}

// NetworkRow aggregates gas and throughput inputs for a window.
type NetworkRow struct {
	TotalTransactions uint64    `db:"total_transactions"`
	AvgGasPrice       float64   `db:"avg_gas_price"`
	AvgGasUsed        float64   `db:"avg_gas_used"`
	FirstTimestamp    time.Time `db:"first_timestamp"`
	LastTimestamp     time.Time `db:"last_timestamp"`
}

// Summary aggregates the window for the realtime dashboard. Active addresses
// count distinct participants on either side of a transfer.
func (d *DB) Summary(ctx context.Context, since, until time.Time, tokenAddress string) (*SummaryRow, error) {
	filter, args := windowFilter(since, until, tokenAddress)
	q := fmt.Sprintf(`
	SELECT COUNT(*) AS total_transactions,
	       COALESCE(SUM(value), 0)::text AS total_volume,
	       COALESCE(AVG(value), 0)::float8 AS avg_transaction_size,
	       COUNT(DISTINCT token_address) AS active_tokens,
	       (SELECT COUNT(*) FROM (
	            SELECT from_address AS a FROM transactions %[1]s
	            UNION
	            SELECT to_address FROM transactions %[1]s
	       ) participants) AS active_addresses
	FROM transactions %[1]s`, filter)
	var row SummaryRow
	if err := d.GetContext(ctx, &row, q, args...); err != nil {
		return nil, fmt.Errorf("storage: summary: %w", err)
	}
	return &row, nil
}

// TokenBreakdown splits a window by token.
func (d *DB) TokenBreakdown(ctx context.Context, since, until time.Time, tokenAddress string) ([]TokenBreakdownRow, error) {
	filter, args := windowFilter(since, until, tokenAddress)
	q := fmt.Sprintf(`
	SELECT token_address, token_symbol,
	       COUNT(*) AS tx_count,
	       COALESCE(SUM(value), 0)::text AS total_volume
	FROM transactions %s
	GROUP BY token_address, token_symbol
	ORDER BY SUM(value) DESC`, filter)
	var out []TokenBreakdownRow
	if err := d.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("storage: token breakdown: %w", err)
	}
	return out, nil
}

// VolumeBuckets aggregates per-bucket volume since the cutoff. Buckets with
// no traffic are absent; the dashboard layer zero-fills.
func (d *DB) VolumeBuckets(ctx context.Context, granularity string, since time.Time, tokenAddress string) ([]BucketRow, error) {
	trunc, ok := bucketGranularities[granularity]
	if !ok {
		return nil, fmt.Errorf("storage: unknown granularity %q", granularity)
	}
	filter, args := windowFilter(since, time.Time{}, tokenAddress)
	q := fmt.Sprintf(`
	SELECT date_trunc('%s', timestamp) AS bucket,
	       COUNT(*) AS tx_count,
	       COALESCE(SUM(value), 0)::text AS total_volume,
	       COUNT(DISTINCT from_address) AS unique_addresses,
	       COALESCE(AVG(value), 0)::float8 AS avg_volume,
	       COALESCE(SUM(gas_used), 0)::text AS gas_used,
	       COUNT(*) FILTER (WHERE is_anomaly) AS anomaly_count,
	       COALESCE(MAX(value), 0)::text AS highest_tx
	FROM transactions %s
	GROUP BY 1 ORDER BY 1`, trunc, filter)
	var out []BucketRow
	if err := d.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("storage: volume buckets: %w", err)
	}
	return out, nil
}

// AnomalyBuckets aggregates anomalous transfers per bucket since the cutoff.
func (d *DB) AnomalyBuckets(ctx context.Context, granularity string, since time.Time, tokenAddress string) ([]AnomalyBucketRow, error) {
	trunc, ok := bucketGranularities[granularity]
	if !ok {
		return nil, fmt.Errorf("storage: unknown granularity %q", granularity)
	}
	filter, args := windowFilter(since, time.Time{}, tokenAddress)
	q := fmt.Sprintf(`
	SELECT date_trunc('%s', timestamp) AS bucket,
	       COUNT(*) AS anomaly_count,
	       COALESCE(AVG(anomaly_score), 0)::float8 AS avg_score,
	       COALESCE(MAX(anomaly_score), 0)::float8 AS max_score,
	       COALESCE(SUM(value), 0)::text AS total_value
	FROM transactions %s AND is_anomaly
	GROUP BY 1 ORDER BY 1`, trunc, filter)
	var out []AnomalyBucketRow
	if err := d.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("storage: anomaly buckets: %w", err)
	}
	return out, nil
}

// TopAddresses ranks addresses from the statistics table by a whitelisted
// metric. Rows collapse across tokens unless a token filter narrows them.
func (d *DB) TopAddresses(ctx context.Context, metric string, since time.Time, tokenAddress string, limit int) ([]AddressAggRow, error) {
	order, ok := topAddressOrder[metric]
	if !ok {
		return nil, fmt.Errorf("storage: unknown metric %q", metric)
	}
	args := []interface{}{since}
	filter := `WHERE last_seen >= $1`
	if tokenAddress != "" {
		args = append(args, tokenAddress)
		filter += fmt.Sprintf(` AND token_address = $%d`, len(args))
	}
	args = append(args, limit)
	q := fmt.Sprintf(`
	SELECT address,
	       (SUM(total_sent) + SUM(total_received))::text AS total_volume,
	       SUM(total_sent)::text AS total_sent,
	       SUM(total_received)::text AS total_received,
	       SUM(transaction_count_sent + transaction_count_received) AS tx_count,
	       ROUND(MAX(diversity_score) * 100)::bigint AS unique_interactions,
	       MIN(first_seen) AS first_seen,
	       MAX(last_seen) AS last_seen,
	       bool_or(is_whale) AS is_whale,
	       bool_or(is_suspicious) AS is_suspicious,
	       MAX(risk_score) AS risk_score
	FROM address_statistics %s
	GROUP BY address
	ORDER BY %s
	LIMIT $%d`, filter, order, len(args))
	var out []AddressAggRow
	if err := d.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("storage: top addresses: %w", err)
	}
	return out, nil
}

// TopCounterparties ranks window senders or receivers straight from the
// transactions table, with real distinct-counterparty counts.
func (d *DB) TopCounterparties(ctx context.Context, dir model.Direction, since time.Time, tokenAddress string, limit int) ([]AddressAggRow, error) {
	groupCol, otherCol := "from_address", "to_address"
	sentExpr, recvExpr := "COALESCE(SUM(t.value), 0)::text", "'0'"
	if dir == model.DirectionReceived {
		groupCol, otherCol = "to_address", "from_address"
		sentExpr, recvExpr = recvExpr, sentExpr
	}
	args := []interface{}{since}
	filter := `WHERE t.timestamp >= $1`
	if tokenAddress != "" {
		args = append(args, tokenAddress)
		filter += fmt.Sprintf(` AND t.token_address = $%d`, len(args))
	}
	args = append(args, limit)
	q := fmt.Sprintf(`
	SELECT t.%[1]s AS address,
	       COALESCE(SUM(t.value), 0)::text AS total_volume,
	       %[5]s AS total_sent,
	       %[6]s AS total_received,
	       COUNT(*) AS tx_count,
	       COUNT(DISTINCT t.%[2]s) AS unique_interactions,
	       MIN(t.timestamp) AS first_seen,
	       MAX(t.timestamp) AS last_seen,
	       COALESCE(bool_or(s.is_whale), FALSE) AS is_whale,
	       COALESCE(bool_or(s.is_suspicious), FALSE) AS is_suspicious,
	       COALESCE(MAX(s.risk_score), 0) AS risk_score
	FROM transactions t
	LEFT JOIN address_statistics s
	       ON s.address = t.%[1]s AND s.token_address = t.token_address
	%[3]s
	GROUP BY t.%[1]s
	ORDER BY SUM(t.value) DESC
	LIMIT $%[4]d`, groupCol, otherCol, filter, len(args), sentExpr, recvExpr)
	var out []AddressAggRow
	if err := d.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("storage: top counterparties: %w", err)
	}
	return out, nil
}

// NetworkSummary aggregates gas and throughput inputs for a window.
func (d *DB) NetworkSummary(ctx context.Context, since time.Time) (*NetworkRow, error) {
	const q = `
	SELECT COUNT(*) AS total_transactions,
	       COALESCE(AVG(gas_price), 0)::float8 AS avg_gas_price,
	       COALESCE(AVG(gas_used), 0)::float8 AS avg_gas_used,
	       COALESCE(MIN(timestamp), to_timestamp(0)) AS first_timestamp,
	       COALESCE(MAX(timestamp), to_timestamp(0)) AS last_timestamp
	FROM transactions WHERE timestamp >= $1`
	var row NetworkRow
	if err := d.GetContext(ctx, &row, q, since); err != nil {
		return nil, fmt.Errorf("storage: network summary: %w", err)
	}
	return &row, nil
}

// windowFilter builds the shared WHERE clause for window queries. An empty
// until leaves the window open-ended.
func windowFilter(since, until time.Time, tokenAddress string) (string, []interface{}) {
	args := []interface{}{since}
	filter := `WHERE timestamp >= $1`
	if !until.IsZero() {
		args = append(args, until)
		filter += fmt.Sprintf(` AND timestamp < $%d`, len(args))
	}
	if tokenAddress != "" {
		args = append(args, tokenAddress)
		filter += fmt.Sprintf(` AND token_address = $%d`, len(args))
	}
	return filter, args
}
