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

// Package dashboard computes the aggregated read models served over HTTP and
// pushed to websocket subscribers. Every query runs cache-aside: the cache is
// consulted first, misses compute from storage and populate the cache, and
// concurrent misses for the same key collapse into a single computation.
package dashboard

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/cache"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/storage"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/tokens"
)

const (
	defaultWindowHours = 24
	defaultSeriesLimit = 24
	defaultTopLimit    = 10
	maxQueryLimit      = 1000
)

// bucketSteps maps a series granularity to its bucket width. All buckets are
// UTC, so days and weeks are fixed-width.
var bucketSteps = map[string]time.Duration{
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

var timeframes = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"3m":  90 * 24 * time.Hour,
	"6m":  182 * 24 * time.Hour,
	"1y":  365 * 24 * time.Hour,
}

// HeadFunc reports the highest block the ingestion pipeline has processed.
type HeadFunc func() uint64

// TokenShare is one token's slice of a window.
type TokenShare struct {
	TokenAddress string        `json:"tokenAddress"`
	TokenSymbol  string        `json:"tokenSymbol"`
	TxCount      uint64        `json:"txCount"`
	TotalVolume  *model.BigInt `json:"totalVolume"`
	Percentage   float64       `json:"percentage"`
}

// RealtimeStats is the summary behind /statistics/realtime and the periodic
// broadcast snapshot.
type RealtimeStats struct {
	TotalTx           uint64        `json:"totalTx"`
	TotalVolume       *model.BigInt `json:"totalVolume"`
	ActiveAddresses   uint64        `json:"activeAddresses"`
	AvgTxSize         float64       `json:"avgTxSize"`
	TxLast24h         uint64        `json:"txLast24h"`
	VolLast24h        *model.BigInt `json:"volLast24h"`
	ActiveTokens      uint64        `json:"activeTokens"`
	PerTokenBreakdown []TokenShare  `json:"perTokenBreakdown"`
	CurrentBlock      uint64        `json:"currentBlock"`
	Timestamp         time.Time     `json:"ts"`
}

// RealtimeQuery narrows the realtime summary. Explicit dates win over Hours;
// with neither set the window is the trailing 24 hours.
type RealtimeQuery struct {
	Start time.Time
	End   time.Time
	Hours int
	Token string
}

// VolumePoint is one bucket of the volume series. Buckets with no traffic are
// present with zero counts so a series of limit L always has L entries.
type VolumePoint struct {
	Bucket          string        `json:"bucket"`
	TokenSymbol     string        `json:"tokenSymbol"`
	TxCount         uint64        `json:"txCount"`
	TotalVolume     *model.BigInt `json:"totalVolume"`
	UniqueAddresses uint64        `json:"uniqueAddresses"`
	AvgVolume       float64       `json:"avgVolume"`
	GasUsed         *model.BigInt `json:"gasUsed"`
	AnomalyCount    uint64        `json:"anomalyCount"`
	HighestTx       *model.BigInt `json:"highestTx,omitempty"`
	PeakHour        *int          `json:"peakHour,omitempty"`
	PeakDay         *string       `json:"peakDay,omitempty"`
}

// AnomalyPoint is one bucket of the anomaly series.
type AnomalyPoint struct {
	Bucket       string        `json:"bucket"`
	AnomalyCount uint64        `json:"anomalyCount"`
	AvgScore     float64       `json:"avgScore"`
	MaxScore     float64       `json:"maxScore"`
	TotalValue   *model.BigInt `json:"totalValue"`
}

// AddressEntry is one row of a top-address leaderboard.
type AddressEntry struct {
	Address            string        `json:"address"`
	TotalVolume        *model.BigInt `json:"totalVolume"`
	TotalSent          *model.BigInt `json:"totalSent"`
	TotalReceived      *model.BigInt `json:"totalReceived"`
	TxCount            uint64        `json:"txCount"`
	UniqueInteractions uint64        `json:"uniqueInteractions"`
	FirstSeen          time.Time     `json:"firstSeen"`
	LastSeen           time.Time     `json:"lastSeen"`
	IsWhale            bool          `json:"isWhale"`
	IsSuspicious       bool          `json:"isSuspicious"`
	RiskScore          float64       `json:"riskScore"`
}

// NetworkStats estimates chain-facing health from the ingested window.
type NetworkStats struct {
	TotalTx      uint64         `json:"totalTx"`
	AvgGasPrice  float64        `json:"avgGasPrice"`
	AvgGasUsed   float64        `json:"avgGasUsed"`
	Throughput   float64        `json:"throughput"`
	Series       []NetworkPoint `json:"series"`
	CurrentBlock uint64         `json:"currentBlock"`
	Timestamp    time.Time      `json:"ts"`
}

// NetworkPoint is one hourly sample of the network series.
type NetworkPoint struct {
	Bucket  string        `json:"bucket"`
	TxCount uint64        `json:"txCount"`
	GasUsed *model.BigInt `json:"gasUsed"`
}

// Service answers dashboard queries. It owns no goroutines; callers bound
// each query with their request context.
type Service struct {
	db     *storage.DB
	cache  *cache.Cache
	reg    *tokens.Registry
	ttl    config.Cache
	head   HeadFunc
	log    *zap.Logger
	flight singleflight.Group
	now    func() time.Time
}

// New wires a query service. head may be nil when no scheduler is running,
// for example in offline tooling.
func New(db *storage.DB, c *cache.Cache, reg *tokens.Registry, ttl config.Cache, head HeadFunc, log *zap.Logger) *Service {
	if head == nil {
		head = func() uint64 { return 0 }
	}
	return &Service{
		db:    db,
		cache: c,
		reg:   reg,
		ttl:   ttl,
		head:  head,
		log:   log,
		now:   time.Now,
	}
}

// RealtimeStats aggregates the requested window plus the fixed trailing-24h
// counters. The returned bool reports whether the result came from cache.
func (s *Service) RealtimeStats(ctx context.Context, q RealtimeQuery) (*RealtimeStats, bool, error) {
	start, end, fp := s.resolveWindow(q)
	key := s.cache.Key("stats", "summary", fp, tokenOrAll(q.Token))

	var hit RealtimeStats
	if s.cache.GetJSON(ctx, key, &hit) {
		return &hit, true, nil
	}
	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		out, err := s.computeRealtime(ctx, start, end, q.Token)
		if err != nil {
			return nil, err
		}
		s.cache.SetJSON(ctx, key, out, s.ttl.TTLSummary)
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*RealtimeStats), false, nil
}

func (s *Service) computeRealtime(ctx context.Context, start, end time.Time, token string) (*RealtimeStats, error) {
	var (
		window *storage.SummaryRow
		last24 *storage.SummaryRow
		shares []storage.TokenBreakdownRow
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		window, err = s.db.Summary(gctx, start, end, token)
		return err
	})
	g.Go(func() error {
		var err error
		last24, err = s.db.Summary(gctx, s.now().UTC().Add(-24*time.Hour), time.Time{}, token)
		return err
	})
	g.Go(func() error {
		var err error
		shares, err = s.db.TokenBreakdown(gctx, start, end, token)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &RealtimeStats{
		TotalTx:           window.TotalTransactions,
		TotalVolume:       window.TotalVolume,
		ActiveAddresses:   window.ActiveAddresses,
		AvgTxSize:         window.AvgTransactionSize,
		TxLast24h:         last24.TotalTransactions,
		VolLast24h:        last24.TotalVolume,
		ActiveTokens:      window.ActiveTokens,
		PerTokenBreakdown: tokenShares(shares),
		CurrentBlock:      s.head(),
		Timestamp:         s.now().UTC(),
	}, nil
}

// VolumeSeries returns exactly limit contiguous buckets ending at the current
// bucket, oldest first. Missing buckets carry zero counts.
func (s *Service) VolumeSeries(ctx context.Context, granularity, token string, limit int) ([]VolumePoint, bool, error) {
	step, ok := bucketSteps[granularity]
	if !ok {
		return nil, false, fmt.Errorf("dashboard: unknown granularity %q", granularity)
	}
	limit = clampLimit(limit, defaultSeriesLimit)
	key := s.cache.Key("stats", "volume", granularity, strconv.Itoa(limit), tokenOrAll(token))

	var hit []VolumePoint
	if s.cache.GetJSON(ctx, key, &hit) {
		return hit, true, nil
	}
	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		out, err := s.computeVolumeSeries(ctx, granularity, step, token, limit)
		if err != nil {
			return nil, err
		}
		s.cache.SetJSON(ctx, key, out, s.ttl.TTLSummary)
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]VolumePoint), false, nil
}

func (s *Service) computeVolumeSeries(ctx context.Context, granularity string, step time.Duration, token string, limit int) ([]VolumePoint, error) {
	newest := truncateBucket(s.now().UTC(), granularity)
	oldest := newest.Add(-time.Duration(limit-1) * step)

	rows, err := s.db.VolumeBuckets(ctx, granularity, oldest, token)
	if err != nil {
		return nil, err
	}
	byBucket := make(map[time.Time]storage.BucketRow, len(rows))
	for _, r := range rows {
		byBucket[r.Bucket.UTC()] = r
	}
	peakHours, peakDays, err := s.peaks(ctx, granularity, oldest, token)
	if err != nil {
		return nil, err
	}

	symbol := s.symbolFor(token)
	out := make([]VolumePoint, 0, limit)
	for i := 0; i < limit; i++ {
		t := oldest.Add(time.Duration(i) * step)
		p := VolumePoint{
			Bucket:      bucketLabel(t, granularity),
			TokenSymbol: symbol,
			TotalVolume: model.NewBigInt(nil),
			GasUsed:     model.NewBigInt(nil),
		}
		if r, ok := byBucket[t]; ok {
			p.TxCount = r.TxCount
			p.TotalVolume = r.TotalVolume
			p.UniqueAddresses = r.UniqueAddresses
			p.AvgVolume = r.AvgVolume
			p.GasUsed = r.GasUsed
			p.AnomalyCount = r.AnomalyCount
			p.HighestTx = r.HighestTx
		}
		if h, ok := peakHours[t]; ok {
			hour := h
			p.PeakHour = &hour
		}
		if d, ok := peakDays[t]; ok {
			day := d
			p.PeakDay = &day
		}
		out = append(out, p)
	}
	return out, nil
}

// peaks derives the busiest hour per day bucket, or busiest weekday per week
// bucket, from one finer-grained aggregate over the same window.
func (s *Service) peaks(ctx context.Context, granularity string, since time.Time, token string) (map[time.Time]int, map[time.Time]string, error) {
	var fine string
	switch granularity {
	case "day":
		fine = "hour"
	case "week":
		fine = "day"
	default:
		return nil, nil, nil
	}
	rows, err := s.db.VolumeBuckets(ctx, fine, since, token)
	if err != nil {
		return nil, nil, err
	}
	best := make(map[time.Time]storage.BucketRow)
	for _, r := range rows {
		coarse := truncateBucket(r.Bucket.UTC(), granularity)
		if cur, ok := best[coarse]; !ok || r.TxCount > cur.TxCount {
			best[coarse] = r
		}
	}
	if granularity == "day" {
		hours := make(map[time.Time]int, len(best))
		for coarse, r := range best {
			if r.TxCount > 0 {
				hours[coarse] = r.Bucket.UTC().Hour()
			}
		}
		return hours, nil, nil
	}
	days := make(map[time.Time]string, len(best))
	for coarse, r := range best {
		if r.TxCount > 0 {
			days[coarse] = r.Bucket.UTC().Weekday().String()
		}
	}
	return nil, days, nil
}

// AnomalySeries mirrors VolumeSeries for anomalous transfers only.
func (s *Service) AnomalySeries(ctx context.Context, granularity, token string, limit int) ([]AnomalyPoint, bool, error) {
	step, ok := bucketSteps[granularity]
	if !ok {
		return nil, false, fmt.Errorf("dashboard: unknown granularity %q", granularity)
	}
	limit = clampLimit(limit, defaultSeriesLimit)
	key := s.cache.Key("stats", "anomalies", granularity, strconv.Itoa(limit), tokenOrAll(token))

	var hit []AnomalyPoint
	if s.cache.GetJSON(ctx, key, &hit) {
		return hit, true, nil
	}
	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		out, err := s.computeAnomalySeries(ctx, granularity, step, token, limit)
		if err != nil {
			return nil, err
		}
		s.cache.SetJSON(ctx, key, out, s.ttl.TTLRisky)
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]AnomalyPoint), false, nil
}

func (s *Service) computeAnomalySeries(ctx context.Context, granularity string, step time.Duration, token string, limit int) ([]AnomalyPoint, error) {
	newest := truncateBucket(s.now().UTC(), granularity)
	oldest := newest.Add(-time.Duration(limit-1) * step)

	rows, err := s.db.AnomalyBuckets(ctx, granularity, oldest, token)
	if err != nil {
		return nil, err
	}
	byBucket := make(map[time.Time]storage.AnomalyBucketRow, len(rows))
	for _, r := range rows {
		byBucket[r.Bucket.UTC()] = r
	}
	out := make([]AnomalyPoint, 0, limit)
	for i := 0; i < limit; i++ {
		t := oldest.Add(time.Duration(i) * step)
		p := AnomalyPoint{
			Bucket:     bucketLabel(t, granularity),
			TotalValue: model.NewBigInt(nil),
		}
		if r, ok := byBucket[t]; ok {
			p.AnomalyCount = r.AnomalyCount
			p.AvgScore = r.AvgScore
			p.MaxScore = r.MaxScore
			p.TotalValue = r.TotalValue
		}
		out = append(out, p)
	}
	return out, nil
}

// RecentAnomalies lists the latest flagged transfers, newest first.
func (s *Service) RecentAnomalies(ctx context.Context, token string, limit int) ([]model.Transaction, bool, error) {
	limit = clampLimit(limit, defaultTopLimit)
	key := s.cache.Key("stats", "anomalies", "recent", strconv.Itoa(limit), tokenOrAll(token))

	var hit []model.Transaction
	if s.cache.GetJSON(ctx, key, &hit) {
		return hit, true, nil
	}
	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		rows, err := s.db.RecentAnomalies(ctx, token, limit)
		if err != nil {
			return nil, err
		}
		s.cache.SetJSON(ctx, key, rows, s.ttl.TTLRisky)
		return rows, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]model.Transaction), false, nil
}

// TopAddresses ranks addresses from the statistics table by a whitelisted
// metric over a named timeframe.
func (s *Service) TopAddresses(ctx context.Context, metric, timeframe, token string, limit int) ([]AddressEntry, bool, error) {
	since, err := timeframeSince(s.now().UTC(), timeframe)
	if err != nil {
		return nil, false, err
	}
	limit = clampLimit(limit, defaultTopLimit)
	key := s.cache.Key("stats", "top", metric, timeframeOrAll(timeframe), strconv.Itoa(limit), tokenOrAll(token))

	var hit []AddressEntry
	if s.cache.GetJSON(ctx, key, &hit) {
		return hit, true, nil
	}
	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		rows, err := s.db.TopAddresses(ctx, metric, since, token, limit)
		if err != nil {
			return nil, err
		}
		out := addressEntries(rows)
		s.cache.SetJSON(ctx, key, out, s.ttl.TTLAddressStats)
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]AddressEntry), false, nil
}

// TopSenders ranks window senders by outbound volume.
func (s *Service) TopSenders(ctx context.Context, hours int, token string, limit int) ([]AddressEntry, bool, error) {
	return s.topCounterparties(ctx, model.DirectionSent, hours, token, limit)
}

// TopReceivers ranks window receivers by inbound volume.
func (s *Service) TopReceivers(ctx context.Context, hours int, token string, limit int) ([]AddressEntry, bool, error) {
	return s.topCounterparties(ctx, model.DirectionReceived, hours, token, limit)
}

func (s *Service) topCounterparties(ctx context.Context, dir model.Direction, hours int, token string, limit int) ([]AddressEntry, bool, error) {
	if hours <= 0 {
		hours = defaultWindowHours
	}
	limit = clampLimit(limit, defaultTopLimit)
	key := s.cache.Key("stats", string(dir), strconv.Itoa(hours)+"h", strconv.Itoa(limit), tokenOrAll(token))

	var hit []AddressEntry
	if s.cache.GetJSON(ctx, key, &hit) {
		return hit, true, nil
	}
	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		since := s.now().UTC().Add(-time.Duration(hours) * time.Hour)
		rows, err := s.db.TopCounterparties(ctx, dir, since, token, limit)
		if err != nil {
			return nil, err
		}
		out := addressEntries(rows)
		s.cache.SetJSON(ctx, key, out, s.ttl.TTLAddressStats)
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]AddressEntry), false, nil
}

// TokenDistribution splits the window's traffic per token with volume shares.
func (s *Service) TokenDistribution(ctx context.Context, window time.Duration) ([]TokenShare, bool, error) {
	if window <= 0 {
		window = defaultWindowHours * time.Hour
	}
	key := s.cache.Key("stats", "distribution", window.String())

	var hit []TokenShare
	if s.cache.GetJSON(ctx, key, &hit) {
		return hit, true, nil
	}
	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		rows, err := s.db.TokenBreakdown(ctx, s.now().UTC().Add(-window), time.Time{}, "")
		if err != nil {
			return nil, err
		}
		out := tokenShares(rows)
		s.cache.SetJSON(ctx, key, out, s.ttl.TTLSummary)
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]TokenShare), false, nil
}

// NetworkStats reports gas averages, an hourly series, and a throughput
// estimate over the window.
func (s *Service) NetworkStats(ctx context.Context, window time.Duration) (*NetworkStats, bool, error) {
	if window <= 0 {
		window = defaultWindowHours * time.Hour
	}
	key := s.cache.Key("stats", "network", window.String())

	var hit NetworkStats
	if s.cache.GetJSON(ctx, key, &hit) {
		return &hit, true, nil
	}
	v, err, _ := s.flight.Do(key, func() (interface{}, error) {
		since := s.now().UTC().Add(-window)
		var (
			sum  *storage.NetworkRow
			rows []storage.BucketRow
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			sum, err = s.db.NetworkSummary(gctx, since)
			return err
		})
		g.Go(func() error {
			var err error
			rows, err = s.db.VolumeBuckets(gctx, "hour", since, "")
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
		out := &NetworkStats{
			TotalTx:      sum.TotalTransactions,
			AvgGasPrice:  sum.AvgGasPrice,
			AvgGasUsed:   sum.AvgGasUsed,
			Throughput:   throughput(sum),
			Series:       networkSeries(rows),
			CurrentBlock: s.head(),
			Timestamp:    s.now().UTC(),
		}
		s.cache.SetJSON(ctx, key, out, s.ttl.TTLSummary)
		return out, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*NetworkStats), false, nil
}

func (s *Service) resolveWindow(q RealtimeQuery) (start, end time.Time, fingerprint string) {
	now := s.now().UTC()
	if !q.Start.IsZero() {
		end = q.End
		if end.IsZero() {
			end = now
		}
		return q.Start, end, fmt.Sprintf("%d-%d", q.Start.Unix(), end.Unix())
	}
	hours := q.Hours
	if hours <= 0 {
		hours = defaultWindowHours
	}
	return now.Add(-time.Duration(hours) * time.Hour), now, strconv.Itoa(hours) + "h"
}

func (s *Service) symbolFor(token string) string {
	if token == "" {
		return "ALL"
	}
	if t, ok := s.reg.GetByHex(token); ok {
		return t.Symbol
	}
	return "UNKNOWN"
}

func tokenShares(rows []storage.TokenBreakdownRow) []TokenShare {
	total := new(big.Int)
	for _, r := range rows {
		total.Add(total, r.TotalVolume.ToBig())
	}
	out := make([]TokenShare, 0, len(rows))
	for _, r := range rows {
		out = append(out, TokenShare{
			TokenAddress: r.TokenAddress,
			TokenSymbol:  r.TokenSymbol,
			TxCount:      r.TxCount,
			TotalVolume:  r.TotalVolume,
			Percentage:   percentOf(r.TotalVolume.ToBig(), total),
		})
	}
	return out
}

func addressEntries(rows []storage.AddressAggRow) []AddressEntry {
	out := make([]AddressEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, AddressEntry{
			Address:            r.Address,
			TotalVolume:        r.TotalVolume,
			TotalSent:          r.TotalSent,
			TotalReceived:      r.TotalReceived,
			TxCount:            r.TxCount,
			UniqueInteractions: r.UniqueInteractions,
			FirstSeen:          r.FirstSeen,
			LastSeen:           r.LastSeen,
			IsWhale:            r.IsWhale,
			IsSuspicious:       r.IsSuspicious,
			RiskScore:          r.RiskScore,
		})
	}
	return out
}

func networkSeries(rows []storage.BucketRow) []NetworkPoint {
	out := make([]NetworkPoint, 0, len(rows))
	for _, r := range rows {
		out = append(out, NetworkPoint{
			Bucket:  bucketLabel(r.Bucket.UTC(), "hour"),
			TxCount: r.TxCount,
			GasUsed: r.GasUsed,
		})
	}
	return out
}

// percentOf computes 100·part/whole without routing token amounts through
// float64 until the final ratio.
func percentOf(part, whole *big.Int) float64 {
	if whole.Sign() <= 0 {
		return 0
	}
	ratio, _ := new(big.Float).Quo(new(big.Float).SetInt(part), new(big.Float).SetInt(whole)).Float64()
	return ratio * 100
}

func throughput(sum *storage.NetworkRow) float64 {
	if sum.TotalTransactions == 0 {
		return 0
	}
	span := sum.LastTimestamp.Sub(sum.FirstTimestamp)
	if span < time.Second {
		span = time.Second
	}
	return float64(sum.TotalTransactions) / span.Seconds()
}

// truncateBucket floors t to its bucket start, matching what date_trunc
// produces on the storage side. Weeks start on Monday.
func truncateBucket(t time.Time, granularity string) time.Time {
	t = t.UTC()
	switch granularity {
	case "minute":
		return t.Truncate(time.Minute)
	case "hour":
		return t.Truncate(time.Hour)
	case "day":
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case "week":
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	}
	return t
}

func bucketLabel(t time.Time, granularity string) string {
	switch granularity {
	case "minute", "hour":
		return t.Format("2006-01-02 15:04:05")
	default:
		return t.Format("2006-01-02")
	}
}

func clampLimit(limit, fallback int) int {
	switch {
	case limit <= 0:
		return fallback
	case limit > maxQueryLimit:
		return maxQueryLimit
	}
	return limit
}

func timeframeSince(now time.Time, timeframe string) (time.Time, error) {
	if timeframe == "" || timeframe == "all" {
		return time.Unix(0, 0).UTC(), nil
	}
	d, ok := timeframes[timeframe]
	if !ok {
		return time.Time{}, fmt.Errorf("dashboard: unknown timeframe %q", timeframe)
	}
	return now.Add(-d), nil
}

func timeframeOrAll(timeframe string) string {
	if timeframe == "" {
		return "all"
	}
	return timeframe
}

func tokenOrAll(token string) string {
	if token == "" {
		return "all"
	}
	return strings.ToLower(token)
}
