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

// Package rank scores addresses per token from their accumulated statistics
// and maintains the cached leaderboards the dashboard serves.
package rank

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/cache"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/storage"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/tokens"
)

// Composite weights. They sum to 1 so the composite stays in [0, 100].
const (
	weightVolume    = 0.4
	weightFrequency = 0.3
	weightRecency   = 0.2
	weightDiversity = 0.1
)

// Category rules.
const (
	whalePercentileMin = 99.0
	activeTraderMinTx  = 50
	dormantMinDays     = 30
	suspiciousRiskMin  = 0.8
	highRiskMin        = 0.7
	whaleListSize      = 100
	riskyListSize      = 50
	activeListSize     = 100
)

// Category labels attached to ranked addresses.
const (
	CategoryWhale        = "whale"
	CategoryActiveTrader = "activeTrader"
	CategoryDormant      = "dormant"
	CategorySuspicious   = "suspicious"
	CategoryHighRisk     = "highRisk"
)

// Leaderboard names servable from the cache.
const (
	ListWhales = "whales"
	ListRisky  = "risky"
	ListActive = "active"
)

// RankedAddress is one leaderboard row.
type RankedAddress struct {
	Rank                int           `json:"rank"`
	Address             string        `json:"address"`
	CompositeScore      float64       `json:"compositeScore"`
	VolumePercentile    float64       `json:"volumePercentile"`
	FrequencyPercentile float64       `json:"frequencyPercentile"`
	RecencyScore        float64       `json:"recencyScore"`
	DiversityScore      float64       `json:"diversityScore"`
	Volume              *model.BigInt `json:"volume"`
	Frequency           uint64        `json:"frequency"`
	RiskScore           float64       `json:"riskScore"`
	IsWhale             bool          `json:"isWhale"`
	IsSuspicious        bool          `json:"isSuspicious"`
	LastSeen            time.Time     `json:"lastSeen"`
	Categories          []string      `json:"categories"`
}

// Engine computes leaderboards. It only reads statistics; its sole writes go
// to the cache.
type Engine struct {
	db    *storage.DB
	cache *cache.Cache
	reg   *tokens.Registry
	ttl   config.Cache
	every time.Duration
	log   *zap.Logger
	now   func() time.Time
}

// New builds the engine. Run starts the periodic refresh.
func New(db *storage.DB, c *cache.Cache, reg *tokens.Registry, ttl config.Cache, every time.Duration, log *zap.Logger) *Engine {
	return &Engine{
		db:    db,
		cache: c,
		reg:   reg,
		ttl:   ttl,
		every: every,
		log:   log.Named("rank"),
		now:   time.Now,
	}
}

// Run primes every token's leaderboards immediately, then refreshes them on
// a fixed period.
func (e *Engine) Run(ctx context.Context) error {
	e.RefreshAll(ctx)
	ticker := time.NewTicker(e.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.RefreshAll(ctx)
		}
	}
}

// RefreshAll recomputes and caches the leaderboards for every active token.
func (e *Engine) RefreshAll(ctx context.Context) {
	start := e.now()
	for _, token := range e.reg.All() {
		ranked, err := e.RankToken(ctx, token.Address)
		if err != nil {
			e.log.Warn("ranking failed", zap.String("token", token.Symbol), zap.Error(err))
			continue
		}
		e.cacheLists(ctx, token.Address, ranked)
	}
	e.log.Debug("leaderboards refreshed", zap.Duration("took", time.Since(start)))
}

// RankToken scores every address holding statistics for the token and
// returns them ordered by composite score.
func (e *Engine) RankToken(ctx context.Context, tokenAddress string) ([]RankedAddress, error) {
	rows, err := e.db.StatsForToken(ctx, tokenAddress)
	if err != nil {
		return nil, err
	}
	return e.rank(rows), nil
}

func (e *Engine) rank(rows []model.AddressStats) []RankedAddress {
	if len(rows) == 0 {
		return nil
	}
	now := e.now()

	volumes := make([]*big.Int, len(rows))
	freqs := make([]uint64, len(rows))
	for i := range rows {
		volumes[i] = rows[i].TotalVolume()
		freqs[i] = rows[i].TotalCount()
	}
	volScore := percentilesBig(volumes)
	freqScore := percentilesUint(freqs)

	out := make([]RankedAddress, len(rows))
	for i := range rows {
		s := &rows[i]
		days := daysBetween(s.LastSeen, now)
		recency := 100 - float64(days)
		if recency < 0 {
			recency = 0
		}
		diversity := s.DiversityScore * 100

		r := RankedAddress{
			Address:             s.Address,
			VolumePercentile:    volScore[i],
			FrequencyPercentile: freqScore[i],
			RecencyScore:        recency,
			DiversityScore:      diversity,
			Volume:              model.NewBigInt(volumes[i]),
			Frequency:           freqs[i],
			RiskScore:           s.RiskScore,
			IsWhale:             s.IsWhale,
			IsSuspicious:        s.IsSuspicious,
			LastSeen:            s.LastSeen,
		}
		r.CompositeScore = weightVolume*r.VolumePercentile +
			weightFrequency*r.FrequencyPercentile +
			weightRecency*r.RecencyScore +
			weightDiversity*r.DiversityScore
		r.Categories = categorize(r, s, days)
		out[i] = r
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CompositeScore != out[j].CompositeScore {
			return out[i].CompositeScore > out[j].CompositeScore
		}
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].Address < out[j].Address
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// categorize labels one address. The set keeps membership checks cheap for
// the list filters below.
func categorize(r RankedAddress, s *model.AddressStats, daysSinceActivity int) []string {
	set := mapset.NewThreadUnsafeSet[string]()
	if r.VolumePercentile >= whalePercentileMin {
		set.Add(CategoryWhale)
	}
	if r.Frequency >= activeTraderMinTx {
		set.Add(CategoryActiveTrader)
	}
	if daysSinceActivity >= dormantMinDays {
		set.Add(CategoryDormant)
	}
	if s.RiskScore >= suspiciousRiskMin {
		set.Add(CategorySuspicious)
	}
	if s.RiskScore >= highRiskMin {
		set.Add(CategoryHighRisk)
	}
	cats := set.ToSlice()
	sort.Strings(cats)
	return cats
}

// leaderboard filters ranked rows into one named list, preserving the
// composite order. The bool reports whether the name is known.
func leaderboard(list string, ranked []RankedAddress) ([]RankedAddress, bool) {
	switch list {
	case ListWhales:
		return filterRanked(ranked, whaleListSize, func(r *RankedAddress) bool {
			return hasCategory(r, CategoryWhale)
		}), true
	case ListRisky:
		return filterRanked(ranked, riskyListSize, func(r *RankedAddress) bool {
			return hasCategory(r, CategorySuspicious) || hasCategory(r, CategoryHighRisk)
		}), true
	case ListActive:
		return filterRanked(ranked, activeListSize, func(r *RankedAddress) bool {
			return hasCategory(r, CategoryActiveTrader)
		}), true
	}
	return nil, false
}

// cacheLists persists the three leaderboards for a token, pipelining the
// writes that share a TTL class.
func (e *Engine) cacheLists(ctx context.Context, tokenAddress string, ranked []RankedAddress) {
	byTTL := map[time.Duration]map[string]string{}
	for _, list := range []string{ListWhales, ListRisky, ListActive} {
		filtered, _ := leaderboard(list, ranked)
		raw, err := json.Marshal(filtered)
		if err != nil {
			e.log.Warn("marshal leaderboard failed", zap.Error(err))
			continue
		}
		ttl := e.listTTL(list)
		if byTTL[ttl] == nil {
			byTTL[ttl] = map[string]string{}
		}
		byTTL[ttl][e.cache.Key("rankings", list, tokenAddress)] = string(raw)
	}
	for ttl, entries := range byTTL {
		e.cache.BatchSet(ctx, entries, ttl)
	}
}

// listTTL maps a leaderboard to its TTL class: the whale and risky lists
// carry their own knobs, the active list rides the general rankings TTL.
func (e *Engine) listTTL(list string) time.Duration {
	switch list {
	case ListWhales:
		return e.ttl.TTLWhale
	case ListRisky:
		return e.ttl.TTLRisky
	default:
		return e.ttl.TTLRankings
	}
}

// List serves one leaderboard cache-aside: a miss recomputes the token's
// ranking and repopulates all three lists. The bool reports a cache hit.
func (e *Engine) List(ctx context.Context, list, tokenAddress string) ([]RankedAddress, bool, error) {
	if _, ok := leaderboard(list, nil); !ok {
		return nil, false, fmt.Errorf("rank: unknown list %q", list)
	}
	if out, ok := e.CachedList(ctx, list, tokenAddress); ok {
		return out, true, nil
	}
	ranked, err := e.RankToken(ctx, tokenAddress)
	if err != nil {
		return nil, false, err
	}
	e.cacheLists(ctx, tokenAddress, ranked)
	out, _ := leaderboard(list, ranked)
	return out, false, nil
}

// CachedList returns a previously cached leaderboard, if present.
func (e *Engine) CachedList(ctx context.Context, list, tokenAddress string) ([]RankedAddress, bool) {
	var out []RankedAddress
	ok := e.cache.GetJSON(ctx, e.cache.Key("rankings", list, tokenAddress), &out)
	return out, ok
}

func hasCategory(r *RankedAddress, cat string) bool {
	for _, c := range r.Categories {
		if c == cat {
			return true
		}
	}
	return false
}

func filterRanked(ranked []RankedAddress, limit int, keep func(*RankedAddress) bool) []RankedAddress {
	out := make([]RankedAddress, 0, limit)
	for i := range ranked {
		if len(out) == limit {
			break
		}
		if keep(&ranked[i]) {
			out = append(out, ranked[i])
		}
	}
	return out
}

// percentilesBig maps each value to 100 × rank of the first equal-or-greater
// element / N over the ascending order.
func percentilesBig(values []*big.Int) []float64 {
	sorted := make([]*big.Int, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Cmp(sorted[j]) < 0 })

	n := float64(len(values))
	out := make([]float64, len(values))
	for i, v := range values {
		first := sort.Search(len(sorted), func(k int) bool { return sorted[k].Cmp(v) >= 0 })
		out[i] = 100 * float64(first+1) / n
	}
	return out
}

func percentilesUint(values []uint64) []float64 {
	sorted := make([]uint64, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := float64(len(values))
	out := make([]float64, len(values))
	for i, v := range values {
		first := sort.Search(len(sorted), func(k int) bool { return sorted[k] >= v })
		out[i] = 100 * float64(first+1) / n
	}
	return out
}

func daysBetween(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return int(to.Sub(from) / (24 * time.Hour))
}
