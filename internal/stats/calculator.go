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

// Package stats implements the incremental per-address statistics update.
// Every transfer touches exactly two rows, one per direction, and each update
// is O(1): running means, maxima and the derived scores are recomputed from
// the previous row and the new amount alone. Balance math stays in big.Int;
// floats appear only in scores and averages.
package stats

import (
	"math"
	"math/big"
	"time"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
)

const day = 24 * time.Hour

// Score weights and thresholds of the risk model.
const (
	riskWeightVelocity  = 0.3
	riskWeightDiversity = 0.2
	riskWeightWhale     = 0.3
	riskWeightFlags     = 0.2

	flagWeightSuspicious    = 0.4
	flagWeightBot           = 0.3
	flagWeightHighFrequency = 0.3

	suspiciousRiskThreshold = 0.7
	anomalyThreshold        = 0.7

	initialVelocity  = 0.5
	initialDiversity = 0.1
	initialRisk      = 0.1
)

// Calculator applies transfer events to address statistics rows. It is
// stateless apart from the whale threshold and safe for concurrent use.
type Calculator struct {
	whaleThreshold *big.Int
	now            func() time.Time
}

// NewCalculator returns a Calculator marking addresses whose cumulative
// volume reaches threshold as whales.
func NewCalculator(threshold *big.Int) *Calculator {
	return &Calculator{
		whaleThreshold: new(big.Int).Set(threshold),
		now:            time.Now,
	}
}

// Apply folds one transfer into the row for (address, token). A nil prev
// means the address has never been seen for this token; the returned row is
// always a fresh value, never a mutation of prev.
func (c *Calculator) Apply(prev *model.AddressStats, address, tokenAddress string, dir model.Direction, value *big.Int, at time.Time) *model.AddressStats {
	at = at.UTC()
	if prev == nil {
		return c.initial(address, tokenAddress, dir, value, at)
	}
	next := clone(prev)

	v := bigToFloat(value)
	switch dir {
	case model.DirectionSent:
		next.TotalSent = prev.TotalSent.Add(value)
		next.TransactionCountSent++
		next.AvgTransactionSizeSent = runningMean(prev.AvgTransactionSizeSent, next.TransactionCountSent, v)
		next.MaxTransactionSizeSent = maxBig(prev.MaxTransactionSizeSent, value)
	default:
		next.TotalReceived = prev.TotalReceived.Add(value)
		next.TransactionCountReceived++
		next.AvgTransactionSizeReceived = runningMean(prev.AvgTransactionSizeReceived, next.TransactionCountReceived, v)
		next.MaxTransactionSizeReceived = maxBig(prev.MaxTransactionSizeReceived, value)
	}

	totalAll := new(big.Int).Add(next.TotalSent.ToBig(), next.TotalReceived.ToBig())
	countAll := next.TransactionCountSent + next.TransactionCountReceived
	next.AvgTransactionSize = bigToFloat(totalAll) / float64(countAll)
	next.MaxTransactionSize = maxBig(prev.MaxTransactionSize, value)

	if at.Before(prev.LastSeen) {
		// Events arrive in ascending block order, but a re-drained
		// dead-letter batch may replay an older timestamp.
		at = prev.LastSeen
	}
	next.DormancyPeriod = int(at.Sub(prev.LastSeen) / day)
	next.LastSeen = at
	next.LastActivityType = dir
	next.IsActive = true

	daysSinceFirst := int64(at.Sub(next.FirstSeen) / day)
	if daysSinceFirst < 1 {
		daysSinceFirst = 1
	}
	next.VelocityScore = math.Min(1, float64(countAll)/float64(daysSinceFirst)/10)
	next.DiversityScore = math.Min(1, float64(countAll)/100)
	next.IsWhale = totalAll.Cmp(c.whaleThreshold) >= 0

	largeTx := value.Cmp(c.whaleThreshold) >= 0
	next.Flags.LargeTx = prev.Flags.LargeTx || largeTx
	next.Flags.HighFrequency = next.VelocityScore > 0.8
	next.Flags.Bot = prev.Flags.Bot || (next.VelocityScore > 0.9 && countAll > 50)
	next.Flags.SuspiciousPattern = prev.Flags.SuspiciousPattern || (next.VelocityScore > 0.95 && largeTx)

	next.RiskScore = riskScore(next.VelocityScore, next.DiversityScore, next.IsWhale, next.Flags)
	next.IsSuspicious = next.RiskScore > suspiciousRiskThreshold
	next.UpdatedAt = c.now().UTC()
	return next
}

// initial seeds a first-sighting row: direction fields from the amount,
// opposite direction zero, and the documented starting scores.
func (c *Calculator) initial(address, tokenAddress string, dir model.Direction, value *big.Int, at time.Time) *model.AddressStats {
	whale := value.Cmp(c.whaleThreshold) >= 0
	s := &model.AddressStats{
		Address:            address,
		TokenAddress:       tokenAddress,
		TotalSent:          model.NewBigInt(nil),
		TotalReceived:      model.NewBigInt(nil),
		MaxTransactionSize: model.NewBigInt(value),
		AvgTransactionSize: bigToFloat(value),
		VelocityScore:      initialVelocity,
		DiversityScore:     initialDiversity,
		RiskScore:          initialRisk,
		IsWhale:            whale,
		IsActive:           true,
		LastActivityType:   dir,
		FirstSeen:          at,
		LastSeen:           at,
		UpdatedAt:          c.now().UTC(),
		Flags:              model.BehavioralFlags{LargeTx: whale},
	}
	v := bigToFloat(value)
	if dir == model.DirectionSent {
		s.TotalSent = model.NewBigInt(value)
		s.TransactionCountSent = 1
		s.AvgTransactionSizeSent = v
		s.MaxTransactionSizeSent = model.NewBigInt(value)
		s.MaxTransactionSizeReceived = model.NewBigInt(nil)
	} else {
		s.TotalReceived = model.NewBigInt(value)
		s.TransactionCountReceived = 1
		s.AvgTransactionSizeReceived = v
		s.MaxTransactionSizeReceived = model.NewBigInt(value)
		s.MaxTransactionSizeSent = model.NewBigInt(nil)
	}
	if whale {
		// A whale-sized first transfer carries the whale term of the
		// risk model from the start.
		s.RiskScore = clamp01(initialRisk + riskWeightWhale)
	}
	return s
}

// ScoreAnomaly rates a transfer against the sender's pre-update statistics.
// A nil sender (first sighting) scores on amount alone.
func (c *Calculator) ScoreAnomaly(value *big.Int, sender *model.AddressStats) (float64, bool) {
	ratio := 1.0
	if value.Cmp(c.whaleThreshold) < 0 {
		ratio = bigToFloat(value) / bigToFloat(c.whaleThreshold)
	}
	score := 0.5 * ratio
	if sender != nil {
		score += 0.3 * sender.VelocityScore
		if sender.IsSuspicious {
			score += 0.2
		}
	}
	score = clamp01(score)
	return score, score >= anomalyThreshold
}

func riskScore(velocity, diversity float64, whale bool, f model.BehavioralFlags) float64 {
	flagTerm := flagWeightSuspicious*boolF(f.SuspiciousPattern) +
		flagWeightBot*boolF(f.Bot) +
		flagWeightHighFrequency*boolF(f.HighFrequency)
	score := riskWeightVelocity*math.Min(1, 1.5*velocity) +
		riskWeightDiversity*(1-diversity) +
		riskWeightWhale*boolF(whale) +
		riskWeightFlags*math.Min(1, flagTerm)
	return clamp01(score)
}

func runningMean(prevMean float64, count uint64, v float64) float64 {
	return (prevMean*float64(count-1) + v) / float64(count)
}

func maxBig(prev *model.BigInt, v *big.Int) *model.BigInt {
	if prev == nil || prev.ToBig().Cmp(v) < 0 {
		return model.NewBigInt(v)
	}
	return model.NewBigInt(prev.ToBig())
}

func bigToFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func boolF(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clone(s *model.AddressStats) *model.AddressStats {
	next := *s
	next.TotalSent = model.NewBigInt(s.TotalSent.ToBig())
	next.TotalReceived = model.NewBigInt(s.TotalReceived.ToBig())
	next.MaxTransactionSize = model.NewBigInt(s.MaxTransactionSize.ToBig())
	next.MaxTransactionSizeSent = model.NewBigInt(s.MaxTransactionSizeSent.ToBig())
	next.MaxTransactionSizeReceived = model.NewBigInt(s.MaxTransactionSizeReceived.ToBig())
	return &next
}
