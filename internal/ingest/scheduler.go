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

// Package ingest turns chain polling into persisted transfer rows: the
// scheduler walks blocks and decodes logs into the queue, the writer drains
// the queue into Postgres, and the watermark store remembers the resume
// point between restarts.
package ingest

import (
	"context"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/chain"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/decode"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/tokens"
)

// Gaps up to this many blocks resume through the normal poll loop without a
// catch-up phase.
const normalGapMax = 1000

const timestampCacheSize = 1024

// ChainSource is the slice of the chain client the scheduler consumes.
type ChainSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, n uint64) (*types.Header, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

type watermarkStore interface {
	Load(ctx context.Context) (uint64, error)
	SaveFast(ctx context.Context, block uint64)
	SaveDurable(ctx context.Context, block uint64) error
}

// drainHealth gates durable watermark saves: while drains fail, the durable
// mark must not move past events that only ever lived in memory.
type drainHealth interface {
	Healthy() bool
}

// Mode is the scheduler's processing phase.
type Mode int32

const (
	ModeStarting Mode = iota
	ModeCatchUp
	ModeSteady
)

func (m Mode) String() string {
	switch m {
	case ModeStarting:
		return "starting"
	case ModeCatchUp:
		return "catch-up"
	case ModeSteady:
		return "steady"
	default:
		return "unknown"
	}
}

// SchedulerStats is a point-in-time snapshot of the poll loop.
type SchedulerStats struct {
	Mode          string `json:"mode"`
	Cursor        uint64 `json:"cursor"`
	Head          uint64 `json:"head"`
	BlocksBehind  uint64 `json:"blocksBehind"`
	BlocksSkipped uint64 `json:"blocksSkipped"`
	EventsSeen    uint64 `json:"eventsSeen"`
}

// Scheduler owns the poll loop. It is the only writer of the in-memory
// cursor and the only caller of watermark saves.
type Scheduler struct {
	chain     ChainSource
	reg       *tokens.Registry
	dec       *decode.Decoder
	queue     *Queue
	marks     watermarkStore
	writer    drainHealth
	cfg       config.Ingest
	logBlocks bool
	log       *zap.Logger

	cursor    uint64
	sinceSave uint64
	times     *lru.Cache[uint64, time.Time]
	retryBase time.Duration

	mode    atomic.Int32
	head    atomic.Uint64
	skipped atomic.Uint64
	seen    atomic.Uint64
}

// NewScheduler wires the poll loop. Run starts it. logBlocks turns on the
// per-block debug lines.
func NewScheduler(chainSrc ChainSource, reg *tokens.Registry, dec *decode.Decoder, queue *Queue, marks watermarkStore, writer drainHealth, cfg config.Ingest, logBlocks bool, log *zap.Logger) *Scheduler {
	times, _ := lru.New[uint64, time.Time](timestampCacheSize)
	return &Scheduler{
		chain:     chainSrc,
		reg:       reg,
		dec:       dec,
		queue:     queue,
		marks:     marks,
		writer:    writer,
		cfg:       cfg,
		logBlocks: logBlocks,
		log:       log.Named("scheduler"),
		times:     times,
		retryBase: time.Second,
	}
}

// Stats snapshots the loop state.
func (s *Scheduler) Stats() SchedulerStats {
	head := s.head.Load()
	cursor := atomic.LoadUint64(&s.cursor)
	behind := uint64(0)
	if head > cursor {
		behind = head - cursor
	}
	return SchedulerStats{
		Mode:          Mode(s.mode.Load()).String(),
		Cursor:        cursor,
		Head:          head,
		BlocksBehind:  behind,
		BlocksSkipped: s.skipped.Load(),
		EventsSeen:    s.seen.Load(),
	}
}

// Run loads the watermark, classifies the startup gap, works off any
// backlog, then polls until the context ends. On exit it persists the
// cursor so the next start resumes where this one stopped.
func (s *Scheduler) Run(ctx context.Context) error {
	cursor, err := s.marks.Load(ctx)
	if err != nil {
		return err
	}
	atomic.StoreUint64(&s.cursor, cursor)

	latest, err := s.latestWithRetry(ctx)
	if err != nil {
		return err
	}
	s.head.Store(latest)

	if err := s.classifyAndCatchUp(ctx, latest); err != nil {
		return err
	}

	s.mode.Store(int32(ModeSteady))
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.persistCursor()
			return nil
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// classifyAndCatchUp sizes the startup gap and brings the cursor near the
// head before steady polling starts.
func (s *Scheduler) classifyAndCatchUp(ctx context.Context, latest uint64) error {
	cursor := atomic.LoadUint64(&s.cursor)
	safe := s.safeHead(latest)
	if safe <= cursor {
		s.log.Info("resuming at head", zap.Uint64("cursor", cursor))
		return nil
	}
	gap := safe - cursor

	switch {
	case gap <= normalGapMax:
		s.log.Info("resuming from watermark",
			zap.Uint64("cursor", cursor), zap.Uint64("gap", gap))
		return nil

	case gap <= s.cfg.CatchUpMaxGap:
		s.log.Info("catching up",
			zap.Uint64("from", cursor), zap.Uint64("to", safe), zap.Uint64("gap", gap))
		return s.catchUp(ctx, safe)

	default:
		start := latest - s.cfg.CatchUpMaxBlocks
		s.log.Warn("gap too large, skipping ahead",
			zap.Uint64("watermark", cursor),
			zap.Uint64("gap", gap),
			zap.Uint64("resumeAt", start),
			zap.Uint64("droppedBlocks", start-cursor))
		atomic.StoreUint64(&s.cursor, start)
		if err := s.marks.SaveDurable(ctx, start); err != nil {
			s.log.Warn("durable save failed after skip-ahead", zap.Error(err))
		}
		return s.catchUp(ctx, safe)
	}
}

// catchUp processes (cursor, to] in fixed-size ranges with an inter-range
// pause, saving the watermark after every range.
func (s *Scheduler) catchUp(ctx context.Context, to uint64) error {
	s.mode.Store(int32(ModeCatchUp))
	for {
		cursor := atomic.LoadUint64(&s.cursor)
		if cursor >= to {
			return nil
		}
		if ctx.Err() != nil {
			s.persistCursor()
			return nil
		}
		end := cursor + s.cfg.CatchUpBatchSize
		if end > to {
			end = to
		}

		logs, err := s.fetchRange(ctx, cursor+1, end)
		if err != nil {
			s.skipped.Add(end - cursor)
			s.log.Error("skipping block range after retries",
				zap.Uint64("from", cursor+1), zap.Uint64("to", end), zap.Error(err))
		} else {
			s.enqueueLogs(ctx, logs)
			if s.logBlocks {
				s.log.Debug("range processed",
					zap.Uint64("from", cursor+1), zap.Uint64("to", end), zap.Int("logs", len(logs)))
			}
		}

		atomic.StoreUint64(&s.cursor, end)
		s.saveDurableGated(ctx, end)

		select {
		case <-ctx.Done():
			s.persistCursor()
			return nil
		case <-time.After(s.cfg.CatchUpBatchDelay):
		}
	}
}

// pollOnce advances the cursor toward the confirmed head, one block per
// getLogs call so per-block RPC ordering carries through to the queue.
func (s *Scheduler) pollOnce(ctx context.Context) {
	latest, err := s.latestWithRetry(ctx)
	if err != nil {
		s.log.Warn("head poll failed", zap.Error(err))
		return
	}
	s.head.Store(latest)

	cursor := atomic.LoadUint64(&s.cursor)
	safe := s.safeHead(latest)
	if safe <= cursor {
		return
	}
	end := safe
	if max := cursor + s.cfg.MaxBlocksPerPoll; end > max {
		end = max
	}

	for b := cursor + 1; b <= end; b++ {
		if ctx.Err() != nil {
			return
		}
		logs, err := s.fetchRange(ctx, b, b)
		if err != nil {
			s.skipped.Add(1)
			s.log.Error("skipping block after retries", zap.Uint64("block", b), zap.Error(err))
		} else {
			s.enqueueLogs(ctx, logs)
			if s.logBlocks {
				s.log.Debug("block processed", zap.Uint64("block", b), zap.Int("logs", len(logs)))
			}
		}
		s.advance(ctx, b)

		if b < end && s.cfg.RequestDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.cfg.RequestDelay):
			}
		}
	}
}

// advance moves the cursor one block and persists at the save cadence.
func (s *Scheduler) advance(ctx context.Context, block uint64) {
	atomic.StoreUint64(&s.cursor, block)
	s.marks.SaveFast(ctx, block)
	s.sinceSave++
	if s.sinceSave >= s.cfg.BlockSaveInterval {
		s.saveDurableGated(ctx, block)
	}
}

// saveDurableGated persists the durable watermark unless drains are failing.
// While the writer is unhealthy the durable mark stays put, so a restart
// re-polls the blocks whose events never reached the database.
func (s *Scheduler) saveDurableGated(ctx context.Context, block uint64) {
	if !s.writer.Healthy() {
		s.log.Warn("writer unhealthy, holding durable watermark", zap.Uint64("block", block))
		return
	}
	if err := s.marks.SaveDurable(ctx, block); err != nil {
		s.log.Warn("durable watermark save failed", zap.Uint64("block", block), zap.Error(err))
		return
	}
	s.sinceSave = 0
}

func (s *Scheduler) persistCursor() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.saveDurableGated(ctx, atomic.LoadUint64(&s.cursor))
}

// safeHead backs the head off by the confirmation depth.
func (s *Scheduler) safeHead(latest uint64) uint64 {
	if latest < s.cfg.Confirmations {
		return 0
	}
	return latest - s.cfg.Confirmations
}

// fetchRange pulls Transfer logs for [from, to] over every watched token in
// one call, retrying per policy and falling back to per-token calls when the
// batch keeps failing.
func (s *Scheduler) fetchRange(ctx context.Context, from, to uint64) ([]types.Log, error) {
	var logs []types.Log
	err := s.withRetry(ctx, func() error {
		var err error
		logs, err = s.chain.FilterLogs(ctx, s.query(s.reg.Addresses(), from, to))
		return err
	})
	if err == nil {
		return logs, nil
	}
	if s.cfg.DisableTokenFallback {
		return nil, err
	}
	s.log.Warn("batch getLogs failed, trying per-token",
		zap.Uint64("from", from), zap.Uint64("to", to), zap.Error(err))
	return s.fetchPerToken(ctx, from, to)
}

// fetchPerToken queries each token alone so one pathological filter cannot
// starve the rest. Tokens that still fail are skipped.
func (s *Scheduler) fetchPerToken(ctx context.Context, from, to uint64) ([]types.Log, error) {
	var (
		logs    []types.Log
		lastErr error
		anyGood bool
	)
	for _, addr := range s.reg.Addresses() {
		var part []types.Log
		err := s.withRetry(ctx, func() error {
			var err error
			part, err = s.chain.FilterLogs(ctx, s.query([]common.Address{addr}, from, to))
			return err
		})
		if err != nil {
			lastErr = err
			s.log.Error("per-token getLogs failed",
				zap.String("token", addr.Hex()), zap.Error(err))
			continue
		}
		anyGood = true
		logs = append(logs, part...)
	}
	if !anyGood {
		return nil, lastErr
	}
	return logs, nil
}

func (s *Scheduler) query(addrs []common.Address, from, to uint64) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: addrs,
		Topics:    [][]common.Hash{{decode.TransferTopic}},
	}
}

func (s *Scheduler) latestWithRetry(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.withRetry(ctx, func() error {
		var err error
		n, err = s.chain.LatestBlock(ctx)
		return err
	})
	return n, err
}

// withRetry runs op under the per-call policy: rate limits sleep the long
// fixed backoff, anything else backs off exponentially from one second. The
// last error is returned to the caller.
func (s *Scheduler) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < s.cfg.MaxRetryAttempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == s.cfg.MaxRetryAttempts-1 {
			break
		}
		delay := s.retryBase << attempt
		if chain.IsRateLimited(err) {
			delay = s.cfg.RateLimitBackoff
			s.log.Warn("rate limited", zap.Duration("backoff", delay))
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
	}
	return err
}

// enqueueLogs decodes and queues a slice of logs, preserving RPC order.
func (s *Scheduler) enqueueLogs(ctx context.Context, logs []types.Log) {
	for i := range logs {
		ts := s.timestampFor(ctx, logs[i].BlockNumber)
		ev, err := s.dec.Decode(logs[i], ts)
		if err != nil {
			continue
		}
		s.seen.Add(1)
		if s.cfg.EnableTxDetails {
			s.enrich(ctx, ev)
		}
		if s.queue.Push(ev) {
			s.log.Warn("queue full, oldest event dropped",
				zap.Int("capacity", s.queue.Cap()),
				zap.Uint64("block", ev.BlockNumber))
		}
	}
}

// timestampFor resolves a block's timestamp through a small LRU. Header
// fetch failures fall back to wall time rather than stalling ingestion.
func (s *Scheduler) timestampFor(ctx context.Context, block uint64) time.Time {
	if ts, ok := s.times.Get(block); ok {
		return ts
	}
	h, err := s.chain.HeaderByNumber(ctx, block)
	if err != nil {
		s.log.Warn("header fetch failed, using wall clock",
			zap.Uint64("block", block), zap.Error(err))
		return time.Now().UTC()
	}
	ts := time.Unix(int64(h.Time), 0).UTC()
	s.times.Add(block, ts)
	return ts
}

// enrich attaches receipt gas data when transaction details are enabled.
// Failures leave the event on its decoded values.
func (s *Scheduler) enrich(ctx context.Context, ev *model.TransferEvent) {
	receipt, err := s.chain.TransactionReceipt(ctx, ev.TxHash)
	if err != nil {
		s.log.Debug("receipt fetch failed", zap.Stringer("hash", ev.TxHash), zap.Error(err))
		return
	}
	ev.GasUsed = new(big.Int).SetUint64(receipt.GasUsed)
	if receipt.EffectiveGasPrice != nil {
		ev.GasPrice = new(big.Int).Set(receipt.EffectiveGasPrice)
	}
}
