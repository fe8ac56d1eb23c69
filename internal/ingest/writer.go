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

package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/event"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/stats"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/storage"
)

const (
	// A failed event is retried this many times before it is abandoned.
	maxWriteAttempts = 3
	// The dead-letter buffer holds this many drained batches worth of events.
	deadLetterBatches = 10

	finalDrainTimeout = 10 * time.Second
)

// WriterStats is a point-in-time snapshot of the drain loop.
type WriterStats struct {
	Inserted     uint64        `json:"inserted"`
	Duplicates   uint64        `json:"duplicates"`
	Failed       uint64        `json:"failed"`
	Abandoned    uint64        `json:"abandoned"`
	QueueLen     int           `json:"queueLen"`
	QueueDropped uint64        `json:"queueDropped"`
	DeadLetters  int           `json:"deadLetters"`
	Healthy      bool          `json:"healthy"`
	LastDrainAt  time.Time     `json:"lastDrainAt"`
	LastDrain    time.Duration `json:"lastDrainNs"`
	LastBatch    int           `json:"lastBatch"`
}

type deadEvent struct {
	ev       *model.TransferEvent
	attempts int
}

// Writer drains the event queue into Postgres. Each drain is one
// transaction; each event gets a savepoint so one poisoned row cannot sink
// its batchmates. Successfully persisted events are republished on a feed
// for the broadcast hub.
type Writer struct {
	db    *storage.DB
	calc  *stats.Calculator
	queue *Queue
	cfg   config.Ingest
	log   *zap.Logger

	feed    event.FeedOf[*model.TransferEvent]
	healthy atomic.Bool

	inserted   atomic.Uint64
	duplicates atomic.Uint64
	failed     atomic.Uint64
	abandoned  atomic.Uint64

	mu        sync.Mutex
	dead      []deadEvent
	lastAt    time.Time
	lastTook  time.Duration
	lastBatch int
}

// NewWriter builds the drain loop. Run starts it.
func NewWriter(db *storage.DB, calc *stats.Calculator, queue *Queue, cfg config.Ingest, log *zap.Logger) *Writer {
	w := &Writer{db: db, calc: calc, queue: queue, cfg: cfg, log: log.Named("writer")}
	w.healthy.Store(true)
	return w
}

// SubscribeInserted delivers every persisted event in commit order.
func (w *Writer) SubscribeInserted(ch chan<- *model.TransferEvent) event.Subscription {
	return w.feed.Subscribe(ch)
}

// Healthy reports whether the last drain committed. The scheduler gates
// durable watermark saves on it so unwritten events stay re-pollable.
func (w *Writer) Healthy() bool {
	return w.healthy.Load()
}

// Stats snapshots the drain counters.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriterStats{
		Inserted:     w.inserted.Load(),
		Duplicates:   w.duplicates.Load(),
		Failed:       w.failed.Load(),
		Abandoned:    w.abandoned.Load(),
		QueueLen:     w.queue.Len(),
		QueueDropped: w.queue.Dropped(),
		DeadLetters:  len(w.dead),
		Healthy:      w.healthy.Load(),
		LastDrainAt:  w.lastAt,
		LastDrain:    w.lastTook,
		LastBatch:    w.lastBatch,
	}
}

// Run drains on every process interval until the context ends, then runs a
// final drain so a clean shutdown loses nothing that was queued.
func (w *Writer) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ProcessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalDrainTimeout)
			defer cancel()
			for w.queue.Len() > 0 || w.deadLen() > 0 {
				if n := w.Drain(flushCtx); n == 0 {
					break
				}
				if flushCtx.Err() != nil {
					break
				}
			}
			return nil
		case <-ticker.C:
			w.Drain(ctx)
		}
	}
}

// Drain processes at most one batch and reports how many events it took.
func (w *Writer) Drain(ctx context.Context) int {
	batch := w.takeBatch()
	if len(batch) == 0 {
		return 0
	}
	start := time.Now()

	persisted, failures, err := w.writeBatch(ctx, batch)
	if err != nil {
		w.healthy.Store(false)
		w.requeue(batch)
		w.log.Error("drain aborted, batch parked for retry",
			zap.Int("events", len(batch)), zap.Error(err))
		return len(batch)
	}
	w.healthy.Store(true)
	w.requeue(failures)

	for _, ev := range persisted {
		w.feed.Send(ev)
	}

	w.mu.Lock()
	w.lastAt = start
	w.lastTook = time.Since(start)
	w.lastBatch = len(batch)
	w.mu.Unlock()

	w.log.Debug("drained",
		zap.Int("batch", len(batch)),
		zap.Int("persisted", len(persisted)),
		zap.Int("failed", len(failures)),
		zap.Duration("took", time.Since(start)))
	return len(batch)
}

// takeBatch prefers parked retries, oldest first, then tops up from the
// live queue.
func (w *Writer) takeBatch() []deadEvent {
	batch := make([]deadEvent, 0, w.cfg.BatchSize)

	w.mu.Lock()
	n := len(w.dead)
	if n > w.cfg.BatchSize {
		n = w.cfg.BatchSize
	}
	batch = append(batch, w.dead[:n]...)
	w.dead = w.dead[n:]
	w.mu.Unlock()

	for _, ev := range w.queue.PopBatch(w.cfg.BatchSize - len(batch)) {
		batch = append(batch, deadEvent{ev: ev})
	}
	return batch
}

// writeBatch persists one batch inside a single transaction. A per-event
// failure rolls back to the event's savepoint and is reported, not fatal; a
// transaction-level failure aborts the whole batch.
func (w *Writer) writeBatch(ctx context.Context, batch []deadEvent) (persisted []*model.TransferEvent, failures []deadEvent, err error) {
	tx, err := w.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	for _, entry := range batch {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT evt"); err != nil {
			return nil, nil, err
		}
		inserted, perr := w.persistEvent(ctx, tx, entry.ev)
		if perr != nil {
			if _, rerr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT evt"); rerr != nil {
				return nil, nil, rerr
			}
			w.failed.Add(1)
			failures = append(failures, entry)
			w.log.Warn("event write failed",
				zap.Stringer("hash", entry.ev.TxHash),
				zap.Uint64("block", entry.ev.BlockNumber),
				zap.Int("attempt", entry.attempts+1),
				zap.Error(perr))
			continue
		}
		if inserted {
			persisted = append(persisted, entry.ev)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	return persisted, failures, nil
}

// persistEvent inserts one transaction row and, when the row is new, folds
// it into both sides' address statistics. A duplicate hash is a no-op so
// re-polled blocks cannot double count.
func (w *Writer) persistEvent(ctx context.Context, tx *sqlx.Tx, ev *model.TransferEvent) (bool, error) {
	row := model.NewTransaction(ev)

	sender, err := w.db.GetStatsForUpdate(ctx, tx, row.FromAddress, row.TokenAddress)
	if err != nil {
		return false, err
	}
	row.AnomalyScore, row.IsAnomaly = w.calc.ScoreAnomaly(ev.Value, sender)

	inserted, err := w.db.InsertTransaction(ctx, tx, row)
	if err != nil {
		return false, err
	}
	if !inserted {
		w.duplicates.Add(1)
		return false, nil
	}

	if err := w.db.UpsertStats(ctx, tx, w.calc.Apply(sender, row.FromAddress, row.TokenAddress, model.DirectionSent, ev.Value, ev.Timestamp)); err != nil {
		return false, err
	}
	receiver, err := w.db.GetStatsForUpdate(ctx, tx, row.ToAddress, row.TokenAddress)
	if err != nil {
		return false, err
	}
	if err := w.db.UpsertStats(ctx, tx, w.calc.Apply(receiver, row.ToAddress, row.TokenAddress, model.DirectionReceived, ev.Value, ev.Timestamp)); err != nil {
		return false, err
	}
	w.inserted.Add(1)
	return true, nil
}

// requeue parks failed events for a later drain. Events that exhausted
// their attempts are abandoned; when the buffer overflows, the oldest is
// abandoned to make room.
func (w *Writer) requeue(entries []deadEvent) {
	if len(entries) == 0 {
		return
	}
	capacity := deadLetterBatches * w.cfg.BatchSize

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, entry := range entries {
		entry.attempts++
		if entry.attempts >= maxWriteAttempts {
			w.abandoned.Add(1)
			w.log.Error("abandoning event after repeated failures",
				zap.Stringer("hash", entry.ev.TxHash),
				zap.Uint64("block", entry.ev.BlockNumber))
			continue
		}
		if len(w.dead) >= capacity {
			dropped := w.dead[0]
			w.dead = w.dead[1:]
			w.abandoned.Add(1)
			w.log.Error("dead-letter buffer full, dropping oldest",
				zap.Stringer("hash", dropped.ev.TxHash))
		}
		w.dead = append(w.dead, entry)
	}
}

func (w *Writer) deadLen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dead)
}
