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

// Package monitor is the lifecycle supervisor. It constructs every component
// in dependency order, gates startup on a health check, runs the background
// loops under one errgroup, and tears everything down in reverse order when
// the run context ends.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/cache"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/chain"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/dashboard"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/decode"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/httpapi"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/hub"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/ingest"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/metrics"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/model"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/rank"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/stats"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/storage"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/tokens"
)

const (
	stopTimeout    = 15 * time.Second
	eventBufferLen = 512
)

// Monitor owns every component of the pipeline.
type Monitor struct {
	cfg *config.Config
	log *zap.Logger

	cache     *cache.Cache
	db        *storage.DB
	registry  *tokens.Registry
	marks     *ingest.Watermarks
	queue     *ingest.Queue
	writer    *ingest.Writer
	dash      *dashboard.Service
	ranks     *rank.Engine
	met       *metrics.Set
	hub       *hub.Hub
	client    *chain.Client
	scheduler *ingest.Scheduler
	api       *httpapi.Server
}

// New builds an unstarted monitor.
func New(cfg *config.Config, log *zap.Logger) *Monitor {
	return &Monitor{cfg: cfg, log: log.Named("monitor")}
}

// Run starts the pipeline and blocks until ctx is canceled or a component
// fails fatally. Shutdown always runs, even when startup aborts halfway.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.shutdown()

	if err := m.start(ctx); err != nil {
		return fmt.Errorf("monitor: startup: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.scheduler.Run(gctx) })
	g.Go(func() error { return m.writer.Run(gctx) })
	g.Go(func() error { return m.ranks.Run(gctx) })
	g.Go(func() error { return m.forwardTransfers(gctx) })
	g.Go(func() error { return m.forwardChainStates(gctx) })
	g.Go(func() error { return m.broadcastSnapshots(gctx) })

	m.log.Info("monitor running",
		zap.Int("tokens", m.registry.Len()),
		zap.String("api", m.api.Addr()),
		zap.String("ws", m.hub.Addr()))

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// start brings the components up: stores first, then query services, then
// the outward-facing servers, then the chain client and the scheduler that
// depends on all of them. The health gate runs last.
func (m *Monitor) start(ctx context.Context) error {
	cfg := m.cfg

	m.cache = cache.New(cfg.Cache, m.log)
	m.cache.Start(ctx)

	db, err := storage.Open(ctx, cfg.DB, cfg.Ops.EnableDatabaseLogs, m.log)
	if err != nil {
		return err
	}
	m.db = db
	if err := m.db.Migrate(ctx); err != nil {
		return err
	}

	m.registry = tokens.NewRegistry(m.db, m.log)
	if err := m.registry.Refresh(ctx); err != nil {
		return err
	}

	m.marks = ingest.NewWatermarks(m.db, m.cache, cfg.ChainID, m.log)
	m.queue = ingest.NewQueue(cfg.Ingest.QueueCapacity)
	calc := stats.NewCalculator(cfg.Ingest.WhaleThreshold)
	m.writer = ingest.NewWriter(m.db, calc, m.queue, cfg.Ingest, m.log)

	m.dash = dashboard.New(m.db, m.cache, m.registry, cfg.Cache, m.headFunc(), m.log)
	m.ranks = rank.New(m.db, m.cache, m.registry, cfg.Cache, cfg.Ops.RankingInterval, m.log)

	// The chain client, scheduler and hub are constructed after the metric
	// set; the sources resolve them lazily and scrapes only start once the
	// API server is up, after all three exist.
	m.met = metrics.New(metrics.Sources{
		Scheduler: func() ingest.SchedulerStats {
			if m.scheduler == nil {
				return ingest.SchedulerStats{}
			}
			return m.scheduler.Stats()
		},
		Chain: func() chain.ClientStats {
			if m.client == nil {
				return chain.ClientStats{}
			}
			return m.client.Stats()
		},
		Writer:      m.writer.Stats,
		Cache:       m.cache.Stats,
		Subscribers: func() int { return m.hub.Count() },
		Broadcasts:  func() uint64 { return m.hub.Broadcasts() },
		HubDropped:  func() uint64 { return m.hub.Dropped() },
	})

	m.hub = hub.New(cfg.WS, m.snapshot, m.log)
	if err := m.hub.Start(); err != nil {
		return err
	}

	m.client = chain.NewClient(cfg.RPC, cfg.ChainID, m.log)
	if err := m.client.Connect(ctx); err != nil {
		return err
	}

	dec := decode.New(m.registry, cfg.Ingest.IgnoreZeroValue, m.log)
	m.scheduler = ingest.NewScheduler(m.client, m.registry, dec, m.queue, m.marks, m.writer, cfg.Ingest, cfg.Ops.EnableBlockchainLogs, m.log)

	m.api = httpapi.New(cfg.HTTP, m.dash, m.ranks, m.registry, cfg.Cache, m.met, m.log)
	if err := m.api.Start(); err != nil {
		return err
	}

	return m.healthGate(ctx)
}

// healthGate verifies the started stack. A degraded cache is tolerated; a
// dead database or disconnected chain client aborts startup.
func (m *Monitor) healthGate(ctx context.Context) error {
	checks := []struct {
		name  string
		ok    bool
		fatal bool
	}{
		{"database", m.db.Healthy(ctx), true},
		{"chain", m.client.CurrentState() == chain.StateConnected, true},
		{"broadcast", m.hub.Addr() != "", true},
		{"api", m.api.Addr() != "", true},
		{"cache", m.cache.Available(), false},
	}
	for _, c := range checks {
		if c.ok {
			continue
		}
		if c.fatal {
			return fmt.Errorf("health gate: %s not ready", c.name)
		}
		m.log.Warn("starting degraded", zap.String("component", c.name))
	}
	m.log.Info("health gate passed")
	return nil
}

// shutdown tears components down in reverse dependency order. The scheduler
// and writer have already stopped by the time Run gets here: the scheduler
// persisted its cursor and the writer ran its final drain on context
// cancellation.
func (m *Monitor) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if m.client != nil {
		m.client.Close()
	}
	if m.hub != nil {
		if err := m.hub.Stop(ctx); err != nil {
			m.log.Warn("hub stop failed", zap.Error(err))
		}
	}
	if m.api != nil {
		if err := m.api.Stop(ctx); err != nil {
			m.log.Warn("api stop failed", zap.Error(err))
		}
	}
	if m.cache != nil {
		m.cache.Close()
	}
	if m.db != nil {
		m.db.Close()
	}
	m.log.Info("monitor stopped")
}

// headFunc exposes the scheduler cursor to the dashboard service. The
// scheduler is constructed after the dashboard, so the closure resolves it
// lazily.
func (m *Monitor) headFunc() dashboard.HeadFunc {
	return func() uint64 {
		if m.scheduler == nil {
			return 0
		}
		return m.scheduler.Stats().Cursor
	}
}

// snapshot supplies the dashboard summary embedded in hub welcome frames.
func (m *Monitor) snapshot(ctx context.Context) interface{} {
	out, _, err := m.dash.RealtimeStats(ctx, dashboard.RealtimeQuery{})
	if err != nil {
		m.log.Debug("welcome snapshot unavailable", zap.Error(err))
		return nil
	}
	return out
}

// forwardTransfers republishes persisted events as new_transaction frames.
func (m *Monitor) forwardTransfers(ctx context.Context) error {
	ch := make(chan *model.TransferEvent, eventBufferLen)
	sub := m.writer.SubscribeInserted(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case ev := <-ch:
			m.hub.Broadcast(hub.NewFrame(hub.FrameNewTransaction, transferPayload(ev)))
		}
	}
}

// forwardChainStates mirrors chain client transitions to subscribers.
func (m *Monitor) forwardChainStates(ctx context.Context) error {
	ch := make(chan chain.StateChange, 8)
	sub := m.client.SubscribeStates(ch)
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case change := <-ch:
			m.hub.Broadcast(hub.NewFrame(hub.FrameConnectionStatus, statePayload(change)))
			if change.New == chain.StateTerminal {
				m.log.Error("chain connection lost for good", zap.Error(change.Err))
			}
		}
	}
}

// broadcastSnapshots pushes the dashboard summary on a fixed period.
func (m *Monitor) broadcastSnapshots(ctx context.Context) error {
	if m.cfg.Ops.SnapshotInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.cfg.Ops.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.hub.Count() == 0 {
				continue
			}
			out, _, err := m.dash.RealtimeStats(ctx, dashboard.RealtimeQuery{})
			if err != nil {
				m.log.Warn("snapshot broadcast skipped", zap.Error(err))
				continue
			}
			m.hub.Broadcast(hub.NewFrame(hub.FrameStatsUpdate, out))
		}
	}
}

// transferPayload renders a persisted event for subscribers: the canonical
// row plus a human-readable amount.
func transferPayload(ev *model.TransferEvent) map[string]interface{} {
	return map[string]interface{}{
		"transaction":    model.NewTransaction(ev),
		"valueFormatted": tokens.FormatVolume(ev.Value, ev.TokenDecimals),
	}
}

// statePayload renders a connection transition for subscribers.
func statePayload(change chain.StateChange) map[string]interface{} {
	out := map[string]interface{}{
		"state":    change.New.String(),
		"previous": change.Old.String(),
		"endpoint": change.Endpoint,
	}
	if change.Err != nil {
		out["error"] = change.Err.Error()
	}
	return out
}
