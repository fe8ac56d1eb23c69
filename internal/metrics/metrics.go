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

// Package metrics exposes the monitor's operational counters on a private
// Prometheus registry. Pipeline components keep their own atomic counters;
// this package samples them through pull-style collectors at scrape time,
// so instrumentation never sits on the hot path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/cache"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/chain"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/ingest"
)

const namespace = "txmonitor"

// Sources supplies the snapshot functions sampled at scrape time. Nil
// entries are skipped, so a partially assembled pipeline (tests, offline
// tooling) can still register a Set.
type Sources struct {
	Scheduler   func() ingest.SchedulerStats
	Writer      func() ingest.WriterStats
	Cache       func() cache.Stats
	Chain       func() chain.ClientStats
	Subscribers func() int
	Broadcasts  func() uint64
	HubDropped  func() uint64
}

// Set is the monitor's metric surface. HTTP middleware records into the
// request collectors; everything else is sampled from Sources.
type Set struct {
	reg *prometheus.Registry

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New builds a Set and registers every collector on a fresh registry.
func New(src Sources) *Set {
	reg := prometheus.NewRegistry()
	s := &Set{
		reg: reg,
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests served, by route and status code.",
		}, []string{"route", "code"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	reg.MustRegister(s.HTTPRequests, s.HTTPDuration)
	reg.MustRegister(prometheus.NewGoCollector())

	if src.Scheduler != nil {
		gaugeFunc(reg, "ingest_cursor_block", "Highest block the scheduler has fetched.",
			func() float64 { return float64(src.Scheduler().Cursor) })
		gaugeFunc(reg, "ingest_head_block", "Last chain head the scheduler observed.",
			func() float64 { return float64(src.Scheduler().Head) })
		gaugeFunc(reg, "ingest_blocks_behind", "Distance between chain head and cursor.",
			func() float64 { return float64(src.Scheduler().BlocksBehind) })
		counterFunc(reg, "ingest_blocks_skipped_total", "Blocks dropped by gap truncation or retry exhaustion.",
			func() float64 { return float64(src.Scheduler().BlocksSkipped) })
		counterFunc(reg, "ingest_events_seen_total", "Transfer logs decoded and enqueued.",
			func() float64 { return float64(src.Scheduler().EventsSeen) })
	}
	if src.Writer != nil {
		counterFunc(reg, "writer_inserted_total", "Transaction rows inserted.",
			func() float64 { return float64(src.Writer().Inserted) })
		counterFunc(reg, "writer_duplicates_total", "Inserts absorbed by the hash unique key.",
			func() float64 { return float64(src.Writer().Duplicates) })
		counterFunc(reg, "writer_failed_total", "Per-event write failures rolled back to a savepoint.",
			func() float64 { return float64(src.Writer().Failed) })
		counterFunc(reg, "writer_abandoned_total", "Events dropped after exhausting dead-letter retries.",
			func() float64 { return float64(src.Writer().Abandoned) })
		counterFunc(reg, "queue_dropped_total", "Events evicted from the full ingest queue.",
			func() float64 { return float64(src.Writer().QueueDropped) })
		gaugeFunc(reg, "queue_depth", "Events waiting in the ingest queue.",
			func() float64 { return float64(src.Writer().QueueLen) })
		gaugeFunc(reg, "writer_dead_letters", "Events parked for retry.",
			func() float64 { return float64(src.Writer().DeadLetters) })
		gaugeFunc(reg, "writer_healthy", "1 when the last drain committed.",
			func() float64 { return boolGauge(src.Writer().Healthy) })
		gaugeFunc(reg, "writer_last_drain_seconds", "Duration of the last drain.",
			func() float64 { return src.Writer().LastDrain.Seconds() })
	}
	if src.Cache != nil {
		counterFunc(reg, "cache_hits_total", "Cache reads answered from Redis.",
			func() float64 { return float64(src.Cache().Hits) })
		counterFunc(reg, "cache_misses_total", "Cache reads that fell through to Postgres.",
			func() float64 { return float64(src.Cache().Misses) })
		counterFunc(reg, "cache_sets_total", "Cache writes.",
			func() float64 { return float64(src.Cache().Sets) })
		counterFunc(reg, "cache_errors_total", "Cache operations failed or skipped while degraded.",
			func() float64 { return float64(src.Cache().Errors) })
	}
	if src.Chain != nil {
		counterFunc(reg, "rpc_rate_limited_total", "RPC calls answered with a rate-limit error.",
			func() float64 { return float64(src.Chain().RateLimited) })
		counterFunc(reg, "rpc_failovers_total", "Endpoint rotations after connection-class failures.",
			func() float64 { return float64(src.Chain().Failovers) })
		errorClassFunc(reg, "connection", func() float64 { return float64(src.Chain().ConnectionErrors) })
		errorClassFunc(reg, "rate_limited", func() float64 { return float64(src.Chain().RateLimited) })
		errorClassFunc(reg, "rpc", func() float64 { return float64(src.Chain().RPCErrors) })
	}
	if src.Subscribers != nil {
		gaugeFunc(reg, "hub_subscribers", "Connected websocket subscribers.",
			func() float64 { return float64(src.Subscribers()) })
	}
	if src.Broadcasts != nil {
		counterFunc(reg, "hub_broadcasts_total", "Frames fanned out to subscribers.",
			func() float64 { return float64(src.Broadcasts()) })
	}
	if src.HubDropped != nil {
		counterFunc(reg, "hub_dropped_total", "Subscribers evicted as non-writable.",
			func() float64 { return float64(src.HubDropped()) })
	}
	return s
}

// Handler serves the registry in the Prometheus text format.
func (s *Set) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (s *Set) Registry() *prometheus.Registry { return s.reg }

func gaugeFunc(reg *prometheus.Registry, name, help string, fn func() float64) {
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

func counterFunc(reg *prometheus.Registry, name, help string, fn func() float64) {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

func errorClassFunc(reg *prometheus.Registry, class string, fn func() float64) {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace:   namespace,
		Name:        "rpc_errors_total",
		Help:        "Upstream RPC failures, by class.",
		ConstLabels: prometheus.Labels{"class": class},
	}, fn))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
