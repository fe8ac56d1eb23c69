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

// Package hub fans decoded transfers and dashboard snapshots out to websocket
// subscribers. Delivery is best effort: a subscriber that cannot keep up with
// its send buffer, or that stops answering pings, is dropped without blocking
// the rest.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
)

const (
	writeWait      = 10 * time.Second
	maxInboundSize = 4 * 1024
	sendBufferSize = 64
)

// Frame types pushed to subscribers.
const (
	FrameConnection       = "connection"
	FrameNewTransaction   = "new_transaction"
	FrameStatsUpdate      = "stats_update"
	FrameConnectionStatus = "connection_status"
	FrameError            = "error"
	FramePong             = "pong"
	FrameSubscribed       = "subscribed"
	FrameUnsubscribed     = "unsubscribed"
)

// Connection lifecycle statuses carried in connection frames.
const (
	StatusConnected    = "CONNECTED"
	StatusDisconnected = "DISCONNECTED"
)

// Frame is the envelope every subscriber message travels in.
type Frame struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewFrame stamps a frame with the current time.
func NewFrame(typ string, data interface{}) Frame {
	return Frame{Type: typ, Data: data, Timestamp: time.Now().UTC()}
}

// SnapshotFunc supplies the dashboard snapshot embedded in welcome frames.
type SnapshotFunc func(ctx context.Context) interface{}

// envelope is one queued websocket write.
type envelope struct {
	msgType int
	data    []byte
}

type subscriber struct {
	id     string
	conn   *websocket.Conn
	send   chan envelope
	topics mapset.Set[string]
	alive  atomic.Bool

	quit        chan struct{}
	quitOnce    sync.Once
	closeCode   int
	closeReason string
}

// enqueue hands a write to the subscriber's pump. It reports false when the
// subscriber is gone or its buffer is full.
func (s *subscriber) enqueue(e envelope) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.send <- e:
		return true
	default:
		return false
	}
}

func (s *subscriber) shutdown(code int, reason string) {
	s.quitOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.quit)
	})
}

// Hub owns the websocket listener and the subscriber registry.
type Hub struct {
	cfg      config.WS
	snapshot SnapshotFunc
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu   sync.RWMutex
	subs map[string]*subscriber

	ln      net.Listener
	srv     *http.Server
	done    chan struct{}
	closing atomic.Bool

	broadcasts atomic.Uint64
	dropped    atomic.Uint64
}

// New builds a hub. snapshot may be nil; welcome frames then carry no stats.
func New(cfg config.WS, snapshot SnapshotFunc, log *zap.Logger) *Hub {
	if snapshot == nil {
		snapshot = func(context.Context) interface{} { return nil }
	}
	return &Hub{
		cfg:      cfg,
		snapshot: snapshot,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[string]*subscriber),
		done: make(chan struct{}),
	}
}

// Start binds the websocket port and launches the accept loop and heartbeat.
// The bind error is returned synchronously so startup can gate on it.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", h.cfg.Port))
	if err != nil {
		return fmt.Errorf("hub: listen: %w", err)
	}
	h.ln = ln
	h.srv = &http.Server{Handler: h}
	go func() {
		if err := h.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.log.Error("websocket server failed", zap.Error(err))
		}
	}()
	go h.heartbeat()
	h.log.Info("websocket hub listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound listener address, for tests and logs.
func (h *Hub) Addr() string {
	if h.ln == nil {
		return ""
	}
	return h.ln.Addr().String()
}

// ServeHTTP upgrades an incoming request and registers the subscriber.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := &subscriber{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan envelope, sendBufferSize),
		topics: mapset.NewSet[string](),
		quit:   make(chan struct{}),
	}
	sub.alive.Store(true)

	h.mu.Lock()
	if h.cfg.MaxConnections > 0 && len(h.subs) >= h.cfg.MaxConnections {
		h.mu.Unlock()
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber limit reached")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		h.log.Warn("subscriber rejected, hub full", zap.Int("limit", h.cfg.MaxConnections))
		return
	}
	h.subs[sub.id] = sub
	count := len(h.subs)
	h.mu.Unlock()

	go h.writePump(sub)
	h.welcome(r.Context(), sub)
	h.log.Info("subscriber connected", zap.String("client", sub.id), zap.Int("clients", count))
	h.readPump(sub)
}

func (h *Hub) welcome(ctx context.Context, sub *subscriber) {
	data := map[string]interface{}{
		"status":     StatusConnected,
		"clientId":   sub.id,
		"serverTime": time.Now().UTC(),
		"stats":      h.snapshot(ctx),
	}
	raw, err := json.Marshal(NewFrame(FrameConnection, data))
	if err != nil {
		h.log.Warn("marshal welcome frame failed", zap.Error(err))
		return
	}
	sub.enqueue(envelope{websocket.TextMessage, raw})
}

// Broadcast fans a frame out to every subscriber. Subscribers whose buffers
// are full are dropped from the registry.
func (h *Hub) Broadcast(frame Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		h.log.Warn("marshal broadcast frame failed", zap.Error(err), zap.String("type", frame.Type))
		return
	}
	h.broadcasts.Add(1)
	for _, sub := range h.snapshotSubs() {
		if !sub.enqueue(envelope{websocket.TextMessage, raw}) {
			h.dropped.Add(1)
			h.drop(sub, 0, "")
		}
	}
}

// Send delivers a frame to one subscriber. It reports false when the
// subscriber is unknown or not writable.
func (h *Hub) Send(id string, frame Frame) bool {
	h.mu.RLock()
	sub, ok := h.subs[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	if !sub.enqueue(envelope{websocket.TextMessage, raw}) {
		h.drop(sub, 0, "")
		return false
	}
	return true
}

// Count reports the number of connected subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcasts reports how many frames have been fanned out.
func (h *Hub) Broadcasts() uint64 { return h.broadcasts.Load() }

// Dropped reports how many subscribers were evicted as non-writable.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// Stop notifies every subscriber, closes all connections with a going-away
// code, and shuts the listener down.
func (h *Hub) Stop(ctx context.Context) error {
	if h.closing.Swap(true) {
		return nil
	}
	close(h.done)

	raw, err := json.Marshal(NewFrame(FrameConnection, map[string]interface{}{
		"status": StatusDisconnected,
	}))
	if err == nil {
		for _, sub := range h.snapshotSubs() {
			sub.enqueue(envelope{websocket.TextMessage, raw})
		}
	}
	for _, sub := range h.snapshotSubs() {
		h.drop(sub, websocket.CloseGoingAway, "server shutting down")
	}
	if h.srv != nil {
		if err := h.srv.Shutdown(ctx); err != nil {
			return h.srv.Close()
		}
	}
	h.log.Info("websocket hub stopped")
	return nil
}

func (h *Hub) snapshotSubs() []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		out = append(out, sub)
	}
	return out
}

// drop removes a subscriber and closes its connection. A zero code skips the
// close handshake and just tears the socket down.
func (h *Hub) drop(sub *subscriber, code int, reason string) {
	h.mu.Lock()
	_, ok := h.subs[sub.id]
	delete(h.subs, sub.id)
	h.mu.Unlock()
	if !ok {
		return
	}
	sub.shutdown(code, reason)
}

// heartbeat pings every subscriber each interval and terminates those that
// have not produced a pong or any inbound traffic since the prior cycle.
func (h *Hub) heartbeat() {
	if h.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			for _, sub := range h.snapshotSubs() {
				if !sub.alive.Swap(false) {
					h.log.Debug("terminating unresponsive subscriber", zap.String("client", sub.id))
					h.drop(sub, 0, "")
					continue
				}
				sub.enqueue(envelope{websocket.PingMessage, nil})
			}
		}
	}
}

// writePump is the only writer on the connection. On quit it drains queued
// frames so shutdown notices still reach the peer, then closes the socket.
func (h *Hub) writePump(sub *subscriber) {
	defer sub.conn.Close()
	for {
		select {
		case e := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(e.msgType, e.data); err != nil {
				h.drop(sub, 0, "")
				return
			}
		case <-sub.quit:
			for {
				select {
				case e := <-sub.send:
					sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := sub.conn.WriteMessage(e.msgType, e.data); err != nil {
						return
					}
				default:
					if sub.closeCode != 0 {
						msg := websocket.FormatCloseMessage(sub.closeCode, sub.closeReason)
						sub.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
					}
					return
				}
			}
		}
	}
}

// readPump consumes inbound control frames until the peer goes away.
func (h *Hub) readPump(sub *subscriber) {
	defer h.drop(sub, 0, "")
	sub.conn.SetReadLimit(maxInboundSize)
	sub.conn.SetPongHandler(func(string) error {
		sub.alive.Store(true)
		return nil
	})
	for {
		_, raw, err := sub.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("subscriber read failed", zap.String("client", sub.id), zap.Error(err))
			}
			return
		}
		sub.alive.Store(true)
		h.handleInbound(sub, raw)
	}
}

type inboundMsg struct {
	Type   string   `json:"type"`
	Topic  string   `json:"topic,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

// handleInbound answers subscriber control messages. Subscribe and
// unsubscribe are acknowledged but delivery stays all-frames; the topic
// vocabulary is reserved.
func (h *Hub) handleInbound(sub *subscriber, raw []byte) {
	var msg inboundMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.reply(sub, NewFrame(FrameError, map[string]string{"message": "invalid message"}))
		return
	}
	switch msg.Type {
	case "ping", "heartbeat":
		h.reply(sub, NewFrame(FramePong, nil))
	case "subscribe":
		for _, topic := range msg.allTopics() {
			sub.topics.Add(topic)
		}
		h.reply(sub, NewFrame(FrameSubscribed, map[string]interface{}{"topics": sub.topics.ToSlice()}))
	case "unsubscribe":
		for _, topic := range msg.allTopics() {
			sub.topics.Remove(topic)
		}
		h.reply(sub, NewFrame(FrameUnsubscribed, map[string]interface{}{"topics": sub.topics.ToSlice()}))
	default:
		h.reply(sub, NewFrame(FrameError, map[string]string{"message": "unknown message type"}))
	}
}

func (m *inboundMsg) allTopics() []string {
	if m.Topic != "" {
		return append([]string{m.Topic}, m.Topics...)
	}
	return m.Topics
}

func (h *Hub) reply(sub *subscriber, frame Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	sub.enqueue(envelope{websocket.TextMessage, raw})
}
