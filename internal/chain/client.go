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

// Package chain maintains the JSON-RPC connection to Polygon with endpoint
// failover and exposes the handful of calls the ingestion pipeline needs.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
)

// getLogs carries a hard timeout regardless of the configured RPC timeout.
const logsTimeout = 10 * time.Second

// ErrConnectionLost marks the terminal state: every endpoint failed for the
// configured number of reconnect rounds.
var ErrConnectionLost = errors.New("chain: connection lost, reconnect attempts exhausted")

// ErrNotConnected is returned for calls made before Connect succeeds.
var ErrNotConnected = errors.New("chain: not connected")

// State is the connection lifecycle phase.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateTerminal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StateChange is published on every transition so the supervisor and the
// broadcast hub can mirror connection status.
type StateChange struct {
	Old      State
	New      State
	Endpoint string
	Err      error
}

// ClientStats counts RPC trouble since startup. The metrics registry samples
// it at scrape time.
type ClientStats struct {
	Failovers        uint64 `json:"failovers"`
	RateLimited      uint64 `json:"rateLimited"`
	ConnectionErrors uint64 `json:"connectionErrors"`
	RPCErrors        uint64 `json:"rpcErrors"`
}

// Client is a failover JSON-RPC client pinned to one chain id.
type Client struct {
	cfg     config.RPC
	chainID uint64
	log     *zap.Logger

	mu       sync.RWMutex
	eth      *ethclient.Client
	endpoint string

	state   State
	stateMu sync.Mutex
	feed    event.FeedOf[StateChange]

	failovers   atomic.Uint64
	rateLimited atomic.Uint64
	connErrors  atomic.Uint64
	rpcErrors   atomic.Uint64

	receipts *gobreaker.CircuitBreaker
}

// NewClient builds an unconnected client. Call Connect before use.
func NewClient(cfg config.RPC, chainID uint64, log *zap.Logger) *Client {
	c := &Client{
		cfg:     cfg,
		chainID: chainID,
		log:     log.Named("chain"),
		state:   StateDisconnected,
	}
	c.receipts = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "receipts",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("receipt breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return c
}

// SubscribeStates delivers connection state transitions until the
// subscription is unsubscribed.
func (c *Client) SubscribeStates(ch chan<- StateChange) event.Subscription {
	return c.feed.Subscribe(ch)
}

// CurrentState reports the lifecycle phase.
func (c *Client) CurrentState() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Endpoint reports the endpoint serving calls, empty before Connect.
func (c *Client) Endpoint() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.endpoint
}

// Stats snapshots the error counters.
func (c *Client) Stats() ClientStats {
	return ClientStats{
		Failovers:        c.failovers.Load(),
		RateLimited:      c.rateLimited.Load(),
		ConnectionErrors: c.connErrors.Load(),
		RPCErrors:        c.rpcErrors.Load(),
	}
}

// countError buckets one call failure. Context expiry is the caller's own
// deadline, not upstream trouble, and stays uncounted.
func (c *Client) countError(err error) {
	switch {
	case err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
	case IsRateLimited(err):
		c.rateLimited.Add(1)
	case isConnectionError(err):
		c.connErrors.Add(1)
	default:
		c.rpcErrors.Add(1)
	}
}

func (c *Client) setState(s State, endpoint string, err error) {
	c.stateMu.Lock()
	old := c.state
	c.state = s
	c.stateMu.Unlock()
	if old == s {
		return
	}
	c.feed.Send(StateChange{Old: old, New: s, Endpoint: endpoint, Err: err})
}

// Connect walks the endpoint list until one answers with the expected chain
// id. When every endpoint fails it sleeps the reconnect interval and starts
// over, up to the configured attempt budget, then goes terminal.
func (c *Client) Connect(ctx context.Context) error {
	endpoints := c.cfg.Endpoints()
	for attempt := 1; ; attempt++ {
		c.setState(StateConnecting, "", nil)
		for _, url := range endpoints {
			if err := c.dial(ctx, url); err != nil {
				c.log.Warn("endpoint unavailable", zap.String("endpoint", url), zap.Error(err))
				continue
			}
			c.setState(StateConnected, url, nil)
			c.log.Info("connected", zap.String("endpoint", url), zap.Uint64("chainId", c.chainID))
			return nil
		}
		if attempt >= c.cfg.MaxReconnectAttempts {
			c.setState(StateTerminal, "", ErrConnectionLost)
			return ErrConnectionLost
		}
		c.setState(StateReconnecting, "", nil)
		c.log.Warn("all endpoints failed, retrying",
			zap.Int("attempt", attempt), zap.Duration("in", c.cfg.ReconnectInterval))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.cfg.ReconnectInterval):
		}
	}
}

// dial opens one endpoint and verifies its chain id.
func (c *Client) dial(ctx context.Context, url string) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	rpcClient, err := rpc.DialContext(dialCtx, url)
	if err != nil {
		return err
	}
	eth := ethclient.NewClient(rpcClient)
	id, err := eth.ChainID(dialCtx)
	if err != nil {
		eth.Close()
		return err
	}
	if id.Uint64() != c.chainID {
		eth.Close()
		return fmt.Errorf("chain: endpoint %s serves chain %d, want %d", url, id.Uint64(), c.chainID)
	}

	c.mu.Lock()
	if c.eth != nil {
		c.eth.Close()
	}
	c.eth = eth
	c.endpoint = url
	c.mu.Unlock()
	return nil
}

// Close tears down the connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.mu.Unlock()
	c.setState(StateDisconnected, "", nil)
}

func (c *Client) client() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.eth == nil {
		return nil, ErrNotConnected
	}
	return c.eth, nil
}

// do runs one call with failover: a connection-class failure rotates to the
// next endpoint and retries once. RPC-level errors, including rate limits,
// surface to the caller untouched so the scheduler can apply its own policy.
func (c *Client) do(ctx context.Context, fn func(*ethclient.Client) error) error {
	eth, err := c.client()
	if err != nil {
		return err
	}
	err = fn(eth)
	c.countError(err)
	if err == nil || !isConnectionError(err) || ctx.Err() != nil {
		return err
	}

	c.failovers.Add(1)
	c.log.Warn("call failed, rotating endpoint", zap.String("endpoint", c.Endpoint()), zap.Error(err))
	c.setState(StateReconnecting, c.Endpoint(), err)
	if cerr := c.Connect(ctx); cerr != nil {
		return cerr
	}
	eth, err = c.client()
	if err != nil {
		return err
	}
	err = fn(eth)
	c.countError(err)
	return err
}

// LatestBlock returns the chain head number.
func (c *Client) LatestBlock(ctx context.Context) (uint64, error) {
	var n uint64
	err := c.do(ctx, func(eth *ethclient.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		var err error
		n, err = eth.BlockNumber(callCtx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("chain: latest block: %w", err)
	}
	return n, nil
}

// FilterLogs fetches logs for the query. One call covers every watched token
// so per-block RPC ordering is kept.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.do(ctx, func(eth *ethclient.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, logsTimeout)
		defer cancel()
		var err error
		logs, err = eth.FilterLogs(callCtx, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// HeaderByNumber returns the header for a block, used for timestamps.
func (c *Client) HeaderByNumber(ctx context.Context, n uint64) (*types.Header, error) {
	var h *types.Header
	err := c.do(ctx, func(eth *ethclient.Client) error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		var err error
		h, err = eth.HeaderByNumber(callCtx, new(big.Int).SetUint64(n))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("chain: header %d: %w", n, err)
	}
	return h, nil
}

// TransactionReceipt fetches a receipt for gas enrichment. The call sits
// behind a circuit breaker: a flaky enrichment path must not slow ingestion,
// and callers treat any error here as a cue to fall back to event-only data.
func (c *Client) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	out, err := c.receipts.Execute(func() (interface{}, error) {
		eth, err := c.client()
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
		return eth.TransactionReceipt(callCtx, hash)
	})
	if err != nil {
		// Breaker rejections never reached the wire.
		if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.countError(err)
		}
		return nil, err
	}
	return out.(*types.Receipt), nil
}
