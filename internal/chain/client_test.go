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

package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
)

// rpcStub answers the minimal JSON-RPC surface the client touches.
func rpcStub(t *testing.T, chainID, head uint64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var result string
		switch req.Method {
		case "eth_chainId":
			result = fmt.Sprintf("%q", hexutil.EncodeUint64(chainID))
		case "eth_blockNumber":
			result = fmt.Sprintf("%q", hexutil.EncodeUint64(head))
		case "eth_getLogs":
			result = "[]"
		default:
			result = "null"
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, result)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testRPCConfig(primary, backup string) config.RPC {
	return config.RPC{
		PrimaryEndpoint:      primary,
		BackupEndpoint:       backup,
		Timeout:              2 * time.Second,
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}
}

func TestConnectPrefersPrimary(t *testing.T) {
	primary := rpcStub(t, 137, 100)
	backup := rpcStub(t, 137, 100)

	c := NewClient(testRPCConfig(primary.URL, backup.URL), 137, zap.NewNop())
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, primary.URL, c.Endpoint())
	require.Equal(t, StateConnected, c.CurrentState())
}

func TestConnectFailsOverToBackup(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()
	backup := rpcStub(t, 137, 100)

	c := NewClient(testRPCConfig(deadURL, backup.URL), 137, zap.NewNop())
	defer c.Close()

	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, backup.URL, c.Endpoint())
}

func TestConnectRejectsWrongChainID(t *testing.T) {
	mainnet := rpcStub(t, 1, 100)

	c := NewClient(testRPCConfig(mainnet.URL, ""), 137, zap.NewNop())
	defer c.Close()

	err := c.Connect(context.Background())
	require.ErrorIs(t, err, ErrConnectionLost)
	require.Equal(t, StateTerminal, c.CurrentState())
}

func TestStateTransitionsEmitted(t *testing.T) {
	srv := rpcStub(t, 137, 100)

	c := NewClient(testRPCConfig(srv.URL, ""), 137, zap.NewNop())
	defer c.Close()

	ch := make(chan StateChange, 8)
	sub := c.SubscribeStates(ch)
	defer sub.Unsubscribe()

	require.NoError(t, c.Connect(context.Background()))

	var seen []State
	for len(ch) > 0 {
		seen = append(seen, (<-ch).New)
	}
	require.Equal(t, []State{StateConnecting, StateConnected}, seen)
}

func TestLatestBlock(t *testing.T) {
	srv := rpcStub(t, 137, 4242)

	c := NewClient(testRPCConfig(srv.URL, ""), 137, zap.NewNop())
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	n, err := c.LatestBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(4242), n)
}

func TestStatsCountRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req.Method == "eth_chainId" {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%q}`, req.ID, hexutil.EncodeUint64(137))
			return
		}
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(testRPCConfig(srv.URL, ""), 137, zap.NewNop())
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.LatestBlock(context.Background())
	require.Error(t, err)
	require.True(t, IsRateLimited(err))

	st := c.Stats()
	require.Equal(t, uint64(1), st.RateLimited)
	require.Zero(t, st.Failovers, "throttling must not rotate endpoints")
	require.Equal(t, srv.URL, c.Endpoint())
}

func TestStatsCountFailover(t *testing.T) {
	primary := rpcStub(t, 137, 100)
	backup := rpcStub(t, 137, 500)

	c := NewClient(testRPCConfig(primary.URL, backup.URL), 137, zap.NewNop())
	defer c.Close()
	require.NoError(t, c.Connect(context.Background()))
	primary.Close()

	n, err := c.LatestBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(500), n)
	require.Equal(t, backup.URL, c.Endpoint())

	st := c.Stats()
	require.Equal(t, uint64(1), st.Failovers)
	require.Equal(t, uint64(1), st.ConnectionErrors)
	require.Zero(t, st.RateLimited)
}

func TestCallsBeforeConnect(t *testing.T) {
	c := NewClient(testRPCConfig("http://127.0.0.1:1", ""), 137, zap.NewNop())

	_, err := c.LatestBlock(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestIsRateLimited(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"http 429", rpc.HTTPError{StatusCode: http.StatusTooManyRequests, Status: "429 Too Many Requests"}, true},
		{"wrapped http 429", fmt.Errorf("getLogs: %w", rpc.HTTPError{StatusCode: 429}), true},
		{"provider message", errors.New("Too Many Requests"), true},
		{"rate limit text", errors.New("daily rate limit exceeded"), true},
		{"status in text", errors.New("unexpected status 429"), true},
		{"plain rpc error", errors.New("execution reverted"), false},
		{"connection refused", syscall.ECONNREFUSED, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsRateLimited(tt.err))
		})
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"wrapped refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), true},
		{"json garbage", &json.SyntaxError{}, true},
		{"text hint", errors.New("read: use of closed network connection"), true},
		{"rate limit stays put", rpc.HTTPError{StatusCode: 429}, false},
		{"rpc error stays put", errors.New("invalid argument 0"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, isConnectionError(tt.err))
		})
	}
}
