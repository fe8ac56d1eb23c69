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

// Package config assembles the typed runtime configuration of the monitor
// from the command line and environment. Every recognized option is declared
// as a cli flag whose EnvVars entry names the canonical environment variable.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"time"

	"github.com/urfave/cli/v2"
)

// RPC holds the chain endpoint settings.
type RPC struct {
	PrimaryEndpoint      string
	BackupEndpoint       string
	Timeout              time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
}

// Endpoints returns the ordered failover list, primary first.
func (r RPC) Endpoints() []string {
	eps := []string{r.PrimaryEndpoint}
	if r.BackupEndpoint != "" {
		eps = append(eps, r.BackupEndpoint)
	}
	return eps
}

// Ingest holds the scheduler, queue and writer settings.
type Ingest struct {
	PollInterval         time.Duration
	ProcessInterval      time.Duration
	BatchSize            int
	Confirmations        uint64
	IgnoreZeroValue      bool
	RequestDelay         time.Duration
	CatchUpBatchSize     uint64
	CatchUpBatchDelay    time.Duration
	CatchUpMaxGap        uint64
	CatchUpMaxBlocks     uint64
	MaxBlocksPerPoll     uint64
	MaxRetryAttempts     int
	RateLimitBackoff     time.Duration
	BlockSaveInterval    uint64
	EnableTxDetails      bool
	DisableTokenFallback bool
	QueueCapacity        int
	WhaleThreshold       *big.Int
}

// DB holds the Postgres settings.
type DB struct {
	URL      string
	MaxConns int
}

// Cache holds the Redis settings and the TTL classes.
type Cache struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string

	TTLAddressStats time.Duration
	TTLWhale        time.Duration
	TTLRisky        time.Duration
	TTLRankings     time.Duration
	TTLSummary      time.Duration
}

// Addr returns host:port for the Redis client.
func (c Cache) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WS holds the broadcast hub settings.
type WS struct {
	Port              int
	HeartbeatInterval time.Duration
	MaxConnections    int
}

// HTTP holds the read API settings.
type HTTP struct {
	Port            int
	CORSOrigin      string
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// Ops holds logging and background cadence settings.
type Ops struct {
	LogLevel             string
	EnableBlockchainLogs bool
	EnableDatabaseLogs   bool
	SnapshotInterval     time.Duration
	RankingInterval      time.Duration
}

// Config is the complete runtime configuration, fully resolved and validated.
type Config struct {
	ChainID uint64
	RPC     RPC
	Ingest  Ingest
	DB      DB
	Cache   Cache
	WS      WS
	HTTP    HTTP
	Ops     Ops
}

// New builds a Config from the cli context. Durations declared in
// milliseconds are converted here; nothing downstream sees raw integers.
func New(ctx *cli.Context) (*Config, error) {
	whale, ok := new(big.Int).SetString(ctx.String(WhaleThresholdFlag.Name), 10)
	if !ok || whale.Sign() < 0 {
		return nil, fmt.Errorf("invalid whale threshold %q", ctx.String(WhaleThresholdFlag.Name))
	}
	cfg := &Config{
		ChainID: ctx.Uint64(ChainIDFlag.Name),
		RPC: RPC{
			PrimaryEndpoint:      ctx.String(PrimaryRPCFlag.Name),
			BackupEndpoint:       ctx.String(BackupRPCFlag.Name),
			Timeout:              ms(ctx.Uint64(RPCTimeoutFlag.Name)),
			ReconnectInterval:    ms(ctx.Uint64(RPCReconnectIntervalFlag.Name)),
			MaxReconnectAttempts: ctx.Int(RPCMaxReconnectFlag.Name),
		},
		Ingest: Ingest{
			PollInterval:         ms(ctx.Uint64(PollIntervalFlag.Name)),
			ProcessInterval:      ms(ctx.Uint64(ProcessIntervalFlag.Name)),
			BatchSize:            ctx.Int(BatchSizeFlag.Name),
			Confirmations:        ctx.Uint64(ConfirmationBlocksFlag.Name),
			IgnoreZeroValue:      ctx.Bool(IgnoreZeroValueFlag.Name),
			RequestDelay:         ms(ctx.Uint64(RequestDelayFlag.Name)),
			CatchUpBatchSize:     ctx.Uint64(CatchUpBatchSizeFlag.Name),
			CatchUpBatchDelay:    ms(ctx.Uint64(CatchUpBatchDelayFlag.Name)),
			CatchUpMaxGap:        ctx.Uint64(CatchUpMaxGapFlag.Name),
			CatchUpMaxBlocks:     ctx.Uint64(CatchUpMaxBlocksFlag.Name),
			MaxBlocksPerPoll:     ctx.Uint64(MaxBlocksPerPollFlag.Name),
			MaxRetryAttempts:     ctx.Int(MaxRetryAttemptsFlag.Name),
			RateLimitBackoff:     ms(ctx.Uint64(RateLimitBackoffFlag.Name)),
			BlockSaveInterval:    ctx.Uint64(BlockSaveIntervalFlag.Name),
			EnableTxDetails:      ctx.Bool(EnableTxDetailsFlag.Name),
			DisableTokenFallback: ctx.Bool(DisableTokenFallbackFlag.Name),
			QueueCapacity:        ctx.Int(QueueCapacityFlag.Name),
			WhaleThreshold:       whale,
		},
		DB: DB{
			URL:      ctx.String(DatabaseURLFlag.Name),
			MaxConns: ctx.Int(DatabaseMaxConnsFlag.Name),
		},
		Cache: Cache{
			Host:            ctx.String(CacheHostFlag.Name),
			Port:            ctx.Int(CachePortFlag.Name),
			Password:        ctx.String(CachePasswordFlag.Name),
			DB:              ctx.Int(CacheDBFlag.Name),
			KeyPrefix:       ctx.String(CacheKeyPrefixFlag.Name),
			TTLAddressStats: sec(ctx.Int(CacheTTLAddressStatsFlag.Name)),
			TTLWhale:        sec(ctx.Int(CacheTTLWhaleFlag.Name)),
			TTLRisky:        sec(ctx.Int(CacheTTLRiskyFlag.Name)),
			TTLRankings:     sec(ctx.Int(CacheTTLRankingsFlag.Name)),
			TTLSummary:      sec(ctx.Int(CacheTTLSummaryFlag.Name)),
		},
		WS: WS{
			Port:              ctx.Int(WSPortFlag.Name),
			HeartbeatInterval: ms(ctx.Uint64(WSHeartbeatFlag.Name)),
			MaxConnections:    ctx.Int(WSMaxConnectionsFlag.Name),
		},
		HTTP: HTTP{
			Port:            ctx.Int(APIPortFlag.Name),
			CORSOrigin:      ctx.String(CORSOriginFlag.Name),
			RateLimitWindow: ms(ctx.Uint64(RateLimitWindowFlag.Name)),
			RateLimitMax:    ctx.Int(RateLimitMaxFlag.Name),
		},
		Ops: Ops{
			LogLevel:             ctx.String(LogLevelFlag.Name),
			EnableBlockchainLogs: ctx.Bool(BlockchainLogsFlag.Name),
			EnableDatabaseLogs:   ctx.Bool(DatabaseLogsFlag.Name),
			SnapshotInterval:     ms(ctx.Uint64(SnapshotIntervalFlag.Name)),
			RankingInterval:      ms(ctx.Uint64(RankingIntervalFlag.Name)),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the monitor cannot run with.
func (c *Config) Validate() error {
	if c.RPC.PrimaryEndpoint == "" {
		return errors.New("PRIMARY_RPC_ENDPOINT is required")
	}
	for _, ep := range c.RPC.Endpoints() {
		u, err := url.Parse(ep)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid RPC endpoint %q", ep)
		}
	}
	if c.RPC.Timeout <= 0 {
		return errors.New("RPC_TIMEOUT_MS must be positive")
	}
	if c.RPC.MaxReconnectAttempts < 1 {
		return errors.New("RPC_MAX_RECONNECT_ATTEMPTS must be at least 1")
	}
	if c.Ingest.BatchSize < 1 {
		return errors.New("BATCH_SIZE must be at least 1")
	}
	if c.Ingest.QueueCapacity < c.Ingest.BatchSize {
		return errors.New("EVENT_QUEUE_CAPACITY must not be smaller than BATCH_SIZE")
	}
	if c.Ingest.MaxRetryAttempts < 1 {
		return errors.New("MAX_RETRY_ATTEMPTS must be at least 1")
	}
	if c.Ingest.CatchUpBatchSize < 1 {
		return errors.New("CATCH_UP_BATCH_SIZE must be at least 1")
	}
	if c.Ingest.MaxBlocksPerPoll < 1 {
		return errors.New("MAX_BLOCKS_PER_POLL must be at least 1")
	}
	if c.Ingest.CatchUpMaxBlocks > c.Ingest.CatchUpMaxGap {
		return errors.New("CATCH_UP_MAX_BLOCKS must not exceed CATCH_UP_MAX_GAP")
	}
	if c.Ingest.BlockSaveInterval < 1 {
		return errors.New("BLOCK_SAVE_INTERVAL must be at least 1")
	}
	if err := validPort(c.WS.Port); err != nil {
		return fmt.Errorf("WS_PORT: %w", err)
	}
	if err := validPort(c.HTTP.Port); err != nil {
		return fmt.Errorf("API_PORT: %w", err)
	}
	if c.WS.Port == c.HTTP.Port {
		return errors.New("WS_PORT and API_PORT must differ")
	}
	if c.WS.MaxConnections < 1 {
		return errors.New("WS_MAX_CONNECTIONS must be at least 1")
	}
	if c.HTTP.RateLimitMax < 1 {
		return errors.New("RATE_LIMIT_MAX must be at least 1")
	}
	switch c.Ops.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown LOG_LEVEL %q", c.Ops.LogLevel)
	}
	return nil
}

func validPort(p int) error {
	if p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range", p)
	}
	return nil
}

func ms(v uint64) time.Duration { return time.Duration(v) * time.Millisecond }

func sec(v int) time.Duration { return time.Duration(v) * time.Second }
