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

package config

import "github.com/urfave/cli/v2"

const (
	categoryNetwork   = "NETWORK"
	categoryIngestion = "INGESTION"
	categoryStorage   = "STORAGE"
	categoryCache     = "CACHE"
	categoryBroadcast = "BROADCAST"
	categoryAPI       = "API"
	categoryOps       = "OPERATIONS"
)

var (
	PrimaryRPCFlag = &cli.StringFlag{
		Name:     "rpc.primary",
		Usage:    "Primary JSON-RPC endpoint of the monitored chain",
		EnvVars:  []string{"PRIMARY_RPC_ENDPOINT"},
		Category: categoryNetwork,
	}
	BackupRPCFlag = &cli.StringFlag{
		Name:     "rpc.backup",
		Usage:    "Backup JSON-RPC endpoint used after primary failures",
		EnvVars:  []string{"BACKUP_RPC_ENDPOINT"},
		Category: categoryNetwork,
	}
	RPCTimeoutFlag = &cli.Uint64Flag{
		Name:     "rpc.timeout",
		Usage:    "Per-call RPC deadline in milliseconds",
		Value:    10_000,
		EnvVars:  []string{"RPC_TIMEOUT_MS"},
		Category: categoryNetwork,
	}
	RPCReconnectIntervalFlag = &cli.Uint64Flag{
		Name:     "rpc.reconnect-interval",
		Usage:    "Delay between endpoint reconnect attempts in milliseconds",
		Value:    5_000,
		EnvVars:  []string{"RPC_RECONNECT_INTERVAL_MS"},
		Category: categoryNetwork,
	}
	RPCMaxReconnectFlag = &cli.IntFlag{
		Name:     "rpc.max-reconnect",
		Usage:    "Reconnect attempts before the chain client turns terminal",
		Value:    10,
		EnvVars:  []string{"RPC_MAX_RECONNECT_ATTEMPTS"},
		Category: categoryNetwork,
	}
	ChainIDFlag = &cli.Uint64Flag{
		Name:     "chain.id",
		Usage:    "Chain id the watermark row is keyed by",
		Value:    137,
		EnvVars:  []string{"CHAIN_ID"},
		Category: categoryNetwork,
	}

	PollIntervalFlag = &cli.Uint64Flag{
		Name:     "ingest.poll-interval",
		Usage:    "Steady-state block polling interval in milliseconds",
		Value:    15_000,
		EnvVars:  []string{"BLOCK_POLLING_INTERVAL_MS"},
		Category: categoryIngestion,
	}
	BatchSizeFlag = &cli.IntFlag{
		Name:     "ingest.batch-size",
		Usage:    "Maximum events persisted per queue drain",
		Value:    50,
		EnvVars:  []string{"BATCH_SIZE"},
		Category: categoryIngestion,
	}
	ProcessIntervalFlag = &cli.Uint64Flag{
		Name:     "ingest.process-interval",
		Usage:    "Queue drain interval in milliseconds",
		Value:    5_000,
		EnvVars:  []string{"PROCESSING_INTERVAL_MS"},
		Category: categoryIngestion,
	}
	ConfirmationBlocksFlag = &cli.Uint64Flag{
		Name:     "ingest.confirmations",
		Usage:    "Blocks behind the head the scheduler trails",
		Value:    0,
		EnvVars:  []string{"CONFIRMATION_BLOCKS"},
		Category: categoryIngestion,
	}
	IgnoreZeroValueFlag = &cli.BoolFlag{
		Name:     "ingest.ignore-zero-value",
		Usage:    "Drop zero-value transfers at the decoder",
		Value:    true,
		EnvVars:  []string{"IGNORE_ZERO_VALUE_TRANSFERS"},
		Category: categoryIngestion,
	}
	RequestDelayFlag = &cli.Uint64Flag{
		Name:     "ingest.request-delay",
		Usage:    "Pause between per-block getLogs calls in milliseconds",
		Value:    100,
		EnvVars:  []string{"REQUEST_DELAY_MS"},
		Category: categoryIngestion,
	}
	CatchUpBatchSizeFlag = &cli.Uint64Flag{
		Name:     "ingest.catchup-batch-size",
		Usage:    "Blocks fetched per getLogs call in catch-up mode",
		Value:    100,
		EnvVars:  []string{"CATCH_UP_BATCH_SIZE"},
		Category: categoryIngestion,
	}
	CatchUpBatchDelayFlag = &cli.Uint64Flag{
		Name:     "ingest.catchup-batch-delay",
		Usage:    "Pause between catch-up batches in milliseconds",
		Value:    200,
		EnvVars:  []string{"CATCH_UP_BATCH_DELAY_MS"},
		Category: categoryIngestion,
	}
	CatchUpMaxGapFlag = &cli.Uint64Flag{
		Name:     "ingest.catchup-max-gap",
		Usage:    "Largest startup gap processed block by block before truncating",
		Value:    100_000,
		EnvVars:  []string{"CATCH_UP_MAX_GAP"},
		Category: categoryIngestion,
	}
	CatchUpMaxBlocksFlag = &cli.Uint64Flag{
		Name:     "ingest.catchup-max-blocks",
		Usage:    "Recent window kept when a huge gap is truncated",
		Value:    10_000,
		EnvVars:  []string{"CATCH_UP_MAX_BLOCKS"},
		Category: categoryIngestion,
	}
	MaxBlocksPerPollFlag = &cli.Uint64Flag{
		Name:     "ingest.max-blocks-per-poll",
		Usage:    "Upper bound of blocks consumed by one poll iteration",
		Value:    10,
		EnvVars:  []string{"MAX_BLOCKS_PER_POLL"},
		Category: categoryIngestion,
	}
	MaxRetryAttemptsFlag = &cli.IntFlag{
		Name:     "ingest.max-retries",
		Usage:    "getLogs attempts before falling back or skipping",
		Value:    3,
		EnvVars:  []string{"MAX_RETRY_ATTEMPTS"},
		Category: categoryIngestion,
	}
	RateLimitBackoffFlag = &cli.Uint64Flag{
		Name:     "ingest.rate-limit-backoff",
		Usage:    "Fixed sleep after a provider rate limit in milliseconds",
		Value:    30_000,
		EnvVars:  []string{"RATE_LIMIT_BACKOFF_MS"},
		Category: categoryIngestion,
	}
	BlockSaveIntervalFlag = &cli.Uint64Flag{
		Name:     "ingest.block-save-interval",
		Usage:    "Steady-state watermark persistence cadence in blocks",
		Value:    10,
		EnvVars:  []string{"BLOCK_SAVE_INTERVAL"},
		Category: categoryIngestion,
	}
	EnableTxDetailsFlag = &cli.BoolFlag{
		Name:     "ingest.tx-details",
		Usage:    "Fetch receipts to enrich events with gas usage",
		Value:    false,
		EnvVars:  []string{"ENABLE_TX_DETAILS"},
		Category: categoryIngestion,
	}
	DisableTokenFallbackFlag = &cli.BoolFlag{
		Name:     "ingest.disable-token-fallback",
		Usage:    "Skip the per-token getLogs fallback after batched failures",
		Value:    false,
		EnvVars:  []string{"DISABLE_INDIVIDUAL_TOKEN_FALLBACK"},
		Category: categoryIngestion,
	}
	QueueCapacityFlag = &cli.IntFlag{
		Name:     "ingest.queue-capacity",
		Usage:    "Bounded event queue size; oldest events drop when full",
		Value:    10_000,
		EnvVars:  []string{"EVENT_QUEUE_CAPACITY"},
		Category: categoryIngestion,
	}
	WhaleThresholdFlag = &cli.StringFlag{
		Name:     "ingest.whale-threshold",
		Usage:    "Cumulative volume (smallest units) that marks an address as whale",
		Value:    "1000000000000000000000",
		EnvVars:  []string{"WHALE_THRESHOLD"},
		Category: categoryIngestion,
	}

	DatabaseURLFlag = &cli.StringFlag{
		Name:     "db.url",
		Usage:    "Postgres connection string",
		Value:    "postgres://localhost:5432/msq_monitor?sslmode=disable",
		EnvVars:  []string{"DATABASE_URL"},
		Category: categoryStorage,
	}
	DatabaseMaxConnsFlag = &cli.IntFlag{
		Name:     "db.max-conns",
		Usage:    "Connection pool size",
		Value:    16,
		EnvVars:  []string{"DB_MAX_CONNECTIONS"},
		Category: categoryStorage,
	}

	CacheHostFlag = &cli.StringFlag{
		Name:     "cache.host",
		Usage:    "Redis host",
		Value:    "localhost",
		EnvVars:  []string{"CACHE_HOST"},
		Category: categoryCache,
	}
	CachePortFlag = &cli.IntFlag{
		Name:     "cache.port",
		Usage:    "Redis port",
		Value:    6379,
		EnvVars:  []string{"CACHE_PORT"},
		Category: categoryCache,
	}
	CachePasswordFlag = &cli.StringFlag{
		Name:     "cache.password",
		Usage:    "Redis password",
		EnvVars:  []string{"CACHE_PASSWORD"},
		Category: categoryCache,
	}
	CacheDBFlag = &cli.IntFlag{
		Name:     "cache.db",
		Usage:    "Redis logical database",
		Value:    0,
		EnvVars:  []string{"CACHE_DB"},
		Category: categoryCache,
	}
	CacheKeyPrefixFlag = &cli.StringFlag{
		Name:     "cache.key-prefix",
		Usage:    "Namespace prepended to every cache key",
		Value:    "msq:monitor",
		EnvVars:  []string{"CACHE_KEY_PREFIX"},
		Category: categoryCache,
	}
	CacheTTLAddressStatsFlag = &cli.IntFlag{
		Name:     "cache.ttl-address-stats",
		Usage:    "Address statistics TTL in seconds",
		Value:    300,
		EnvVars:  []string{"CACHE_TTL_ADDRESS_STATS"},
		Category: categoryCache,
	}
	CacheTTLWhaleFlag = &cli.IntFlag{
		Name:     "cache.ttl-whale",
		Usage:    "Whale list TTL in seconds",
		Value:    600,
		EnvVars:  []string{"CACHE_TTL_WHALE_ADDRESSES"},
		Category: categoryCache,
	}
	CacheTTLRiskyFlag = &cli.IntFlag{
		Name:     "cache.ttl-risky",
		Usage:    "Risky list TTL in seconds",
		Value:    600,
		EnvVars:  []string{"CACHE_TTL_RISKY_ADDRESSES"},
		Category: categoryCache,
	}
	CacheTTLRankingsFlag = &cli.IntFlag{
		Name:     "cache.ttl-rankings",
		Usage:    "Rankings TTL in seconds",
		Value:    60,
		EnvVars:  []string{"CACHE_TTL_RANKINGS"},
		Category: categoryCache,
	}
	CacheTTLSummaryFlag = &cli.IntFlag{
		Name:     "cache.ttl-summary",
		Usage:    "Realtime summary TTL in seconds",
		Value:    30,
		EnvVars:  []string{"CACHE_TTL_SUMMARY"},
		Category: categoryCache,
	}

	WSPortFlag = &cli.IntFlag{
		Name:     "ws.port",
		Usage:    "Broadcast hub listen port",
		Value:    8127,
		EnvVars:  []string{"WS_PORT"},
		Category: categoryBroadcast,
	}
	WSHeartbeatFlag = &cli.Uint64Flag{
		Name:     "ws.heartbeat",
		Usage:    "Subscriber heartbeat interval in milliseconds",
		Value:    30_000,
		EnvVars:  []string{"WS_HEARTBEAT_INTERVAL_MS"},
		Category: categoryBroadcast,
	}
	WSMaxConnectionsFlag = &cli.IntFlag{
		Name:     "ws.max-connections",
		Usage:    "Subscriber cap; further upgrades are rejected",
		Value:    1_000,
		EnvVars:  []string{"WS_MAX_CONNECTIONS"},
		Category: categoryBroadcast,
	}

	APIPortFlag = &cli.IntFlag{
		Name:     "api.port",
		Usage:    "HTTP read API listen port",
		Value:    8128,
		EnvVars:  []string{"API_PORT"},
		Category: categoryAPI,
	}
	CORSOriginFlag = &cli.StringFlag{
		Name:     "api.cors-origin",
		Usage:    "Allowed CORS origin ('*' for any)",
		Value:    "*",
		EnvVars:  []string{"CORS_ORIGIN"},
		Category: categoryAPI,
	}
	RateLimitWindowFlag = &cli.Uint64Flag{
		Name:     "api.rate-limit-window",
		Usage:    "Rate limit window in milliseconds",
		Value:    60_000,
		EnvVars:  []string{"RATE_LIMIT_WINDOW_MS"},
		Category: categoryAPI,
	}
	RateLimitMaxFlag = &cli.IntFlag{
		Name:     "api.rate-limit-max",
		Usage:    "Requests allowed per window per client",
		Value:    300,
		EnvVars:  []string{"RATE_LIMIT_MAX"},
		Category: categoryAPI,
	}

	LogLevelFlag = &cli.StringFlag{
		Name:     "log.level",
		Usage:    "Log level (debug, info, warn, error)",
		Value:    "info",
		EnvVars:  []string{"LOG_LEVEL"},
		Category: categoryOps,
	}
	BlockchainLogsFlag = &cli.BoolFlag{
		Name:     "log.blockchain",
		Usage:    "Emit per-block ingestion debug lines",
		Value:    false,
		EnvVars:  []string{"ENABLE_BLOCKCHAIN_LOGS"},
		Category: categoryOps,
	}
	DatabaseLogsFlag = &cli.BoolFlag{
		Name:     "log.database",
		Usage:    "Emit per-query persistence debug lines",
		Value:    false,
		EnvVars:  []string{"ENABLE_DATABASE_LOGS"},
		Category: categoryOps,
	}
	SnapshotIntervalFlag = &cli.Uint64Flag{
		Name:     "ops.snapshot-interval",
		Usage:    "Dashboard snapshot broadcast cadence in milliseconds",
		Value:    30_000,
		EnvVars:  []string{"SNAPSHOT_INTERVAL_MS"},
		Category: categoryOps,
	}
	RankingIntervalFlag = &cli.Uint64Flag{
		Name:     "ops.ranking-interval",
		Usage:    "Ranking recompute cadence in milliseconds",
		Value:    60_000,
		EnvVars:  []string{"RANKING_INTERVAL_MS"},
		Category: categoryOps,
	}
)

// Flags is the full flag surface of the monitor binary, grouped the way the
// help output prints them.
var Flags = []cli.Flag{
	PrimaryRPCFlag, BackupRPCFlag, RPCTimeoutFlag, RPCReconnectIntervalFlag,
	RPCMaxReconnectFlag, ChainIDFlag,
	PollIntervalFlag, BatchSizeFlag, ProcessIntervalFlag, ConfirmationBlocksFlag,
	IgnoreZeroValueFlag, RequestDelayFlag, CatchUpBatchSizeFlag, CatchUpBatchDelayFlag,
	CatchUpMaxGapFlag, CatchUpMaxBlocksFlag, MaxBlocksPerPollFlag, MaxRetryAttemptsFlag,
	RateLimitBackoffFlag, BlockSaveIntervalFlag, EnableTxDetailsFlag,
	DisableTokenFallbackFlag, QueueCapacityFlag, WhaleThresholdFlag,
	DatabaseURLFlag, DatabaseMaxConnsFlag,
	CacheHostFlag, CachePortFlag, CachePasswordFlag, CacheDBFlag, CacheKeyPrefixFlag,
	CacheTTLAddressStatsFlag, CacheTTLWhaleFlag, CacheTTLRiskyFlag,
	CacheTTLRankingsFlag, CacheTTLSummaryFlag,
	WSPortFlag, WSHeartbeatFlag, WSMaxConnectionsFlag,
	APIPortFlag, CORSOriginFlag, RateLimitWindowFlag, RateLimitMaxFlag,
	LogLevelFlag, BlockchainLogsFlag, DatabaseLogsFlag,
	SnapshotIntervalFlag, RankingIntervalFlag,
}
