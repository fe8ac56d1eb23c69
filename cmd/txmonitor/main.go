// Copyright 2024 The msq-tx-monitor Authors
// This file is part of msq-tx-monitor.
//
// msq-tx-monitor is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// msq-tx-monitor is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with msq-tx-monitor. If not, see <http://www.gnu.org/licenses/>.

// txmonitor ingests ERC-20 Transfer logs from Polygon, maintains per-address
// behavioral statistics, and serves dashboards over HTTP and websocket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/globalmsq/msq-tx-monitor-sub002/internal/config"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/monitor"
	"github.com/globalmsq/msq-tx-monitor-sub002/internal/version"
)

func main() {
	// A .env file, when present, seeds the environment before the cli
	// library resolves flag values from it.
	godotenv.Load()

	app := &cli.App{
		Name:    "txmonitor",
		Usage:   "real-time ERC-20 transfer monitor for the MSQ token family",
		Version: version.WithMeta,
		Flags:   config.Flags,
		Action:  run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "txmonitor:", err)
		os.Exit(1)
	}
}

func run(cliCtx *cli.Context) error {
	cfg, err := config.New(cliCtx)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Ops.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting",
		zap.String("version", version.WithMeta),
		zap.Uint64("chainId", cfg.ChainID),
		zap.Int("apiPort", cfg.HTTP.Port),
		zap.Int("wsPort", cfg.WS.Port))
	return monitor.New(cfg, log).Run(ctx)
}

// newLogger builds the process-wide structured logger. Components receive
// named children of it; nothing logs through a global.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	return cfg.Build()
}
