// Copyright 2024 The opcodescan Authors
// This file is part of the opcodescan library.
//
// The opcodescan library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The opcodescan library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the opcodescan library. If not, see <http://www.gnu.org/licenses/>.

// Command opcodescand is the entry point: it parses configuration, wires
// up logging, and runs the pipeline until a termination signal arrives.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethscan/opcodescan/internal/opcodescan"
	"github.com/ethscan/opcodescan/internal/opcodescancfg"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	defaults := opcodescancfg.Default()

	return &cli.App{
		Name:  "opcodescand",
		Usage: "tail an EVM chain and accumulate per-block opcode frequency statistics",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "fork-height", Value: defaults.ForkHeight, EnvVars: []string{"FORK_HEIGHT"}},
			&cli.StringFlag{Name: "ws-url", Value: defaults.WSURL, EnvVars: []string{"WS_URL"}},
			&cli.StringFlag{Name: "http-url", Value: defaults.HTTPURL, EnvVars: []string{"HTTP_URL"}},
			&cli.StringFlag{Name: "db-path", Value: defaults.DBPath, EnvVars: []string{"DB_PATH"}},
			&cli.StringFlag{Name: "artifact-path", Value: defaults.ArtifactPath, EnvVars: []string{"ARTIFACT_PATH"}},
			&cli.UintFlag{Name: "block-workers", Value: defaults.BlockWorkers, EnvVars: []string{"BLOCK_WORKERS"}},
			&cli.UintFlag{Name: "tx-workers", Value: defaults.TxWorkers, EnvVars: []string{"TX_WORKERS"}},
			&cli.UintFlag{Name: "idle-backoff", Value: uint(defaults.IdleBackoff / time.Second), EnvVars: []string{"IDLE_BACKOFF_SECS"}},
			&cli.IntFlag{Name: "verbosity", Value: defaults.Verbosity, EnvVars: []string{"LOG_LEVEL"}, Usage: "0=crit, 1=error, 2=warn, 3=info, 4=debug, 5=trace"},
			&cli.StringFlag{Name: "vmodule", Value: defaults.Vmodule, EnvVars: []string{"VMODULE"}},
		},
		Action: run,
	}
}

func run(c *cli.Context) error {
	cfg := opcodescancfg.Config{
		ForkHeight:   c.Uint64("fork-height"),
		WSURL:        c.String("ws-url"),
		HTTPURL:      c.String("http-url"),
		DBPath:       c.String("db-path"),
		ArtifactPath: c.String("artifact-path"),
		BlockWorkers: c.Uint("block-workers"),
		TxWorkers:    c.Uint("tx-workers"),
		IdleBackoff:  time.Duration(c.Uint("idle-backoff")) * time.Second,
		Verbosity:    c.Int("verbosity"),
		Vmodule:      c.String("vmodule"),
	}
	if cfg.IdleBackoff == 0 {
		cfg.IdleBackoff = 15 * time.Second
	}

	if err := setupLogging(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return opcodescan.Run(ctx, cfg)
}

// verbosityToLevel mirrors geth's cmd/utils flag handling: 0 is the
// quietest (crit-only), 5 is the loudest (trace).
func verbosityToLevel(v int) slog.Level {
	switch {
	case v <= 0:
		return log.LevelCrit
	case v == 1:
		return log.LevelError
	case v == 2:
		return log.LevelWarn
	case v == 3:
		return log.LevelInfo
	case v == 4:
		return log.LevelDebug
	default:
		return log.LevelTrace
	}
}

func setupLogging(cfg opcodescancfg.Config) error {
	glog := log.NewGlogHandler(log.NewTerminalHandlerWithLevel(os.Stderr, log.LevelTrace, false))
	glog.Verbosity(verbosityToLevel(cfg.Verbosity))
	if cfg.Vmodule != "" {
		if err := glog.Vmodule(cfg.Vmodule); err != nil {
			return fmt.Errorf("opcodescand: invalid vmodule %q: %w", cfg.Vmodule, err)
		}
	}
	log.SetDefault(log.NewLogger(glog))
	return nil
}
