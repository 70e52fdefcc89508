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

// Package opcodescan wires the store, artifact store, RPC adapters,
// listener, and worker pools into a running pipeline, and owns the
// process's graceful shutdown.
package opcodescan

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ethereum/go-ethereum/log"

	"github.com/ethscan/opcodescan/internal/artifact"
	"github.com/ethscan/opcodescan/internal/listener"
	"github.com/ethscan/opcodescan/internal/opcodescancfg"
	"github.com/ethscan/opcodescan/internal/rpc"
	"github.com/ethscan/opcodescan/internal/store"
	"github.com/ethscan/opcodescan/internal/worker"
)

// Run builds every component from cfg and runs the pipeline until ctx is
// canceled (by the caller's signal handler) or a fatal storage error
// forces an early, non-zero-exit shutdown.
func Run(ctx context.Context, cfg opcodescancfg.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := log.New("component", "orchestrator")

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opcodescan: open store: %w", err)
	}
	defer st.Close()

	if err := st.ResetInFlight(); err != nil {
		return fmt.Errorf("opcodescan: recover in-flight tasks: %w", err)
	}

	artifacts, err := artifact.Open(cfg.ArtifactPath)
	if err != nil {
		return fmt.Errorf("opcodescan: open artifact store: %w", err)
	}
	defer artifacts.Close()

	wsClient, err := rpc.NewWSClient(ctx, cfg.WSURL)
	if err != nil {
		return fmt.Errorf("opcodescan: dial websocket: %w", err)
	}
	defer wsClient.Close()

	httpClient, err := rpc.NewHTTPClient(ctx, cfg.HTTPURL)
	if err != nil {
		return fmt.Errorf("opcodescan: dial http: %w", err)
	}
	defer httpClient.Close()

	group, gctx := errgroup.WithContext(ctx)

	head := listener.New(st, wsClient, cfg.ForkHeight)
	group.Go(func() error { return head.Run(gctx) })

	for i := 0; uint(i) < cfg.BlockWorkers; i++ {
		w := worker.NewBlockWorker(i, st, httpClient, artifacts, cfg.IdleBackoff)
		group.Go(func() error { return w.Run(gctx) })
	}

	for i := 0; uint(i) < cfg.TxWorkers; i++ {
		w := worker.NewTxWorker(st, httpClient, artifacts, cfg.IdleBackoff)
		group.Go(func() error { return w.Run(gctx) })
	}

	logger.Info("opcodescan running",
		"blockWorkers", cfg.BlockWorkers, "txWorkers", cfg.TxWorkers, "forkHeight", cfg.ForkHeight)

	if err := group.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("opcodescan: fatal worker error: %w", err)
	}
	logger.Info("opcodescan shut down cleanly")
	return nil
}
