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

// Package worker implements the two claim-fetch-process loops the spec
// calls block and tx worker pools: one block worker claims a block number,
// fetches it with its transactions, and fans out create-tx subtasks; one
// tx worker claims a create-tx task, fetches its receipt and runtime code,
// and decodes it into opcode statistics.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// BlockStore is the subset of *store.Store a block worker needs.
type BlockStore interface {
	ClaimBlock(ctx context.Context) (uint64, bool, error)
	FinishBlock(ctx context.Context, blockNumber uint64) error
	ReleaseBlock(ctx context.Context, blockNumber uint64) error
	AppendTx(ctx context.Context, blockNumber, txIndex uint64, txHash common.Hash) error
}

// BlockFetcher is the subset of the RPC adapter a block worker needs.
type BlockFetcher interface {
	BlockWithTransactions(ctx context.Context, number uint64) (*types.Block, error)
}

// InitCodeWriter is the subset of the artifact store a block worker needs.
type InitCodeWriter interface {
	PutInitCode(txHash, input []byte) error
}

// BlockWorker runs the claim/fetch/enqueue/finish loop of spec.md §4.7.
type BlockWorker struct {
	id          int
	store       BlockStore
	fetcher     BlockFetcher
	artifacts   InitCodeWriter
	idleBackoff time.Duration
	log         log.Logger
}

// NewBlockWorker builds worker id over the given collaborators.
func NewBlockWorker(id int, s BlockStore, fetcher BlockFetcher, artifacts InitCodeWriter, idleBackoff time.Duration) *BlockWorker {
	return &BlockWorker{
		id:          id,
		store:       s,
		fetcher:     fetcher,
		artifacts:   artifacts,
		idleBackoff: idleBackoff,
		log:         log.New("component", "block-worker", "worker", id),
	}
}

// Run loops until ctx is canceled, claiming and processing block tasks. A
// transport error releases the claim and continues; Run itself only
// returns non-nil on a storage failure, which the orchestrator treats as
// fatal.
func (w *BlockWorker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		blockNumber, ok, err := w.store.ClaimBlock(ctx)
		if err != nil {
			return err
		}
		if !ok {
			w.log.Debug("no block task, sleeping")
			if !sleep(ctx, w.idleBackoff) {
				return nil
			}
			continue
		}

		if err := w.process(ctx, blockNumber); err != nil {
			if isFatal(err) {
				return err
			}
			w.log.Warn("block processing failed, releasing claim", "block", blockNumber, "err", err)
			if relErr := w.store.ReleaseBlock(ctx, blockNumber); relErr != nil {
				return relErr
			}
		}
	}
}

func (w *BlockWorker) process(ctx context.Context, blockNumber uint64) error {
	block, err := w.fetcher.BlockWithTransactions(ctx, blockNumber)
	if err != nil {
		return transportErr(err)
	}
	w.log.Info("fetched block", "number", blockNumber, "hash", block.Hash())

	created := 0
	for index, tx := range block.Transactions() {
		if tx.To() != nil {
			continue
		}
		if err := w.artifacts.PutInitCode(tx.Hash().Bytes(), tx.Data()); err != nil {
			return storageErr(err)
		}
		if err := w.store.AppendTx(ctx, blockNumber, uint64(index), tx.Hash()); err != nil {
			return storageErr(err)
		}
		created++
	}
	if created > 0 {
		w.log.Info("fetched create txs", "block", blockNumber, "count", created)
	}

	if err := w.store.FinishBlock(ctx, blockNumber); err != nil {
		return storageErr(err)
	}
	return nil
}

// sleep blocks for d or until ctx is canceled, returning false in the
// latter case so callers can exit their loop immediately.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

type classifiedError struct {
	err   error
	fatal bool
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// transportErr marks err as recoverable: the worker releases its claim and
// retries on the next iteration.
func transportErr(err error) error { return &classifiedError{err: err, fatal: false} }

// storageErr marks err as fatal: the durable store itself is misbehaving
// and the process should exit for operator attention.
func storageErr(err error) error { return &classifiedError{err: err, fatal: true} }

func isFatal(err error) bool {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.fatal
	}
	return true
}
