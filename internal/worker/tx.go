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

package worker

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethscan/opcodescan/core/vm"
	"github.com/ethscan/opcodescan/internal/bytecode"
	"github.com/ethscan/opcodescan/internal/store"
)

// TxStore is the subset of *store.Store a tx worker needs.
type TxStore interface {
	ClaimTx(ctx context.Context) (store.TxTask, bool, error)
	FinishTx(ctx context.Context, txHash common.Hash) error
	ReleaseTx(ctx context.Context, txHash common.Hash) error
	BumpOpcodeStats(ctx context.Context, blockNumber uint64, counts []store.OpcodeCount) error
}

// TxFetcher is the subset of the RPC adapter a tx worker needs.
type TxFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, address common.Address) ([]byte, error)
}

// ContractArtifacts is the subset of the artifact store a tx worker needs.
type ContractArtifacts interface {
	PutTxContract(txHash, contractAddress []byte) error
	PutContract(contractAddress, code []byte) error
}

// TxWorker runs the claim/fetch/decode/bump loop of spec.md §4.8.
type TxWorker struct {
	store       TxStore
	fetcher     TxFetcher
	artifacts   ContractArtifacts
	idleBackoff time.Duration
	log         log.Logger
}

// NewTxWorker builds a tx worker over the given collaborators.
func NewTxWorker(s TxStore, fetcher TxFetcher, artifacts ContractArtifacts, idleBackoff time.Duration) *TxWorker {
	return &TxWorker{
		store:       s,
		fetcher:     fetcher,
		artifacts:   artifacts,
		idleBackoff: idleBackoff,
		log:         log.New("component", "tx-worker"),
	}
}

// Run loops until ctx is canceled, claiming and analyzing tx tasks.
func (w *TxWorker) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		task, ok, err := w.store.ClaimTx(ctx)
		if err != nil {
			return err
		}
		if !ok {
			w.log.Debug("no tx task, sleeping")
			if !sleep(ctx, w.idleBackoff) {
				return nil
			}
			continue
		}

		if err := w.process(ctx, task); err != nil {
			if isFatal(err) {
				return err
			}
			w.log.Warn("tx processing failed, releasing claim", "tx", task.TxHash, "err", err)
			if relErr := w.store.ReleaseTx(ctx, task.TxHash); relErr != nil {
				return relErr
			}
		}
	}
}

func (w *TxWorker) process(ctx context.Context, task store.TxTask) error {
	receipt, err := w.fetcher.TransactionReceipt(ctx, task.TxHash)
	if err != nil {
		return transportErr(err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		w.log.Info("skip failed creation tx", "tx", task.TxHash)
		return w.finish(ctx, task.TxHash)
	}

	contractAddress := receipt.ContractAddress
	code, err := w.fetcher.CodeAt(ctx, contractAddress)
	if err != nil {
		return transportErr(err)
	}
	if len(code) == 0 {
		w.log.Info("no runtime code deployed", "tx", task.TxHash)
		return w.finish(ctx, task.TxHash)
	}

	w.log.Info("analyzing deployed contract", "tx", task.TxHash, "contract", contractAddress)
	if err := w.artifacts.PutTxContract(task.TxHash.Bytes(), contractAddress.Bytes()); err != nil {
		return storageErr(err)
	}
	if err := w.artifacts.PutContract(contractAddress.Bytes(), code); err != nil {
		return storageErr(err)
	}

	elements := bytecode.Decode(code)
	warnOnInvalidOpcodes(w.log, elements)
	counts := bytecode.CountCode(elements)

	var bumps []store.OpcodeCount
	for opcode, count := range counts {
		if count == 0 {
			continue
		}
		bumps = append(bumps, store.OpcodeCount{Opcode: byte(opcode), Count: count})
	}
	if err := w.store.BumpOpcodeStats(ctx, task.BlockNumber, bumps); err != nil {
		return storageErr(err)
	}

	return w.finish(ctx, task.TxHash)
}

func (w *TxWorker) finish(ctx context.Context, txHash common.Hash) error {
	if err := w.store.FinishTx(ctx, txHash); err != nil {
		return storageErr(err)
	}
	return nil
}

// warnOnInvalidOpcodes logs a warning for each distinct unassigned opcode
// byte found among code elements. This is purely observational; the byte
// is still counted by value either way.
func warnOnInvalidOpcodes(logger log.Logger, elements []bytecode.Element) {
	seen := make(map[byte]bool)
	for _, e := range elements {
		if !e.IsCode || seen[e.Value] {
			continue
		}
		if vm.FromByte(e.Value).IsOtherInvalid() {
			seen[e.Value] = true
			logger.Warn("encountered unassigned opcode", "opcode", e.Value)
		}
	}
}
