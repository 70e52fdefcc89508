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
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type fakeBlockStore struct {
	mu       sync.Mutex
	pending  []uint64
	claimed  map[uint64]bool
	finished map[uint64]bool
	txTasks  []appendedTx
}

type appendedTx struct {
	blockNumber uint64
	txIndex     uint64
	hash        common.Hash
}

func newFakeBlockStore(blocks ...uint64) *fakeBlockStore {
	return &fakeBlockStore{pending: blocks, claimed: map[uint64]bool{}, finished: map[uint64]bool{}}
}

func (f *fakeBlockStore) ClaimBlock(ctx context.Context) (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return 0, false, nil
	}
	bn := f.pending[0]
	f.pending = f.pending[1:]
	f.claimed[bn] = true
	return bn, true, nil
}

func (f *fakeBlockStore) FinishBlock(ctx context.Context, blockNumber uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished[blockNumber] = true
	return nil
}

func (f *fakeBlockStore) ReleaseBlock(ctx context.Context, blockNumber uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, blockNumber)
	return nil
}

func (f *fakeBlockStore) AppendTx(ctx context.Context, blockNumber, txIndex uint64, txHash common.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txTasks = append(f.txTasks, appendedTx{blockNumber, txIndex, txHash})
	return nil
}

type fakeBlockFetcher struct {
	blocks map[uint64]*types.Block
}

func (f *fakeBlockFetcher) BlockWithTransactions(ctx context.Context, number uint64) (*types.Block, error) {
	return f.blocks[number], nil
}

type fakeInitCodeWriter struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeInitCodeWriter) PutInitCode(txHash, input []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func buildBlock(number int64, txs []*types.Transaction) *types.Block {
	header := &types.Header{Number: big.NewInt(number)}
	return types.NewBlockWithHeader(header).WithBody(types.Body{Transactions: txs})
}

func creationTx(nonce uint64) *types.Transaction {
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(1),
		Gas:      21000,
		To:       nil,
		Value:    big.NewInt(0),
		Data:     []byte{0x60, 0x01},
	})
}

func callTx(nonce uint64) *types.Transaction {
	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(1),
		Gas:      21000,
		To:       &to,
		Value:    big.NewInt(0),
	})
}

func TestBlockWorkerEnqueuesOnlyCreationTxs(t *testing.T) {
	tx0 := creationTx(0)
	tx1 := callTx(1)
	tx2 := creationTx(2)
	block := buildBlock(100, []*types.Transaction{tx0, tx1, tx2})

	s := newFakeBlockStore(100)
	fetcher := &fakeBlockFetcher{blocks: map[uint64]*types.Block{100: block}}
	initCode := &fakeInitCodeWriter{}

	w := NewBlockWorker(0, s, fetcher, initCode, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(400 * time.Millisecond)
	for {
		s.mu.Lock()
		finished := s.finished[100]
		s.mu.Unlock()
		if finished {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("block was not finished in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.txTasks) != 2 {
		t.Fatalf("expected 2 create-tx tasks, got %d", len(s.txTasks))
	}
	if s.txTasks[0].txIndex != 0 || s.txTasks[0].hash != tx0.Hash() {
		t.Errorf("unexpected first tx task: %+v", s.txTasks[0])
	}
	if s.txTasks[1].txIndex != 2 || s.txTasks[1].hash != tx2.Hash() {
		t.Errorf("unexpected second tx task: %+v", s.txTasks[1])
	}
	if initCode.calls != 2 {
		t.Errorf("init code writes = %d, want 2", initCode.calls)
	}
}
