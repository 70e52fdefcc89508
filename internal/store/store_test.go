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

package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "opcodescan.sqlite")
	s, err := Open("sqlite://" + path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestAppendBlockIsIdempotent covers property 4.
func TestAppendBlockIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.AppendBlock(ctx, 100); err != nil {
			t.Fatalf("append block: %v", err)
		}
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM block WHERE block_number = 100`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one row, got %d", count)
	}
}

func TestAppendTxIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	hash := common.HexToHash("0xdead")

	for i := 0; i < 3; i++ {
		if err := s.AppendTx(ctx, 1, 0, hash); err != nil {
			t.Fatalf("append tx: %v", err)
		}
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tx WHERE tx_hash = ?`, hash.Bytes()).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly one row, got %d", count)
	}
}

// TestLatestRecordedDefaultsToForkHeight checks the empty-table fallback.
func TestLatestRecordedDefaultsToForkHeight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	got, err := s.LatestRecorded(ctx, 17_034_870)
	if err != nil {
		t.Fatalf("latest recorded: %v", err)
	}
	if got != 17_034_869 {
		t.Errorf("latest recorded = %d, want %d", got, 17_034_869)
	}

	if err := s.AppendBlock(ctx, 17_034_900); err != nil {
		t.Fatalf("append: %v", err)
	}
	got, err = s.LatestRecorded(ctx, 17_034_870)
	if err != nil {
		t.Fatalf("latest recorded: %v", err)
	}
	if got != 17_034_900 {
		t.Errorf("latest recorded = %d, want %d", got, 17_034_900)
	}
}

// TestClaimBlockExclusive covers property 5 and scenario S6: concurrent
// claimers never observe the same task, and every task is eventually
// claimed exactly once.
func TestClaimBlockExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 10
	for i := uint64(1); i <= n; i++ {
		if err := s.AppendBlock(ctx, i); err != nil {
			t.Fatalf("append block %d: %v", i, err)
		}
	}

	var mu sync.Mutex
	claimed := make(map[uint64]int)
	var wg sync.WaitGroup
	const workers = 4
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for {
				bn, ok, err := s.ClaimBlock(ctx)
				if err != nil {
					t.Errorf("claim block: %v", err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				claimed[bn]++
				mu.Unlock()
				if err := s.FinishBlock(ctx, bn); err != nil {
					t.Errorf("finish block %d: %v", bn, err)
				}
			}
		}()
	}
	wg.Wait()

	if len(claimed) != n {
		t.Fatalf("claimed %d distinct blocks, want %d", len(claimed), n)
	}
	for bn, c := range claimed {
		if c != 1 {
			t.Errorf("block %d claimed %d times, want 1", bn, c)
		}
	}
}

// TestRecoveryMakesInFlightTaskClaimableAgain covers property 6: a block
// left IN_FLIGHT by a crashed worker becomes PENDING again after
// ResetInFlight, with its identity preserved.
func TestRecoveryMakesInFlightTaskClaimableAgain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendBlock(ctx, 42); err != nil {
		t.Fatalf("append: %v", err)
	}
	bn, ok, err := s.ClaimBlock(ctx)
	if err != nil || !ok {
		t.Fatalf("claim: bn=%d ok=%v err=%v", bn, ok, err)
	}
	// Simulate a crash: the worker never calls FinishBlock.

	if err := s.ResetInFlight(); err != nil {
		t.Fatalf("reset in-flight: %v", err)
	}

	bn2, ok, err := s.ClaimBlock(ctx)
	if err != nil || !ok {
		t.Fatalf("re-claim after recovery: bn=%d ok=%v err=%v", bn2, ok, err)
	}
	if bn2 != 42 {
		t.Errorf("recovered task = %d, want 42", bn2)
	}
}

// TestFinishBlockRequiresInFlight ensures FinishBlock only succeeds from
// the expected prior state.
func TestFinishBlockRequiresInFlight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.AppendBlock(ctx, 7); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.FinishBlock(ctx, 7); err == nil {
		t.Fatalf("finishing a PENDING block should fail")
	}
}

// TestOpcodeStatsCommutative covers property 7: applying the same set of
// bumps in different orders yields identical final totals.
func TestOpcodeStatsCommutative(t *testing.T) {
	ctx := context.Background()
	batchA := []OpcodeCount{{Opcode: 0x01, Count: 3}, {Opcode: 0x60, Count: 5}}
	batchB := []OpcodeCount{{Opcode: 0x60, Count: 2}, {Opcode: 0x00, Count: 1}}

	run := func(order [][]OpcodeCount) map[byte]uint64 {
		s := openTestStore(t)
		for _, batch := range order {
			if err := s.BumpOpcodeStats(ctx, 1, batch); err != nil {
				t.Fatalf("bump: %v", err)
			}
		}
		got, err := s.OpcodeStatsForBlock(ctx, 1)
		if err != nil {
			t.Fatalf("stats: %v", err)
		}
		return got
	}

	forward := run([][]OpcodeCount{batchA, batchB})
	reverse := run([][]OpcodeCount{batchB, batchA})

	if len(forward) != len(reverse) {
		t.Fatalf("forward=%v reverse=%v differ in size", forward, reverse)
	}
	for k, v := range forward {
		if reverse[k] != v {
			t.Errorf("opcode 0x%x: forward=%d reverse=%d", k, v, reverse[k])
		}
	}
}

// TestAtLeastOnceDoubleCounts pins down property 8: re-applying a tx's
// contribution (simulating a crash between commit and DONE) doubles the
// recorded count. This is accepted behavior, not a bug.
func TestAtLeastOnceDoubleCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	batch := []OpcodeCount{{Opcode: 0x01, Count: 4}}

	if err := s.BumpOpcodeStats(ctx, 9, batch); err != nil {
		t.Fatalf("first bump: %v", err)
	}
	if err := s.BumpOpcodeStats(ctx, 9, batch); err != nil {
		t.Fatalf("second bump: %v", err)
	}

	got, err := s.OpcodeStatsForBlock(ctx, 9)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got[0x01] != 8 {
		t.Errorf("count after double-apply = %d, want 8", got[0x01])
	}
}
