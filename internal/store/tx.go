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
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// TxTask is the payload returned by ClaimTx: enough to fetch the receipt
// and attribute its statistics back to the owning block.
type TxTask struct {
	BlockNumber uint64
	TxIndex     uint64
	TxHash      common.Hash
}

// AppendTx inserts a PENDING tx task. tx_hash is the primary key, so
// re-appending an already-known hash is a no-op.
func (s *Store) AppendTx(ctx context.Context, blockNumber, txIndex uint64, txHash common.Hash) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tx (tx_hash, block_number, tx_index, analyze_state) VALUES (?, ?, ?, ?) ON CONFLICT(tx_hash) DO NOTHING`,
		txHash.Bytes(), int64(blockNumber), int64(txIndex), StatePending)
	if err != nil {
		return fmt.Errorf("store: append tx %s: %w", txHash, err)
	}
	return nil
}

// ClaimTx atomically transitions one PENDING tx task to IN_FLIGHT and
// returns its payload. ok is false when no PENDING tx task exists.
func (s *Store) ClaimTx(ctx context.Context) (task TxTask, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TxTask{}, false, fmt.Errorf("store: claim tx: begin: %w", err)
	}
	defer tx.Rollback()

	var hash []byte
	var blockNumber, txIndex int64
	row := tx.QueryRowContext(ctx,
		`SELECT tx_hash, block_number, tx_index FROM tx WHERE analyze_state = ? LIMIT 1`,
		StatePending)
	if err := row.Scan(&hash, &blockNumber, &txIndex); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TxTask{}, false, nil
		}
		return TxTask{}, false, fmt.Errorf("store: claim tx: select: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tx SET analyze_state = ? WHERE tx_hash = ? AND analyze_state = ?`,
		StateInFlight, hash, StatePending); err != nil {
		return TxTask{}, false, fmt.Errorf("store: claim tx: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return TxTask{}, false, fmt.Errorf("store: claim tx: commit: %w", err)
	}
	return TxTask{
		BlockNumber: uint64(blockNumber),
		TxIndex:     uint64(txIndex),
		TxHash:      common.BytesToHash(hash),
	}, true, nil
}

// FinishTx transitions txHash from IN_FLIGHT to DONE, and must affect
// exactly one row.
func (s *Store) FinishTx(ctx context.Context, txHash common.Hash) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tx SET analyze_state = ? WHERE tx_hash = ? AND analyze_state = ?`,
		StateDone, txHash.Bytes(), StateInFlight)
	if err != nil {
		return fmt.Errorf("store: finish tx %s: %w", txHash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: finish tx %s: rows affected: %w", txHash, err)
	}
	if n != 1 {
		return fmt.Errorf("store: finish tx %s: expected to affect 1 row, affected %d", txHash, n)
	}
	return nil
}

// ReleaseTx reverts txHash from IN_FLIGHT back to PENDING, mirroring
// ReleaseBlock for the tx queue.
func (s *Store) ReleaseTx(ctx context.Context, txHash common.Hash) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tx SET analyze_state = ? WHERE tx_hash = ? AND analyze_state = ?`,
		StatePending, txHash.Bytes(), StateInFlight)
	if err != nil {
		return fmt.Errorf("store: release tx %s: %w", txHash, err)
	}
	return nil
}
