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
	"fmt"
)

// OpcodeCount is one non-zero histogram bucket for a single block.
type OpcodeCount struct {
	Opcode byte
	Count  uint64
}

// BumpOpcodeStats upserts-adds every entry in counts for blockNumber inside
// a single transaction, so a tx worker's contribution to the block's
// statistics is all-or-nothing. Re-applying the same counts (e.g. after a
// crash between commit and the tx task's DONE transition) double-counts by
// design: see the at-least-once propagation policy.
func (s *Store) BumpOpcodeStats(ctx context.Context, blockNumber uint64, counts []OpcodeCount) error {
	if len(counts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: bump opcode stats: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO opcode_statistics (block_number, opcode, count) VALUES (?, ?, ?)
		ON CONFLICT(block_number, opcode) DO UPDATE SET count = count + excluded.count`)
	if err != nil {
		return fmt.Errorf("store: bump opcode stats: prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range counts {
		if _, err := stmt.ExecContext(ctx, int64(blockNumber), int64(c.Opcode), int64(c.Count)); err != nil {
			return fmt.Errorf("store: bump opcode stats: block %d opcode 0x%x: %w", blockNumber, c.Opcode, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: bump opcode stats: commit: %w", err)
	}
	return nil
}

// OpcodeStatsForBlock returns the current per-opcode counts for
// blockNumber, used by tests to assert commutativity and the at-least-once
// double count.
func (s *Store) OpcodeStatsForBlock(ctx context.Context, blockNumber uint64) (map[byte]uint64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT opcode, count FROM opcode_statistics WHERE block_number = ?`, int64(blockNumber))
	if err != nil {
		return nil, fmt.Errorf("store: opcode stats for block %d: %w", blockNumber, err)
	}
	defer rows.Close()

	out := make(map[byte]uint64)
	for rows.Next() {
		var opcode, count int64
		if err := rows.Scan(&opcode, &count); err != nil {
			return nil, fmt.Errorf("store: opcode stats for block %d: scan: %w", blockNumber, err)
		}
		out[byte(opcode)] = uint64(count)
	}
	return out, rows.Err()
}
