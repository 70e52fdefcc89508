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
)

// AppendBlock inserts a PENDING block task for blockNumber. Re-inserting an
// already-known block number is a no-op: uniqueness is enforced by the
// block_number primary key and conflicts are ignored.
func (s *Store) AppendBlock(ctx context.Context, blockNumber uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO block (block_number, fetch_state) VALUES (?, ?) ON CONFLICT(block_number) DO NOTHING`,
		int64(blockNumber), StatePending)
	if err != nil {
		return fmt.Errorf("store: append block %d: %w", blockNumber, err)
	}
	return nil
}

// LatestRecorded returns the largest block_number with any row in the table,
// or forkHeight-1 when the table is empty, establishing the resume point
// for the head listener's catch-up loop.
func (s *Store) LatestRecorded(ctx context.Context, forkHeight uint64) (uint64, error) {
	var n sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(block_number) FROM block`)
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: latest recorded block: %w", err)
	}
	if !n.Valid {
		return forkHeight - 1, nil
	}
	return uint64(n.Int64), nil
}

// ClaimBlock atomically transitions the lowest-numbered PENDING block to
// IN_FLIGHT and returns its number. It reports ok=false when no PENDING
// block task exists. The single-writer connection pool (see Store.Open)
// makes the select-then-update pair observably atomic: no other goroutine
// can claim the same row between the two statements.
func (s *Store) ClaimBlock(ctx context.Context) (blockNumber uint64, ok bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("store: claim block: begin: %w", err)
	}
	defer tx.Rollback()

	var n int64
	row := tx.QueryRowContext(ctx,
		`SELECT block_number FROM block WHERE fetch_state = ? ORDER BY block_number ASC LIMIT 1`,
		StatePending)
	if err := row.Scan(&n); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("store: claim block: select: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE block SET fetch_state = ? WHERE block_number = ? AND fetch_state = ?`,
		StateInFlight, n, StatePending); err != nil {
		return 0, false, fmt.Errorf("store: claim block: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("store: claim block: commit: %w", err)
	}
	return uint64(n), true, nil
}

// FinishBlock transitions blockNumber from IN_FLIGHT to DONE. It is an
// error for the transition to affect anything other than exactly one row,
// since that would indicate a task was claimed twice or never claimed.
func (s *Store) FinishBlock(ctx context.Context, blockNumber uint64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE block SET fetch_state = ? WHERE block_number = ? AND fetch_state = ?`,
		StateDone, int64(blockNumber), StateInFlight)
	if err != nil {
		return fmt.Errorf("store: finish block %d: %w", blockNumber, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: finish block %d: rows affected: %w", blockNumber, err)
	}
	if n != 1 {
		return fmt.Errorf("store: finish block %d: expected to affect 1 row, affected %d", blockNumber, n)
	}
	return nil
}

// ReleaseBlock reverts blockNumber from IN_FLIGHT back to PENDING. Workers
// call this on a recoverable transport error instead of crashing, so the
// claim is not lost to a single failed iteration. Storage errors are not
// released here: the worker returns them as fatal, and the startup
// ResetInFlight sweep makes the task claimable again.
func (s *Store) ReleaseBlock(ctx context.Context, blockNumber uint64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE block SET fetch_state = ? WHERE block_number = ? AND fetch_state = ?`,
		StatePending, int64(blockNumber), StateInFlight)
	if err != nil {
		return fmt.Errorf("store: release block %d: %w", blockNumber, err)
	}
	return nil
}
