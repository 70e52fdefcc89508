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

// Package listener runs the single head-tailing component: catch up from
// the last recorded block to the current chain head, then subscribe to
// new heads and enqueue each as it arrives.
package listener

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

// BlockAppender is the subset of *store.Store the listener needs.
type BlockAppender interface {
	AppendBlock(ctx context.Context, blockNumber uint64) error
	LatestRecorded(ctx context.Context, forkHeight uint64) (uint64, error)
}

// HeadSource is the subset of the RPC adapter the listener needs: a block
// height query plus a new-heads subscription.
type HeadSource interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	SubscribeHeads(ctx context.Context) (<-chan *types.Header, ethereum.Subscription, error)
}

// Listener is the catch-up-then-tail component described in spec.md §4.6.
type Listener struct {
	store      BlockAppender
	heads      HeadSource
	forkHeight uint64
	log        log.Logger
}

// New builds a Listener over s (the durable task store) and heads (the
// head-subscribing RPC client), scanning from forkHeight on an empty store.
func New(s BlockAppender, heads HeadSource, forkHeight uint64) *Listener {
	return &Listener{store: s, heads: heads, forkHeight: forkHeight, log: log.New("component", "listener")}
}

// Run catches up to the current head, then tails new heads until ctx is
// canceled. It returns nil on clean shutdown.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.catchUp(ctx); err != nil {
		return err
	}

	l.log.Info("catch up done, listening for new blocks")
	ch, sub, err := l.heads.SubscribeHeads(ctx)
	if err != nil {
		return fmt.Errorf("listener: subscribe heads: %w", err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err != nil {
				return fmt.Errorf("listener: head subscription: %w", err)
			}
			return nil
		case header := <-ch:
			l.log.Info("new block", "number", header.Number.Uint64(), "hash", header.Hash())
			if err := l.store.AppendBlock(ctx, header.Number.Uint64()); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) catchUp(ctx context.Context) error {
	for {
		latestRecorded, err := l.store.LatestRecorded(ctx, l.forkHeight)
		if err != nil {
			return fmt.Errorf("listener: latest recorded: %w", err)
		}
		latest, err := l.heads.LatestBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("listener: latest block number: %w", err)
		}
		l.log.Info("catch up progress", "recorded", latestRecorded, "head", latest)
		if latestRecorded >= latest {
			return nil
		}
		for bn := latestRecorded + 1; bn <= latest; bn++ {
			if err := l.store.AppendBlock(ctx, bn); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
		}
	}
}
