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

// Package artifact is an append-only, idempotent-overwrite keyed store for
// the raw bytes the pipeline pulls off the chain: init code, the contract
// address a creation tx deployed to, and deployed runtime code. It has no
// transactional relationship with the task store; re-processing a tx task
// simply overwrites these entries with identical bytes.
package artifact

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Namespace is a logical partition of the store, implemented as a
// one-byte key prefix over a single shared Pebble instance — cheaper than
// opening one Pebble database per namespace for a small, fixed set of
// trees known up front.
type Namespace byte

const (
	NamespaceInitCode Namespace = iota
	NamespaceTxContract
	NamespaceContract
)

// Store is the artifact store: three named trees backed by one Pebble
// instance, following the key-prefixing convention go-ethereum's ethdb
// table wrapper uses over a single LevelDB/Pebble handle.
type Store struct {
	db *pebble.DB
}

// Open opens (creating if absent) a Pebble database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("artifact: open %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying Pebble handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func namespacedKey(ns Namespace, key []byte) []byte {
	out := make([]byte, 1+len(key))
	out[0] = byte(ns)
	copy(out[1:], key)
	return out
}

// Put idempotently overwrites key within ns with value. Last writer wins.
func (s *Store) Put(ns Namespace, key, value []byte) error {
	if err := s.db.Set(namespacedKey(ns, key), value, pebble.Sync); err != nil {
		return fmt.Errorf("artifact: put ns=%d: %w", ns, err)
	}
	return nil
}

// Get returns the value stored at key within ns, and whether it exists.
func (s *Store) Get(ns Namespace, key []byte) ([]byte, bool, error) {
	v, closer, err := s.db.Get(namespacedKey(ns, key))
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("artifact: get ns=%d: %w", ns, err)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// PutInitCode records the raw input bytes of a contract-creation tx.
func (s *Store) PutInitCode(txHash, input []byte) error {
	return s.Put(NamespaceInitCode, txHash, input)
}

// PutTxContract records the contract address a creation tx deployed to.
func (s *Store) PutTxContract(txHash, contractAddress []byte) error {
	return s.Put(NamespaceTxContract, txHash, contractAddress)
}

// PutContract records the deployed runtime bytecode for a contract address.
func (s *Store) PutContract(contractAddress, code []byte) error {
	return s.Put(NamespaceContract, contractAddress, code)
}
