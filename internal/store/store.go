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

// Package store implements the durable task queues (block tasks, tx tasks)
// and the opcode statistics table over an embedded single-writer SQLite
// database. It is the crash-resumable heart of the pipeline: every claim,
// completion, and statistics bump is a transactional SQL statement so a
// worker that dies mid-task leaves the database in a recoverable state.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"net/url"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ethereum/go-ethereum/log"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// State is the lifecycle state of a block or tx task.
type State int

const (
	StatePending State = iota
	StateInFlight
	StateDone
)

// Store wraps a single-writer SQLite connection pool configured with WAL
// journaling and synchronous=NORMAL, matching the durability/throughput
// tradeoff the spec calls for.
type Store struct {
	db  *sql.DB
	log log.Logger
}

// Open parses dsn (a "sqlite://path/to/file.db" URL, matching the original
// project's DSN-style DB_PATH config) into a filesystem path, opens a
// single-connection pool against it, applies WAL/NORMAL pragmas, and runs
// embedded schema migrations.
func Open(dsn string) (*Store, error) {
	path, err := dsnToPath(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: invalid dsn %q: %w", dsn, err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// A single writer connection makes the claim select-then-update pair
	// atomic without needing SQLite's BEGIN IMMEDIATE locking dance: no
	// other goroutine can interleave a write between the SELECT and the
	// UPDATE if there is only ever one connection doing either.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: log.New("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func dsnToPath(dsn string) (string, error) {
	if !strings.Contains(dsn, "://") {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if u.Scheme != "sqlite" {
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return u.Opaque + u.Host + u.Path, nil
}

func (s *Store) migrate() error {
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("store: migration setup: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ResetInFlight reverts every IN_FLIGHT block and tx task back to PENDING.
// It must be called once at startup, before any worker begins claiming,
// so tasks an earlier process crashed while holding become claimable again.
func (s *Store) ResetInFlight() error {
	if _, err := s.db.Exec(`UPDATE block SET fetch_state = ? WHERE fetch_state = ?`, StatePending, StateInFlight); err != nil {
		return fmt.Errorf("store: reset in-flight blocks: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE tx SET analyze_state = ? WHERE analyze_state = ?`, StatePending, StateInFlight); err != nil {
		return fmt.Errorf("store: reset in-flight txs: %w", err)
	}
	return nil
}
