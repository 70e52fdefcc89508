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

// Package opcodescancfg holds the runtime configuration surface: every
// field spec.md §6 enumerates, sourced from environment variables or CLI
// flags with the same defaults the original project hard-coded.
package opcodescancfg

import (
	"fmt"
	"time"
)

// ShanghaiFork is the default FORK_HEIGHT: the Shanghai activation block,
// chosen because it's the first block PUSH0 can legally appear in.
const ShanghaiFork = 17_034_870

// Config is the fully resolved set of knobs the orchestrator needs.
type Config struct {
	ForkHeight uint64

	WSURL   string
	HTTPURL string

	DBPath       string
	ArtifactPath string

	BlockWorkers uint
	TxWorkers    uint

	IdleBackoff time.Duration

	// Verbosity follows geth's convention: 0=crit, 1=error, 2=warn,
	// 3=info, 4=debug, 5=trace.
	Verbosity int
	Vmodule   string
}

// Default returns the reference configuration from spec.md §6/§5.
func Default() Config {
	return Config{
		ForkHeight:   ShanghaiFork,
		WSURL:        "ws://localhost:8545",
		HTTPURL:      "http://localhost:8545",
		DBPath:       "sqlite://statistics.sqlite",
		ArtifactPath: "data",
		BlockWorkers: 10,
		TxWorkers:    1,
		IdleBackoff:  15 * time.Second,
		Verbosity:    3,
	}
}

// Validate rejects configurations that cannot possibly make progress.
func (c Config) Validate() error {
	if c.BlockWorkers < 1 {
		return fmt.Errorf("config: BLOCK_WORKERS must be >= 1, got %d", c.BlockWorkers)
	}
	if c.TxWorkers < 1 {
		return fmt.Errorf("config: TX_WORKERS must be >= 1, got %d", c.TxWorkers)
	}
	if c.WSURL == "" {
		return fmt.Errorf("config: WS_URL must not be empty")
	}
	if c.HTTPURL == "" {
		return fmt.Errorf("config: HTTP_URL must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: DB_PATH must not be empty")
	}
	if c.ArtifactPath == "" {
		return fmt.Errorf("config: ARTIFACT_PATH must not be empty")
	}
	return nil
}
