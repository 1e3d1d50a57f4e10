// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the on-disk settings a sandbox supervisor needs
// before it can construct a MemoryManager: resource limits, the physical
// store's chunk size, and whether pages should be precommitted eagerly.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/ocisandbox/gosentry/pkg/sentry/limits"
)

// Limits mirrors limits.LimitSet in a form toml can decode directly; zero
// fields in the file fall back to limits.NewLimitSet's defaults.
type Limits struct {
	AS           uint64 `toml:"address_space"`
	Data         uint64 `toml:"data"`
	Stack        uint64 `toml:"stack"`
	MemoryLocked uint64 `toml:"memory_locked"`
}

// Config is the top-level shape of a sandbox's config.toml.
type Config struct {
	// Platform names the address-space driver to construct; only "ptrace"
	// exists today.
	Platform string `toml:"platform"`

	// ChunkSize overrides the physical store's mmap chunk size in bytes.
	// Zero means use the store's own default.
	ChunkSize uint64 `toml:"chunk_size"`

	// Precommit requests that newly installed mappings be populated
	// immediately rather than left to fault in on first access.
	Precommit bool `toml:"precommit"`

	Limits Limits `toml:"limits"`
}

// Load parses the TOML file at path into a Config. A missing platform
// defaults to "ptrace"; other missing fields are left at their zero value,
// and LimitSet combines the limits with limits.NewLimitSet() for anything
// unset.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if c.Platform == "" {
		c.Platform = "ptrace"
	}
	return &c, nil
}

// LimitSet builds a limits.LimitSet from c, keeping limits.NewLimitSet's
// defaults for any field left at zero in the file.
func (c *Config) LimitSet() *limits.LimitSet {
	ls := limits.NewLimitSet()
	if c.Limits.AS != 0 {
		ls.Set(limits.AS, limits.Limit{Cur: c.Limits.AS, Max: c.Limits.AS})
	}
	if c.Limits.Data != 0 {
		ls.Set(limits.Data, limits.Limit{Cur: c.Limits.Data, Max: c.Limits.Data})
	}
	if c.Limits.Stack != 0 {
		ls.Set(limits.Stack, limits.Limit{Cur: c.Limits.Stack, Max: c.Limits.Stack})
	}
	if c.Limits.MemoryLocked != 0 {
		ls.Set(limits.MemoryLocked, limits.Limit{Cur: c.Limits.MemoryLocked, Max: c.Limits.MemoryLocked})
	}
	return ls
}
