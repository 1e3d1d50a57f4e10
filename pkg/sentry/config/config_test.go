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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ocisandbox/gosentry/pkg/sentry/limits"
)

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(`chunk_size = 4194304`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := &Config{Platform: "ptrace", ChunkSize: 4194304}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("Load(%s) mismatch (-want +got):\n%s", path, diff)
	}
}

func TestLoadOverridesLimits(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `
platform = "ptrace"
precommit = true

[limits]
data = 1048576
stack = 65536
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ls := c.LimitSet()
	if got, want := ls.Get(limits.Data).Cur, uint64(1048576); got != want {
		t.Errorf("Data limit = %d, want %d", got, want)
	}
	if got, want := ls.Get(limits.Stack).Cur, uint64(65536); got != want {
		t.Errorf("Stack limit = %d, want %d", got, want)
	}
	if got, want := ls.Get(limits.AS).Cur, limits.Infinity; got != want {
		t.Errorf("AS limit = %d, want default %d", got, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Load of a missing file: got nil error, want non-nil")
	}
}
