// Copyright 2025 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idkgd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
subnet_id = "subnet-9"
replicas = ["a", "b", "c"]
threshold = 2
tick_interval_ms = 10

[malicious]
corrupt_dealings = true
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "subnet-9", cfg.SubnetId)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Replicas)
	assert.Equal(t, 10*time.Millisecond, cfg.TickInterval())
	assert.True(t, cfg.Malicious.CorruptDealings)
	// Untouched fields keep their defaults.
	assert.Equal(t, Default().MetricsAddr, cfg.MetricsAddr)
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idkgd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
replicas = ["a", "b"]
threshold = 3
`), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "threshold")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}
