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

// Package config holds the daemon configuration. The consensus core itself
// is configuration-free; everything here parameterizes the surrounding
// process (simulation shape, metrics endpoint, tick cadence).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

type MaliciousConfig struct {
	CorruptDealings  bool `toml:"corrupt_dealings"`
	WithholdDealings bool `toml:"withhold_dealings"`
}

type Config struct {
	SubnetId string   `toml:"subnet_id"`
	Replicas []string `toml:"replicas"`
	// Threshold is the reconstruction threshold used for simulated configs.
	Threshold int `toml:"threshold"`
	// TickIntervalMs is the driver cadence in milliseconds.
	TickIntervalMs int    `toml:"tick_interval_ms"`
	MetricsAddr    string `toml:"metrics_addr"`
	LogJson        bool   `toml:"log_json"`

	Malicious MaliciousConfig `toml:"malicious"`
}

func Default() *Config {
	return &Config{
		SubnetId:       "subnet-1",
		Replicas:       []string{"node-1", "node-2", "node-3", "node-4"},
		Threshold:      2,
		TickIntervalMs: 50,
		MetricsAddr:    "localhost:6067",
	}
}

func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMs) * time.Millisecond
}

func (c *Config) Validate() error {
	if len(c.Replicas) == 0 {
		return fmt.Errorf("config: no replicas")
	}
	if c.Threshold < 1 || c.Threshold > len(c.Replicas) {
		return fmt.Errorf("config: threshold %d out of range for %d replicas", c.Threshold, len(c.Replicas))
	}
	if c.TickIntervalMs <= 0 {
		return fmt.Errorf("config: tick_interval_ms must be positive")
	}
	return nil
}

// Load reads a TOML config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
