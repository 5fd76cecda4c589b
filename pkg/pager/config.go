// Copyright 2023 Intel Corporation. All Rights Reserved.
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

package pager

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	"github.com/intel/ssi-pager/pkg/transport"
)

// Config is the startup configuration the monitor (or pagerd) hands to the
// pager.
type Config struct {
	// NodeID is this node's cluster-unique 32-bit identifier.
	NodeID uint32 `json:"nodeId"`
	// TotalNodes is the cluster size at startup.
	TotalNodes uint32 `json:"totalNodes"`
	// CoordinatorURL is the base URL of the coordinator service.
	CoordinatorURL string `json:"coordinatorUrl"`
	// PortRange is the listener port range for the standard transport.
	PortRange transport.PortRange `json:"-"`
	// AdvertiseAddr overrides the autodetected transport address.
	AdvertiseAddr string `json:"advertiseAddr,omitempty"`

	// Workers is the number of resolver workers consuming fault events.
	Workers int `json:"workers,omitempty"`
	// MaxFaultRetries bounds transport retries per fault event before the
	// guest is terminated.
	MaxFaultRetries int `json:"maxFaultRetries,omitempty"`
	// StatsRingSize bounds per-worker sample retention.
	StatsRingSize int `json:"statsRingSize,omitempty"`

	// Migration configures the optional heat-driven page migration policy.
	Migration MigrationConfig `json:"migration,omitempty"`
}

// MigrationConfig drives the background migration policy. Disabled by
// default; the thresholds are deployment-specific.
type MigrationConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	// MinHits is the serve-hit count from a single peer that makes a page
	// hot enough to move there.
	MinHits int `json:"minHits,omitempty"`
	// Window is the sliding window the hits must fall into.
	Window time.Duration `json:"-"`
	// Interval is the policy scan period.
	Interval time.Duration `json:"-"`
}

// Defaults for the optional knobs.
const (
	DefaultWorkers         = 2
	DefaultMaxFaultRetries = 3

	DefaultMigrationMinHits  = 8
	DefaultMigrationWindow   = 10 * time.Second
	DefaultMigrationInterval = time.Second
)

// withDefaults fills the zero-valued optional fields.
func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.MaxFaultRetries <= 0 {
		c.MaxFaultRetries = DefaultMaxFaultRetries
	}
	if c.PortRange.First == 0 {
		c.PortRange = transport.DefaultPortRange
	}
	if c.Migration.MinHits <= 0 {
		c.Migration.MinHits = DefaultMigrationMinHits
	}
	if c.Migration.Window <= 0 {
		c.Migration.Window = DefaultMigrationWindow
	}
	if c.Migration.Interval <= 0 {
		c.Migration.Interval = DefaultMigrationInterval
	}
	return c
}

// validate rejects configurations the pager cannot run with.
func (c Config) validate() error {
	if c.TotalNodes == 0 {
		return errors.New("config: total node count is zero")
	}
	if c.NodeID >= c.TotalNodes {
		return errors.Errorf("config: node id %d outside cluster of %d nodes", c.NodeID, c.TotalNodes)
	}
	if c.TotalNodes > 1 && c.CoordinatorURL == "" {
		return errors.New("config: no coordinator URL for a multi-node cluster")
	}
	return nil
}

// LoadConfig reads a YAML config file into cfg, overriding only the fields
// the file sets.
func LoadConfig(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "reading config file %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return errors.Wrapf(err, "parsing config file %s", path)
	}
	return nil
}
