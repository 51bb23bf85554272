/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config holds one typed struct per daemon, loaded from a YAML
// file via sigs.k8s.io/yaml and overridable by pflag flags, covering
// spec.md §6's options table plus the store/Docker connection settings
// the ambient stack needs.
package config

import (
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// StoreConfig describes how to reach the shared etcd-backed Store.
type StoreConfig struct {
	Endpoints   []string      `json:"endpoints"`
	DialTimeout time.Duration `json:"dial_timeout"`
	Username    string        `json:"username,omitempty"`
	Password    string        `json:"password,omitempty"`
}

func (c *StoreConfig) setDefaults() {
	if len(c.Endpoints) == 0 {
		c.Endpoints = []string{"127.0.0.1:2379"}
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
}

// SchedulerConfig is cmd/scheduler's configuration.
type SchedulerConfig struct {
	Store              StoreConfig   `json:"store"`
	HeartbeatThreshold time.Duration `json:"heartbeat_threshold"`
	ReconcileInterval  time.Duration `json:"scheduler.reconcile_interval"`
	MaxCASAttempts     int           `json:"max_cas_attempts"`
	Workers            int           `json:"workers"`
	LeaderLeaseSeconds int           `json:"leader_lease_seconds"`
	MetricsAddr        string        `json:"metrics_addr"`
	Debug              bool          `json:"debug"`
}

func (c *SchedulerConfig) setDefaults() {
	c.Store.setDefaults()
	if c.HeartbeatThreshold <= 0 {
		c.HeartbeatThreshold = 10 * time.Second
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.MaxCASAttempts <= 0 {
		c.MaxCASAttempts = 5
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.LeaderLeaseSeconds <= 0 {
		c.LeaderLeaseSeconds = 15
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

// NodeAgentConfig is cmd/node-agent's configuration, mirroring spec.md
// §6's node./cache./heartbeat./health./download. option groups.
type NodeAgentConfig struct {
	Store StoreConfig `json:"store"`

	NodeID  string `json:"node.id"`
	Address string `json:"node.address"`

	CacheRoot         string        `json:"cache.root"`
	CacheScanInterval time.Duration `json:"cache.scan_interval"`
	DiskWarningPct    float64       `json:"cache.disk_warning_pct"`
	DiskCriticalPct   float64       `json:"cache.disk_critical_pct"`

	HeartbeatInterval time.Duration `json:"heartbeat.interval"`
	HeartbeatTTL      time.Duration `json:"heartbeat.ttl"`

	HealthFailThreshold int           `json:"health.fail_threshold"`
	HealthCooldown      time.Duration `json:"health.cooldown"`
	GracefulStopTimeout time.Duration `json:"health.graceful_stop_timeout"`

	DownloadTimeout time.Duration `json:"download.timeout_per_file"`

	DockerHost  string `json:"docker.host"`
	PortBase    int    `json:"node.port_base"`
	Workers     int    `json:"workers"`
	MetricsAddr string `json:"metrics_addr"`
	Debug       bool   `json:"debug"`
}

func (c *NodeAgentConfig) setDefaults() {
	c.Store.setDefaults()
	if c.CacheRoot == "" {
		c.CacheRoot = "/var/lib/fleet-controlplane/cache"
	}
	if c.CacheScanInterval <= 0 {
		c.CacheScanInterval = 60 * time.Second
	}
	if c.DiskWarningPct <= 0 {
		c.DiskWarningPct = 0.85
	}
	if c.DiskCriticalPct <= 0 {
		c.DiskCriticalPct = 0.95
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 3 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 10 * time.Second
	}
	if c.HealthFailThreshold <= 0 {
		c.HealthFailThreshold = 3
	}
	if c.HealthCooldown <= 0 {
		c.HealthCooldown = 15 * time.Second
	}
	if c.GracefulStopTimeout <= 0 {
		c.GracefulStopTimeout = 30 * time.Second
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 2 * time.Hour
	}
	if c.PortBase <= 0 {
		c.PortBase = 9000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

// RouterConfig is cmd/router's configuration.
type RouterConfig struct {
	Store StoreConfig `json:"store"`

	ListenAddr         string        `json:"listen_addr"`
	Strategy           string        `json:"router.strategy"`
	OverloadKvThreshold float64      `json:"router.overload_kv_threshold"`
	StaleAfter         time.Duration `json:"router.stale_after"`
	DrainGracePeriod   time.Duration `json:"router.drain_grace_period"`
	MetricsAddr        string        `json:"metrics_addr"`
	Debug              bool          `json:"debug"`
}

func (c *RouterConfig) setDefaults() {
	c.Store.setDefaults()
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}
	if c.Strategy == "" {
		c.Strategy = "least_pending"
	}
	if c.OverloadKvThreshold <= 0 {
		c.OverloadKvThreshold = 0.95
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 9 * time.Second
	}
	if c.DrainGracePeriod <= 0 {
		c.DrainGracePeriod = 30 * time.Second
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
}

// FleetctlConfig is cmd/fleetctl's configuration: just enough to dial the
// Store, since every other fleetctl subcommand operates directly on it.
type FleetctlConfig struct {
	Store StoreConfig `json:"store"`
	Debug bool        `json:"debug"`
}

func (c *FleetctlConfig) setDefaults() {
	c.Store.setDefaults()
}

// defaultable is implemented by every *Config type above.
type defaultable interface {
	setDefaults()
}

// Load reads path (if non-empty and it exists) as YAML into cfg, then
// applies cfg's defaults for any field left at its zero value. Flags are
// applied by the caller after Load: cmd/*'s main.go binds them to local
// variables and copies each onto cfg only when it was set on the command
// line, so Load never touches os.Args itself.
func Load(path string, cfg defaultable) error {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return err
		}
	}
	cfg.setDefaults()
	return nil
}
