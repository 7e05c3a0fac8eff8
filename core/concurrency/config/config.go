// Package config loads the runtime feature flags that select the
// transaction core's execution strategy. The original system compiled one
// binary per mode (DB_TYPE_SHARE_NOTHING, DB_TYPE_GEO_REP_OPTIMIZE,
// DB_TYPE_NON_DETERMINISTIC); spec.md §9 redesigns this as one binary with
// runtime configuration, loaded the way the teacher loads its own yaml
// config (pkg/logger.Config, pkg/telemetry.Config).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the set of feature flags and tunables spec.md §6 lists under
// "Configuration".
type Config struct {
	// ShareNothing enables the two-phase commit path for distributed
	// transactions; when false, every transaction commits with the
	// one-phase protocol regardless of how many shards it touches.
	ShareNothing bool `yaml:"share_nothing"`
	// GeoRepOptimize enables dependency-edge tracking and violable locks
	// for early lock release ahead of WAL durability.
	GeoRepOptimize bool `yaml:"geo_rep_optimize"`
	// Deterministic routes transactions through the Calvin sequencer and
	// scheduler instead of the per-transaction strand driver.
	Deterministic bool `yaml:"deterministic"`

	TxTimeoutMS            int `yaml:"tx_timeout_ms"`
	DeadlockScanIntervalMS int `yaml:"deadlock_scan_interval_ms"`

	WAL    WALConfig    `yaml:"wal"`
	Log    LogConfig    `yaml:"log"`
	Listen ListenConfig `yaml:"listen"`
}

// WALConfig configures the on-disk write-ahead log.
type WALConfig struct {
	Dir              string `yaml:"dir"`
	ArchiveDir       string `yaml:"archive_dir"`
	BufferSizeBytes  int    `yaml:"buffer_size_bytes"`
	SegmentSizeBytes int64  `yaml:"segment_size_bytes"`
}

// LogConfig configures structured logging, grounded on pkg/logger.Config.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputFile string `yaml:"output_file"`
}

// ListenConfig configures the node's inbound RPC address and the set of
// peer addresses it knows about, needed by the coordinator and the DSB
// client since shard/peer placement is explicitly out of this module's
// scope (spec.md §1) and must come from configuration instead.
type ListenConfig struct {
	Address string            `yaml:"address"`
	Peers   map[string]string `yaml:"peers"` // node id -> address
}

// Default returns the configuration the original system's non-distributed,
// non-deterministic compile-time mode corresponds to.
func Default() Config {
	return Config{
		ShareNothing:           false,
		GeoRepOptimize:         false,
		Deterministic:          false,
		TxTimeoutMS:            5000,
		DeadlockScanIntervalMS: 250,
		WAL: WALConfig{
			Dir:              "data/wal",
			ArchiveDir:       "data/wal/archive",
			BufferSizeBytes:  1 << 20,
			SegmentSizeBytes: 64 << 20,
		},
		Log: LogConfig{Level: "info", Format: "json", OutputFile: "stdout"},
	}
}

// TxTimeout is the configured per-transaction timeout as a time.Duration.
func (c Config) TxTimeout() time.Duration {
	return time.Duration(c.TxTimeoutMS) * time.Millisecond
}

// DeadlockScanInterval is the configured detector scan period.
func (c Config) DeadlockScanInterval() time.Duration {
	return time.Duration(c.DeadlockScanIntervalMS) * time.Millisecond
}

// Load reads and parses a yaml config file, filling unset fields from
// Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects a configuration spec.md's Design Notes call out as
// contradictory: the deterministic path and the non-deterministic 2PC path
// are mutually exclusive execution strategies (spec.md §9's "three
// mutually exclusive modes").
func (c Config) Validate() error {
	if c.Deterministic && c.ShareNothing {
		return fmt.Errorf("deterministic and share_nothing cannot both be enabled: they select different execution strategies")
	}
	if c.TxTimeoutMS <= 0 {
		return fmt.Errorf("tx_timeout_ms must be positive, got %d", c.TxTimeoutMS)
	}
	if c.DeadlockScanIntervalMS <= 0 {
		return fmt.Errorf("deadlock_scan_interval_ms must be positive, got %d", c.DeadlockScanIntervalMS)
	}
	return nil
}
