// Package config loads store and tool settings from a YAML file.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/freeeve/lsmkv"
	"github.com/freeeve/lsmkv/internal/logx"
)

// Config is the root of the YAML document.
type Config struct {
	Dir    string       `yaml:"dir"`
	Logger LoggerConfig `yaml:"logger"`
	Store  StoreConfig  `yaml:"store"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type StoreConfig struct {
	FlushThresholdBytes int64   `yaml:"flush_threshold"`
	CacheSizeBytes      int64   `yaml:"cache_size"`
	BloomFPRate         float64 `yaml:"bloom_fp_rate"`
	DisableBloomFilter  bool    `yaml:"disable_bloom_filter"`
	WALSync             string  `yaml:"wal_sync"` // none, batch, write
	DisableWAL          bool    `yaml:"disable_wal"`
	DropTombstones      bool    `yaml:"drop_tombstones_on_compact"`
	CompactionTrigger   int     `yaml:"compaction_trigger"`
	CompactionInterval  string  `yaml:"compaction_interval"`
	RecoveryWorkers     int     `yaml:"recovery_workers"`
}

// Default mirrors lsmkv.DefaultOptions.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level: "warn",
		},
		Store: StoreConfig{
			FlushThresholdBytes: 4 * 1024 * 1024,
			CacheSizeBytes:      16 * 1024 * 1024,
			BloomFPRate:         0.01,
			WALSync:             "none",
			CompactionInterval:  "1s",
			RecoveryWorkers:     8,
		},
	}
}

// Load reads the YAML file at path over Default. A missing file is not an
// error; Default is returned.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports settings that cannot be turned into store options.
func (c Config) Validate() error {
	if _, err := parseWALSync(c.Store.WALSync); err != nil {
		return err
	}
	if c.Store.CompactionInterval != "" {
		if _, err := time.ParseDuration(c.Store.CompactionInterval); err != nil {
			return fmt.Errorf("compaction_interval: %w", err)
		}
	}
	if c.Store.FlushThresholdBytes < 0 {
		return fmt.Errorf("flush_threshold must not be negative")
	}
	if c.Store.BloomFPRate < 0 || c.Store.BloomFPRate >= 1 {
		return fmt.Errorf("bloom_fp_rate must be in [0,1)")
	}
	return nil
}

// Options converts the config to store options for dir. Log output goes to logOut.
func (c Config) Options(dir string, logOut io.Writer) lsmkv.Options {
	opts := lsmkv.DefaultOptions(dir)
	opts.FlushThreshold = c.Store.FlushThresholdBytes
	opts.CacheSize = c.Store.CacheSizeBytes
	opts.BloomFPRate = c.Store.BloomFPRate
	opts.DisableBloomFilter = c.Store.DisableBloomFilter
	opts.WALSyncMode, _ = parseWALSync(c.Store.WALSync)
	opts.DisableWAL = c.Store.DisableWAL
	opts.DropTombstonesOnCompact = c.Store.DropTombstones
	opts.CompactionTrigger = c.Store.CompactionTrigger
	if d, err := time.ParseDuration(c.Store.CompactionInterval); err == nil {
		opts.CompactionInterval = d
	}
	if c.Store.RecoveryWorkers > 0 {
		opts.RecoveryWorkers = c.Store.RecoveryWorkers
	}
	opts.Logger = logx.New(logOut, c.Logger.Level, c.Logger.JSON)
	return opts
}

func parseWALSync(s string) (lsmkv.WALSyncMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return lsmkv.WALSyncNone, nil
	case "batch":
		return lsmkv.WALSyncPerBatch, nil
	case "write":
		return lsmkv.WALSyncPerWrite, nil
	default:
		return 0, fmt.Errorf("wal_sync: unknown mode %q", s)
	}
}
