// Package config defines the on-disk TOML configuration for a
// treestore process, following the teacher's api.Config/NewConfig
// pattern: a flat struct with sensible defaults, loaded and saved
// through naoina/toml.
package config

import (
	"fmt"
	"os"

	"github.com/naoina/toml"
)

// Engine selects which storage engine a process should open.
type Engine string

const (
	EngineInMemory Engine = "memory"
	EngineSQLite   Engine = "sqlite"
)

// Config is the top-level, persisted configuration.
type Config struct {
	// Engine selects the storage backend; EngineSQLite requires
	// DatabasePath to be set.
	Engine Engine `toml:"engine"`

	// DatabasePath is the SQLite file path used when Engine is
	// EngineSQLite.
	DatabasePath string `toml:"database_path"`

	// LoadCacheEntries bounds the LoadCache's LRU size.
	LoadCacheEntries int `toml:"load_cache_entries"`

	// HashWorkerPoolSize bounds concurrent full-block hashing done by
	// internal/blockhash when a write is split into full blocks.
	HashWorkerPoolSize int `toml:"hash_worker_pool_size"`

	// WriteBufferBlocks is the dirty-block budget before an
	// OpenFileBuffer starts flushing eagerly.
	WriteBufferBlocks int `toml:"write_buffer_blocks"`

	// MaxChildrenPerTree bounds the fan-out segmentedblob.Save uses
	// when building index trees; it must not exceed tree.ChildMax.
	MaxChildrenPerTree int `toml:"max_children_per_tree"`

	// PrefetchHistoryLimit is how many recent block accesses the
	// Prefetcher remembers per open file.
	PrefetchHistoryLimit int `toml:"prefetch_history_limit"`

	// LogLevel names one of xlog's levels: error, warn, info, debug, trace.
	LogLevel string `toml:"log_level"`
}

// Default returns the configuration a fresh install should start
// from.
func Default() *Config {
	return &Config{
		Engine:               EngineSQLite,
		DatabasePath:         "treestore.db",
		LoadCacheEntries:     4096,
		HashWorkerPoolSize:   8,
		WriteBufferBlocks:    64,
		MaxChildrenPerTree:   1000,
		PrefetchHistoryLimit: 16,
		LogLevel:             "info",
	}
}

// Load reads and parses a TOML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as TOML, creating or truncating the file.
func Save(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
