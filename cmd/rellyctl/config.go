package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// dbConfig is the small JSON sidecar rellyctl keeps next to a database
// directory: where the heap file and WAL live, and the buffer pool size to
// open them with. It is a CLI convenience, not part of the engine's own
// persisted state (the log's master record is the only thing the core
// itself requires to survive a restart).
type dbConfig struct {
	PagePath string `json:"page_path"`
	LogPath  string `json:"log_path"`
	PoolSize int    `json:"pool_size"`
}

func configPath(dir string) string {
	return filepath.Join(dir, "rellyctl.json")
}

func defaultConfig(dir string, poolSize int) *dbConfig {
	return &dbConfig{
		PagePath: filepath.Join(dir, "data.rly"),
		LogPath:  filepath.Join(dir, "wal.log"),
		PoolSize: poolSize,
	}
}

func (c *dbConfig) Validate() error {
	if c.PoolSize <= 0 {
		return fmt.Errorf("rellyctl: pool size must be positive, got %d", c.PoolSize)
	}
	if c.PagePath == "" || c.LogPath == "" {
		return fmt.Errorf("rellyctl: page path and log path are required")
	}
	return nil
}

func writeConfig(dir string, cfg *dbConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(configPath(dir), data, 0644)
}

func readConfig(dir string) (*dbConfig, error) {
	data, err := os.ReadFile(configPath(dir))
	if err != nil {
		return nil, fmt.Errorf("rellyctl: reading config at %s: %w", configPath(dir), err)
	}
	var cfg dbConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("rellyctl: parsing config at %s: %w", configPath(dir), err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
