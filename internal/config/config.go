// Package config provides configuration loading and structs for the miru server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hyperjump/miru/internal/models"
	"github.com/hyperjump/miru/internal/vector"
)

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Index     IndexConfig     `yaml:"index"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Recommend RecommendConfig `yaml:"recommend"`
	Inbox     InboxConfig     `yaml:"inbox"`
}

// InboxConfig holds the product image inbox settings.
type InboxConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *InboxConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the catalog database, index snapshot and interaction journal.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	SnapshotPath string `yaml:"snapshot_path"`
	JournalPath  string `yaml:"journal_path"`
}

// SnapshotFile resolves a snapshot name inside the directory of SnapshotPath.
// An empty name means SnapshotPath itself. Only a bare file name is accepted.
func (s StorageConfig) SnapshotFile(name string) (string, error) {
	if s.SnapshotPath == "" {
		return "", fmt.Errorf("%w: storage.snapshot_path is not set", models.ErrInvalidRequest)
	}
	if name == "" {
		return s.SnapshotPath, nil
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) || filepath.Base(name) != name {
		return "", fmt.Errorf("%w: snapshot name %q must be a bare file name", models.ErrInvalidRequest, name)
	}
	return filepath.Join(filepath.Dir(s.SnapshotPath), name), nil
}

// IndexConfig holds vector index settings.
type IndexConfig struct {
	Type       string `yaml:"type"`
	Dimensions int    `yaml:"dimensions"`
	Metric     string `yaml:"metric"`
	Autosave   bool   `yaml:"autosave"`
}

// EmbeddingConfig holds extractor settings.
type EmbeddingConfig struct {
	CacheSize int `yaml:"cache_size"`
}

// RecommendConfig holds recommendation engine settings.
type RecommendConfig struct {
	WindowSize          int     `yaml:"window_size"`
	HistoryLimit        int     `yaml:"history_limit"`
	DefaultLimit        int     `yaml:"default_limit"`
	MaxLimit            int     `yaml:"max_limit"`
	VisualWeight        float64 `yaml:"visual_weight"`
	CollaborativeWeight float64 `yaml:"collaborative_weight"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.SnapshotPath = expandPath(cfg.Storage.SnapshotPath, configDir)
	cfg.Storage.JournalPath = expandPath(cfg.Storage.JournalPath, configDir)
	for i := range cfg.Inbox.Directories {
		cfg.Inbox.Directories[i] = expandPath(cfg.Inbox.Directories[i], configDir)
	}

	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.Index.Dimensions <= 0 || c.Index.Dimensions > vector.MaxDimensions {
		return fmt.Errorf("%w: index.dimensions must be in 1..%d, got %d",
			models.ErrInvalidConfig, vector.MaxDimensions, c.Index.Dimensions)
	}
	if c.Recommend.HistoryLimit < 0 {
		return fmt.Errorf("%w: recommend.history_limit must be >= 0", models.ErrInvalidConfig)
	}
	if c.Recommend.DefaultLimit > c.Recommend.MaxLimit {
		return fmt.Errorf("%w: recommend.default_limit %d exceeds max_limit %d",
			models.ErrInvalidConfig, c.Recommend.DefaultLimit, c.Recommend.MaxLimit)
	}
	if c.Recommend.VisualWeight < 0 || c.Recommend.CollaborativeWeight < 0 {
		return fmt.Errorf("%w: recommend weights must be non-negative", models.ErrInvalidConfig)
	}
	return nil
}

// Save writes the config to path. Used for persisting inbox directory add/remove.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory. Empty stays empty.
func expandPath(path string, configDir string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
