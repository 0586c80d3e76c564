// Package config provides unified configuration for Quarry tooling.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Backend selects the storage engine implementation.
type Backend string

const (
	BackendBolt   Backend = "bolt"
	BackendMemory Backend = "memory"
	BackendSQLite Backend = "sqlite"
)

// Config holds the configuration of a Quarry deployment.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Engine configuration
	Engine EngineConfig `json:"engine" yaml:"engine"`

	// Logging configuration
	Logging LoggingConfig `json:"logging" yaml:"logging"`

	// Backup configuration
	Backup BackupConfig `json:"backup" yaml:"backup"`
}

// EngineConfig holds storage engine configuration.
type EngineConfig struct {
	// Backend is the engine implementation: bolt, memory, sqlite
	Backend Backend `json:"backend" yaml:"backend"`

	// Dir is the directory the engine stores its files in
	Dir string `json:"dir" yaml:"dir"`

	// Compress enables record compression (bolt backend only)
	Compress bool `json:"compress" yaml:"compress"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error
	Level string `json:"level" yaml:"level"`

	// Development enables human-readable console output
	Development bool `json:"development" yaml:"development"`
}

// BackupConfig holds backup configuration.
type BackupConfig struct {
	// Prefix is the object path prefix backups are stored under
	Prefix string `json:"prefix" yaml:"prefix"`

	// Keep is how many snapshots per store Prune retains
	Keep int `json:"keep" yaml:"keep"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/quarry",
		Engine: EngineConfig{
			Backend: BackendBolt,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Backup: BackupConfig{
			Prefix: "backups",
			Keep:   5,
			Storage: StorageConfig{
				Type: "local",
			},
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/quarry"
	}
	if c.Engine.Dir == "" {
		c.Engine.Dir = filepath.Join(c.DataDir, "stores")
	}
	if c.Backup.Storage.Path == "" {
		c.Backup.Storage.Path = filepath.Join(c.DataDir, "backups")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.Engine.Backend {
	case BackendBolt, BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("invalid engine backend: %s (must be bolt, memory, or sqlite)", c.Engine.Backend)
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Backup.Storage.Type != "local" && c.Backup.Storage.Type != "s3" {
		return fmt.Errorf("invalid backup storage type: %s (must be local or s3)", c.Backup.Storage.Type)
	}
	if c.Backup.Storage.Type == "s3" && c.Backup.Storage.S3.Bucket == "" {
		return fmt.Errorf("backup.storage.s3.bucket is required when storage type is s3")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv overrides configuration from environment variables.
// Environment variables use the QUARRY_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("QUARRY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("QUARRY_ENGINE_BACKEND"); v != "" {
		cfg.Engine.Backend = Backend(v)
	}
	if v := os.Getenv("QUARRY_ENGINE_DIR"); v != "" {
		cfg.Engine.Dir = v
	}
	if v := os.Getenv("QUARRY_ENGINE_COMPRESS"); v != "" {
		cfg.Engine.Compress = v == "true" || v == "1"
	}
	if v := os.Getenv("QUARRY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QUARRY_LOG_DEVELOPMENT"); v != "" {
		cfg.Logging.Development = v == "true" || v == "1"
	}
	if v := os.Getenv("QUARRY_BACKUP_PREFIX"); v != "" {
		cfg.Backup.Prefix = v
	}
	if v := os.Getenv("QUARRY_BACKUP_KEEP"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Backup.Keep)
	}
	if v := os.Getenv("QUARRY_BACKUP_STORAGE_TYPE"); v != "" {
		cfg.Backup.Storage.Type = v
	}
	if v := os.Getenv("QUARRY_BACKUP_STORAGE_PATH"); v != "" {
		cfg.Backup.Storage.Path = v
	}
	if v := os.Getenv("QUARRY_S3_BUCKET"); v != "" {
		cfg.Backup.Storage.S3.Bucket = v
	}
	if v := os.Getenv("QUARRY_S3_REGION"); v != "" {
		cfg.Backup.Storage.S3.Region = v
	}
	if v := os.Getenv("QUARRY_S3_ENDPOINT"); v != "" {
		cfg.Backup.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.Engine.Dir}
	if c.Backup.Storage.Type == "local" {
		dirs = append(dirs, c.Backup.Storage.Path)
	}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
