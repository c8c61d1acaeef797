package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TheMichaelB/walletguard/internal/models"
)

// Config holds all application configuration.
type Config struct {
	// Local secure store
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Key derivation
	Crypto CryptoConfig `json:"crypto" mapstructure:"crypto"`

	// Security audit trail
	Audit AuditConfig `json:"audit" mapstructure:"audit"`

	// Biometric gate
	Biometric BiometricConfig `json:"biometric" mapstructure:"biometric"`

	// Sync behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Remote leg of the sync protocol
	Remote RemoteConfig `json:"remote" mapstructure:"remote"`

	// Reference relay server
	Relay RelayConfig `json:"relay" mapstructure:"relay"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// StorageConfig selects the secure store backend.
type StorageConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // file, sqlite, bolt, memory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
	Path    string `json:"path" mapstructure:"path"` // Backend file; empty = derived from data_dir
}

// CryptoConfig for PBKDF2.
type CryptoConfig struct {
	Iterations int `json:"iterations" mapstructure:"iterations"`
}

// AuditConfig bounds the audit log.
type AuditConfig struct {
	MaxEntries int           `json:"max_entries" mapstructure:"max_entries"`
	Retention  time.Duration `json:"retention" mapstructure:"retention"`
}

// BiometricConfig for the biometric authenticator.
type BiometricConfig struct {
	Mode          string        `json:"mode" mapstructure:"mode"` // prompt, allow, deny
	SessionWindow time.Duration `json:"session_window" mapstructure:"session_window"`
}

// SyncConfig mirrors models.SyncConfig for file and env loading.
type SyncConfig struct {
	ServerURL               string        `json:"server_url" mapstructure:"server_url"`
	Interval                time.Duration `json:"interval" mapstructure:"interval"`
	MaxRetries              int           `json:"max_retries" mapstructure:"max_retries"`
	RetryDelay              time.Duration `json:"retry_delay" mapstructure:"retry_delay"`
	AutoSyncEnabled         bool          `json:"auto_sync_enabled" mapstructure:"auto_sync_enabled"`
	EnabledDataTypes        []string      `json:"enabled_data_types" mapstructure:"enabled_data_types"`
	DefaultConflictStrategy string        `json:"default_conflict_strategy" mapstructure:"default_conflict_strategy"`
	MaxOfflineQueueSize     int           `json:"max_offline_queue_size" mapstructure:"max_offline_queue_size"`
	Timeout                 time.Duration `json:"timeout" mapstructure:"timeout"`
	RequiresWifiOnly        bool          `json:"requires_wifi_only" mapstructure:"requires_wifi_only"`
}

// RemoteConfig selects and configures the remote store.
type RemoteConfig struct {
	Kind       string        `json:"kind" mapstructure:"kind"` // http, s3
	Token      string        `json:"token,omitempty" mapstructure:"token"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	S3Bucket   string        `json:"s3_bucket,omitempty" mapstructure:"s3_bucket"`
	S3Prefix   string        `json:"s3_prefix,omitempty" mapstructure:"s3_prefix"`
	S3Region   string        `json:"s3_region,omitempty" mapstructure:"s3_region"`
}

// RelayConfig for the relay server.
type RelayConfig struct {
	ListenAddr     string        `json:"listen_addr" mapstructure:"listen_addr"`
	StorageBackend string        `json:"storage_backend" mapstructure:"storage_backend"`
	StoragePath    string        `json:"storage_path" mapstructure:"storage_path"`
	RateLimit      float64       `json:"rate_limit" mapstructure:"rate_limit"` // Requests per second per device
	RateBurst      int           `json:"rate_burst" mapstructure:"rate_burst"`
	MaxBodyBytes   int64         `json:"max_body_bytes" mapstructure:"max_body_bytes"`
	ReadTimeout    time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string `json:"format" mapstructure:"format"` // text, json
	File   string `json:"file" mapstructure:"file"`     // Log file path (empty = stderr)
	Color  bool   `json:"color" mapstructure:"color"`
}

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	dataDir := ".walletguard"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".walletguard")
	}

	syncDefaults := models.DefaultSyncConfig("")
	dataTypes := make([]string, 0, len(syncDefaults.EnabledDataTypes))
	for _, d := range syncDefaults.EnabledDataTypes {
		dataTypes = append(dataTypes, string(d))
	}

	return &Config{
		Storage: StorageConfig{
			Backend: "file",
			DataDir: dataDir,
		},
		Crypto: CryptoConfig{
			Iterations: 100000,
		},
		Audit: AuditConfig{
			MaxEntries: 1000,
			Retention:  90 * 24 * time.Hour,
		},
		Biometric: BiometricConfig{
			Mode:          "prompt",
			SessionWindow: 30 * time.Second,
		},
		Sync: SyncConfig{
			Interval:                syncDefaults.SyncInterval,
			MaxRetries:              syncDefaults.MaxRetries,
			RetryDelay:              syncDefaults.RetryDelay,
			AutoSyncEnabled:         syncDefaults.AutoSyncEnabled,
			EnabledDataTypes:        dataTypes,
			DefaultConflictStrategy: string(syncDefaults.DefaultConflictStrategy),
			MaxOfflineQueueSize:     syncDefaults.MaxOfflineQueueSize,
			Timeout:                 syncDefaults.SyncTimeout,
			RequiresWifiOnly:        syncDefaults.RequiresWifiOnly,
		},
		Remote: RemoteConfig{
			Kind:       "http",
			Timeout:    30 * time.Second,
			MaxRetries: 3,
		},
		Relay: RelayConfig{
			ListenAddr:     ":8420",
			StorageBackend: "sqlite",
			RateLimit:      10,
			RateBurst:      20,
			MaxBodyBytes:   1 << 20,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Color:  true,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	validBackends := map[string]bool{"file": true, "sqlite": true, "bolt": true, "memory": true}
	if !validBackends[c.Storage.Backend] {
		return fmt.Errorf("invalid storage backend: %s", c.Storage.Backend)
	}

	// The relay may also share a DynamoDB table between instances
	validBackends["dynamodb"] = true

	if c.Storage.Backend != "memory" && c.Storage.DataDir == "" && c.Storage.Path == "" {
		return errors.New("storage.data_dir is required")
	}

	if c.Crypto.Iterations < 1000 {
		return errors.New("crypto.iterations must be at least 1000")
	}

	if c.Audit.MaxEntries <= 0 {
		return errors.New("audit.max_entries must be positive")
	}

	if c.Audit.Retention <= 0 {
		return errors.New("audit.retention must be positive")
	}

	validModes := map[string]bool{"prompt": true, "allow": true, "deny": true}
	if !validModes[c.Biometric.Mode] {
		return fmt.Errorf("invalid biometric mode: %s", c.Biometric.Mode)
	}

	if c.Sync.ServerURL != "" {
		if _, err := c.Sync.Model(); err != nil {
			return err
		}
	}

	validKinds := map[string]bool{"http": true, "s3": true}
	if !validKinds[c.Remote.Kind] {
		return fmt.Errorf("invalid remote kind: %s", c.Remote.Kind)
	}

	if c.Remote.Kind == "s3" && c.Remote.S3Bucket == "" {
		return errors.New("remote.s3_bucket is required for the s3 remote")
	}

	if c.Remote.Timeout <= 0 {
		return errors.New("remote.timeout must be positive")
	}

	if !validBackends[c.Relay.StorageBackend] {
		return fmt.Errorf("invalid relay storage backend: %s", c.Relay.StorageBackend)
	}

	if c.Relay.StorageBackend == "dynamodb" && c.Relay.StoragePath == "" {
		return errors.New("relay.storage_path must name the dynamodb table")
	}

	if c.Relay.RateLimit <= 0 || c.Relay.RateBurst <= 0 {
		return errors.New("relay.rate_limit and relay.rate_burst must be positive")
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// Model converts the loaded sync section into the sync contract.
func (s SyncConfig) Model() (models.SyncConfig, error) {
	cfg := models.DefaultSyncConfig(s.ServerURL)
	cfg.SyncInterval = s.Interval
	cfg.MaxRetries = s.MaxRetries
	cfg.RetryDelay = s.RetryDelay
	cfg.AutoSyncEnabled = s.AutoSyncEnabled
	cfg.MaxOfflineQueueSize = s.MaxOfflineQueueSize
	cfg.SyncTimeout = s.Timeout
	cfg.RequiresWifiOnly = s.RequiresWifiOnly

	strategy, err := models.ParseConflictStrategy(s.DefaultConflictStrategy)
	if err != nil {
		return models.SyncConfig{}, fmt.Errorf("%w: %w", models.ErrInvalidConfig, err)
	}
	cfg.DefaultConflictStrategy = strategy

	types := make([]models.DataType, 0, len(s.EnabledDataTypes))
	for _, name := range s.EnabledDataTypes {
		d, err := models.ParseDataType(name)
		if err != nil {
			return models.SyncConfig{}, fmt.Errorf("%w: %w", models.ErrInvalidConfig, err)
		}
		types = append(types, d)
	}
	cfg = cfg.WithEnabledDataTypes(types...)

	if err := cfg.Validate(); err != nil {
		return models.SyncConfig{}, err
	}
	return cfg, nil
}

// StorePath returns the file used by the configured backend.
func (s StorageConfig) StorePath() string {
	if s.Path != "" {
		return s.Path
	}
	switch s.Backend {
	case "sqlite":
		return filepath.Join(s.DataDir, "walletguard.db")
	case "bolt":
		return filepath.Join(s.DataDir, "walletguard.bolt")
	default:
		return filepath.Join(s.DataDir, "store")
	}
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Storage.Backend != "memory" {
		dirs = append(dirs, filepath.Dir(c.Storage.StorePath()))
		if c.Storage.DataDir != "" {
			dirs = append(dirs, c.Storage.DataDir)
		}
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
