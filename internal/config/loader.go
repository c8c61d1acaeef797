package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. WALLETGUARD_LOG_LEVEL.
const EnvPrefix = "WALLETGUARD"

// Loader handles configuration loading from multiple sources.
type Loader struct {
	configPath string
	v          *viper.Viper
}

// NewLoader creates a config loader.
func NewLoader(configPath string) *Loader {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	return &Loader{
		configPath: configPath,
		v:          v,
	}
}

// Viper exposes the underlying instance so CLI flags can be bound to keys.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// ConfigFile returns the file that was loaded, if any.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Load reads configuration from file, environment and bound flags.
func (l *Loader) Load() (*Config, error) {
	if l.configPath != "" {
		l.v.SetConfigFile(l.configPath)
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	} else {
		l.v.SetConfigName("config")
		for _, dir := range l.defaultDirs() {
			l.v.AddConfigPath(dir)
		}
		if err := l.v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("load config file %s: %w", l.v.ConfigFileUsed(), err)
			}
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (l *Loader) defaultDirs() []string {
	dirs := []string{"."}

	if homeDir, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(homeDir, ".config", "walletguard"),
			filepath.Join(homeDir, ".walletguard"),
		)
	}

	return dirs
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("storage.backend", cfg.Storage.Backend)
	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)
	v.SetDefault("storage.path", cfg.Storage.Path)

	v.SetDefault("crypto.iterations", cfg.Crypto.Iterations)

	v.SetDefault("audit.max_entries", cfg.Audit.MaxEntries)
	v.SetDefault("audit.retention", cfg.Audit.Retention)

	v.SetDefault("biometric.mode", cfg.Biometric.Mode)
	v.SetDefault("biometric.session_window", cfg.Biometric.SessionWindow)

	v.SetDefault("sync.server_url", cfg.Sync.ServerURL)
	v.SetDefault("sync.interval", cfg.Sync.Interval)
	v.SetDefault("sync.max_retries", cfg.Sync.MaxRetries)
	v.SetDefault("sync.retry_delay", cfg.Sync.RetryDelay)
	v.SetDefault("sync.auto_sync_enabled", cfg.Sync.AutoSyncEnabled)
	v.SetDefault("sync.enabled_data_types", cfg.Sync.EnabledDataTypes)
	v.SetDefault("sync.default_conflict_strategy", cfg.Sync.DefaultConflictStrategy)
	v.SetDefault("sync.max_offline_queue_size", cfg.Sync.MaxOfflineQueueSize)
	v.SetDefault("sync.timeout", cfg.Sync.Timeout)
	v.SetDefault("sync.requires_wifi_only", cfg.Sync.RequiresWifiOnly)

	v.SetDefault("remote.kind", cfg.Remote.Kind)
	v.SetDefault("remote.token", cfg.Remote.Token)
	v.SetDefault("remote.timeout", cfg.Remote.Timeout)
	v.SetDefault("remote.max_retries", cfg.Remote.MaxRetries)
	v.SetDefault("remote.s3_bucket", cfg.Remote.S3Bucket)
	v.SetDefault("remote.s3_prefix", cfg.Remote.S3Prefix)
	v.SetDefault("remote.s3_region", cfg.Remote.S3Region)

	v.SetDefault("relay.listen_addr", cfg.Relay.ListenAddr)
	v.SetDefault("relay.storage_backend", cfg.Relay.StorageBackend)
	v.SetDefault("relay.storage_path", cfg.Relay.StoragePath)
	v.SetDefault("relay.rate_limit", cfg.Relay.RateLimit)
	v.SetDefault("relay.rate_burst", cfg.Relay.RateBurst)
	v.SetDefault("relay.max_body_bytes", cfg.Relay.MaxBodyBytes)
	v.SetDefault("relay.read_timeout", cfg.Relay.ReadTimeout)
	v.SetDefault("relay.write_timeout", cfg.Relay.WriteTimeout)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.color", cfg.Log.Color)
}

// SaveExample writes an example config file. The format follows the file
// extension (yaml, json or toml).
func SaveExample(path string) error {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.Set("sync.server_url", "https://relay.example.com")

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write file: %w", err)
	}

	return os.Chmod(path, 0600)
}
