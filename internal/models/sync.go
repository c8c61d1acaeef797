package models

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"
)

// DataType names a class of synchronised security metadata.
type DataType string

const (
	DataTypeAuditLogs        DataType = "auditLogs"
	DataTypeSecuritySettings DataType = "securitySettings"
	DataTypeDeviceRegistry   DataType = "deviceRegistry"
	DataTypeBackupMetadata   DataType = "backupMetadata"
)

// DataTypes lists every known data type.
func DataTypes() []DataType {
	return []DataType{
		DataTypeAuditLogs,
		DataTypeSecuritySettings,
		DataTypeDeviceRegistry,
		DataTypeBackupMetadata,
	}
}

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	return slices.Contains(DataTypes(), d)
}

// ParseDataType parses a data type name.
func ParseDataType(s string) (DataType, error) {
	d := DataType(strings.TrimSpace(s))
	if !d.Valid() {
		return "", fmt.Errorf("unknown data type: %q", s)
	}
	return d, nil
}

// SyncPayload is the wire record exchanged with the remote. Only the
// ciphertext fields carry data; everything else is routing metadata.
type SyncPayload struct {
	ID            string    `json:"id"`
	DataType      DataType  `json:"dataType"`
	EncryptedData string    `json:"encryptedData"` // Base64
	IV            string    `json:"iv"`            // Base64, 12 bytes
	AuthTag       string    `json:"authTag"`       // Base64, 16 bytes
	Version       int       `json:"version"`
	Timestamp     time.Time `json:"timestamp"` // UTC
	DeviceID      string    `json:"deviceId"`
	Checksum      string    `json:"checksum"` // Hex SHA-256 of the plaintext
}

// Clone returns a copy of the payload.
func (p *SyncPayload) Clone() *SyncPayload {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// ConflictStrategy selects how two versions of a record are reconciled.
type ConflictStrategy string

const (
	StrategyLastWriteWins ConflictStrategy = "lastWriteWins"
	StrategyLocalFirst    ConflictStrategy = "localFirst"
	StrategyRemoteFirst   ConflictStrategy = "remoteFirst"
	StrategyManual        ConflictStrategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyLocalFirst, StrategyRemoteFirst, StrategyManual:
		return true
	}
	return false
}

// ParseConflictStrategy parses a strategy name.
func ParseConflictStrategy(s string) (ConflictStrategy, error) {
	strategy := ConflictStrategy(strings.TrimSpace(s))
	if !strategy.Valid() {
		return "", fmt.Errorf("unknown conflict strategy: %q", s)
	}
	return strategy, nil
}

// ConflictResolution is the outcome of resolving a conflict.
type ConflictResolution string

const (
	ResolutionKeepLocal  ConflictResolution = "keepLocal"
	ResolutionKeepRemote ConflictResolution = "keepRemote"
	ResolutionPending    ConflictResolution = "pending"
)

// SyncConflict records two disagreeing versions of the same record.
type SyncConflict struct {
	PayloadID       string             `json:"payloadId"`
	DataType        DataType           `json:"dataType"`
	Resolution      ConflictResolution `json:"resolution"`
	LocalTimestamp  time.Time          `json:"localTimestamp"`
	RemoteTimestamp time.Time          `json:"remoteTimestamp"`
	LocalPayload    *SyncPayload       `json:"localPayload,omitempty"`
	RemotePayload   *SyncPayload       `json:"remotePayload,omitempty"`
	DetectedAt      time.Time          `json:"detectedAt"`
}

// Winner returns the payload selected by the resolution, or nil while
// pending.
func (c *SyncConflict) Winner() *SyncPayload {
	switch c.Resolution {
	case ResolutionKeepLocal:
		return c.LocalPayload
	case ResolutionKeepRemote:
		return c.RemotePayload
	}
	return nil
}

// SyncConfig is the immutable sync contract. Use the With helpers to
// derive modified copies.
type SyncConfig struct {
	ServerURL               string           `json:"serverUrl"`
	SyncInterval            time.Duration    `json:"syncInterval"`
	MaxRetries              int              `json:"maxRetries"`
	RetryDelay              time.Duration    `json:"retryDelay"`
	AutoSyncEnabled         bool             `json:"autoSyncEnabled"`
	EnabledDataTypes        []DataType       `json:"enabledDataTypes"`
	DefaultConflictStrategy ConflictStrategy `json:"defaultConflictStrategy"`
	MaxOfflineQueueSize     int              `json:"maxOfflineQueueSize"`
	SyncTimeout             time.Duration    `json:"syncTimeout"`
	RequiresWifiOnly        bool             `json:"requiresWifiOnly"`
}

// DefaultSyncConfig returns the default sync contract for a server.
func DefaultSyncConfig(serverURL string) SyncConfig {
	return SyncConfig{
		ServerURL:               serverURL,
		SyncInterval:            15 * time.Minute,
		MaxRetries:              3,
		RetryDelay:              30 * time.Second,
		AutoSyncEnabled:         true,
		EnabledDataTypes:        DataTypes(),
		DefaultConflictStrategy: StrategyLastWriteWins,
		MaxOfflineQueueSize:     100,
		SyncTimeout:             5 * time.Minute,
		RequiresWifiOnly:        false,
	}
}

// Validate checks the sync contract.
func (c SyncConfig) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("%w: serverUrl is required", ErrInvalidConfig)
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: serverUrl %q is not an absolute URL", ErrInvalidConfig, c.ServerURL)
	}

	var errs []error
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("syncInterval must be positive"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("maxRetries must not be negative"))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, errors.New("retryDelay must not be negative"))
	}
	if c.MaxOfflineQueueSize <= 0 {
		errs = append(errs, errors.New("maxOfflineQueueSize must be positive"))
	}
	if c.SyncTimeout <= 0 {
		errs = append(errs, errors.New("syncTimeout must be positive"))
	}
	if !c.DefaultConflictStrategy.Valid() {
		errs = append(errs, fmt.Errorf("invalid defaultConflictStrategy: %q", c.DefaultConflictStrategy))
	}
	for _, d := range c.EnabledDataTypes {
		if !d.Valid() {
			errs = append(errs, fmt.Errorf("invalid data type: %q", d))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// IsEnabled reports whether d is enabled for sync.
func (c SyncConfig) IsEnabled(d DataType) bool {
	return slices.Contains(c.EnabledDataTypes, d)
}

// WithServerURL returns a copy with a different server.
func (c SyncConfig) WithServerURL(serverURL string) SyncConfig {
	c.EnabledDataTypes = slices.Clone(c.EnabledDataTypes)
	c.ServerURL = serverURL
	return c
}

// WithEnabledDataTypes returns a copy enabling exactly types.
func (c SyncConfig) WithEnabledDataTypes(types ...DataType) SyncConfig {
	c.EnabledDataTypes = slices.Clone(types)
	return c
}

// WithConflictStrategy returns a copy with a different default strategy.
func (c SyncConfig) WithConflictStrategy(strategy ConflictStrategy) SyncConfig {
	c.EnabledDataTypes = slices.Clone(c.EnabledDataTypes)
	c.DefaultConflictStrategy = strategy
	return c
}

// WithWifiOnly returns a copy with the wifi-only flag set.
func (c SyncConfig) WithWifiOnly(wifiOnly bool) SyncConfig {
	c.EnabledDataTypes = slices.Clone(c.EnabledDataTypes)
	c.RequiresWifiOnly = wifiOnly
	return c
}

// WithTimeout returns a copy with a different run timeout.
func (c SyncConfig) WithTimeout(timeout time.Duration) SyncConfig {
	c.EnabledDataTypes = slices.Clone(c.EnabledDataTypes)
	c.SyncTimeout = timeout
	return c
}

// WithOfflineQueueSize returns a copy with a different queue cap.
func (c SyncConfig) WithOfflineQueueSize(n int) SyncConfig {
	c.EnabledDataTypes = slices.Clone(c.EnabledDataTypes)
	c.MaxOfflineQueueSize = n
	return c
}
