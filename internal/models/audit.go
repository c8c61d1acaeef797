package models

import (
	"strings"
	"time"
)

// AuditEventType identifies a security event.
type AuditEventType string

// Audit event catalogue.
const (
	EventPinSetup    AuditEventType = "pinSetup"
	EventPinChanged  AuditEventType = "pinChanged"
	EventPinVerified AuditEventType = "pinVerified"
	EventPinFailed   AuditEventType = "pinFailed"
	EventPinLockout  AuditEventType = "pinLockout"

	EventBiometricEnabled  AuditEventType = "biometricEnabled"
	EventBiometricDisabled AuditEventType = "biometricDisabled"
	EventBiometricSuccess  AuditEventType = "biometricSuccess"
	EventBiometricFailed   AuditEventType = "biometricFailed"

	EventWalletCreated     AuditEventType = "walletCreated"
	EventWalletImported    AuditEventType = "walletImported"
	EventWalletDeleted     AuditEventType = "walletDeleted"
	EventMnemonicAccessed  AuditEventType = "mnemonicAccessed"
	EventMnemonicExported  AuditEventType = "mnemonicExported"
	EventMnemonicMigrated  AuditEventType = "mnemonicMigrated"
	EventEncryptionFailure AuditEventType = "encryptionFailure"
	EventDecryptionFailure AuditEventType = "decryptionFailure"

	EventIntegrityViolation    AuditEventType = "integrityViolation"
	EventRootDetected          AuditEventType = "rootDetected"
	EventScreenCaptureDetected AuditEventType = "screenCaptureDetected"

	EventSyncStarted   AuditEventType = "syncStarted"
	EventSyncCompleted AuditEventType = "syncCompleted"
	EventSyncFailed    AuditEventType = "syncFailed"
	EventSyncConflict  AuditEventType = "syncConflict"

	EventLogsExported AuditEventType = "logsExported"
	EventLogsPurged   AuditEventType = "logsPurged"
	EventAppStarted   AuditEventType = "appStarted"
	EventUnknown      AuditEventType = "unknown"
)

// AuditSeverity is derived from the event type.
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityCritical AuditSeverity = "critical"
)

// AuditCategory groups event types.
type AuditCategory string

const (
	CategoryAuthentication AuditCategory = "authentication"
	CategoryWallet         AuditCategory = "wallet"
	CategorySecurity       AuditCategory = "security"
	CategorySync           AuditCategory = "sync"
	CategorySystem         AuditCategory = "system"
)

type eventTraits struct {
	severity AuditSeverity
	category AuditCategory
}

var eventCatalogue = map[AuditEventType]eventTraits{
	EventPinSetup:    {SeverityInfo, CategoryAuthentication},
	EventPinChanged:  {SeverityWarning, CategoryAuthentication},
	EventPinVerified: {SeverityInfo, CategoryAuthentication},
	EventPinFailed:   {SeverityWarning, CategoryAuthentication},
	EventPinLockout:  {SeverityCritical, CategoryAuthentication},

	EventBiometricEnabled:  {SeverityInfo, CategoryAuthentication},
	EventBiometricDisabled: {SeverityWarning, CategoryAuthentication},
	EventBiometricSuccess:  {SeverityInfo, CategoryAuthentication},
	EventBiometricFailed:   {SeverityWarning, CategoryAuthentication},

	EventWalletCreated:     {SeverityInfo, CategoryWallet},
	EventWalletImported:    {SeverityInfo, CategoryWallet},
	EventWalletDeleted:     {SeverityCritical, CategoryWallet},
	EventMnemonicAccessed:  {SeverityWarning, CategoryWallet},
	EventMnemonicExported:  {SeverityCritical, CategoryWallet},
	EventMnemonicMigrated:  {SeverityWarning, CategoryWallet},
	EventEncryptionFailure: {SeverityCritical, CategorySecurity},
	EventDecryptionFailure: {SeverityCritical, CategorySecurity},

	EventIntegrityViolation:    {SeverityCritical, CategorySecurity},
	EventRootDetected:          {SeverityCritical, CategorySecurity},
	EventScreenCaptureDetected: {SeverityWarning, CategorySecurity},

	EventSyncStarted:   {SeverityInfo, CategorySync},
	EventSyncCompleted: {SeverityInfo, CategorySync},
	EventSyncFailed:    {SeverityWarning, CategorySync},
	EventSyncConflict:  {SeverityWarning, CategorySync},

	EventLogsExported: {SeverityWarning, CategorySystem},
	EventLogsPurged:   {SeverityInfo, CategorySystem},
	EventAppStarted:   {SeverityInfo, CategorySystem},
	EventUnknown:      {SeverityInfo, CategorySystem},
}

// Known reports whether t is part of the catalogue.
func (t AuditEventType) Known() bool {
	_, ok := eventCatalogue[t]
	return ok
}

// Severity returns the fixed severity of the event type.
func (t AuditEventType) Severity() AuditSeverity {
	if traits, ok := eventCatalogue[t]; ok {
		return traits.severity
	}
	return SeverityInfo
}

// Category returns the fixed category of the event type.
func (t AuditEventType) Category() AuditCategory {
	if traits, ok := eventCatalogue[t]; ok {
		return traits.category
	}
	return CategorySystem
}

// AuditEventTypes lists the catalogue.
func AuditEventTypes() []AuditEventType {
	types := make([]AuditEventType, 0, len(eventCatalogue))
	for t := range eventCatalogue {
		types = append(types, t)
	}
	return types
}

// SensitiveMetadataKeys is the deny-list for audit metadata and log fields.
var SensitiveMetadataKeys = []string{"privateKey", "mnemonic", "pin", "password", "seed", "secret"}

// IsSensitiveKey matches key case-insensitively against SensitiveMetadataKeys.
func IsSensitiveKey(key string) bool {
	for _, sensitive := range SensitiveMetadataKeys {
		if strings.EqualFold(key, sensitive) {
			return true
		}
	}
	return false
}

// HasSensitiveKeys reports whether any metadata key is on the deny-list.
func HasSensitiveKeys(metadata map[string]string) bool {
	for k := range metadata {
		if IsSensitiveKey(k) {
			return true
		}
	}
	return false
}

// AuditLogEntry is one immutable audit record.
type AuditLogEntry struct {
	ID           string            `json:"id"`
	Timestamp    time.Time         `json:"timestamp"`
	EventType    AuditEventType    `json:"eventType"`
	Severity     AuditSeverity     `json:"severity"`
	Category     AuditCategory     `json:"category"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	StackTrace   string            `json:"stackTrace,omitempty"`
	IsEncrypted  bool              `json:"isEncrypted"`
}

// AuditLogIndex summarises the stored log.
type AuditLogIndex struct {
	Count     int       `json:"count"`
	Oldest    time.Time `json:"oldest,omitempty"`
	Newest    time.Time `json:"newest,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AuditStatistics aggregates entries over a time range.
type AuditStatistics struct {
	Total      int                    `json:"total"`
	BySeverity map[AuditSeverity]int  `json:"bySeverity"`
	ByCategory map[AuditCategory]int  `json:"byCategory"`
	ByType     map[AuditEventType]int `json:"byType"`
	FirstEvent time.Time              `json:"firstEvent,omitempty"`
	LastEvent  time.Time              `json:"lastEvent,omitempty"`
}

// NewAuditStatistics returns empty statistics.
func NewAuditStatistics() *AuditStatistics {
	return &AuditStatistics{
		BySeverity: make(map[AuditSeverity]int),
		ByCategory: make(map[AuditCategory]int),
		ByType:     make(map[AuditEventType]int),
	}
}

// Add counts one entry.
func (s *AuditStatistics) Add(entry AuditLogEntry) {
	s.Total++
	s.BySeverity[entry.Severity]++
	s.ByCategory[entry.Category]++
	s.ByType[entry.EventType]++

	if s.FirstEvent.IsZero() || entry.Timestamp.Before(s.FirstEvent) {
		s.FirstEvent = entry.Timestamp
	}
	if entry.Timestamp.After(s.LastEvent) {
		s.LastEvent = entry.Timestamp
	}
}

// AuditExport is the envelope produced by an encrypted log export.
type AuditExport struct {
	Version   string    `json:"version"`
	Salt      string    `json:"salt"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditExportVersion is the current export format.
const AuditExportVersion = "1.0"
