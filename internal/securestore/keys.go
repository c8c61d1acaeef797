package securestore

// Storage key namespace. These identifiers are stable and must not collide.
const (
	KeyPinSalt               = "pin_salt"
	KeyMnemonic              = "mnemonic"
	KeyBiometricKey          = "biometric_key"
	KeyBiometricKeySalt      = "biometric_key_salt"
	KeyEncryptedBiometricKey = "encrypted_biometric_key"
	KeyAuditLogs             = "audit_logs"
	KeyAuditLogIndex         = "audit_log_index"
	KeyAuditMetadataKey      = "audit_metadata_key"
	KeySyncPendingConflicts  = "sync_pending_conflicts"
	KeySyncConfig            = "sync_config"
	KeySyncDeviceID          = "sync_device_id"
	KeySyncOfflineQueue      = "sync_offline_queue"

	// PrefixRelayPayload namespaces payloads held by the relay server:
	// relay_payload:<dataType>:<id>
	PrefixRelayPayload = "relay_payload:"

	// PrefixSyncLocal namespaces this device's copies of synced payloads:
	// sync_local:<dataType>:<id>
	PrefixSyncLocal = "sync_local:"
)

var sensitiveKeys = map[string]bool{
	KeyPinSalt:               true,
	KeyMnemonic:              true,
	KeyBiometricKey:          true,
	KeyBiometricKeySalt:      true,
	KeyEncryptedBiometricKey: true,
	KeyAuditMetadataKey:      true,
}

// IsSensitiveKey reports whether key holds secret material.
func IsSensitiveKey(key string) bool {
	return sensitiveKeys[key]
}

// RelayPayloadKey returns the relay storage key for a payload.
func RelayPayloadKey(dataType, id string) string {
	return PrefixRelayPayload + dataType + ":" + id
}

// RelayPayloadPrefix returns the key prefix for one data type.
func RelayPayloadPrefix(dataType string) string {
	return PrefixRelayPayload + dataType + ":"
}

// SyncLocalKey returns the key of a device-local payload copy.
func SyncLocalKey(dataType, id string) string {
	return PrefixSyncLocal + dataType + ":" + id
}

// SyncLocalPrefix returns the local copy prefix for one data type.
func SyncLocalPrefix(dataType string) string {
	return PrefixSyncLocal + dataType + ":"
}
