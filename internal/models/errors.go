package models

import (
	"context"
	"errors"
	"fmt"
)

// Error codes for structured error handling.
const (
	ErrCodeCryptography = "CRYPTOGRAPHY_FAILURE"
	ErrCodeStorage      = "STORAGE_FAILURE"
	ErrCodeIntegrity    = "INTEGRITY_ERROR"
	ErrCodeNetwork      = "NETWORK_ERROR"
	ErrCodeConfig       = "CONFIG_ERROR"
	ErrCodeRateLimit    = "RATE_LIMIT"
	ErrCodeServerError  = "SERVER_ERROR"
)

// Reasons carried by CryptoError.
const (
	ReasonInvalidKey        = "invalid_key"
	ReasonInvalidSalt       = "invalid_salt"
	ReasonInvalidSecret     = "invalid_secret"
	ReasonInvalidCiphertext = "invalid_ciphertext"
	ReasonDecryptionFailed  = "decryption_failed"
	ReasonChecksumMismatch  = "checksum_mismatch"
	ReasonMissingSalt       = "missing_salt"
	ReasonRandomSource      = "random_source"
	ReasonInvalidPayload    = "invalid_payload"
)

// Sentinel errors
var (
	ErrCryptographyFailure = errors.New("cryptography failure")
	ErrStorageFailure      = errors.New("storage failure")
	ErrInvalidConfig       = errors.New("invalid configuration")
	ErrSyncInProgress      = errors.New("sync already in progress")
	ErrDataTypeDisabled    = errors.New("data type not enabled for sync")
	ErrNetworkUnavailable  = errors.New("network unavailable for sync")
	ErrRateLimited         = errors.New("rate limited")
	ErrConflictNotFound    = errors.New("conflict not found")
)

// CryptoError is a CryptographyFailure: a wrong credential or untrusted
// input. Every CryptoError matches ErrCryptographyFailure under errors.Is.
type CryptoError struct {
	Op     string
	Reason string
	Err    error
}

func (e *CryptoError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crypto %s: %s: %v", e.Op, e.Reason, e.Err)
	}
	return fmt.Sprintf("crypto %s: %s", e.Op, e.Reason)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the cryptography failure sentinel.
func (e *CryptoError) Is(target error) bool {
	return target == ErrCryptographyFailure
}

// StorageError is a StorageFailure raised by the underlying key-value store.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the storage failure sentinel.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFailure
}

// WrapStorage wraps an unexpected error into a StorageError. Errors that are
// already typed (crypto or storage) and context errors are returned verbatim.
func WrapStorage(op, key string, err error) error {
	if err == nil {
		return nil
	}

	var cryptoErr *CryptoError
	var storageErr *StorageError
	if errors.As(err, &cryptoErr) || errors.As(err, &storageErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return &StorageError{Op: op, Key: key, Err: err}
}

// IsCryptoFailure reports whether err is a CryptographyFailure.
func IsCryptoFailure(err error) bool {
	return errors.Is(err, ErrCryptographyFailure)
}

// IsStorageFailure reports whether err is a StorageFailure.
func IsStorageFailure(err error) bool {
	return errors.Is(err, ErrStorageFailure)
}

// SyncError represents a sync run failure.
type SyncError struct {
	Code     string
	Phase    string
	DataType DataType
	DeviceID string
	Err      error
}

func (e *SyncError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("sync %s [%s]: %s: device %s: %v", e.Phase, e.Code, e.DataType, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("sync %s [%s]: %s: %v", e.Phase, e.Code, e.DataType, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// IntegrityError represents a checksum mismatch.
type IntegrityError struct {
	Subject  string
	Expected string
	Actual   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s: expected %s, got %s",
		e.Subject, e.Expected, e.Actual)
}

// APIError represents an error returned by the sync relay.
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StatusCode int    `json:"status_code"`
	RequestID  string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// Is lets a 429 response match ErrRateLimited.
func (e *APIError) Is(target error) bool {
	return target == ErrRateLimited && e.StatusCode == 429
}
