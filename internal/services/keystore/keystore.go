// Package keystore persists the wallet's master secret and the biometric
// wallet key, both encrypted under PIN-derived keys.
package keystore

import (
	"context"
	"errors"

	"github.com/awnumar/memguard"

	"github.com/TheMichaelB/walletguard/internal/crypto"
	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/metrics"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
)

// Errors
var (
	ErrMnemonicNotFound     = errors.New("mnemonic not found")
	ErrBiometricKeyNotFound = errors.New("biometric key not found")
	ErrMnemonicPlaintext    = errors.New("mnemonic is stored in plaintext")
	ErrEmptyMnemonic        = errors.New("empty mnemonic")
	ErrPinRequired          = errors.New("pin required")
)

// Auditor records security events. *audit.Logger satisfies it.
type Auditor interface {
	Log(ctx context.Context, eventType models.AuditEventType, metadata map[string]string)
}

type nopAuditor struct{}

func (nopAuditor) Log(context.Context, models.AuditEventType, map[string]string) {}

// Option configures the keystore services.
type Option func(*deps)

// WithAuditor records security events through a.
func WithAuditor(a Auditor) Option {
	return func(d *deps) {
		if a != nil {
			d.audit = a
		}
	}
}

// WithMetrics counts crypto failures.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *deps) { d.metrics = m }
}

// WithLocker shares a key locker between services.
func WithLocker(l *securestore.KeyLocker) Option {
	return func(d *deps) {
		if l != nil {
			d.locker = l
		}
	}
}

type deps struct {
	store   securestore.Store
	crypto  crypto.Provider
	logger  *events.Logger
	locker  *securestore.KeyLocker
	audit   Auditor
	metrics *metrics.Metrics
}

func newDeps(store securestore.Store, provider crypto.Provider, logger *events.Logger, service string, opts []Option) deps {
	d := deps{
		store:  store,
		crypto: provider,
		logger: logger.WithField("service", service),
		locker: securestore.NewKeyLocker(securestore.DefaultLockTimeout),
		audit:  nopAuditor{},
	}
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

// read returns the value under key and whether it exists. Backend faults
// come back as StorageFailures.
func (d *deps) read(ctx context.Context, key string) (string, bool, error) {
	value, found, err := securestore.ReadOptional(ctx, d.store, key)
	if err != nil {
		return "", false, models.WrapStorage("read", key, err)
	}
	return value, found, nil
}

func (d *deps) write(ctx context.Context, key, value string) error {
	return models.WrapStorage("write", key, d.store.Write(ctx, key, value, true))
}

// apply runs ops as one batch, wrapping faults against the first key.
func (d *deps) apply(ctx context.Context, ops ...securestore.Op) error {
	if len(ops) == 0 {
		return nil
	}
	return models.WrapStorage("batch", ops[0].Key, securestore.Apply(ctx, d.store, ops...))
}

// saltFor returns the stored salt under key when valid, or a fresh one.
// fresh reports whether the caller must persist it.
func (d *deps) saltFor(ctx context.Context, key string) (salt string, fresh bool, err error) {
	stored, found, err := d.read(ctx, key)
	if err != nil {
		return "", false, err
	}
	if found && crypto.IsValidSalt(stored) {
		return stored, false, nil
	}
	if found {
		d.logger.WithField("key", key).Warn("Stored salt is invalid, generating a new one")
	}

	salt, err = d.crypto.GenerateSalt()
	if err != nil {
		return "", false, err
	}
	return salt, true, nil
}

// cryptoFailure records a failed crypto operation.
func (d *deps) cryptoFailure(ctx context.Context, op string, err error) {
	var cryptoErr *models.CryptoError
	if !errors.As(err, &cryptoErr) {
		return
	}
	d.metrics.CryptoFailure(op, cryptoErr.Reason)
	if cryptoErr.Reason == models.ReasonDecryptionFailed {
		d.audit.Log(ctx, models.EventPinFailed, map[string]string{"operation": op})
	}
}

func wipe(key []byte) {
	if key != nil {
		memguard.WipeBytes(key)
	}
}
