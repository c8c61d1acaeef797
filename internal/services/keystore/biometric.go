package keystore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/TheMichaelB/walletguard/internal/biometric"
	"github.com/TheMichaelB/walletguard/internal/crypto"
	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
)

// KeyState is the availability of the biometric wallet key.
type KeyState int

const (
	// KeyAbsent means no key has been generated.
	KeyAbsent KeyState = iota
	// KeyAvailable means the biometric form is stored and a challenge can run.
	KeyAvailable
	// KeyRequiresPinFallback means only the PIN envelope can unlock the key.
	KeyRequiresPinFallback
)

func (s KeyState) String() string {
	switch s {
	case KeyAvailable:
		return "available"
	case KeyRequiresPinFallback:
		return "requiresPinFallback"
	default:
		return "absent"
	}
}

const defaultReason = "Unlock wallet key"

// BiometricKeys manages the random wallet key held in two forms: a
// biometric-gated copy and a PIN-encrypted envelope.
type BiometricKeys struct {
	deps
	auth biometric.Authenticator
}

// NewBiometricKeys creates the biometric key service.
func NewBiometricKeys(store securestore.Store, provider crypto.Provider, auth biometric.Authenticator, logger *events.Logger, opts ...Option) *BiometricKeys {
	return &BiometricKeys{
		deps: newDeps(store, provider, logger, "biometric_keys", opts),
		auth: auth,
	}
}

// Status reports which unlock path is usable.
func (b *BiometricKeys) Status(ctx context.Context) (KeyState, error) {
	_, hasRaw, err := b.read(ctx, securestore.KeyBiometricKey)
	if err != nil {
		return KeyAbsent, err
	}
	_, hasEnvelope, err := b.read(ctx, securestore.KeyEncryptedBiometricKey)
	if err != nil {
		return KeyAbsent, err
	}

	switch {
	case hasRaw && b.auth.Available(ctx):
		return KeyAvailable, nil
	case hasEnvelope:
		return KeyRequiresPinFallback, nil
	default:
		return KeyAbsent, nil
	}
}

// GenerateAndSaveBiometricKey creates a new random key, seals it under pin
// and stores both forms in one batch.
func (b *BiometricKeys) GenerateAndSaveBiometricKey(ctx context.Context, pin string) ([]byte, error) {
	unlock, err := b.locker.Lock(ctx, securestore.KeyBiometricKey)
	if err != nil {
		return nil, fmt.Errorf("generate biometric key: %w", err)
	}
	defer unlock()

	walletKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate biometric key: %w", err)
	}

	salt, _, err := b.saltFor(ctx, securestore.KeyBiometricKeySalt)
	if err != nil {
		return nil, fmt.Errorf("generate biometric key: %w", err)
	}

	envelope, err := b.seal(walletKey, pin, salt)
	if err != nil {
		return nil, fmt.Errorf("generate biometric key: %w", err)
	}

	err = b.apply(ctx,
		securestore.WriteOp(securestore.KeyBiometricKeySalt, salt, true),
		securestore.WriteOp(securestore.KeyEncryptedBiometricKey, envelope, true),
		securestore.WriteOp(securestore.KeyBiometricKey, base64.StdEncoding.EncodeToString(walletKey), true),
	)
	if err != nil {
		wipe(walletKey)
		return nil, fmt.Errorf("generate biometric key: %w", err)
	}

	b.logger.Info("Biometric key generated")
	b.audit.Log(ctx, models.EventBiometricEnabled, nil)
	return walletKey, nil
}

func (b *BiometricKeys) seal(walletKey []byte, pin, salt string) (string, error) {
	pinKey, err := b.crypto.DeriveKeyFromEncodedSalt(pin, salt)
	if err != nil {
		return "", err
	}
	defer wipe(pinKey)

	return b.crypto.Encrypt(walletKey, pinKey)
}

// GetBiometricKey runs the biometric challenge and returns the key. A
// declined or unavailable challenge, or a missing key, returns nil with no
// error; only storage faults are errors.
func (b *BiometricKeys) GetBiometricKey(ctx context.Context, reason string) ([]byte, error) {
	if !b.auth.Available(ctx) {
		return nil, nil
	}
	if reason == "" {
		reason = defaultReason
	}

	ok, err := b.auth.EnsureAuthenticated(ctx, reason)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		b.logger.WithError(err).Warn("Biometric challenge failed")
		ok = false
	}
	if !ok {
		b.audit.Log(ctx, models.EventBiometricFailed, nil)
		return nil, nil
	}

	encoded, found, err := b.read(ctx, securestore.KeyBiometricKey)
	if err != nil {
		return nil, fmt.Errorf("get biometric key: %w", err)
	}
	if !found {
		return nil, nil
	}

	walletKey, err := base64.StdEncoding.DecodeString(encoded)
	if err == nil {
		err = crypto.ValidateKeySize(walletKey)
	}
	if err != nil {
		b.logger.WithError(err).Error("Stored biometric key is malformed")
		return nil, models.WrapStorage("get biometric key", securestore.KeyBiometricKey, fmt.Errorf("%w: %v", securestore.ErrCorrupt, err))
	}

	b.audit.Log(ctx, models.EventBiometricSuccess, nil)
	return walletKey, nil
}

// GetBiometricKeyWithPin opens the PIN envelope.
func (b *BiometricKeys) GetBiometricKeyWithPin(ctx context.Context, pin string) ([]byte, error) {
	envelope, found, err := b.read(ctx, securestore.KeyEncryptedBiometricKey)
	if err != nil {
		return nil, fmt.Errorf("get biometric key: %w", err)
	}
	if !found {
		return nil, ErrBiometricKeyNotFound
	}

	salt, found, err := b.read(ctx, securestore.KeyBiometricKeySalt)
	if err != nil {
		return nil, fmt.Errorf("get biometric key: %w", err)
	}
	if !found {
		return nil, &models.CryptoError{Op: "get biometric key", Reason: models.ReasonMissingSalt}
	}

	pinKey, err := b.crypto.DeriveKeyFromEncodedSalt(pin, salt)
	if err != nil {
		return nil, fmt.Errorf("get biometric key: %w", err)
	}
	defer wipe(pinKey)

	walletKey, err := b.crypto.Decrypt(envelope, pinKey)
	if err != nil {
		b.cryptoFailure(ctx, "open biometric envelope", err)
		return nil, fmt.Errorf("get biometric key: %w", err)
	}
	if err := crypto.ValidateKeySize(walletKey); err != nil {
		return nil, fmt.Errorf("get biometric key: %w", err)
	}

	return walletKey, nil
}

// unlock returns the wallet key through biometrics when asked, falling
// back to pin.
func (b *BiometricKeys) unlock(ctx context.Context, pin string, useBiometric bool) ([]byte, error) {
	if useBiometric {
		key, err := b.GetBiometricKey(ctx, defaultReason)
		if err != nil {
			return nil, err
		}
		if key != nil {
			return key, nil
		}
	}
	if pin == "" {
		return nil, ErrPinRequired
	}
	return b.GetBiometricKeyWithPin(ctx, pin)
}

// EncryptWithBiometricKey seals plaintext under the wallet key.
func (b *BiometricKeys) EncryptWithBiometricKey(ctx context.Context, plaintext []byte, pin string, useBiometric bool) (string, error) {
	walletKey, err := b.unlock(ctx, pin, useBiometric)
	if err != nil {
		return "", err
	}
	defer wipe(walletKey)

	blob, err := b.crypto.Encrypt(plaintext, walletKey)
	if err != nil {
		b.cryptoFailure(ctx, "encrypt with biometric key", err)
		b.audit.Log(ctx, models.EventEncryptionFailure, nil)
		return "", err
	}
	return blob, nil
}

// DecryptWithBiometricKey opens a blob sealed with EncryptWithBiometricKey.
func (b *BiometricKeys) DecryptWithBiometricKey(ctx context.Context, blob, pin string, useBiometric bool) ([]byte, error) {
	walletKey, err := b.unlock(ctx, pin, useBiometric)
	if err != nil {
		return nil, err
	}
	defer wipe(walletKey)

	plaintext, err := b.crypto.Decrypt(blob, walletKey)
	if err != nil {
		b.metrics.CryptoFailure("decrypt with biometric key", reasonOf(err))
		b.audit.Log(ctx, models.EventDecryptionFailure, nil)
		return nil, err
	}
	return plaintext, nil
}

// ChangePinForBiometricKey re-seals the same wallet key under newPin with
// a fresh salt. A wrong oldPin changes nothing.
func (b *BiometricKeys) ChangePinForBiometricKey(ctx context.Context, oldPin, newPin string) error {
	unlock, err := b.locker.Lock(ctx, securestore.KeyBiometricKey)
	if err != nil {
		return fmt.Errorf("change biometric pin: %w", err)
	}
	defer unlock()

	walletKey, err := b.GetBiometricKeyWithPin(ctx, oldPin)
	if err != nil {
		return fmt.Errorf("change biometric pin: %w", err)
	}
	defer wipe(walletKey)

	salt, err := b.crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("change biometric pin: %w", err)
	}

	envelope, err := b.seal(walletKey, newPin, salt)
	if err != nil {
		return fmt.Errorf("change biometric pin: %w", err)
	}

	err = b.apply(ctx,
		securestore.WriteOp(securestore.KeyBiometricKeySalt, salt, true),
		securestore.WriteOp(securestore.KeyEncryptedBiometricKey, envelope, true),
	)
	if err != nil {
		return fmt.Errorf("change biometric pin: %w", err)
	}

	b.audit.Log(ctx, models.EventPinChanged, map[string]string{"scope": "biometric"})
	return nil
}

// DeleteBiometricKey removes the key, its envelope and its salt together.
func (b *BiometricKeys) DeleteBiometricKey(ctx context.Context) error {
	unlock, err := b.locker.Lock(ctx, securestore.KeyBiometricKey)
	if err != nil {
		return fmt.Errorf("delete biometric key: %w", err)
	}
	defer unlock()

	err = b.apply(ctx,
		securestore.DeleteOp(securestore.KeyBiometricKey),
		securestore.DeleteOp(securestore.KeyEncryptedBiometricKey),
		securestore.DeleteOp(securestore.KeyBiometricKeySalt),
	)
	if err != nil {
		return fmt.Errorf("delete biometric key: %w", err)
	}

	b.audit.Log(ctx, models.EventBiometricDisabled, nil)
	return nil
}

// HasBiometricKey reports whether either form of the key is stored.
func (b *BiometricKeys) HasBiometricKey(ctx context.Context) (bool, error) {
	state, err := b.Status(ctx)
	if err != nil {
		return false, err
	}
	if state != KeyAbsent {
		return true, nil
	}
	// Raw form stored but no challenge available and no envelope
	_, found, err := b.read(ctx, securestore.KeyBiometricKey)
	return found, err
}

func reasonOf(err error) string {
	var cryptoErr *models.CryptoError
	if errors.As(err, &cryptoErr) {
		return cryptoErr.Reason
	}
	return "unknown"
}
