package keystore

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/TheMichaelB/walletguard/internal/crypto"
	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
)

// MnemonicStore keeps the master secret encrypted under a PIN-derived key.
type MnemonicStore struct {
	deps
}

// NewMnemonicStore creates a mnemonic store.
func NewMnemonicStore(store securestore.Store, provider crypto.Provider, logger *events.Logger, opts ...Option) *MnemonicStore {
	return &MnemonicStore{deps: newDeps(store, provider, logger, "mnemonic", opts)}
}

// SaveMnemonic encrypts secret under pin and persists it. The salt is
// reused when a valid one exists.
func (m *MnemonicStore) SaveMnemonic(ctx context.Context, secret, pin string) error {
	if strings.TrimSpace(secret) == "" {
		return ErrEmptyMnemonic
	}

	unlock, err := m.locker.Lock(ctx, securestore.KeyMnemonic)
	if err != nil {
		return fmt.Errorf("save mnemonic: %w", err)
	}
	defer unlock()

	if err := m.saveLocked(ctx, secret, pin); err != nil {
		return fmt.Errorf("save mnemonic: %w", err)
	}

	m.logger.Info("Mnemonic saved")
	return nil
}

func (m *MnemonicStore) saveLocked(ctx context.Context, secret, pin string) error {
	salt, fresh, err := m.saltFor(ctx, securestore.KeyPinSalt)
	if err != nil {
		return err
	}

	key, err := m.crypto.DeriveKeyFromEncodedSalt(pin, salt)
	if err != nil {
		return err
	}
	defer wipe(key)

	blob, err := m.crypto.Encrypt([]byte(secret), key)
	if err != nil {
		m.cryptoFailure(ctx, "encrypt mnemonic", err)
		return err
	}

	// Salt first: a crash in between leaves a salt with no ciphertext,
	// never a ciphertext whose salt is gone.
	if fresh {
		if err := m.write(ctx, securestore.KeyPinSalt, salt); err != nil {
			return err
		}
	}
	return m.write(ctx, securestore.KeyMnemonic, blob)
}

// GetMnemonic decrypts the stored secret. It returns ErrMnemonicNotFound
// when nothing is stored and a CryptographyFailure for a wrong PIN. A
// legacy plaintext value is returned as is.
func (m *MnemonicStore) GetMnemonic(ctx context.Context, pin string) (string, error) {
	value, found, err := m.read(ctx, securestore.KeyMnemonic)
	if err != nil {
		return "", fmt.Errorf("get mnemonic: %w", err)
	}
	if !found {
		return "", ErrMnemonicNotFound
	}

	salt, saltFound, err := m.read(ctx, securestore.KeyPinSalt)
	if err != nil {
		return "", fmt.Errorf("get mnemonic: %w", err)
	}

	if isPlaintext(value, salt, saltFound) {
		m.logger.Warn("Mnemonic is stored in plaintext, migration required")
		return value, nil
	}

	plaintext, err := m.decrypt(ctx, value, salt, pin)
	if err != nil {
		return "", fmt.Errorf("get mnemonic: %w", err)
	}

	m.audit.Log(ctx, models.EventMnemonicAccessed, nil)
	return plaintext, nil
}

func (m *MnemonicStore) decrypt(ctx context.Context, blob, salt, pin string) (string, error) {
	key, err := m.crypto.DeriveKeyFromEncodedSalt(pin, salt)
	if err != nil {
		return "", err
	}
	defer wipe(key)

	plaintext, err := m.crypto.Decrypt(blob, key)
	if err != nil {
		m.cryptoFailure(ctx, "decrypt mnemonic", err)
		return "", err
	}
	return string(plaintext), nil
}

// IsPlaintextMnemonic reports whether the stored value still needs
// encrypting. Ambiguous values count as plaintext. With nothing stored it
// returns false.
func (m *MnemonicStore) IsPlaintextMnemonic(ctx context.Context) (bool, error) {
	value, found, err := m.read(ctx, securestore.KeyMnemonic)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	salt, saltFound, err := m.read(ctx, securestore.KeyPinSalt)
	if err != nil {
		return false, err
	}
	return isPlaintext(value, salt, saltFound), nil
}

// MigratePlaintextMnemonic encrypts a legacy plaintext mnemonic under pin.
// It reports whether a migration happened; already encrypted or absent
// values are left alone.
func (m *MnemonicStore) MigratePlaintextMnemonic(ctx context.Context, pin string) (bool, error) {
	unlock, err := m.locker.Lock(ctx, securestore.KeyMnemonic)
	if err != nil {
		return false, fmt.Errorf("migrate mnemonic: %w", err)
	}
	defer unlock()

	plain, err := m.IsPlaintextMnemonic(ctx)
	if err != nil {
		return false, fmt.Errorf("migrate mnemonic: %w", err)
	}
	if !plain {
		return false, nil
	}

	value, _, err := m.read(ctx, securestore.KeyMnemonic)
	if err != nil {
		return false, fmt.Errorf("migrate mnemonic: %w", err)
	}

	if err := m.saveLocked(ctx, value, pin); err != nil {
		return false, fmt.Errorf("migrate mnemonic: %w", err)
	}

	m.logger.Info("Plaintext mnemonic migrated")
	m.audit.Log(ctx, models.EventMnemonicMigrated, nil)
	return true, nil
}

// DeleteMnemonic removes the ciphertext and its salt together.
func (m *MnemonicStore) DeleteMnemonic(ctx context.Context) error {
	unlock, err := m.locker.Lock(ctx, securestore.KeyMnemonic)
	if err != nil {
		return fmt.Errorf("delete mnemonic: %w", err)
	}
	defer unlock()

	err = m.apply(ctx,
		securestore.DeleteOp(securestore.KeyMnemonic),
		securestore.DeleteOp(securestore.KeyPinSalt),
	)
	if err != nil {
		return fmt.Errorf("delete mnemonic: %w", err)
	}

	m.logger.Info("Mnemonic deleted")
	m.audit.Log(ctx, models.EventWalletDeleted, nil)
	return nil
}

// HasMnemonic reports whether a mnemonic is stored.
func (m *MnemonicStore) HasMnemonic(ctx context.Context) (bool, error) {
	_, found, err := m.read(ctx, securestore.KeyMnemonic)
	return found, err
}

// VerifyPin reports whether pin opens the stored mnemonic.
func (m *MnemonicStore) VerifyPin(ctx context.Context, pin string) (bool, error) {
	plain, err := m.IsPlaintextMnemonic(ctx)
	if err != nil {
		return false, err
	}
	if plain {
		return false, ErrMnemonicPlaintext
	}

	_, err = m.GetMnemonic(ctx, pin)
	switch {
	case err == nil:
		m.audit.Log(ctx, models.EventPinVerified, nil)
		return true, nil
	case models.IsCryptoFailure(err):
		return false, nil
	default:
		return false, err
	}
}

// ChangePin re-encrypts the mnemonic under newPin with a fresh salt. A
// wrong oldPin leaves the stored state untouched.
func (m *MnemonicStore) ChangePin(ctx context.Context, oldPin, newPin string) error {
	unlock, err := m.locker.Lock(ctx, securestore.KeyMnemonic)
	if err != nil {
		return fmt.Errorf("change pin: %w", err)
	}
	defer unlock()

	blob, found, err := m.read(ctx, securestore.KeyMnemonic)
	if err != nil {
		return fmt.Errorf("change pin: %w", err)
	}
	if !found {
		return ErrMnemonicNotFound
	}

	salt, saltFound, err := m.read(ctx, securestore.KeyPinSalt)
	if err != nil {
		return fmt.Errorf("change pin: %w", err)
	}
	if isPlaintext(blob, salt, saltFound) {
		return ErrMnemonicPlaintext
	}

	secret, err := m.decrypt(ctx, blob, salt, oldPin)
	if err != nil {
		return fmt.Errorf("change pin: %w", err)
	}

	newSalt, err := m.crypto.GenerateSalt()
	if err != nil {
		return fmt.Errorf("change pin: %w", err)
	}
	key, err := m.crypto.DeriveKeyFromEncodedSalt(newPin, newSalt)
	if err != nil {
		return fmt.Errorf("change pin: %w", err)
	}
	defer wipe(key)

	newBlob, err := m.crypto.Encrypt([]byte(secret), key)
	if err != nil {
		return fmt.Errorf("change pin: %w", err)
	}

	err = m.apply(ctx,
		securestore.WriteOp(securestore.KeyPinSalt, newSalt, true),
		securestore.WriteOp(securestore.KeyMnemonic, newBlob, true),
	)
	if err != nil {
		return fmt.Errorf("change pin: %w", err)
	}

	m.audit.Log(ctx, models.EventPinChanged, map[string]string{"scope": "mnemonic"})
	return nil
}

// isPlaintext applies the fail-safe rule: without a valid salt, or when
// the value cannot be a ciphertext, it is plaintext.
func isPlaintext(value, salt string, saltFound bool) bool {
	if !saltFound || !crypto.IsValidSalt(salt) {
		return true
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return true
	}
	return len(raw) < crypto.NonceSize+crypto.TagSize
}

// IsNotFound reports whether err means nothing is stored.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMnemonicNotFound) || errors.Is(err, ErrBiometricKeyNotFound)
}
