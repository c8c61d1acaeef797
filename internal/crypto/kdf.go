package crypto

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"

	"github.com/TheMichaelB/walletguard/internal/models"
)

// DeriveKey stretches a user secret (PIN, password) into a 32-byte key with
// PBKDF2-HMAC-SHA256. The secret is NFKC-normalised first so that the same
// PIN entered through different input methods derives the same key.
func DeriveKey(secret string, salt []byte, iterations int) ([]byte, error) {
	if secret == "" {
		return nil, &models.CryptoError{Op: "derive key", Reason: models.ReasonInvalidSecret, Err: ErrEmptySecret}
	}
	return DeriveKeyBytes([]byte(norm.NFKC.String(secret)), salt, iterations)
}

// DeriveKeyBytes is DeriveKey for binary secrets. No normalisation applies.
func DeriveKeyBytes(secret, salt []byte, iterations int) ([]byte, error) {
	if len(secret) == 0 {
		return nil, &models.CryptoError{Op: "derive key", Reason: models.ReasonInvalidSecret, Err: ErrEmptySecret}
	}
	if len(salt) != SaltSize {
		return nil, &models.CryptoError{
			Op:     "derive key",
			Reason: models.ReasonInvalidSalt,
			Err:    fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSalt, SaltSize, len(salt)),
		}
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}

	return pbkdf2.Key(secret, salt, iterations, KeySize, sha256.New), nil
}

// GenerateSalt returns SaltSize random bytes from the OS CSPRNG.
func GenerateSalt() ([]byte, error) {
	return RandomBytes(SaltSize)
}

// GenerateEncodedSalt returns a fresh salt encoded for storage.
func GenerateEncodedSalt() (string, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	return EncodeSalt(salt), nil
}

// EncodeSalt encodes a raw salt as standard Base64.
func EncodeSalt(salt []byte) string {
	return base64.StdEncoding.EncodeToString(salt)
}

// DecodeSalt decodes a stored salt. It fails unless the value is valid
// Base64 of exactly SaltSize bytes.
func DecodeSalt(encoded string) ([]byte, error) {
	salt, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &models.CryptoError{
			Op:     "decode salt",
			Reason: models.ReasonInvalidSalt,
			Err:    fmt.Errorf("%w: %v", ErrInvalidSalt, err),
		}
	}
	if len(salt) != SaltSize {
		return nil, &models.CryptoError{
			Op:     "decode salt",
			Reason: models.ReasonInvalidSalt,
			Err:    fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSalt, SaltSize, len(salt)),
		}
	}
	return salt, nil
}

// ValidateSalt checks a stored salt without returning it.
func ValidateSalt(encoded string) error {
	_, err := DecodeSalt(encoded)
	return err
}

// IsValidSalt is the boolean form of ValidateSalt.
func IsValidSalt(encoded string) bool {
	return ValidateSalt(encoded) == nil
}
