package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/TheMichaelB/walletguard/internal/models"
)

const (
	// Key sizes
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard
	TagSize   = 16 // GCM tag

	// PBKDF2 parameters
	DefaultIterations = 100000
	SaltSize          = 32
)

// Errors
var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrInvalidKey        = errors.New("invalid key size")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrInvalidSalt       = errors.New("invalid salt")
	ErrEmptySecret       = errors.New("empty secret")
)

// CryptoProvider handles all cryptographic operations.
type CryptoProvider struct {
	iterations int
}

// ProviderOption configures a CryptoProvider.
type ProviderOption func(*CryptoProvider)

// WithIterations overrides the PBKDF2 iteration count.
func WithIterations(n int) ProviderOption {
	return func(p *CryptoProvider) {
		if n > 0 {
			p.iterations = n
		}
	}
}

// NewProvider creates a crypto provider.
func NewProvider(opts ...ProviderOption) *CryptoProvider {
	p := &CryptoProvider{
		iterations: DefaultIterations,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Iterations returns the PBKDF2 iteration count in use.
func (p *CryptoProvider) Iterations() int {
	return p.iterations
}

// DeriveKey derives a 32-byte key from a secret and a raw salt.
func (p *CryptoProvider) DeriveKey(secret string, salt []byte) ([]byte, error) {
	return DeriveKey(secret, salt, p.iterations)
}

// DeriveKeyFromEncodedSalt derives a key from a Base64 salt.
func (p *CryptoProvider) DeriveKeyFromEncodedSalt(secret, encodedSalt string) ([]byte, error) {
	salt, err := DecodeSalt(encodedSalt)
	if err != nil {
		return nil, err
	}
	return DeriveKey(secret, salt, p.iterations)
}

// GenerateSalt returns a fresh Base64-encoded salt.
func (p *CryptoProvider) GenerateSalt() (string, error) {
	return GenerateEncodedSalt()
}

// Encrypt encrypts plaintext using AES-GCM.
func (p *CryptoProvider) Encrypt(plaintext, key []byte) (string, error) {
	return Encrypt(plaintext, key)
}

// Decrypt decrypts a blob using AES-GCM.
func (p *CryptoProvider) Decrypt(blob string, key []byte) ([]byte, error) {
	return Decrypt(blob, key)
}

// RandomBytes reads n bytes from the OS CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, &models.CryptoError{
			Op:     "random",
			Reason: models.ReasonRandomSource,
			Err:    fmt.Errorf("read %d bytes: %w", n, err),
		}
	}
	return b, nil
}

// GenerateKey returns a random 32-byte symmetric key.
func GenerateKey() ([]byte, error) {
	return RandomBytes(KeySize)
}

// ValidateKeySize checks if the key is the correct size.
func ValidateKeySize(key []byte) error {
	if len(key) != KeySize {
		return &models.CryptoError{
			Op:     "validate key",
			Reason: models.ReasonInvalidKey,
			Err:    fmt.Errorf("%w: expected %d, got %d", ErrInvalidKey, KeySize, len(key)),
		}
	}
	return nil
}
