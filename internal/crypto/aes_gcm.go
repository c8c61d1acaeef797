package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"

	"github.com/TheMichaelB/walletguard/internal/models"
)

// Encrypt encrypts plaintext using AES-256-GCM with a fresh random nonce.
// Returns: Base64(nonce || ciphertext || tag)
func Encrypt(plaintext, key []byte) (string, error) {
	aead, err := newGCM("encrypt", key)
	if err != nil {
		return "", err
	}

	nonce, err := RandomBytes(NonceSize)
	if err != nil {
		return "", err
	}

	// Seal appends the tag to the ciphertext
	sealed := aead.Seal(nil, nonce, plaintext, nil)

	result := make([]byte, 0, NonceSize+len(sealed))
	result = append(result, nonce...)
	result = append(result, sealed...)

	return base64.StdEncoding.EncodeToString(result), nil
}

// Decrypt opens a blob produced by Encrypt. It fails closed on bad Base64,
// truncated input or an authentication tag mismatch.
func Decrypt(blob string, key []byte) ([]byte, error) {
	aead, err := newGCM("decrypt", key)
	if err != nil {
		return nil, err
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, &models.CryptoError{
			Op:     "decrypt",
			Reason: models.ReasonInvalidCiphertext,
			Err:    fmt.Errorf("%w: %v", ErrInvalidCiphertext, err),
		}
	}

	// Minimum size: nonce + tag
	if len(raw) < NonceSize+TagSize {
		return nil, &models.CryptoError{
			Op:     "decrypt",
			Reason: models.ReasonInvalidCiphertext,
			Err:    fmt.Errorf("%w: %d bytes", ErrInvalidCiphertext, len(raw)),
		}
	}

	plaintext, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, &models.CryptoError{
			Op:     "decrypt",
			Reason: models.ReasonDecryptionFailed,
			Err:    ErrDecryptionFailed,
		}
	}

	return plaintext, nil
}

// SplitBlob breaks an Encrypt result into its wire fields.
func SplitBlob(blob string) (iv, ciphertext, tag []byte, err error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, nil, nil, &models.CryptoError{
			Op:     "split blob",
			Reason: models.ReasonInvalidCiphertext,
			Err:    fmt.Errorf("%w: %v", ErrInvalidCiphertext, err),
		}
	}
	if len(raw) < NonceSize+TagSize {
		return nil, nil, nil, &models.CryptoError{
			Op:     "split blob",
			Reason: models.ReasonInvalidCiphertext,
			Err:    fmt.Errorf("%w: %d bytes", ErrInvalidCiphertext, len(raw)),
		}
	}

	iv = raw[:NonceSize]
	ciphertext = raw[NonceSize : len(raw)-TagSize]
	tag = raw[len(raw)-TagSize:]
	return iv, ciphertext, tag, nil
}

// JoinBlob is the inverse of SplitBlob.
func JoinBlob(iv, ciphertext, tag []byte) (string, error) {
	if len(iv) != NonceSize || len(tag) != TagSize {
		return "", &models.CryptoError{
			Op:     "join blob",
			Reason: models.ReasonInvalidCiphertext,
			Err:    fmt.Errorf("%w: iv %d bytes, tag %d bytes", ErrInvalidCiphertext, len(iv), len(tag)),
		}
	}

	raw := make([]byte, 0, len(iv)+len(ciphertext)+len(tag))
	raw = append(raw, iv...)
	raw = append(raw, ciphertext...)
	raw = append(raw, tag...)
	return base64.StdEncoding.EncodeToString(raw), nil
}

func newGCM(op string, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, &models.CryptoError{
			Op:     op,
			Reason: models.ReasonInvalidKey,
			Err:    fmt.Errorf("%w: expected %d, got %d", ErrInvalidKey, KeySize, len(key)),
		}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &models.CryptoError{Op: op, Reason: models.ReasonInvalidKey, Err: fmt.Errorf("create cipher: %w", err)}
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &models.CryptoError{Op: op, Reason: models.ReasonInvalidKey, Err: fmt.Errorf("create GCM: %w", err)}
	}

	return aead, nil
}
