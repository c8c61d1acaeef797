package crypto_test

import (
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/walletguard/internal/crypto"
	"github.com/TheMichaelB/walletguard/internal/models"
)

func TestSecurityRequirements(t *testing.T) {
	t.Run("key derivation uses sufficient iterations", func(t *testing.T) {
		assert.GreaterOrEqual(t, crypto.DefaultIterations, 100000)
	})

	t.Run("key size is 256 bits", func(t *testing.T) {
		assert.Equal(t, 32, crypto.KeySize)
	})

	t.Run("salt is 256 bits", func(t *testing.T) {
		assert.Equal(t, 32, crypto.SaltSize)
	})

	t.Run("nonce is random for each encryption", func(t *testing.T) {
		key := make([]byte, crypto.KeySize)
		_, err := rand.Read(key)
		require.NoError(t, err)

		plaintext := []byte("test message")

		cipher1, err := crypto.Encrypt(plaintext, key)
		require.NoError(t, err)

		cipher2, err := crypto.Encrypt(plaintext, key)
		require.NoError(t, err)

		// Ciphertexts should be different due to random nonce
		assert.NotEqual(t, cipher1, cipher2)

		plain1, err := crypto.Decrypt(cipher1, key)
		require.NoError(t, err)

		plain2, err := crypto.Decrypt(cipher2, key)
		require.NoError(t, err)

		assert.Equal(t, plaintext, plain1)
		assert.Equal(t, plaintext, plain2)
	})

	t.Run("authentication tag prevents tampering", func(t *testing.T) {
		key := make([]byte, crypto.KeySize)
		_, err := rand.Read(key)
		require.NoError(t, err)

		blob, err := crypto.Encrypt([]byte("sensitive data"), key)
		require.NoError(t, err)

		raw, err := base64.StdEncoding.DecodeString(blob)
		require.NoError(t, err)

		for _, idx := range []int{0, crypto.NonceSize, len(raw) - 1} {
			tampered := append([]byte(nil), raw...)
			tampered[idx] ^= 0xFF

			_, err = crypto.Decrypt(base64.StdEncoding.EncodeToString(tampered), key)
			assert.ErrorIs(t, err, crypto.ErrDecryptionFailed, "byte %d", idx)
		}
	})

	t.Run("truncation fails closed", func(t *testing.T) {
		key := make([]byte, crypto.KeySize)
		_, err := rand.Read(key)
		require.NoError(t, err)

		blob, err := crypto.Encrypt([]byte("sensitive data"), key)
		require.NoError(t, err)

		raw, err := base64.StdEncoding.DecodeString(blob)
		require.NoError(t, err)

		truncated := base64.StdEncoding.EncodeToString(raw[:len(raw)-1])
		_, err = crypto.Decrypt(truncated, key)
		assert.True(t, models.IsCryptoFailure(err))
	})
}

func TestAESGCMSecurity(t *testing.T) {
	t.Run("encrypt same plaintext produces different ciphertext", func(t *testing.T) {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)

		plaintext := []byte("same message")

		results := make([]string, 10)
		for i := 0; i < 10; i++ {
			blob, err := crypto.Encrypt(plaintext, key)
			require.NoError(t, err)
			results[i] = blob
		}

		for i := 0; i < len(results); i++ {
			for j := i + 1; j < len(results); j++ {
				assert.NotEqual(t, results[i], results[j],
					"Ciphertext %d and %d should be different", i, j)
			}
		}
	})

	t.Run("wrong key fails decryption", func(t *testing.T) {
		key1, err := crypto.GenerateKey()
		require.NoError(t, err)
		key2, err := crypto.GenerateKey()
		require.NoError(t, err)

		blob, err := crypto.Encrypt([]byte("secret message"), key1)
		require.NoError(t, err)

		_, err = crypto.Decrypt(blob, key2)
		assert.ErrorIs(t, err, crypto.ErrDecryptionFailed)
		assert.ErrorIs(t, err, models.ErrCryptographyFailure)
	})

	t.Run("garbage input never decrypts", func(t *testing.T) {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)

		for i := 0; i < 20; i++ {
			garbage := make([]byte, crypto.NonceSize+crypto.TagSize+i)
			_, err := rand.Read(garbage)
			require.NoError(t, err)

			plaintext, err := crypto.Decrypt(base64.StdEncoding.EncodeToString(garbage), key)
			assert.Nil(t, plaintext)
			assert.True(t, models.IsCryptoFailure(err))
		}
	})

	t.Run("key validation", func(t *testing.T) {
		tests := []struct {
			name    string
			keySize int
			wantErr bool
		}{
			{"correct size", crypto.KeySize, false},
			{"too short", crypto.KeySize - 1, true},
			{"too long", crypto.KeySize + 1, true},
			{"zero size", 0, true},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				key := make([]byte, tt.keySize)
				err := crypto.ValidateKeySize(key)
				if tt.wantErr {
					assert.ErrorIs(t, err, crypto.ErrInvalidKey)
				} else {
					assert.NoError(t, err)
				}
			})
		}
	})
}

func TestSaltValidity(t *testing.T) {
	for i := 0; i < 20; i++ {
		salt, err := crypto.GenerateEncodedSalt()
		require.NoError(t, err)
		assert.NoError(t, crypto.ValidateSalt(salt))
	}

	salt1, err := crypto.GenerateEncodedSalt()
	require.NoError(t, err)
	salt2, err := crypto.GenerateEncodedSalt()
	require.NoError(t, err)
	assert.NotEqual(t, salt1, salt2)

	invalid := []string{
		"",
		"not base64 at all",
		base64.StdEncoding.EncodeToString(make([]byte, 16)),
		base64.StdEncoding.EncodeToString(make([]byte, 31)),
		base64.StdEncoding.EncodeToString(make([]byte, 64)),
		base64.URLEncoding.EncodeToString([]byte{0xfb, 0xff, 0xfe, 0xfd, 0xfc, 0xfb, 0xff, 0xfe, 0xfd, 0xfc, 0xfb, 0xff, 0xfe, 0xfd, 0xfc, 0xfb, 0xff, 0xfe, 0xfd, 0xfc, 0xfb, 0xff, 0xfe, 0xfd, 0xfc, 0xfb, 0xff, 0xfe, 0xfd, 0xfc, 0xfb, 0xff}),
	}
	for _, s := range invalid {
		err := crypto.ValidateSalt(s)
		assert.ErrorIs(t, err, crypto.ErrInvalidSalt, "salt %q", s)
		assert.False(t, crypto.IsValidSalt(s))
	}
}
