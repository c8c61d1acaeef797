package crypto_test

import (
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/walletguard/internal/crypto"
	"github.com/TheMichaelB/walletguard/internal/crypto/testdata"
	"github.com/TheMichaelB/walletguard/internal/models"
)

const testSalt = "d2FsbGV0Z3VhcmQtdGVzdC1zYWx0LTAxMjM0NTY3ODk="

func TestProvider_DeriveKey(t *testing.T) {
	provider := crypto.NewProvider(crypto.WithIterations(1000))

	tests := []struct {
		name       string
		secret     string
		salt       string
		wantReason string
	}{
		{
			name:   "numeric PIN",
			secret: "135790",
			salt:   testSalt,
		},
		{
			name:   "unicode password",
			secret: "пароль123",
			salt:   testSalt,
		},
		{
			name:       "invalid base64 salt",
			secret:     "135790",
			salt:       "invalid-base64!",
			wantReason: models.ReasonInvalidSalt,
		},
		{
			name:       "short salt",
			secret:     "135790",
			salt:       "c2hvcnQ=", // "short" in base64
			wantReason: models.ReasonInvalidSalt,
		},
		{
			name:       "long salt",
			secret:     "135790",
			salt:       base64.StdEncoding.EncodeToString(make([]byte, 33)),
			wantReason: models.ReasonInvalidSalt,
		},
		{
			name:       "empty secret",
			secret:     "",
			salt:       testSalt,
			wantReason: models.ReasonInvalidSecret,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := provider.DeriveKeyFromEncodedSalt(tt.secret, tt.salt)
			if tt.wantReason != "" {
				require.Error(t, err)
				assert.True(t, models.IsCryptoFailure(err))

				var cryptoErr *models.CryptoError
				require.ErrorAs(t, err, &cryptoErr)
				assert.Equal(t, tt.wantReason, cryptoErr.Reason)
				return
			}

			require.NoError(t, err)
			assert.Len(t, key, crypto.KeySize)

			// Verify deterministic
			key2, err := provider.DeriveKeyFromEncodedSalt(tt.secret, tt.salt)
			require.NoError(t, err)
			assert.Equal(t, key, key2)
		})
	}
}

func TestDeriveKey_InputsChangeOutput(t *testing.T) {
	salt1, err := crypto.GenerateSalt()
	require.NoError(t, err)
	salt2, err := crypto.GenerateSalt()
	require.NoError(t, err)

	base, err := crypto.DeriveKey("135790", salt1, 1000)
	require.NoError(t, err)

	otherSecret, err := crypto.DeriveKey("135791", salt1, 1000)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherSecret)

	otherSalt, err := crypto.DeriveKey("135790", salt2, 1000)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherSalt)

	otherIterations, err := crypto.DeriveKey("135790", salt1, 1001)
	require.NoError(t, err)
	assert.NotEqual(t, base, otherIterations)
}

func TestKeyDerivationVectors(t *testing.T) {
	for _, vector := range testdata.KDFVectors {
		t.Run(vector.Name, func(t *testing.T) {
			salt, err := crypto.DecodeSalt(vector.Salt)
			require.NoError(t, err)

			key, err := crypto.DeriveKey(vector.Secret, salt, vector.Iterations)
			require.NoError(t, err)
			assert.Equal(t, vector.Key, hex.EncodeToString(key))
		})
	}
}

func TestProvider_Defaults(t *testing.T) {
	assert.Equal(t, crypto.DefaultIterations, crypto.NewProvider().Iterations())
	assert.Equal(t, 5000, crypto.NewProvider(crypto.WithIterations(5000)).Iterations())
	assert.Equal(t, crypto.DefaultIterations, crypto.NewProvider(crypto.WithIterations(0)).Iterations())
}

func TestProvider_EncryptDecrypt(t *testing.T) {
	provider := crypto.NewProvider(crypto.WithIterations(1000))

	salt, err := provider.GenerateSalt()
	require.NoError(t, err)
	key, err := provider.DeriveKeyFromEncodedSalt("135790", salt)
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		for _, plaintext := range [][]byte{
			[]byte("zebra zone abandon ability able about above absent absorb abstract absurd abuse"),
			{},
			make([]byte, 4096),
			[]byte("Hello, 世界! 🌍"),
		} {
			blob, err := provider.Encrypt(plaintext, key)
			require.NoError(t, err)

			result, err := provider.Decrypt(blob, key)
			require.NoError(t, err)
			assert.Equal(t, len(plaintext), len(result))
			assert.Equal(t, string(plaintext), string(result))
		}
	})

	t.Run("invalid key size", func(t *testing.T) {
		_, err := provider.Encrypt([]byte("data"), []byte("short"))
		assert.ErrorIs(t, err, crypto.ErrInvalidKey)
		assert.ErrorIs(t, err, models.ErrCryptographyFailure)

		_, err = provider.Decrypt("AAAA", []byte("short"))
		assert.ErrorIs(t, err, crypto.ErrInvalidKey)
	})

	t.Run("ciphertext too short", func(t *testing.T) {
		short := base64.StdEncoding.EncodeToString(make([]byte, crypto.NonceSize+crypto.TagSize-1))
		_, err := provider.Decrypt(short, key)
		assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext)
	})

	t.Run("not base64", func(t *testing.T) {
		_, err := provider.Decrypt("%%% not base64 %%%", key)
		assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext)
		assert.True(t, models.IsCryptoFailure(err))
	})
}

func TestSplitJoinBlob(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	blob, err := crypto.Encrypt([]byte("security settings"), key)
	require.NoError(t, err)

	iv, ciphertext, tag, err := crypto.SplitBlob(blob)
	require.NoError(t, err)
	assert.Len(t, iv, crypto.NonceSize)
	assert.Len(t, tag, crypto.TagSize)
	assert.Len(t, ciphertext, len("security settings"))

	joined, err := crypto.JoinBlob(iv, ciphertext, tag)
	require.NoError(t, err)
	assert.Equal(t, blob, joined)

	_, err = crypto.JoinBlob(iv[:8], ciphertext, tag)
	assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext)

	_, _, _, err = crypto.SplitBlob("AAAA")
	assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext)
}
