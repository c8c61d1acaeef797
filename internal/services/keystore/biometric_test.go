package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/walletguard/internal/biometric"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
	"github.com/TheMichaelB/walletguard/test/testutil"
)

func TestBiometricKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	keys, store, auditor := newBiometricKeys(t, biometric.Allow())

	state, err := keys.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, KeyAbsent, state)

	_, err = keys.GetBiometricKeyWithPin(ctx, testutil.TestPIN)
	assert.ErrorIs(t, err, ErrBiometricKeyNotFound)

	walletKey, err := keys.GenerateAndSaveBiometricKey(ctx, testutil.TestPIN)
	require.NoError(t, err)
	assert.Len(t, walletKey, 32)
	assert.True(t, auditor.has(models.EventBiometricEnabled))
	assert.Equal(t, 3, store.Len())

	state, err = keys.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, KeyAvailable, state)

	viaBiometric, err := keys.GetBiometricKey(ctx, "test")
	require.NoError(t, err)
	viaPin, err := keys.GetBiometricKeyWithPin(ctx, testutil.TestPIN)
	require.NoError(t, err)
	assert.Equal(t, viaBiometric, viaPin, "both paths yield the same key")

	_, err = keys.GetBiometricKeyWithPin(ctx, testutil.WrongPIN)
	assert.True(t, models.IsCryptoFailure(err))

	has, err := keys.HasBiometricKey(ctx)
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, keys.DeleteBiometricKey(ctx))
	assert.Zero(t, store.Len())
	assert.True(t, auditor.has(models.EventBiometricDisabled))

	has, err = keys.HasBiometricKey(ctx)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestGetBiometricKeyDeclined(t *testing.T) {
	ctx := context.Background()
	store := securestore.NewMemoryStore()
	setup := NewBiometricKeys(store, testutil.TestProvider(), biometric.Allow(), testutil.NewTestLogger())
	_, err := setup.GenerateAndSaveBiometricKey(ctx, testutil.TestPIN)
	require.NoError(t, err)

	auditor := &recordingAuditor{}
	keys := NewBiometricKeys(store, testutil.TestProvider(), biometric.Deny(), testutil.NewTestLogger(), WithAuditor(auditor))

	key, err := keys.GetBiometricKey(ctx, "test")
	assert.NoError(t, err)
	assert.Nil(t, key)
	assert.True(t, auditor.has(models.EventBiometricFailed))

	unavailable := NewBiometricKeys(store, testutil.TestProvider(), &biometric.StaticAuthenticator{Unavailable: true}, testutil.NewTestLogger())
	key, err = unavailable.GetBiometricKey(ctx, "test")
	assert.NoError(t, err)
	assert.Nil(t, key)

	state, err := unavailable.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, KeyRequiresPinFallback, state)
}

func TestGetBiometricKeyStorageFault(t *testing.T) {
	ctx := context.Background()
	inner := securestore.NewMemoryStore()
	store := testutil.NewFaultyStore(inner)
	store.FailRead(securestore.KeyBiometricKey)

	keys := NewBiometricKeys(store, testutil.TestProvider(), biometric.Allow(), testutil.NewTestLogger())
	_, err := keys.GetBiometricKey(ctx, "test")
	require.Error(t, err)
	assert.True(t, models.IsStorageFailure(err))
}

func TestGetBiometricKeyWithPinMissingSalt(t *testing.T) {
	ctx := context.Background()
	keys, store, _ := newBiometricKeys(t, biometric.Allow())
	_, err := keys.GenerateAndSaveBiometricKey(ctx, testutil.TestPIN)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, securestore.KeyBiometricKeySalt))

	_, err = keys.GetBiometricKeyWithPin(ctx, testutil.TestPIN)
	assert.True(t, models.IsCryptoFailure(err))
}

func TestEncryptDecryptWithBiometricKey(t *testing.T) {
	ctx := context.Background()
	keys, store, _ := newBiometricKeys(t, biometric.Allow())
	_, err := keys.GenerateAndSaveBiometricKey(ctx, testutil.TestPIN)
	require.NoError(t, err)

	blob, err := keys.EncryptWithBiometricKey(ctx, []byte("backup metadata"), "", true)
	require.NoError(t, err)

	// PIN path opens what the biometric path sealed
	plaintext, err := keys.DecryptWithBiometricKey(ctx, blob, testutil.TestPIN, false)
	require.NoError(t, err)
	assert.Equal(t, "backup metadata", string(plaintext))

	_, err = keys.DecryptWithBiometricKey(ctx, blob, testutil.WrongPIN, false)
	assert.True(t, models.IsCryptoFailure(err))

	// Declined challenge falls back to the PIN
	declined := NewBiometricKeys(store, testutil.TestProvider(), biometric.Deny(), testutil.NewTestLogger())
	plaintext, err = declined.DecryptWithBiometricKey(ctx, blob, testutil.TestPIN, true)
	require.NoError(t, err)
	assert.Equal(t, "backup metadata", string(plaintext))

	_, err = declined.EncryptWithBiometricKey(ctx, []byte("x"), "", true)
	assert.ErrorIs(t, err, ErrPinRequired)
}

func TestChangePinForBiometricKey(t *testing.T) {
	ctx := context.Background()
	keys, store, _ := newBiometricKeys(t, biometric.Allow())
	original, err := keys.GenerateAndSaveBiometricKey(ctx, testutil.TestPIN)
	require.NoError(t, err)
	original = append([]byte(nil), original...)

	before := store.Snapshot()
	err = keys.ChangePinForBiometricKey(ctx, testutil.WrongPIN, "246810")
	assert.True(t, models.IsCryptoFailure(err))
	assert.Equal(t, before, store.Snapshot())

	require.NoError(t, keys.ChangePinForBiometricKey(ctx, testutil.TestPIN, "246810"))

	after := store.Snapshot()
	assert.NotEqual(t, before[securestore.KeyBiometricKeySalt], after[securestore.KeyBiometricKeySalt])
	assert.Equal(t, before[securestore.KeyBiometricKey], after[securestore.KeyBiometricKey], "key never rotates")

	_, err = keys.GetBiometricKeyWithPin(ctx, testutil.TestPIN)
	assert.True(t, models.IsCryptoFailure(err))

	got, err := keys.GetBiometricKeyWithPin(ctx, "246810")
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestGenerateBiometricKeyRollsBack(t *testing.T) {
	ctx := context.Background()
	inner := securestore.NewMemoryStore()
	keys := NewBiometricKeys(inner, testutil.TestProvider(), biometric.Allow(), testutil.NewTestLogger())
	_, err := keys.GenerateAndSaveBiometricKey(ctx, testutil.TestPIN)
	require.NoError(t, err)
	before := inner.Snapshot()

	faulty := testutil.NewFaultyStore(inner)
	faulty.FailWrite(securestore.KeyBiometricKey)
	keys = NewBiometricKeys(faulty, testutil.TestProvider(), biometric.Allow(), testutil.NewTestLogger())

	_, err = keys.GenerateAndSaveBiometricKey(ctx, testutil.TestPIN)
	require.Error(t, err)
	assert.True(t, models.IsStorageFailure(err))
	assert.Equal(t, before, inner.Snapshot(), "prior key restored")
}

func TestKeyStateString(t *testing.T) {
	assert.Equal(t, "absent", KeyAbsent.String())
	assert.Equal(t, "available", KeyAvailable.String())
	assert.Equal(t, "requiresPinFallback", KeyRequiresPinFallback.String())
}
