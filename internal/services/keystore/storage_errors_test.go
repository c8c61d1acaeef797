package keystore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/walletguard/internal/biometric"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
	"github.com/TheMichaelB/walletguard/test/testutil"
)

var errDiskFull = errors.New("disk full")

// bareStore fails with untyped errors, the way a third-party backend might.
type bareStore struct {
	inner     *securestore.MemoryStore
	failRead  bool
	failWrite bool
}

func (s *bareStore) Read(ctx context.Context, key string) (string, error) {
	if s.failRead {
		return "", errDiskFull
	}
	return s.inner.Read(ctx, key)
}

func (s *bareStore) Write(ctx context.Context, key, value string, sensitive bool) error {
	if s.failWrite {
		return errDiskFull
	}
	return s.inner.Write(ctx, key, value, sensitive)
}

func (s *bareStore) Delete(ctx context.Context, key string) error {
	if s.failWrite {
		return errDiskFull
	}
	return s.inner.Delete(ctx, key)
}

func (s *bareStore) Close() error { return nil }

func TestUntypedStoreErrorsBecomeStorageFailures(t *testing.T) {
	ctx := context.Background()

	newStores := func(t *testing.T) (*bareStore, *MnemonicStore, *BiometricKeys) {
		t.Helper()
		store := &bareStore{inner: securestore.NewMemoryStore()}
		m := NewMnemonicStore(store, testutil.TestProvider(), testutil.NewTestLogger())
		b := NewBiometricKeys(store, testutil.TestProvider(), biometric.Allow(), testutil.NewTestLogger())
		return store, m, b
	}

	tests := []struct {
		name      string
		failRead  bool
		failWrite bool
		call      func(m *MnemonicStore, b *BiometricKeys) error
	}{
		{"save mnemonic", false, true, func(m *MnemonicStore, _ *BiometricKeys) error {
			return m.SaveMnemonic(ctx, testutil.TestMnemonic, testutil.TestPIN)
		}},
		{"get mnemonic", true, false, func(m *MnemonicStore, _ *BiometricKeys) error {
			_, err := m.GetMnemonic(ctx, testutil.TestPIN)
			return err
		}},
		{"change pin", false, true, func(m *MnemonicStore, _ *BiometricKeys) error {
			return m.ChangePin(ctx, testutil.TestPIN, "246801")
		}},
		{"delete mnemonic", false, true, func(m *MnemonicStore, _ *BiometricKeys) error {
			return m.DeleteMnemonic(ctx)
		}},
		{"generate biometric key", false, true, func(_ *MnemonicStore, b *BiometricKeys) error {
			_, err := b.GenerateAndSaveBiometricKey(ctx, testutil.TestPIN)
			return err
		}},
		{"biometric status", true, false, func(_ *MnemonicStore, b *BiometricKeys) error {
			_, err := b.Status(ctx)
			return err
		}},
		{"biometric key with pin", true, false, func(_ *MnemonicStore, b *BiometricKeys) error {
			_, err := b.GetBiometricKeyWithPin(ctx, testutil.TestPIN)
			return err
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, m, b := newStores(t)
			require.NoError(t, m.SaveMnemonic(ctx, testutil.TestMnemonic, testutil.TestPIN))

			store.failRead = tt.failRead
			store.failWrite = tt.failWrite

			err := tt.call(m, b)
			require.Error(t, err)
			assert.True(t, models.IsStorageFailure(err), "got %v", err)
			assert.ErrorIs(t, err, errDiskFull)
		})
	}
}
