package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/walletguard/internal/biometric"
	"github.com/TheMichaelB/walletguard/internal/client"
	"github.com/TheMichaelB/walletguard/internal/config"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
	"github.com/TheMichaelB/walletguard/internal/services/audit"
	syncsvc "github.com/TheMichaelB/walletguard/internal/services/sync"
	"github.com/TheMichaelB/walletguard/internal/transport"
	"github.com/TheMichaelB/walletguard/internal/wallet"
	"github.com/TheMichaelB/walletguard/test/testutil"
)

func testConfig(serverURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.Backend = "memory"
	cfg.Crypto.Iterations = testutil.TestIterations
	cfg.Biometric.Mode = "allow"
	cfg.Sync.ServerURL = serverURL
	return cfg
}

func newClient(t *testing.T, cfg *config.Config, opts ...client.Option) *client.Client {
	t.Helper()

	opts = append([]client.Option{
		client.WithStore(securestore.NewMemoryStore()),
		client.WithAuthenticator(biometric.Allow()),
	}, opts...)

	c, err := client.New(context.Background(), cfg, testutil.NewTestLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// newWallet stores a fresh mnemonic in every client.
func newWallet(t *testing.T, clients ...*client.Client) string {
	t.Helper()

	mnemonic, err := wallet.NewMnemonic(12)
	require.NoError(t, err)
	for _, c := range clients {
		require.NoError(t, c.Mnemonic.SaveMnemonic(context.Background(), mnemonic, testutil.TestPIN))
	}
	return mnemonic
}

func TestNewWithoutSync(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, testConfig(""))

	assert.Nil(t, c.Sync)
	assert.Len(t, c.DeviceID, 36)

	_, err := c.Push(ctx, models.DataTypeSecuritySettings, "", []byte("x"), testutil.TestPIN)
	assert.ErrorIs(t, err, client.ErrSyncNotConfigured)
	_, _, err = c.Pull(ctx, models.DataTypeSecuritySettings, testutil.TestPIN)
	assert.ErrorIs(t, err, client.ErrSyncNotConfigured)
	_, err = c.PendingConflicts(ctx)
	assert.ErrorIs(t, err, client.ErrSyncNotConfigured)

	logs, err := c.Audit.GetLogs(ctx, audit.Query{EventTypes: []models.AuditEventType{models.EventAppStarted}})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestNewRejectsInvalidBiometricMode(t *testing.T) {
	cfg := testConfig("")
	cfg.Biometric.Mode = "retina"

	_, err := client.New(context.Background(), cfg, testutil.NewTestLogger(),
		client.WithStore(securestore.NewMemoryStore()))
	assert.Error(t, err)
}

func TestStoredSyncConfigWins(t *testing.T) {
	ctx := context.Background()
	store := securestore.NewMemoryStore()

	saved := models.DefaultSyncConfig("https://saved.example.com").WithConflictStrategy(models.StrategyManual)
	require.NoError(t, syncsvc.SaveSyncConfig(ctx, store, saved))

	c := newClient(t, testConfig("https://file.example.com"),
		client.WithStore(store), client.WithRemote(transport.NewMockRemote()))
	require.NotNil(t, c.Sync)
	assert.Equal(t, "https://saved.example.com", c.Sync.Config().ServerURL)
	assert.Equal(t, models.StrategyManual, c.Sync.Config().DefaultConflictStrategy)
}

func TestSyncKeyIsSharedAcrossDevices(t *testing.T) {
	ctx := context.Background()
	a := newClient(t, testConfig(""))
	b := newClient(t, testConfig(""))
	newWallet(t, a, b)

	keyA, err := a.SyncKey(ctx, testutil.TestPIN)
	require.NoError(t, err)
	keyB, err := b.SyncKey(ctx, testutil.TestPIN)
	require.NoError(t, err)

	assert.Len(t, keyA, 32)
	assert.Equal(t, keyA, keyB)
	assert.NotEqual(t, a.DeviceID, b.DeviceID)

	_, err = a.SyncKey(ctx, testutil.WrongPIN)
	assert.ErrorIs(t, err, models.ErrCryptographyFailure)
}

func TestPushAndPullBetweenDevices(t *testing.T) {
	ctx := context.Background()
	remote := transport.NewMockRemote()
	a := newClient(t, testConfig("https://relay.example.com"), client.WithRemote(remote))
	b := newClient(t, testConfig("https://relay.example.com"), client.WithRemote(remote))
	newWallet(t, a, b)

	result, err := a.Push(ctx, models.DataTypeSecuritySettings, "lock-timeout", []byte(`{"seconds":60}`), testutil.TestPIN)
	require.NoError(t, err)
	assert.Equal(t, []string{"lock-timeout"}, result.Pushed)

	stored, ok := remote.Payload("lock-timeout")
	require.True(t, ok)
	assert.NotContains(t, stored.EncryptedData, "seconds")
	assert.Equal(t, a.DeviceID, stored.DeviceID)

	records, _, err := b.Pull(ctx, models.DataTypeSecuritySettings, testutil.TestPIN)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, `{"seconds":60}`, string(records[0].Data))
	assert.Equal(t, 1, records[0].Version)

	// An update bumps the version and reaches the other device
	_, err = a.Push(ctx, models.DataTypeSecuritySettings, "lock-timeout", []byte(`{"seconds":120}`), testutil.TestPIN)
	require.NoError(t, err)

	records, result, err = b.Pull(ctx, models.DataTypeSecuritySettings, testutil.TestPIN)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, `{"seconds":120}`, string(records[0].Data))
	assert.Equal(t, 2, records[0].Version)
	assert.Len(t, result.Conflicts, 1)
}

func TestPushGeneratesID(t *testing.T) {
	ctx := context.Background()
	c := newClient(t, testConfig("https://relay.example.com"), client.WithRemote(transport.NewMockRemote()))
	newWallet(t, c)

	result, err := c.Push(ctx, models.DataTypeAuditLogs, "", []byte("entry"), testutil.TestPIN)
	require.NoError(t, err)
	require.Len(t, result.Pushed, 1)
	assert.NotEmpty(t, result.Pushed[0])

	_, err = c.Push(ctx, models.DataTypeAuditLogs, "", []byte("entry"), testutil.WrongPIN)
	assert.ErrorIs(t, err, models.ErrCryptographyFailure)
}

func TestResolveConflict(t *testing.T) {
	ctx := context.Background()
	remote := transport.NewMockRemote()

	cfg := testConfig("https://relay.example.com")
	cfg.Sync.DefaultConflictStrategy = string(models.StrategyManual)

	a := newClient(t, cfg, client.WithRemote(remote))
	b := newClient(t, cfg, client.WithRemote(remote))
	newWallet(t, a, b)

	_, err := a.Push(ctx, models.DataTypeSecuritySettings, "theme", []byte("dark"), testutil.TestPIN)
	require.NoError(t, err)

	result, err := b.Push(ctx, models.DataTypeSecuritySettings, "theme", []byte("light"), testutil.TestPIN)
	require.NoError(t, err)
	require.Len(t, result.Pending, 1)

	pending, err := b.PendingConflicts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = b.ResolveConflict(ctx, "theme", models.ResolutionKeepLocal)
	require.NoError(t, err)

	pending, err = b.PendingConflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A sees the newer remote version as a conflict too
	_, result, err = a.Pull(ctx, models.DataTypeSecuritySettings, testutil.TestPIN)
	require.NoError(t, err)
	require.Len(t, result.Pending, 1)
	_, err = a.ResolveConflict(ctx, "theme", models.ResolutionKeepRemote)
	require.NoError(t, err)

	records, err := a.Records(ctx, models.DataTypeSecuritySettings, testutil.TestPIN)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "light", string(records[0].Data))

	_, err = b.ResolveConflict(ctx, "theme", models.ResolutionKeepLocal)
	assert.ErrorIs(t, err, models.ErrConflictNotFound)
}

func TestRegistererExposesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	newClient(t, testConfig(""), client.WithRegisterer(reg))

	families, err := reg.Gather()
	require.NoError(t, err)

	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "walletguard_audit_events_total")
}

func TestSyncAll(t *testing.T) {
	ctx := context.Background()
	remote := transport.NewMockRemote()

	cfg := testConfig("https://relay.example.com")
	cfg.Sync.EnabledDataTypes = []string{string(models.DataTypeSecuritySettings), string(models.DataTypeAuditLogs)}

	a := newClient(t, cfg, client.WithRemote(remote))
	b := newClient(t, cfg, client.WithRemote(remote))
	newWallet(t, a, b)

	_, err := a.Push(ctx, models.DataTypeSecuritySettings, "s", []byte("settings"), testutil.TestPIN)
	require.NoError(t, err)
	_, err = a.Push(ctx, models.DataTypeAuditLogs, "l", []byte("log"), testutil.TestPIN)
	require.NoError(t, err)

	results, err := b.SyncAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Len(t, results[models.DataTypeSecuritySettings].Accepted, 1)
	assert.Len(t, results[models.DataTypeAuditLogs].Accepted, 1)

	offline := newClient(t, cfg, client.WithRemote(remote), client.WithNetwork(syncsvc.StaticNetwork{}))
	_, err = offline.SyncAll(ctx)
	assert.ErrorIs(t, err, models.ErrNetworkUnavailable)
}

func TestWatchReconcilesOnChange(t *testing.T) {
	remote := transport.NewMockRemote()
	a := newClient(t, testConfig("https://relay.example.com"), client.WithRemote(remote))
	b := newClient(t, testConfig("https://relay.example.com"), client.WithRemote(remote))
	newWallet(t, a, b)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make(chan *syncsvc.Result, 16)
	done := make(chan error, 1)
	go func() { done <- b.Watch(ctx, func(r *syncsvc.Result) { results <- r }) }()

	// Push until the subscription is live and b has adopted the record
	testutil.WaitForCondition(t, func() bool {
		_, err := a.Push(ctx, models.DataTypeSecuritySettings, "watched", []byte("v"), testutil.TestPIN)
		require.NoError(t, err)
		select {
		case r := <-results:
			return len(r.Accepted) == 1
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, "watch never reconciled")

	records, err := b.Records(ctx, models.DataTypeSecuritySettings, testutil.TestPIN)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "watched", records[0].ID)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
