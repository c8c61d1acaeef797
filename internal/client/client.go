package client

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheMichaelB/walletguard/internal/biometric"
	"github.com/TheMichaelB/walletguard/internal/config"
	"github.com/TheMichaelB/walletguard/internal/crypto"
	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/metrics"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
	"github.com/TheMichaelB/walletguard/internal/services/audit"
	"github.com/TheMichaelB/walletguard/internal/services/keystore"
	syncsvc "github.com/TheMichaelB/walletguard/internal/services/sync"
	"github.com/TheMichaelB/walletguard/internal/transport"
	"github.com/TheMichaelB/walletguard/internal/wallet"
)

// syncSaltContext separates the sync salt from every other use of the
// wallet seed.
const syncSaltContext = "SYNC_SALT_V1"

// ErrSyncNotConfigured is returned by sync operations when no server is set.
var ErrSyncNotConfigured = errors.New("sync server is not configured")

// Client provides the high-level API for walletguard operations.
type Client struct {
	Mnemonic  *keystore.MnemonicStore
	Biometric *keystore.BiometricKeys
	Audit     *audit.Logger
	Protocol  *syncsvc.Protocol
	Ledger    *syncsvc.Ledger

	// Sync is nil when no sync server is configured.
	Sync *syncsvc.Service

	DeviceID string
	Metrics  *metrics.Metrics

	config *config.Config
	logger *events.Logger
	store  securestore.ListStore
}

type options struct {
	store      securestore.ListStore
	auth       biometric.Authenticator
	remote     transport.Remote
	network    syncsvc.NetworkMonitor
	registerer prometheus.Registerer
}

// Option configures a Client.
type Option func(*options)

// WithStore uses store instead of opening the configured backend.
func WithStore(store securestore.ListStore) Option {
	return func(o *options) { o.store = store }
}

// WithAuthenticator replaces the biometric authenticator built from config.
func WithAuthenticator(a biometric.Authenticator) Option {
	return func(o *options) { o.auth = a }
}

// WithRemote replaces the remote built from config.
func WithRemote(r transport.Remote) Option {
	return func(o *options) { o.remote = r }
}

// WithNetwork sets the connectivity probe used before syncing.
func WithNetwork(n syncsvc.NetworkMonitor) Option {
	return func(o *options) { o.network = n }
}

// WithRegisterer registers the client's collectors with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New wires every service from cfg.
func New(ctx context.Context, cfg *config.Config, logger *events.Logger, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, err
		}
		var err error
		store, err = securestore.Open(cfg.Storage.Backend, cfg.Storage.StorePath(), logger)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	auth := o.auth
	if auth == nil {
		session, err := biometric.FromMode(cfg.Biometric.Mode, cfg.Biometric.SessionWindow)
		if err != nil {
			store.Close()
			return nil, err
		}
		auth = session
	}

	m := metrics.New(o.registerer)
	provider := crypto.NewProvider(crypto.WithIterations(cfg.Crypto.Iterations))

	auditLogger := audit.NewLogger(store, provider, logger,
		audit.WithMaxEntries(cfg.Audit.MaxEntries),
		audit.WithRetention(cfg.Audit.Retention),
		audit.WithMetrics(m),
	)

	locker := securestore.NewKeyLocker(securestore.DefaultLockTimeout)
	keyOpts := []keystore.Option{
		keystore.WithAuditor(auditLogger),
		keystore.WithMetrics(m),
		keystore.WithLocker(locker),
	}

	deviceID, err := syncsvc.DeviceID(ctx, store)
	if err != nil {
		store.Close()
		return nil, err
	}

	c := &Client{
		Mnemonic:  keystore.NewMnemonicStore(store, provider, logger, keyOpts...),
		Biometric: keystore.NewBiometricKeys(store, provider, auth, logger, keyOpts...),
		Audit:     auditLogger,
		Protocol: syncsvc.NewProtocol(provider, logger,
			syncsvc.WithKeyIterations(cfg.Crypto.Iterations),
			syncsvc.WithProtocolMetrics(m)),
		Ledger:   syncsvc.NewLedger(store, logger),
		DeviceID: deviceID,
		Metrics:  m,
		config:   cfg,
		logger:   logger.WithComponent("client"),
		store:    store,
	}

	if err := c.initSync(ctx, o); err != nil {
		store.Close()
		return nil, err
	}

	auditLogger.Log(ctx, models.EventAppStarted, map[string]string{"deviceId": deviceID})
	return c, nil
}

// initSync builds the sync service. A config saved with `sync config`
// takes precedence over the file.
func (c *Client) initSync(ctx context.Context, o options) error {
	syncCfg, found, err := syncsvc.LoadSyncConfig(ctx, c.store)
	if err != nil {
		return err
	}
	if !found {
		if c.config.Sync.ServerURL == "" {
			c.logger.Debug("No sync server configured")
			return nil
		}
		if syncCfg, err = c.config.Sync.Model(); err != nil {
			return err
		}
	}

	remote := o.remote
	if remote == nil {
		remote, err = transport.New(ctx, &c.config.Remote, syncCfg.ServerURL, c.DeviceID, c.logger)
		if err != nil {
			return fmt.Errorf("create remote: %w", err)
		}
	}

	svcOpts := []syncsvc.Option{
		syncsvc.WithAuditor(c.Audit),
		syncsvc.WithMetrics(c.Metrics),
	}
	if o.network != nil {
		svcOpts = append(svcOpts, syncsvc.WithNetwork(o.network))
	}

	c.Sync, err = syncsvc.NewService(c.store, remote, syncCfg, c.logger, svcOpts...)
	return err
}

// Store returns the underlying secure store.
func (c *Client) Store() securestore.ListStore {
	return c.store
}

// Config returns the loaded configuration.
func (c *Client) Config() *config.Config {
	return c.config
}

// SyncKey derives the key shared by every device holding the same wallet.
// The master secret is the BIP-39 seed; the salt is derived from it so
// devices agree without exchanging anything.
func (c *Client) SyncKey(ctx context.Context, pin string) ([]byte, error) {
	mnemonic, err := c.Mnemonic.GetMnemonic(ctx, pin)
	if err != nil {
		return nil, err
	}

	seed, err := wallet.Seed(mnemonic, "")
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(seed)

	mac := hmac.New(sha256.New, seed)
	mac.Write([]byte(syncSaltContext))
	salt := mac.Sum(nil)
	defer memguard.WipeBytes(salt)

	return c.Protocol.DeriveSyncKey(seed, salt, syncsvc.DefaultKeyContext)
}

// Push seals data as record id (a new record when id is empty), stores it
// locally and syncs dataType.
func (c *Client) Push(ctx context.Context, dataType models.DataType, id string, data []byte, pin string) (*syncsvc.Result, error) {
	if c.Sync == nil {
		return nil, ErrSyncNotConfigured
	}

	key, err := c.SyncKey(ctx, pin)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	var payload *models.SyncPayload
	prev, found, err := c.ledgerGet(ctx, dataType, id)
	switch {
	case err != nil:
		return nil, err
	case found:
		payload, err = c.Protocol.ResealPayload(prev, data, key, c.DeviceID)
	default:
		payload, err = c.Protocol.EncryptPayload(data, dataType, key, c.DeviceID)
		if err == nil && id != "" {
			payload.ID = id
		}
	}
	if err != nil {
		return nil, err
	}

	if err := c.Ledger.Put(ctx, payload); err != nil {
		return nil, err
	}
	return c.reconcile(ctx, dataType)
}

func (c *Client) ledgerGet(ctx context.Context, dataType models.DataType, id string) (*models.SyncPayload, bool, error) {
	if id == "" {
		return nil, false, nil
	}
	return c.Ledger.Get(ctx, dataType, id)
}

// Record is a decrypted local record.
type Record struct {
	ID        string
	Version   int
	DeviceID  string
	Timestamp time.Time
	Data      []byte
}

// Pull syncs dataType and returns every local record decrypted.
func (c *Client) Pull(ctx context.Context, dataType models.DataType, pin string) ([]Record, *syncsvc.Result, error) {
	if c.Sync == nil {
		return nil, nil, ErrSyncNotConfigured
	}

	result, err := c.reconcile(ctx, dataType)
	if err != nil {
		return nil, nil, err
	}

	records, err := c.Records(ctx, dataType, pin)
	return records, result, err
}

// Records decrypts the local copies of dataType.
func (c *Client) Records(ctx context.Context, dataType models.DataType, pin string) ([]Record, error) {
	key, err := c.SyncKey(ctx, pin)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	local, err := c.Ledger.List(ctx, dataType)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(local))
	for _, p := range local {
		data, err := c.Protocol.DecryptPayload(p, key)
		if err != nil {
			c.logger.WithError(err).WithField("payload_id", p.ID).Warn("Cannot decrypt local record")
			continue
		}
		records = append(records, Record{
			ID:        p.ID,
			Version:   p.Version,
			DeviceID:  p.DeviceID,
			Timestamp: p.Timestamp,
			Data:      data,
		})
	}
	return records, nil
}

func (c *Client) reconcile(ctx context.Context, dataType models.DataType) (*syncsvc.Result, error) {
	local, err := c.Ledger.List(ctx, dataType)
	if err != nil {
		return nil, err
	}

	result, err := c.Sync.Sync(ctx, dataType, local)
	if err != nil {
		return nil, err
	}
	if err := c.Ledger.Adopt(ctx, result); err != nil {
		return result, err
	}
	return result, nil
}

// SyncAll flushes the offline queue and reconciles every enabled data
// type. A failing type does not stop the others.
func (c *Client) SyncAll(ctx context.Context) (map[models.DataType]*syncsvc.Result, error) {
	if c.Sync == nil {
		return nil, ErrSyncNotConfigured
	}

	if flushed, err := c.Sync.FlushOfflineQueue(ctx); err != nil {
		c.logger.WithError(err).Warn("Offline queue not flushed")
	} else if len(flushed) > 0 {
		c.logger.WithField("count", len(flushed)).Info("Flushed offline queue")
	}

	results := make(map[models.DataType]*syncsvc.Result)
	var errs []error
	for _, dataType := range c.Sync.Config().EnabledDataTypes {
		result, err := c.reconcile(ctx, dataType)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dataType, err))
			continue
		}
		results[dataType] = result
	}
	return results, errors.Join(errs...)
}

// Watch reconciles a data type whenever the remote announces a change to
// it, until ctx ends.
func (c *Client) Watch(ctx context.Context, onResult func(*syncsvc.Result)) error {
	if c.Sync == nil {
		return ErrSyncNotConfigured
	}

	return c.Sync.Watch(ctx, func(p *models.SyncPayload) {
		result, err := c.reconcile(ctx, p.DataType)
		if err != nil {
			c.logger.WithError(err).WithField("data_type", string(p.DataType)).Warn("Reconcile after change failed")
			return
		}
		if onResult != nil {
			onResult(result)
		}
	})
}

// PendingConflicts lists conflicts awaiting a decision.
func (c *Client) PendingConflicts(ctx context.Context) ([]models.SyncConflict, error) {
	if c.Sync == nil {
		return nil, ErrSyncNotConfigured
	}
	return c.Sync.Resolver().PendingConflicts(ctx)
}

// ResolveConflict settles a pending conflict and applies the winner: a
// local winner is pushed again, a remote winner replaces the local copy.
func (c *Client) ResolveConflict(ctx context.Context, payloadID string, resolution models.ConflictResolution) (*models.SyncConflict, error) {
	if c.Sync == nil {
		return nil, ErrSyncNotConfigured
	}

	conflict, err := c.Sync.Resolver().ResolvePending(ctx, payloadID, resolution)
	if err != nil {
		return nil, err
	}

	winner, err := c.Sync.ApplyResolution(ctx, conflict)
	if err != nil {
		return conflict, err
	}
	if err := c.Ledger.Put(ctx, winner); err != nil {
		return conflict, err
	}
	return conflict, nil
}

// Close releases the store and the remote.
func (c *Client) Close() error {
	var errs []error
	if c.Sync != nil {
		errs = append(errs, c.Sync.Close())
	}
	errs = append(errs, c.store.Close())
	return errors.Join(errs...)
}
