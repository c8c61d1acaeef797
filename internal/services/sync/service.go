package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/metrics"
	"github.com/TheMichaelB/walletguard/internal/models"
	"github.com/TheMichaelB/walletguard/internal/securestore"
	"github.com/TheMichaelB/walletguard/internal/transport"
)

// Service provides high-level sync operations.
type Service struct {
	store    securestore.Store
	remote   transport.Remote
	network  NetworkMonitor
	resolver *Resolver
	queue    *OfflineQueue
	engine   *Engine
	audit    Auditor
	logger   *events.Logger

	mu     sync.RWMutex
	config models.SyncConfig
}

// Option configures a Service.
type Option func(*Service)

// WithNetwork sets the connectivity probe. The default is Online.
func WithNetwork(n NetworkMonitor) Option {
	return func(s *Service) {
		if n != nil {
			s.network = n
		}
	}
}

// WithAuditor records sync events.
func WithAuditor(a Auditor) Option {
	return func(s *Service) {
		if a != nil {
			s.audit = a
		}
	}
}

// WithMetrics counts runs and conflicts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.engine.metrics = m
		s.resolver.metrics = m
	}
}

// NewService creates a sync service for cfg.
func NewService(store securestore.Store, remote transport.Remote, cfg models.SyncConfig, logger *events.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	resolver := NewResolver(store, logger, WithDefaultStrategy(cfg.DefaultConflictStrategy))
	queue := NewOfflineQueue(store, cfg.MaxOfflineQueueSize, logger)

	s := &Service{
		store:    store,
		remote:   remote,
		network:  Online,
		resolver: resolver,
		queue:    queue,
		engine:   NewEngine(remote, resolver, queue, logger),
		audit:    nopAuditor{},
		logger:   logger.WithField("service", "sync"),
		config:   cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.engine.audit = s.audit
	s.resolver.audit = s.audit

	return s, nil
}

// Config returns the active sync config.
func (s *Service) Config() models.SyncConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config.WithEnabledDataTypes(s.config.EnabledDataTypes...)
}

// UpdateConfig validates, persists and activates cfg.
func (s *Service) UpdateConfig(ctx context.Context, cfg models.SyncConfig) error {
	if err := SaveSyncConfig(ctx, s.store, cfg); err != nil {
		return err
	}

	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()

	s.resolver.SetDefaultStrategy(cfg.DefaultConflictStrategy)
	s.queue.SetMaxSize(cfg.MaxOfflineQueueSize)

	s.logger.WithFields(map[string]interface{}{
		"server":   cfg.ServerURL,
		"strategy": cfg.DefaultConflictStrategy,
	}).Info("Sync config updated")
	return nil
}

// Resolver returns the conflict resolver.
func (s *Service) Resolver() *Resolver {
	return s.resolver
}

// Queue returns the offline queue.
func (s *Service) Queue() *OfflineQueue {
	return s.queue
}

// Sync reconciles local payloads of dataType with the remote. The run is
// bounded by the configured sync timeout.
func (s *Service) Sync(ctx context.Context, dataType models.DataType, local []*models.SyncPayload) (*Result, error) {
	cfg := s.Config()

	if err := s.precheck(ctx, cfg, dataType); err != nil {
		s.engine.metrics.SyncRun(string(dataType), outcomeOf(err))
		s.audit.Log(ctx, models.EventSyncFailed, map[string]string{
			"dataType": string(dataType),
			"error":    err.Error(),
		})
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.SyncTimeout)
	defer cancel()

	return s.engine.Sync(ctx, dataType, local)
}

func (s *Service) precheck(ctx context.Context, cfg models.SyncConfig, dataType models.DataType) error {
	if !dataType.Valid() {
		return fmt.Errorf("%w: unknown data type %q", models.ErrInvalidConfig, dataType)
	}
	if !cfg.IsEnabled(dataType) {
		return fmt.Errorf("%w: %s", models.ErrDataTypeDisabled, dataType)
	}
	return s.checkNetwork(ctx, cfg)
}

func (s *Service) checkNetwork(ctx context.Context, cfg models.SyncConfig) error {
	if !s.network.IsConnected(ctx) {
		return fmt.Errorf("%w: no connection", models.ErrNetworkUnavailable)
	}
	if cfg.RequiresWifiOnly && !s.network.IsWifi(ctx) {
		return fmt.Errorf("%w: wifi required", models.ErrNetworkUnavailable)
	}
	return nil
}

// FlushOfflineQueue retries queued uploads and returns the ids that went
// through.
func (s *Service) FlushOfflineQueue(ctx context.Context) ([]string, error) {
	cfg := s.Config()
	if err := s.checkNetwork(ctx, cfg); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.SyncTimeout)
	defer cancel()

	return s.engine.Flush(ctx)
}

// ApplyResolution publishes the winner of a settled conflict and returns
// the version the caller should keep locally. A local winner gets a
// version past both copies and is uploaded, or queued when the upload
// fails transiently; a remote winner is returned as is.
func (s *Service) ApplyResolution(ctx context.Context, conflict *models.SyncConflict) (*models.SyncPayload, error) {
	winner := conflict.Winner()
	if winner == nil {
		return nil, fmt.Errorf("apply resolution: conflict %s is still pending", conflict.PayloadID)
	}
	if conflict.Resolution == models.ResolutionKeepRemote {
		return winner.Clone(), nil
	}

	winner = winner.Clone()
	if conflict.RemotePayload != nil && conflict.RemotePayload.Version >= winner.Version {
		winner.Version = conflict.RemotePayload.Version
	}
	winner.Version++
	winner.Timestamp = time.Now().UTC()

	cfg := s.Config()
	if err := s.checkNetwork(ctx, cfg); err != nil {
		if _, qerr := s.queue.Enqueue(ctx, winner); qerr != nil {
			return nil, qerr
		}
		return winner, nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.SyncTimeout)
	defer cancel()

	result := &Result{DataType: winner.DataType}
	if err := s.engine.push(ctx, winner, result); err != nil {
		return nil, err
	}
	if len(result.Rejected) > 0 {
		return nil, &models.SyncError{Code: "PUSH_REJECTED", Phase: "push", DataType: winner.DataType, Err: fmt.Errorf("remote refused %s", winner.ID)}
	}
	return winner, nil
}

// Watch streams payloads accepted by the remote for the enabled data
// types into handle until ctx ends or the feed closes.
func (s *Service) Watch(ctx context.Context, handle func(*models.SyncPayload)) error {
	cfg := s.Config()
	if err := s.checkNetwork(ctx, cfg); err != nil {
		return err
	}

	feed, err := s.remote.Subscribe(ctx, cfg.EnabledDataTypes)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	s.logger.WithField("data_types", cfg.EnabledDataTypes).Info("Watching remote changes")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-feed:
			if !ok {
				return nil
			}
			if err := ValidatePayload(&p); err != nil || !cfg.IsEnabled(p.DataType) {
				s.logger.WithField("payload_id", p.ID).Warn("Ignoring payload from feed")
				continue
			}
			s.engine.emitEvent(Event{Type: EventReceived, Timestamp: p.Timestamp, PayloadID: p.ID})
			handle(&p)
		}
	}
}

// GetProgress returns sync progress.
func (s *Service) GetProgress() *Progress {
	return s.engine.GetProgress()
}

// Events returns the event channel.
func (s *Service) Events() <-chan Event {
	return s.engine.Events()
}

// Cancel stops an ongoing sync.
func (s *Service) Cancel() {
	s.engine.Cancel()
}

// Close releases the remote and closes the event channel.
func (s *Service) Close() error {
	s.engine.Close()
	return s.remote.Close()
}
