// Package relay is a reference sync remote. It stores payloads as opaque
// JSON and never sees plaintext or keys.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/TheMichaelB/walletguard/internal/config"
	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/metrics"
	"github.com/TheMichaelB/walletguard/internal/securestore"
	"github.com/TheMichaelB/walletguard/internal/transport"
)

// Server serves the relay API.
type Server struct {
	store    securestore.ListStore
	hub      *Hub
	limiter  *deviceLimiter
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *events.Logger
	cfg      config.RelayConfig
	upgrader websocket.Upgrader
	now      func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request counters in m and serves g on /metrics.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithClock overrides the time source of the rate limiter.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer creates a relay over store.
func NewServer(store securestore.ListStore, cfg config.RelayConfig, logger *events.Logger, opts ...Option) *Server {
	logger = logger.WithComponent("relay")

	s := &Server{
		store:    store,
		hub:      NewHub(logger),
		limiter:  newDeviceLimiter(cfg.RateLimit, cfg.RateBurst, 0),
		gatherer: prometheus.DefaultGatherer,
		logger:   logger,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Hub returns the change feed hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the relay routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireDevice)
		r.Use(s.rateLimit)

		r.Put("/payloads/{id}", s.putPayload)
		r.Get("/payloads", s.listPayloads)
		r.Delete("/payloads/{id}", s.deletePayload)
		r.Get("/subscribe", s.subscribe)
	})

	return r
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.cfg.ListenAddr).Info("Relay listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay server: %w", err)

	case <-ctx.Done():
		s.logger.Info("Shutting down relay")
		s.hub.Close()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown relay: %w", err)
		}
		return nil
	}
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": s.hub.Len(),
	})
}

// observe logs every request and counts it by route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		if id := middleware.GetReqID(r.Context()); id != "" {
			ww.Header().Set("X-Request-ID", id)
		}

		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.RelayRequest(route, strconv.Itoa(status))

		s.logger.WithFields(map[string]interface{}{
			"method":    r.Method,
			"route":     route,
			"status":    status,
			"bytes":     ww.BytesWritten(),
			"device_id": r.Header.Get(transport.DeviceIDHeader),
			"duration":  time.Since(start),
		}).Debug("Request served")
	})
}

func (s *Server) requireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(transport.DeviceIDHeader) == "" {
			writeError(w, r, http.StatusBadRequest, "missing_device_id", transport.DeviceIDHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := r.Header.Get(transport.DeviceIDHeader)
		if !s.limiter.allow(deviceID, s.now()) {
			s.logger.WithField("device_id", deviceID).Warn("Rate limit exceeded")
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
