// Package handler runs the relay API behind API Gateway HTTP APIs, so a
// deployment can pair Lambda with the DynamoDB secure store. Live
// subscriptions need a long-lived connection and are not available there.
package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	awsevents "github.com/aws/aws-lambda-go/events"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TheMichaelB/walletguard/internal/config"
	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/metrics"
	"github.com/TheMichaelB/walletguard/internal/relay"
	"github.com/TheMichaelB/walletguard/internal/securestore"
)

// Handler translates API Gateway events into relay HTTP requests.
type Handler struct {
	http   http.Handler
	logger *events.Logger
}

// New wraps an HTTP handler, usually relay.Server.Handler().
func New(h http.Handler, logger *events.Logger) *Handler {
	return &Handler{
		http:   h,
		logger: logger.WithComponent("lambda"),
	}
}

// NewFromEnv builds the relay from WALLETGUARD_* environment variables
// (and WALLETGUARD_CONFIG when a bundled file is used). Logs are JSON for
// CloudWatch.
func NewFromEnv() (*Handler, securestore.ListStore, error) {
	cfg, err := config.NewLoader(os.Getenv("WALLETGUARD_CONFIG")).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Log.Format = "json"
	cfg.Log.Color = false

	logger, err := events.NewLogger(&cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	if cfg.Relay.StorageBackend != "dynamodb" && cfg.Relay.StorageBackend != "memory" {
		logger.WithField("backend", cfg.Relay.StorageBackend).Warn("Relay store is local to this Lambda instance")
	}

	store, err := securestore.Open(cfg.Relay.StorageBackend, cfg.Relay.StoragePath, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("open relay store: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	server := relay.NewServer(store, cfg.Relay, logger, relay.WithMetrics(m, prometheus.DefaultGatherer))

	logger.WithField("backend", cfg.Relay.StorageBackend).Info("Lambda relay initialised")
	return New(server.Handler(), logger), store, nil
}

// Handle serves one API Gateway (payload format 2.0) request.
func (h *Handler) Handle(ctx context.Context, req awsevents.APIGatewayV2HTTPRequest) (awsevents.APIGatewayV2HTTPResponse, error) {
	httpReq, err := toHTTPRequest(ctx, req)
	if err != nil {
		h.logger.WithError(err).WithField("request_id", req.RequestContext.RequestID).Warn("Malformed gateway event")
		return awsevents.APIGatewayV2HTTPResponse{
			StatusCode: http.StatusBadRequest,
			Headers:    map[string]string{"Content-Type": "application/json"},
			Body:       `{"code":"invalid_request","message":"malformed request"}`,
		}, nil
	}

	w := newResponseBuffer()
	h.http.ServeHTTP(w, httpReq)

	h.logger.WithFields(map[string]interface{}{
		"method": httpReq.Method,
		"path":   httpReq.URL.Path,
		"status": w.status,
	}).Debug("Served gateway request")

	return w.toGatewayResponse(), nil
}

func toHTTPRequest(ctx context.Context, req awsevents.APIGatewayV2HTTPRequest) (*http.Request, error) {
	path := req.RawPath
	if path == "" {
		path = req.RequestContext.HTTP.Path
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("invalid path %q", path)
	}
	target := path
	if req.RawQueryString != "" {
		target += "?" + req.RawQueryString
	}

	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		body = decoded
	}

	method := req.RequestContext.HTTP.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Cookies) > 0 {
		httpReq.Header.Set("Cookie", strings.Join(req.Cookies, "; "))
	}
	if httpReq.Header.Get(middleware.RequestIDHeader) == "" && req.RequestContext.RequestID != "" {
		httpReq.Header.Set(middleware.RequestIDHeader, req.RequestContext.RequestID)
	}
	httpReq.RemoteAddr = req.RequestContext.HTTP.SourceIP
	httpReq.RequestURI = target
	if host := req.Headers["host"]; host != "" {
		httpReq.Host = host
	}
	return httpReq, nil
}

// responseBuffer collects a response in memory for the gateway.
type responseBuffer struct {
	header http.Header
	body   bytes.Buffer
	status int
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (r *responseBuffer) Header() http.Header {
	return r.header
}

func (r *responseBuffer) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.body.Write(p)
}

func (r *responseBuffer) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
}

func (r *responseBuffer) toGatewayResponse() awsevents.APIGatewayV2HTTPResponse {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}

	headers := make(map[string]string, len(r.header))
	for k, v := range r.header {
		headers[k] = strings.Join(v, ",")
	}

	return awsevents.APIGatewayV2HTTPResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       r.body.String(),
	}
}
