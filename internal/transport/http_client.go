package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/TheMichaelB/walletguard/internal/config"
	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/models"
)

const (
	// DeviceIDHeader identifies the calling device to the relay.
	DeviceIDHeader = "X-Device-ID"

	payloadsPath  = "/api/v1/payloads"
	subscribePath = "/api/v1/subscribe"

	maxResponseBytes = 16 << 20
)

// HTTPClient talks to a sync relay over HTTP.
type HTTPClient struct {
	client    *http.Client
	baseURL   string
	userAgent string
	token     string
	deviceID  string
	logger    *events.Logger

	// Retry configuration
	maxRetries int
	retryDelay time.Duration

	mu      sync.Mutex
	streams []*WSClient
}

// listResponse is the relay's list envelope.
type listResponse struct {
	Payloads []*models.SyncPayload `json:"payloads"`
}

// NewHTTPClient creates a relay client.
func NewHTTPClient(baseURL string, cfg *config.RemoteConfig, deviceID string, logger *events.Logger) *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
			NextProtos: []string{"h2", "http/1.1"},
		},
	}

	if err := http2.ConfigureTransport(transport); err != nil {
		logger.WithError(err).Warn("Failed to configure HTTP/2")
	}

	return &HTTPClient{
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  "walletguard/1.0",
		token:      cfg.Token,
		deviceID:   deviceID,
		maxRetries: cfg.MaxRetries,
		retryDelay: time.Second,
		logger:     logger.WithField("component", "http_client"),
	}
}

// SetRetryDelay sets the initial backoff delay.
func (c *HTTPClient) SetRetryDelay(d time.Duration) {
	c.retryDelay = d
}

// PutPayload uploads a payload.
func (c *HTTPClient) PutPayload(ctx context.Context, payload *models.SyncPayload) error {
	if payload == nil || payload.ID == "" {
		return fmt.Errorf("put payload: missing id")
	}

	path := payloadsPath + "/" + url.PathEscape(payload.ID)
	if err := c.doJSON(ctx, http.MethodPut, path, nil, payload, nil); err != nil {
		return fmt.Errorf("put payload %s: %w", payload.ID, err)
	}

	c.logger.WithFields(map[string]interface{}{
		"payload_id": payload.ID,
		"data_type":  payload.DataType,
		"version":    payload.Version,
	}).Debug("Uploaded payload")
	return nil
}

// ListPayloads downloads payloads of dataType changed after since.
func (c *HTTPClient) ListPayloads(ctx context.Context, dataType models.DataType, since time.Time) ([]*models.SyncPayload, error) {
	query := url.Values{}
	query.Set("dataType", string(dataType))
	if !since.IsZero() {
		query.Set("since", since.UTC().Format(time.RFC3339Nano))
	}

	var resp listResponse
	if err := c.doJSON(ctx, http.MethodGet, payloadsPath, query, nil, &resp); err != nil {
		return nil, fmt.Errorf("list payloads: %w", err)
	}

	c.logger.WithFields(map[string]interface{}{
		"data_type": dataType,
		"count":     len(resp.Payloads),
	}).Debug("Listed payloads")
	return resp.Payloads, nil
}

// DeletePayload removes a payload from the relay.
func (c *HTTPClient) DeletePayload(ctx context.Context, dataType models.DataType, id string) error {
	query := url.Values{}
	query.Set("dataType", string(dataType))

	err := c.doJSON(ctx, http.MethodDelete, payloadsPath+"/"+url.PathEscape(id), query, nil, nil)
	var apiErr *models.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete payload %s: %w", id, err)
	}
	return nil
}

// Subscribe opens the relay's websocket change feed.
func (c *HTTPClient) Subscribe(ctx context.Context, dataTypes []models.DataType) (<-chan models.SyncPayload, error) {
	names := make([]string, 0, len(dataTypes))
	for _, d := range dataTypes {
		names = append(names, string(d))
	}
	query := url.Values{}
	query.Set("dataTypes", strings.Join(names, ","))

	ws := NewWSClient(c.baseURL+subscribePath+"?"+query.Encode(), c.token, c.deviceID, c.logger)
	if err := ws.Connect(ctx); err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	c.mu.Lock()
	c.streams = append(c.streams, ws)
	c.mu.Unlock()

	// Monitor errors in background
	go func() {
		for err := range ws.Errors() {
			c.logger.WithError(err).Error("Subscription error")
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-ws.Done():
		}
	}()

	return ws.Payloads(), nil
}

// Close closes open subscriptions.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()

	var errs []error
	for _, ws := range streams {
		if err := ws.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	c.client.CloseIdleConnections()
	return errors.Join(errs...)
}

// doJSON sends in as the JSON body and decodes a 2xx response into out.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return permanent(fmt.Errorf("marshal request: %w", err))
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"method": method,
		"url":    target,
		"size":   len(body),
	}).Debug("Sending request")

	return c.retry(ctx, func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return permanent(fmt.Errorf("create request: %w", err))
		}

		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", c.userAgent)
		if c.deviceID != "" {
			req.Header.Set(DeviceIDHeader, c.deviceID)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return permanent(ctx.Err())
			}
			return fmt.Errorf("%w: %v", models.ErrNetworkUnavailable, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		c.logger.WithFields(map[string]interface{}{
			"status": resp.StatusCode,
			"size":   len(respBody),
		}).Debug("Received response")

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			apiErr := parseAPIError(resp, respBody)
			if c.isRetryable(resp.StatusCode) {
				return apiErr
			}
			return permanent(apiErr)
		}

		if out == nil || len(respBody) == 0 {
			return nil
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return permanent(fmt.Errorf("parse response: %w", err))
		}
		return nil
	})
}

func parseAPIError(resp *http.Response, body []byte) *models.APIError {
	apiErr := &models.APIError{}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Code = strings.ToLower(strings.ReplaceAll(http.StatusText(resp.StatusCode), " ", "_"))
		apiErr.Message = strings.TrimSpace(string(body))
	}
	apiErr.StatusCode = resp.StatusCode
	if apiErr.RequestID == "" {
		apiErr.RequestID = resp.Header.Get("X-Request-ID")
	}
	return apiErr
}

// permanentError stops the retry loop.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error {
	return &permanentError{err: err}
}

// retry executes a function with exponential backoff.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var lastErr error
	delay := c.retryDelay

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay,
			}).Debug("Retrying request")

			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRetryable checks if an HTTP status code is retryable.
func (c *HTTPClient) isRetryable(status int) bool {
	return status == http.StatusTooManyRequests ||
		(status >= 500 && status < 600)
}
