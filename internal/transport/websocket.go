package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/models"
)

// WSClient reads the relay's payload feed.
type WSClient struct {
	url      string
	token    string
	deviceID string
	logger   *events.Logger

	// Connection state
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// Channels
	payloads chan models.SyncPayload
	errors   chan error
	done     chan struct{}

	// Heartbeat
	pingInterval time.Duration
	pongTimeout  time.Duration
}

// NewWSClient creates a WebSocket client. http(s) URLs are converted to
// ws(s).
func NewWSClient(wsURL, token, deviceID string, logger *events.Logger) *WSClient {
	if strings.HasPrefix(wsURL, "http") {
		wsURL = "ws" + strings.TrimPrefix(wsURL, "http")
	}

	return &WSClient{
		url:          wsURL,
		token:        token,
		deviceID:     deviceID,
		logger:       logger.WithField("component", "ws_client"),
		payloads:     make(chan models.SyncPayload, 100),
		errors:       make(chan error, 10),
		done:         make(chan struct{}),
		pingInterval: 30 * time.Second,
		pongTimeout:  10 * time.Second,
	}
}

// Connect establishes the WebSocket connection.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return fmt.Errorf("already connected")
	}
	if c.closed {
		return fmt.Errorf("client closed")
	}

	c.logger.WithField("url", c.url).Info("Connecting to WebSocket")

	headers := http.Header{}
	if c.token != "" {
		headers.Set("Authorization", "Bearer "+c.token)
	}
	if c.deviceID != "" {
		headers.Set(DeviceIDHeader, c.deviceID)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket connect failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("%w: websocket connect failed: %v", models.ErrNetworkUnavailable, err)
	}

	c.conn = conn

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.logger.Info("WebSocket connected")
	return nil
}

// Payloads returns the payload channel. It is closed when the connection
// ends.
func (c *WSClient) Payloads() <-chan models.SyncPayload {
	return c.payloads
}

// Errors returns the error channel.
func (c *WSClient) Errors() <-chan error {
	return c.errors
}

// Done is closed once the client is closed.
func (c *WSClient) Done() <-chan struct{} {
	return c.done
}

// Close closes the WebSocket connection.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	close(c.done)

	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))

		err := c.conn.Close()
		c.conn = nil
		return err
	}

	return nil
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	defer func() {
		c.Close()
		close(c.payloads)
		close(c.errors)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	conn.SetPongHandler(func(string) error {
		c.logger.Debug("Received pong")
		return conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure) {
				c.logger.WithError(err).Error("WebSocket read error")
				c.reportError(err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.pongTimeout + c.pingInterval))

		var payload models.SyncPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			c.logger.WithError(err).Warn("Dropping malformed payload message")
			c.reportError(fmt.Errorf("decode payload message: %w", err))
			continue
		}

		c.logger.WithFields(map[string]interface{}{
			"payload_id": payload.ID,
			"data_type":  payload.DataType,
		}).Debug("Received payload")

		select {
		case c.payloads <- payload:
		case <-c.done:
			return
		}
	}
}

func (c *WSClient) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

// pingLoop sends periodic pings.
func (c *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.logger.Debug("Sending ping")
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.pongTimeout)); err != nil {
				c.logger.WithError(err).Error("Ping failed")
				return
			}

		case <-c.done:
			return
		}
	}
}
