package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TheMichaelB/walletguard/internal/events"
	"github.com/TheMichaelB/walletguard/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 32
)

// subscriber is one websocket connection on the change feed.
type subscriber struct {
	conn      *websocket.Conn
	deviceID  string
	dataTypes map[models.DataType]bool
	send      chan []byte
}

func (s *subscriber) wants(p *models.SyncPayload) bool {
	if p.DeviceID == s.deviceID {
		return false
	}
	return len(s.dataTypes) == 0 || s.dataTypes[p.DataType]
}

// Hub fans accepted payloads out to feed subscribers.
type Hub struct {
	logger *events.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *events.Logger) *Hub {
	return &Hub{
		logger: logger.WithComponent("relay_hub"),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Len returns the number of connected subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast sends p to every subscriber interested in its data type,
// except the device that wrote it. Slow subscribers miss messages.
func (h *Hub) Broadcast(p *models.SyncPayload) {
	data, err := json.Marshal(p)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode payload for feed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if !sub.wants(p) {
			continue
		}
		select {
		case sub.send <- data:
		default:
			h.logger.WithField("device_id", sub.deviceID).Warn("Subscriber too slow, dropping message")
		}
	}
}

// serve registers conn and pumps messages until either side closes.
func (h *Hub) serve(conn *websocket.Conn, deviceID string, dataTypes []models.DataType) {
	sub := &subscriber{
		conn:      conn,
		deviceID:  deviceID,
		dataTypes: make(map[models.DataType]bool, len(dataTypes)),
		send:      make(chan []byte, sendBuffer),
	}
	for _, d := range dataTypes {
		sub.dataTypes[d] = true
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	h.logger.WithFields(map[string]interface{}{
		"device_id":  deviceID,
		"data_types": dataTypes,
	}).Info("Subscriber connected")

	go h.writePump(sub)
	h.readPump(sub)
}

func (h *Hub) unregister(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
		h.logger.WithField("device_id", sub.deviceID).Info("Subscriber disconnected")
	}
}

// readPump drains client frames so control frames are handled. Clients
// are not expected to send data.
func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		h.unregister(sub)
		sub.conn.Close()
	}()

	sub.conn.SetReadLimit(maxMessageSize)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	sub.conn.SetPingHandler(func(data string) error {
		_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		err := sub.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.WithError(err).Debug("Subscriber read failed")
			}
			return
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.send:
			if !ok {
				_ = sub.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			if err := sub.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.send)
	}
}
