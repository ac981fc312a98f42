// Package streaming pushes harness lifecycle events to WebSocket clients
// so a dashboard can follow runs live.
package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mcpbench/mcpbench/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// SubscriptionMessage is sent by clients to follow or drop runs.
type SubscriptionMessage struct {
	Action string  `json:"action"` // subscribe, unsubscribe
	RunIDs []int64 `json:"run_ids"`
}

// Client is one WebSocket consumer. A client with no subscriptions
// receives every event.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	mu     sync.RWMutex
	runIDs map[int64]bool
}

// ReadPump consumes subscription messages until the connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			break
		}

		var subMsg SubscriptionMessage
		if err := json.Unmarshal(message, &subMsg); err != nil {
			c.logger.Warn("Invalid subscription message", zap.Error(err))
			continue
		}

		switch subMsg.Action {
		case "subscribe":
			for _, runID := range subMsg.RunIDs {
				c.Subscribe(runID)
			}
		case "unsubscribe":
			for _, runID := range subMsg.RunIDs {
				c.Unsubscribe(runID)
			}
		default:
			c.logger.Warn("Unknown action", zap.String("action", subMsg.Action))
		}
	}
}

// WritePump flushes outbound events and keeps the connection alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain anything already queued into the same frame.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// trySend queues a message, dropping it when the client's buffer is full.
func (c *Client) trySend(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Subscribe narrows the client to the given run.
func (c *Client) Subscribe(runID int64) {
	c.mu.Lock()
	c.runIDs[runID] = true
	c.mu.Unlock()
	c.logger.Debug("Subscribed to run", zap.Int64("run_id", runID))
}

// Unsubscribe drops the run subscription.
func (c *Client) Unsubscribe(runID int64) {
	c.mu.Lock()
	delete(c.runIDs, runID)
	c.mu.Unlock()
	c.logger.Debug("Unsubscribed from run", zap.Int64("run_id", runID))
}

// wants reports whether the client should receive an event for the run.
func (c *Client) wants(runID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.runIDs) == 0 {
		return true
	}
	return c.runIDs[runID]
}
