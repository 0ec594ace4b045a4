package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"checksync/internal/checklist/model"
	"checksync/middleware"
	"checksync/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	handshakeTimeout = 20 * time.Second
	pingInterval     = 30 * time.Second
	sendBufferSize   = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
	HandshakeTimeout: handshakeTimeout,
	// CheckOrigin allows connections from the web client's dev server.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one authenticated websocket connection. Room membership is set
// by a join-collaboration event, not at connect time.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	identity middleware.Identity

	mu     sync.Mutex
	roomID string
	user   model.CollaborationUser
	closed bool
}

func (c *Client) room() (string, model.CollaborationUser) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID, c.user
}

func (c *Client) setRoom(roomID string, user model.CollaborationUser) {
	c.mu.Lock()
	c.roomID = roomID
	c.user = user
	c.mu.Unlock()
}

// trySend queues a frame for the write pump without blocking. Returns false
// only when the send buffer is full on a live connection, which marks the
// client as lagging.
func (c *Client) trySend(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- raw:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// ServeWs upgrades an authenticated HTTP request to a websocket connection.
// Authentication happens exactly once, in the middleware, before this point;
// anonymous requests never get here.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, identity middleware.Identity) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Errorf("Websocket upgrade failed: %v", err)
		return
	}

	client := &Client{
		hub:      hub,
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, sendBufferSize),
	}

	client.hub.Register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister <- c
		c.conn.Close()
	}()

	ctx := context.Background()
	for {
		_, rawMessage, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Sugar.Errorf("Read error for user %s: %v", c.identity.UserID, err)
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(rawMessage, &env); err != nil {
			logger.Sugar.Errorf("Error unmarshalling message: %v", err)
			continue
		}

		// Dispatch synchronously so events from this connection are
		// processed in receipt order.
		c.hub.HandleEvent(ctx, c, env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.WriteMessage(websocket.TextMessage, message)
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return // connection is dead
			}
		}
	}
}
