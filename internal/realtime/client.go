package realtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carlosbensant/payload-sync/internal/auth"
	"github.com/carlosbensant/payload-sync/pkg/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// sendBufferSize bounds the per-client queue; a slow consumer drops
	// deltas instead of stalling fan-out.
	sendBufferSize = 64

	maxMessageSize = 1 << 20
)

// Client is one session's WebSocket channel.
type Client struct {
	sessionID string
	conn      *websocket.Conn
	send      chan []byte
	identity  *auth.Identity

	hub    *Hub
	server *Server

	closeOnce sync.Once
	done      chan struct{}
}

func newClient(sessionID string, conn *websocket.Conn, hub *Hub, server *Server) *Client {
	return &Client{
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		hub:       hub,
		server:    server,
		done:      make(chan struct{}),
	}
}

func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
		log.Printf("[Realtime] Session %s send buffer full, dropping message", c.sessionID)
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// readPump consumes client messages until the connection drops, then
// synchronously cascades session cleanup: its subscriptions and
// dependency entries are removed before the pump exits. The cascade is
// skipped when a reconnect has already replaced this channel; the
// session now belongs to the new connection.
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		owned := c.hub.Unregister(c)
		c.close()
		if !owned {
			return
		}
		if err := c.server.registry.RemoveSession(ctx, c.sessionID); err != nil {
			log.Printf("[Realtime] Cleaning up session %s failed: %v", c.sessionID, err)
		}
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Realtime] Session %s read error: %v", c.sessionID, err)
			}
			return
		}

		var msg protocol.BaseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError(msg.ID, "bad_message", "malformed message")
			continue
		}
		c.server.handleClientMessage(ctx, c, &msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

func (c *Client) sendJSON(msgID, msgType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Realtime] Marshaling %s payload failed: %v", msgType, err)
		return
	}
	out, err := json.Marshal(protocol.BaseMessage{ID: msgID, Type: msgType, Payload: data})
	if err != nil {
		return
	}
	c.enqueue(out)
}

func (c *Client) sendError(msgID, code, message string) {
	c.sendJSON(msgID, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}
