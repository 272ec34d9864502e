// Package realtime binds sessions to live push channels: the WebSocket
// endpoint, the per-session send pump, and the request/response envelope
// endpoint that fronts the query engine.
package realtime

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Hub is the transport channel registry: session id -> live channel.
type Hub struct {
	clients *xsync.MapOf[string, *Client]
}

func NewHub() *Hub {
	return &Hub{clients: xsync.NewMapOf[string, *Client]()}
}

func (h *Hub) Register(c *Client) {
	if old, ok := h.clients.LoadAndStore(c.sessionID, c); ok && old != c {
		old.close()
	}
}

// Unregister drops the mapping if it still points at c and reports
// whether it did; a reconnect that already replaced the channel is left
// alone, and the caller must then skip session cleanup too.
func (h *Hub) Unregister(c *Client) bool {
	removed := false
	h.clients.Compute(c.sessionID, func(cur *Client, loaded bool) (*Client, bool) {
		if loaded && cur != c {
			return cur, false
		}
		removed = loaded
		return nil, true
	})
	return removed
}

// Send queues a payload on the session's channel. It reports false when
// the session has no live channel; a full send buffer drops the payload
// rather than stalling the caller.
func (h *Hub) Send(sessionID string, payload []byte) bool {
	c, ok := h.clients.Load(sessionID)
	if !ok {
		return false
	}
	c.enqueue(payload)
	return true
}

// Identity returns the identity claims bound to a session's channel, or
// nil for anonymous or absent sessions.
func (h *Hub) Identity(sessionID string) map[string]interface{} {
	c, ok := h.clients.Load(sessionID)
	if !ok || c.identity == nil {
		return nil
	}
	return c.identity.Claims
}

// Len reports the number of live channels.
func (h *Hub) Len() int {
	return h.clients.Size()
}
