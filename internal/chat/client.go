package chat

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"chat-relay/internal/auth"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Maximum frame size allowed from the peer.
)

// Client is the middleman between one websocket connection and the hub. The
// identity slot is filled by the gate before the pumps start and is
// immutable afterwards; nil means anonymous.
type Client struct {
	hub      *Hub
	handler  *Handler
	conn     *websocket.Conn
	send     chan []byte
	identity *auth.Identity
	log      *slog.Logger
}

// Identity returns the attached identity, nil for anonymous connections.
func (c *Client) Identity() *auth.Identity {
	return c.identity
}

// Notify queues an event for this connection only. Routed through the hub
// run loop, which makes it safe to call even after the hub has evicted the
// connection and closed its send channel.
func (c *Client) Notify(event string, data any) {
	c.hub.Notify(c, event, data)
}

// readPump pumps frames from the websocket into the event dispatcher.
// Events are handled inline, so each connection processes its own events
// in receipt order.
func (c *Client) readPump() {
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
				c.log.Debug("read error", "err", err)
			}
			break
		}
		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		c.handler.handleEvent(c, env)
	}
}

// writePump pumps frames from the send channel to the websocket and keeps
// the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
