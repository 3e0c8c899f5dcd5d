package ws

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Conn is one client connection. The id is the opaque ConnectionId the
// rest of the system keys on.
type Conn struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	sock *websocket.Conn
	send chan []byte
	done chan struct{}
	hub  *Hub
}

// Send enqueues a payload for this connection, dropping it when the
// buffer is full (the hub will close the connection).
func (c *Conn) Send(payload []byte) {
	c.hub.Send(c.ID, payload)
}

// writePump drains the send buffer into the socket and keeps the
// connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.sock.Close()
		c.hub.drop(c)
	}()

	for {
		select {
		case payload := <-c.send:
			c.sock.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-c.done:
			c.sock.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			c.sock.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.sock.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump feeds inbound frames to the handler until the socket dies.
func (c *Conn) readPump() {
	defer func() {
		c.hub.drop(c)
		c.sock.Close()
	}()

	c.sock.SetReadLimit(c.hub.config.MaxMessageSize)
	c.sock.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.sock.SetPongHandler(func(string) error {
		c.sock.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		_, payload, err := c.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		if c.hub.handler != nil {
			c.hub.handler.HandleMessage(c, payload)
		}
		c.sock.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}
