package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Config holds WebSocket transport tuning.
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  8192, // patch envelope plus headroom
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// Handler receives transport events: raw inbound frames and disconnects.
type Handler interface {
	HandleMessage(conn *Conn, data []byte)
	HandleDisconnect(connectionID string)
}

// Hub owns every live WebSocket connection on this process, keyed by
// connection id. Room membership lives elsewhere; the hub only moves
// bytes.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*Conn
	upgrader websocket.Upgrader
	config   Config
	handler  Handler
}

// NewHub creates a hub. The handler must be attached with SetHandler
// before the first upgrade.
func NewHub(config Config) *Hub {
	return &Hub{
		conns: make(map[string]*Conn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// SetHandler attaches the message/disconnect handler. Separate from the
// constructor because the service that handles messages also needs the
// hub to send replies.
func (h *Hub) SetHandler(handler Handler) { h.handler = handler }

// Upgrade turns an HTTP request into a managed WebSocket connection and
// starts its pumps.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, userID string) (*Conn, error) {
	sock, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		ID:          uuid.New().String(),
		UserID:      userID,
		sock:        sock,
		send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		hub:         h,
		ConnectedAt: time.Now(),
	}

	h.mu.Lock()
	h.conns[c.ID] = c
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()

	log.Info().
		Str("connection_id", c.ID).
		Str("user_id", userID).
		Msg("WebSocket connection established")
	return c, nil
}

// Send enqueues a payload for one connection. A full send buffer means
// the client stopped reading; the connection is closed rather than
// letting it stall everyone else's fan-out.
func (h *Hub) Send(connectionID string, payload []byte) {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	select {
	case c.send <- payload:
	case <-c.done:
	default:
		log.Warn().
			Str("connection_id", c.ID).
			Str("user_id", c.UserID).
			Msg("send buffer full, closing connection")
		h.drop(c)
		c.sock.Close()
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// drop removes a connection from the hub and signals its pumps to stop.
// Safe to call more than once. The send channel is never closed: a Send
// racing the drop must not hit a closed channel, so shutdown travels on
// done and any unsent payloads go away with the channel.
func (h *Hub) drop(c *Conn) {
	h.mu.Lock()
	_, ok := h.conns[c.ID]
	if ok {
		delete(h.conns, c.ID)
		close(c.done)
	}
	h.mu.Unlock()

	if ok && h.handler != nil {
		h.handler.HandleDisconnect(c.ID)
	}
}
