package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	pkglog "github.com/weiawesome/wes-io-live/viewer-service/pkg/log"
)

// Config holds WebSocket connection settings.
type Config struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

// Hub owns the WebSocket connections of one namespace and delivers frames
// to them by connection id. Group membership lives in the bus namespace.
type Hub struct {
	namespace  string
	clients    map[string]*Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex
	config     Config
}

// NewHub creates a new Hub.
func NewHub(namespace string, cfg Config) *Hub {
	return &Hub{
		namespace:  namespace,
		clients:    make(map[string]*Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		config:     cfg,
	}
}

// Run starts the hub's main loop. It returns after Stop.
func (h *Hub) Run() {
	l := pkglog.L().With().Str(pkglog.FieldNamespace, h.namespace).Logger()
	for {
		select {
		case <-h.done:
			return

		case client := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.clients[client.ID]; ok && existing == client {
				delete(h.clients, client.ID)
				close(client.Send)
			}
			h.mu.Unlock()
			l.Debug().Str(pkglog.FieldConnID, client.ID).Msg("client unregistered")
		}
	}
}

// Stop closes every connection and stops Run.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for id, client := range h.clients {
			delete(h.clients, id)
			close(client.Send)
		}
		h.mu.Unlock()
	})
}

// Register adds a client to the hub. The client can receive frames as
// soon as Register returns.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	select {
	case <-h.done:
		client.Conn.Close()
		return
	default:
	}
	h.clients[client.ID] = client
	l := pkglog.L()
	l.Debug().Str(pkglog.FieldNamespace, h.namespace).Str(pkglog.FieldConnID, client.ID).Msg("client registered")
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Send queues frame for connID. It reports false when the client is
// unknown or too slow; a slow client is dropped.
func (h *Hub) Send(connID string, frame []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[connID]
	if !ok {
		return false
	}

	select {
	case client.Send <- frame:
		return true
	default:
		// Client's send buffer is full
		go h.Disconnect(connID)
		return false
	}
}

// Disconnect closes the connection of connID with a policy-violation close
// frame. The read pump then runs the disconnect handler.
func (h *Hub) Disconnect(connID string) {
	h.mu.RLock()
	client, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	deadline := time.Now().Add(h.config.WriteWait)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "")
	client.Conn.WriteControl(websocket.CloseMessage, msg, deadline)
	client.Conn.Close()
}

// ClientCount returns the number of local connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
