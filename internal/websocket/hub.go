// internal/websocket/hub.go
package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"greenhouse-gateway/internal/metrics"
	"greenhouse-gateway/internal/topics"
)

var (
	// ErrUnknownConnection is returned when sending to a connection that is
	// not (or no longer) registered.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrSlowConsumer is returned when a connection's outbound buffer is full.
	ErrSlowConsumer = errors.New("outbound buffer full")
	// ErrHubClosed is returned by Register once the hub has stopped.
	ErrHubClosed = errors.New("hub closed")
)

// Hub owns the table of live connections. Registration changes are serialized
// through Run; lookups for delivery take a read lock.
type Hub struct {
	registry   *topics.Registry
	clients    map[string]*Client
	register   chan registration
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// OnSubscribe, when set, is called after a client joins a topic.
	OnSubscribe func(connID, topic string)
}

func NewHub(registry *topics.Registry, logger *slog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		registry:   registry,
		clients:    make(map[string]*Client),
		register:   make(chan registration),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With("component", "hub"),
		metrics:    m,
	}
}

// Registry returns the topic registry shared with the broadcaster.
func (h *Hub) Registry() *topics.Registry { return h.registry }

// Run processes registrations until ctx is cancelled, then closes every
// remaining client.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	for {
		select {
		case <-ctx.Done():
			return

		case req := <-h.register:
			client := req.client
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			close(req.added)
			h.metrics.ClientConnected()
			h.logger.Info("client registered", "conn_id", client.ID, "remote", client.remoteAddr())

		case client := <-h.unregister:
			h.mu.Lock()
			current, ok := h.clients[client.ID]
			if ok && current == client {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			// A dropped client may still have subscribed before its read loop
			// ended, so its registry entries go regardless.
			h.registry.RemoveConnection(client.ID)
			if ok && current == client {
				h.metrics.ClientDisconnected()
				h.logger.Info("client unregistered", "conn_id", client.ID)
			}
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.send)
		h.registry.RemoveConnection(id)
		h.metrics.ClientDisconnected()
	}
	h.mu.Unlock()
	close(h.done)
	h.logger.Info("hub stopped")
}

type registration struct {
	client *Client
	added  chan struct{}
}

// Register adds a client and returns once it can receive frames. It fails
// once the hub has stopped.
func (h *Hub) Register(c *Client) error {
	req := registration{client: c, added: make(chan struct{})}
	select {
	case h.register <- req:
		<-req.added
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// Unregister removes a client and all its subscriptions. Unregistering an
// already removed client only clears subscriptions it still holds.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Send queues msg on the connection's outbound buffer without blocking.
func (h *Hub) Send(connID string, msg []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.clients[connID]
	if !ok {
		return ErrUnknownConnection
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// SendEvent serializes ev and queues it for one connection.
func (h *Hub) SendEvent(connID string, ev Event) error {
	msg, err := ev.MarshalJSON()
	if err != nil {
		return err
	}
	return h.Send(connID, msg)
}

// Drop schedules the connection for removal without waiting for the hub.
func (h *Hub) Drop(connID string) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	go h.Unregister(c)
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) has(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[connID]
	return ok
}

func (h *Hub) subscribed(connID, topic string) {
	if h.OnSubscribe != nil {
		h.OnSubscribe(connID, topic)
	}
}
