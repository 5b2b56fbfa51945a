package realtime

import (
	"context"
	"sync/atomic"
)

// Hub owns the set of live clients. Per-setlist traffic goes through each
// client's session; the hub only fans out server-wide notices.
type Hub struct {
	clients map[*Client]bool

	// Server-wide messages for every client.
	broadcast chan []byte

	register   chan *Client
	unregister chan *Client

	count atomic.Int64
	done  chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is done. On the way out every client gets a
// server.closing notice and its send channel is closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
				h.count.Store(int64(len(h.clients)))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if !client.trySend(message) {
					delete(h.clients, client)
					client.closeSend()
				}
			}
			h.count.Store(int64(len(h.clients)))

		case <-ctx.Done():
			closing := mustMarshal(outbound{Type: msgServerClosing})
			for client := range h.clients {
				client.trySend(closing)
				client.closeSend()
			}
			clear(h.clients)
			h.count.Store(0)
			return
		}
	}
}

// Register adds c. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast sends msg to every client. Slow clients are dropped.
func (h *Hub) Broadcast(msg []byte) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// Clients is the number of registered clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}
