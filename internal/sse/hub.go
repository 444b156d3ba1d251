// Package sse fans engine events out to connected browser clients as
// Server-Sent Events. The hub also keeps the latest sticky event of each
// kind per deck so a client that connects mid-set is brought up to date
// immediately instead of waiting for the next state change.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Client represents one connected SSE browser client.
type Client struct {
	ID     string
	Events chan []byte // outbound, SSE-formatted
}

// stickyEvents are replayed to newly connected clients; transient
// high-rate events (tick, pitch-tick) are not.
var stickyEvents = map[string]bool{
	"load-update":        true,
	"status-update":      true,
	"sync-status-update": true,
}

// Hub manages SSE client connections and broadcasts engine events.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	done       chan struct{}

	// replay holds the latest sticky event per (deck, event name).
	replayMu sync.RWMutex
	replay   map[string][]byte
}

// NewHub creates an SSE hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		replay:     make(map[string][]byte),
	}
}

// Run starts the hub's event loop. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			slog.Info("sse client connected", "id", client.ID, "total", h.Count())

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Events)
			}
			h.mu.Unlock()
			slog.Info("sse client disconnected", "id", client.ID, "total", h.Count())

		case data := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.Events <- data:
				default:
					// Client buffer full — drop message rather than block
					slog.Warn("sse client buffer full, dropping message", "id", client.ID)
				}
			}
			h.mu.RUnlock()

		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.Events)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Register adds a client to the hub.
// Uses a select so that sends after Close() don't block forever.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
	}
}

// Unregister removes a client from the hub.
// Uses a select so that sends after Close() don't block forever.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// BroadcastEvent marshals payload and sends it to all connected clients
// as an SSE event named event. Sticky events are additionally cached for
// replay to clients that connect later. deckID scopes the replay cache;
// pass "" for events that are not per-deck.
func (h *Hub) BroadcastEvent(event, deckID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal sse event", "event", event, "error", err)
		return
	}
	msg := fmt.Appendf(nil, "event: %s\ndata: %s\n\n", event, data)

	if stickyEvents[event] {
		h.replayMu.Lock()
		h.replay[deckID+"\x00"+event] = msg
		h.replayMu.Unlock()
	}

	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// ReplaySnapshot returns the cached sticky events, for writing directly
// to a freshly connected client before it joins the broadcast stream.
func (h *Hub) ReplaySnapshot() [][]byte {
	h.replayMu.RLock()
	defer h.replayMu.RUnlock()
	out := make([][]byte, 0, len(h.replay))
	for _, msg := range h.replay {
		out = append(out, msg)
	}
	return out
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the hub.
func (h *Hub) Close() {
	close(h.done)
}
