// Package sse provides Server-Sent Events broadcasting for wharf.
package sse

import (
	"fmt"
	"net/http"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Client represents a connected SSE client.
type Client struct {
	ID      string
	Writer  http.ResponseWriter
	Flusher http.Flusher
	Done    chan struct{}
}

// Broadcaster manages SSE client connections and event broadcasting.
// It satisfies the model manager's Broadcaster interface, so model
// events reach SSE subscribers and WebSocket clients alike.
type Broadcaster struct {
	clients map[string]*Client
	mu      sync.RWMutex
	nextID  int
}

// NewBroadcaster creates a new SSE broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
	}
}

// AddClient adds a new SSE client connection.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("client-%d", b.nextID)
	client := &Client{
		ID:      id,
		Writer:  w,
		Flusher: flusher,
		Done:    make(chan struct{}),
	}
	b.clients[id] = client
	clientCount := len(b.clients)
	b.mu.Unlock()

	log.Debug().
		Str("clientId", id).
		Int("totalClients", clientCount).
		Msg("SSE client connected")

	return client, nil
}

// RemoveClient removes a client connection. Safe to call for a client
// the broadcaster already dropped on write failure.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.removeClientByID(client.ID)

	log.Debug().
		Str("clientId", client.ID).
		Msg("SSE client disconnected")
}

func (b *Broadcaster) removeClientByID(id string) {
	b.mu.Lock()
	client, exists := b.clients[id]
	if exists {
		delete(b.clients, id)
	}
	b.mu.Unlock()

	if exists && client.Done != nil {
		select {
		case <-client.Done:
			// Already closed
		default:
			close(client.Done)
		}
	}
}

// Broadcast sends a named event to all connected clients. The payload
// is marshalled once; dead clients are removed on write failure.
func (b *Broadcaster) Broadcast(event string, payload interface{}) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to marshal SSE payload")
		return
	}

	message := fmt.Sprintf("event: %s\ndata: %s\n\n", event, jsonData)

	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, client := range b.clients {
		clients = append(clients, client)
	}
	b.mu.RUnlock()

	var deadClients []*Client
	for _, client := range clients {
		select {
		case <-client.Done:
			continue
		default:
			if _, err := client.Writer.Write([]byte(message)); err != nil {
				deadClients = append(deadClients, client)
				continue
			}
			client.Flusher.Flush()
		}
	}

	for _, client := range deadClients {
		b.removeClientByID(client.ID)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE handles an SSE subscription request, blocking until the
// client disconnects.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	fmt.Fprintf(w, "event: connected\ndata: {\"clientId\":%q}\n\n", client.ID)
	client.Flusher.Flush()

	<-r.Context().Done()
}
