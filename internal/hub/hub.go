// Package hub pushes live model and pull events to WebSocket clients
// and accepts model commands from them.
package hub

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/wharf-sh/wharf/internal/db"
	"github.com/wharf-sh/wharf/internal/ollama"
)

const (
	writeTimeout   = 10 * time.Second
	maxCommandSize = 64 * 1024
)

// ModelManager is the slice of the model manager the hub drives.
type ModelManager interface {
	Reconcile(ctx context.Context) (int, error)
	StartPull(ctx context.Context, name string) error
	CancelPull(name string) bool
	Delete(ctx context.Context, name string) error
}

// Command is an inbound client frame.
type Command struct {
	Action string `json:"action"`
	Model  string `json:"model,omitempty"`
	ID     string `json:"id,omitempty"` // echoed back on the reply
}

// Frame is an outbound event or command reply.
type Frame struct {
	Event   string      `json:"event"`
	ID      string      `json:"id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) sendFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.send(data)
}

// Hub owns the client registry. Broadcast implements
// manager.Broadcaster so model events flow straight through.
type Hub struct {
	upgrader websocket.Upgrader
	manager  ModelManager
	models   *db.ModelStore

	mu      sync.RWMutex
	clients map[string]*client
}

// New creates a Hub. Origin checks admit localhost only; nothing else
// should be talking to a local worker.
func New(mgr ModelManager, models *db.ModelStore) *Hub {
	return &Hub{
		manager: mgr,
		models:  models,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     localOrigin,
		},
	}
}

func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "file", "app":
		// Desktop shells load the UI from a packaged origin.
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast marshals the frame once and fans it out. Dead clients are
// dropped on write failure.
func (h *Hub) Broadcast(event string, payload interface{}) {
	data, err := json.Marshal(Frame{Event: event, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("Failed to marshal broadcast")
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.send(data); err != nil {
			log.Debug().Str("client", c.id).Err(err).Msg("Dropping dead WebSocket client")
			h.remove(c)
		}
	}
}

// HandleWS upgrades the connection and runs the read loop until the
// client goes away.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{id: uuid.NewString(), conn: conn}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	log.Debug().Str("client", c.id).Msg("WebSocket client connected")
	_ = c.sendFrame(Frame{Event: "connected", Payload: map[string]string{"clientId": c.id}})

	defer func() {
		h.remove(c)
		log.Debug().Str("client", c.id).Msg("WebSocket client disconnected")
	}()

	conn.SetReadLimit(maxCommandSize)
	for {
		var cmd Command
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Str("client", c.id).Err(err).Msg("WebSocket read error")
			}
			return
		}
		h.dispatch(r.Context(), c, cmd)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		_ = c.conn.Close()
	}
	h.mu.Unlock()
}

func (h *Hub) dispatch(ctx context.Context, c *client, cmd Command) {
	switch cmd.Action {
	case "pullModel":
		if cmd.Model == "" {
			h.reply(c, cmd, nil, "model is required")
			return
		}
		err := h.manager.StartPull(ctx, cmd.Model)
		switch {
		case err == nil:
			h.reply(c, cmd, map[string]string{"model": cmd.Model, "status": db.ModelStatusDownloading}, "")
		case ollama.IsModelNotFound(err):
			h.reply(c, cmd, nil, "model not found: "+cmd.Model)
		case err == ollama.ErrPullInProgress:
			h.reply(c, cmd, nil, "pull already in progress for "+cmd.Model)
		default:
			h.reply(c, cmd, nil, err.Error())
		}

	case "cancelPull":
		if !h.manager.CancelPull(cmd.Model) {
			h.reply(c, cmd, nil, "no pull in progress for "+cmd.Model)
			return
		}
		h.reply(c, cmd, map[string]string{"model": cmd.Model, "status": "cancelled"}, "")

	case "deleteModel":
		if err := h.manager.Delete(ctx, cmd.Model); err != nil {
			h.reply(c, cmd, nil, err.Error())
			return
		}
		h.reply(c, cmd, map[string]string{"model": cmd.Model, "status": db.ModelStatusRemoved}, "")

	case "refreshModels":
		if _, err := h.manager.Reconcile(ctx); err != nil {
			h.reply(c, cmd, nil, err.Error())
			return
		}
		models, err := h.models.List(ctx, false)
		if err != nil {
			h.reply(c, cmd, nil, err.Error())
			return
		}
		h.reply(c, cmd, models, "")

	case "subscribe", "listModels":
		// Connected sockets already receive broadcasts; the reply
		// gives the subscriber a catalog snapshot to render from.
		models, err := h.models.List(ctx, false)
		if err != nil {
			h.reply(c, cmd, nil, err.Error())
			return
		}
		h.reply(c, cmd, models, "")

	case "ping":
		h.reply(c, cmd, "pong", "")

	default:
		h.reply(c, cmd, nil, "unknown action: "+cmd.Action)
	}
}

func (h *Hub) reply(c *client, cmd Command, payload interface{}, errMsg string) {
	frame := Frame{Event: cmd.Action + "Result", ID: cmd.ID, Payload: payload, Error: errMsg}
	if err := c.sendFrame(frame); err != nil {
		h.remove(c)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		_ = c.conn.Close()
		delete(h.clients, id)
	}
}
