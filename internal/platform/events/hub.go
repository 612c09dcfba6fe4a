// Package events streams scan session state changes to WebSocket
// subscribers. Each session is a topic; a kiosk UI subscribes to its
// own session and renders every state transition as it happens.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Event is a single session state change pushed to subscribers.
type Event struct {
	Type      string          `json:"type"`
	Session   string          `json:"session"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Client is one subscriber watching a single session.
type Client struct {
	ID      string
	Session string
	Send    chan []byte
}

// Hub tracks subscribers per session. All operations are safe for
// concurrent use.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]map[*Client]struct{}
	all      map[*Client]struct{}
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]map[*Client]struct{}),
		all:      make(map[*Client]struct{}),
	}
}

// Register adds a client to its session topic.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	if h.sessions[client.Session] == nil {
		h.sessions[client.Session] = make(map[*Client]struct{})
	}
	h.sessions[client.Session][client] = struct{}{}
}

// Unregister removes a client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	if subscribers, ok := h.sessions[client.Session]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.sessions, client.Session)
		}
	}
	delete(h.all, client)
	close(client.Send)
}

// Broadcast pushes an event to every subscriber of its session. Slow
// subscribers are skipped rather than blocking the session manager.
func (h *Hub) Broadcast(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.sessions[event.Session] {
		select {
		case client.Send <- data:
		default:
		}
	}
}

// ClientCount returns the total number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// SessionCount returns the number of subscribers watching a session.
func (h *Hub) SessionCount(session string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[session])
}

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; tighten in production.
	},
}

// Handler upgrades HTTP requests to WebSocket subscriptions.
type Handler struct {
	hub *Hub
	log zerolog.Logger
}

func NewHandler(hub *Hub, log zerolog.Logger) *Handler {
	return &Handler{hub: hub, log: log}
}

// RegisterRoutes registers the WebSocket endpoint on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.HandleConnect)
}

// HandleConnect upgrades the connection and subscribes it to the
// session named in the ?session query parameter.
func (h *Handler) HandleConnect(c echo.Context) error {
	sessionID := c.QueryParam("session")
	if sessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "session query parameter is required")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:      uuid.New().String(),
		Session: sessionID,
		Send:    make(chan []byte, 256),
	}

	h.hub.Register(client)
	h.log.Debug().Str("session", sessionID).Str("client", client.ID).Msg("websocket subscriber connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)

	return nil
}

// readPump drains inbound messages so pings and close frames are
// processed; subscribers have nothing to say.
func (h *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		ws.Close()
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump writes events from the Send channel to the connection.
func (h *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	defer ws.Close()

	for message := range client.Send {
		if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
			break
		}
	}
}
