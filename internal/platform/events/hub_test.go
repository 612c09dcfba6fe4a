package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func TestHub_RegisterClient(t *testing.T) {
	hub := NewHub()
	client := &Client{
		ID:      "client-1",
		Session: "sess-1",
		Send:    make(chan []byte, 256),
	}

	hub.Register(client)

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.SessionCount("sess-1") != 1 {
		t.Fatalf("expected 1 subscriber on sess-1, got %d", hub.SessionCount("sess-1"))
	}
}

func TestHub_UnregisterClient(t *testing.T) {
	hub := NewHub()
	client := &Client{
		ID:      "client-2",
		Session: "sess-2",
		Send:    make(chan []byte, 256),
	}

	hub.Register(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.SessionCount("sess-2") != 0 {
		t.Fatalf("expected 0 subscribers on sess-2, got %d", hub.SessionCount("sess-2"))
	}

	// Second unregister is a no-op, not a double-close.
	hub.Unregister(client)
}

func TestHub_BroadcastToSession(t *testing.T) {
	hub := NewHub()

	subscriber := &Client{
		ID:      "sub-1",
		Session: "sess-a",
		Send:    make(chan []byte, 256),
	}
	other := &Client{
		ID:      "sub-2",
		Session: "sess-b",
		Send:    make(chan []byte, 256),
	}

	hub.Register(subscriber)
	hub.Register(other)

	hub.Broadcast(Event{
		Type:      "session.state",
		Session:   "sess-a",
		Timestamp: time.Now(),
		Data:      json.RawMessage(`{"state":"scanning"}`),
	})

	select {
	case msg := <-subscriber.Send:
		var received Event
		if err := json.Unmarshal(msg, &received); err != nil {
			t.Fatalf("failed to unmarshal event: %v", err)
		}
		if received.Type != "session.state" {
			t.Fatalf("expected event type session.state, got %s", received.Type)
		}
		if received.Session != "sess-a" {
			t.Fatalf("expected session sess-a, got %s", received.Session)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case <-other.Send:
		t.Fatal("subscriber of another session should not have received event")
	default:
	}
}

func TestHub_FullBufferSkipped(t *testing.T) {
	hub := NewHub()

	slow := &Client{
		ID:      "slow",
		Session: "sess-s",
		Send:    make(chan []byte, 1),
	}
	hub.Register(slow)

	hub.Broadcast(Event{Type: "session.state", Session: "sess-s"})
	// Buffer now full; the next broadcast must not block.
	done := make(chan struct{})
	go func() {
		hub.Broadcast(Event{Type: "session.state", Session: "sess-s"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
}

func TestHandler_RequiresSessionParam(t *testing.T) {
	e := echo.New()
	hub := NewHub()
	h := NewHandler(hub, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	err := h.HandleConnect(c)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if httpErr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", httpErr.Code)
	}
}

func TestHandler_EndToEndSubscribe(t *testing.T) {
	e := echo.New()
	hub := NewHub()
	h := NewHandler(hub, zerolog.Nop())
	g := e.Group("/api/scan")
	h.RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/scan/ws?session=sess-e2e"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server goroutine time to register the client.
	deadline := time.Now().Add(2 * time.Second)
	for hub.SessionCount("sess-e2e") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with hub")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(Event{
		Type:      "session.state",
		Session:   "sess-e2e",
		Timestamp: time.Now(),
		Data:      json.RawMessage(`{"state":"resolved"}`),
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var received Event
	if err := json.Unmarshal(msg, &received); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if received.Session != "sess-e2e" {
		t.Fatalf("expected session sess-e2e, got %s", received.Session)
	}
}
