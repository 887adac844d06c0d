package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newTestServer upgrades every request through hub under userID and runs
// handle as the TurnHandler, returning a dialed client connection.
func newTestServer(t *testing.T, hub *Hub, userID string, handle TurnHandler) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := hub.Upgrade(w, r, userID)
		if err != nil {
			return
		}
		defer hub.Unregister(userID, conn)
		defer conn.Close()
		conn.ReadLoop(handle)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func noopHandler(ctx context.Context, turnID string, payload ChatPayload) {}

func TestHub_RegistersAndUnregistersOnClose(t *testing.T) {
	hub := NewHub(func(r *http.Request) bool { return true }, NewInProcessTurnLimiter(1000, time.Minute))
	client := newTestServer(t, hub, "u1", noopHandler)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		n := len(hub.byUser["u1"])
		hub.mu.RUnlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	hub.mu.RLock()
	n := len(hub.byUser["u1"])
	hub.mu.RUnlock()
	if n != 1 {
		t.Fatalf("expected 1 registered connection, got %d", n)
	}

	client.Close()

	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		_, ok := hub.byUser["u1"]
		hub.mu.RUnlock()
		if !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("expected user entry to be removed once the connection closed")
}

func TestConn_TurnRateLimit_RejectsOverCapTurns(t *testing.T) {
	hub := NewHub(func(r *http.Request) bool { return true }, NewInProcessTurnLimiter(1, time.Minute))

	started := make(chan string, 4)
	client := newTestServer(t, hub, "u1", func(ctx context.Context, turnID string, payload ChatPayload) {
		started <- turnID
	})

	send := func() {
		f := NewFrame(KindChat, "", ChatPayload{ConversationID: "c1", Content: "hello"})
		if err := client.WriteJSON(f); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	send()
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("expected the first turn to start")
	}

	send()

	client.SetReadDeadline(time.Now().Add(time.Second))
	var reply Frame
	if err := client.ReadJSON(&reply); err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Kind != KindError {
		t.Fatalf("expected an error frame for the over-cap turn, got %v", reply.Kind)
	}
}

func TestConn_InboundFrameRateLimit_DropsOverLimitFrames(t *testing.T) {
	hub := NewHub(func(r *http.Request) bool { return true }, NewInProcessTurnLimiter(1000, time.Minute))

	client := newTestServer(t, hub, "u1", noopHandler)

	var sawRateLimited bool
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for i := 0; i < inboundFrameRate*3; i++ {
		f := NewFrame(KindCancel, "", CancelPayload{TurnID: "nonexistent"})
		if err := client.WriteJSON(f); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// Drain whatever error frames arrive; cancel frames for an unknown turn
	// produce none, but a burst this size must trip the 10/sec limiter.
	for i := 0; i < inboundFrameRate*3; i++ {
		var reply Frame
		client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		if err := client.ReadJSON(&reply); err != nil {
			break
		}
		if reply.Kind == KindError {
			sawRateLimited = true
			break
		}
	}
	if !sawRateLimited {
		t.Error("expected at least one rate_limited error frame from the inbound burst")
	}
}
