package session

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Hub tracks live connections so other components (budget warnings,
// research-job progress delivered out of band) can find a user's session.
// Shaped on codeready-toolchain-tarsy's WSHub register/unregister pattern,
// generalized from a single shared broadcast channel to a per-user set of
// unicast connections, since §4.8 requires per-session delivery, not
// broadcast.
type Hub struct {
	mu    sync.RWMutex
	byUser map[string]map[*Conn]bool

	upgrader    websocket.Upgrader
	turnLimiter TurnRateLimiter
}

// NewHub creates a Hub. checkOrigin should reject cross-origin upgrade
// requests in production; it is caller-supplied rather than hardcoded to
// "allow all" as in the reference PoC. turnLimiter enforces §4.8's 100
// turns/minute/user cap across every connection the user holds; a nil
// turnLimiter falls back to an in-process limiter so the cap always holds
// within one instance, even when no Redis endpoint is configured for it to
// hold across instances too.
func NewHub(checkOrigin func(r *http.Request) bool, turnLimiter TurnRateLimiter) *Hub {
	if turnLimiter == nil {
		turnLimiter = NewInProcessTurnLimiter(defaultTurnsPerMinute, time.Minute)
	}
	return &Hub{
		byUser: make(map[string]map[*Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
		turnLimiter: turnLimiter,
	}
}

// Upgrade promotes an authenticated HTTP request to a session connection
// for userID, registers it, and returns it for the caller to run ReadLoop on.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, userID string) (*Conn, error) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := NewConn(ws, userID, h.turnLimiter)
	h.register(userID, c)
	return c, nil
}

func (h *Hub) register(userID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.byUser[userID] == nil {
		h.byUser[userID] = make(map[*Conn]bool)
	}
	h.byUser[userID][c] = true
	slog.Info("session: connected", "user_id", userID, "sessions", len(h.byUser[userID]))
}

// Unregister removes c from the hub. Callers should defer this alongside
// Conn.Close() once ReadLoop returns.
func (h *Hub) Unregister(userID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.byUser[userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.byUser, userID)
		}
	}
}

// SendToUser enqueues f on every live session belonging to userID. Used for
// budget_warning frames and research-job progress computed outside the
// turn that created the job.
func (h *Hub) SendToUser(userID string, f Frame) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.byUser[userID] {
		c.Send(f)
	}
}
