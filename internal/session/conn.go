package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// outboundQueueSize bounds per-session backpressure (§4.8, §5): a slow
	// client slows its own generation without affecting others, because the
	// producer blocks once this many frames are queued and unacknowledged.
	outboundQueueSize = 64

	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10

	// inboundFrameRate is 10 frames/sec/session inbound (§4.8).
	inboundFrameRate = 10
)

// TurnHandler is invoked once per inbound chat frame. It must run the
// orchestrator turn to completion (emitting frames via Conn.Send) and
// return when the turn ends, honoring ctx cancellation from a Cancel call.
type TurnHandler func(ctx context.Context, turnID string, payload ChatPayload)

// Conn wraps one authenticated WebSocket connection. Exactly one turn runs
// at a time per session (§5 "turns do not interleave"); a second chat frame
// arriving mid-turn is rejected with a rate_limited-shaped error rather than
// queued, since the protocol promises turn_ended before the next turn_started.
type Conn struct {
	ws     *websocket.Conn
	userID string

	outbound chan Frame
	done     chan struct{}
	closeOnce sync.Once

	limiter     *rate.Limiter
	turnLimiter TurnRateLimiter

	mu          sync.Mutex
	activeTurn  string
	cancelTurn  context.CancelFunc
}

// NewConn wraps ws for userID and starts its writer goroutine. turnLimiter
// enforces the per-user turns/minute cap (§4.8) across this user's
// connections; a nil turnLimiter leaves that cap unenforced, so callers
// should supply one (Hub.Upgrade always does).
func NewConn(ws *websocket.Conn, userID string, turnLimiter TurnRateLimiter) *Conn {
	c := &Conn{
		ws:          ws,
		userID:      userID,
		outbound:    make(chan Frame, outboundQueueSize),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(inboundFrameRate), inboundFrameRate),
		turnLimiter: turnLimiter,
	}
	go c.writeLoop()
	return c
}

// Send enqueues an outbound frame, blocking if the queue is full
// (backpressure, §4.8/§5) until space frees up or the connection closes.
func (c *Conn) Send(f Frame) {
	select {
	case c.outbound <- f:
	case <-c.done:
	}
}

// SendError is a convenience wrapper emitting a structured error frame.
func (c *Conn) SendError(turnID, code, message string) {
	c.Send(NewFrame(KindError, turnID, ErrorPayload{Code: code, Message: message}))
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case f, ok := <-c.outbound:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(f); err != nil {
				slog.Warn("session: write failed, closing", "user_id", c.userID, "error", err)
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// ReadLoop runs the inbound demultiplex loop until the connection closes.
// Chat frames spawn a turn via handle; cancel frames signal the running
// turn's context. Over-limit inbound frames are answered with
// error{code: rate_limited} and dropped, per §4.8.
func (c *Conn) ReadLoop(handle TurnHandler) {
	defer c.Close()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Info("session: connection closed", "user_id", c.userID, "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			c.SendError(f.TurnID, "rate_limited", "too many frames, slow down")
			continue
		}

		switch f.Kind {
		case KindChat:
			var p ChatPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				c.SendError("", "validation", "malformed chat frame")
				continue
			}
			c.startTurn(p, handle)
		case KindCancel:
			var p CancelPayload
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				continue
			}
			c.cancel(p.TurnID)
		default:
			c.SendError(f.TurnID, "validation", fmt.Sprintf("unknown frame kind %q", f.Kind))
		}
	}
}

func (c *Conn) startTurn(p ChatPayload, handle TurnHandler) {
	if c.turnLimiter != nil {
		allowed, err := c.turnLimiter.Allow(context.Background(), c.userID)
		if err != nil {
			slog.Error("session: turn rate limiter unavailable, allowing turn", "user_id", c.userID, "error", err)
		} else if !allowed {
			c.SendError("", "rate_limited", "too many turns this minute, slow down")
			return
		}
	}

	c.mu.Lock()
	if c.activeTurn != "" {
		c.mu.Unlock()
		c.SendError("", "rate_limited", "a turn is already in progress on this session")
		return
	}
	turnID := newTurnID()
	ctx, cancel := context.WithCancel(context.Background())
	c.activeTurn = turnID
	c.cancelTurn = cancel
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			c.activeTurn = ""
			c.cancelTurn = nil
			c.mu.Unlock()
		}()
		handle(ctx, turnID, p)
	}()
}

func (c *Conn) cancel(turnID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.activeTurn == turnID && c.cancelTurn != nil {
		c.cancelTurn()
	}
}

// Close idempotently tears down the connection's writer goroutine.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func newTurnID() string { return "turn_" + uuid.NewString() }
