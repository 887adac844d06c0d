package session

import (
	"context"
	"sync"
	"time"
)

// defaultTurnsPerMinute is the "100 turns per minute per user" cap (§4.8),
// distinct from Conn's inboundFrameRate which only bounds one connection's
// frame rate, not a user's total turns across every connection they hold.
const defaultTurnsPerMinute = 100

// TurnRateLimiter decides whether userID may start another turn right now.
// Implementations count per user, not per connection, since a user can hold
// more than one live session.
type TurnRateLimiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
}

// InProcessTurnLimiter is a single-instance TurnRateLimiter backed by a
// sliding window per user, generalizing internal/middleware/ratelimit.go's
// sync.Map-of-timestamps pattern from HTTP requests to session turns. Used
// when no Redis endpoint is configured (§6: "missing optional providers
// disable the corresponding feature" does not apply here, since the cap is
// mandatory; it just stops being shared across instances).
type InProcessTurnLimiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewInProcessTurnLimiter creates an InProcessTurnLimiter. max<=0 defaults
// to 100; window<=0 defaults to one minute.
func NewInProcessTurnLimiter(max int, window time.Duration) *InProcessTurnLimiter {
	if max <= 0 {
		max = defaultTurnsPerMinute
	}
	if window <= 0 {
		window = time.Minute
	}
	return &InProcessTurnLimiter{max: max, window: window, windows: make(map[string][]time.Time)}
}

// Allow records a turn attempt for userID and reports whether it is within
// the window's cap.
func (l *InProcessTurnLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := l.windows[userID][:0]
	for _, t := range l.windows[userID] {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	if len(pruned) >= l.max {
		l.windows[userID] = pruned
		return false, nil
	}
	l.windows[userID] = append(pruned, now)
	return true, nil
}
