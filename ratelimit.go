package comlink

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimiter is a per-sender fixed-window counter. The window starts at a
// sender's first request and resets once it has fully elapsed, so bursts
// straddling a window boundary may briefly exceed the limit. That trade-off
// buys O(1) state per sender.
type rateLimiter struct {
	limit  int
	window time.Duration
	logger *zap.Logger

	counters sync.Map // senderID -> *windowCounter
}

type windowCounter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

func newRateLimiter(limit int, window time.Duration, logger *zap.Logger) *rateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &rateLimiter{
		limit:  limit,
		window: window,
		logger: logger,
	}
}

// Allow reports whether the sender may issue one more request in its
// current window. Safe for concurrent use; contention is scoped to the
// single sender's counter.
func (l *rateLimiter) Allow(senderID string) bool {
	now := time.Now()
	value, _ := l.counters.LoadOrStore(senderID, &windowCounter{windowStart: now})
	wc := value.(*windowCounter)

	wc.mu.Lock()
	defer wc.mu.Unlock()

	if now.Sub(wc.windowStart) >= l.window {
		wc.count = 0
		wc.windowStart = now
	}

	wc.count++
	if wc.count > l.limit {
		l.logger.Warn("ratelimit.exceeded",
			zap.String("senderId", senderID),
			zap.Int("count", wc.count),
			zap.Int("limit", l.limit),
		)
		return false
	}
	return true
}

// Forget drops the counter for a sender. Called on session teardown so
// state is bounded by the set of live sessions.
func (l *rateLimiter) Forget(senderID string) {
	l.counters.Delete(senderID)
}
