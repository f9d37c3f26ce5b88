package pipeline

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RateLimiter is a token bucket for throttling replies.
type RateLimiter struct {
	mu       sync.Mutex
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastTime time.Time
	now      func() time.Time
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 30 // 30 replies per minute default
	}
	return &RateLimiter{
		tokens:   float64(maxBurst),
		max:      float64(maxBurst),
		rate:     ratePerMinute / 60.0, // Convert to per-second
		lastTime: time.Now(),
		now:      time.Now,
	}
}

// refill must be called with mu held.
func (rl *RateLimiter) refill() {
	now := rl.now()
	elapsed := now.Sub(rl.lastTime).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.max {
		rl.tokens = rl.max
	}
	rl.lastTime = now
}

// Allow takes a token if one is available without waiting.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()
		if rl.tokens >= 1.0 {
			rl.tokens -= 1.0
			rl.mu.Unlock()
			return nil
		}

		waitSec := (1.0 - rl.tokens) / rl.rate
		rl.mu.Unlock()

		timer := time.NewTimer(time.Duration(waitSec * float64(time.Second)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// conversationLimits hands out one RateLimiter per conversation, keeping the
// most recently active ones.
type conversationLimits struct {
	burst    int
	perMin   float64
	limiters *lru.Cache[string, *RateLimiter]
}

func newConversationLimits(size, burst int, perMin float64) (*conversationLimits, error) {
	cache, err := lru.New[string, *RateLimiter](size)
	if err != nil {
		return nil, err
	}
	return &conversationLimits{burst: burst, perMin: perMin, limiters: cache}, nil
}

func (c *conversationLimits) allow(key string) bool {
	rl, ok := c.limiters.Get(key)
	if !ok {
		rl = NewRateLimiter(c.burst, c.perMin)
		if prev, loaded, _ := c.limiters.PeekOrAdd(key, rl); loaded {
			rl = prev
		}
	}
	return rl.Allow()
}
