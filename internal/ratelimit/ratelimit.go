// Package ratelimit limits payment mutations per authenticated actor.
//
// Limiters are injected rather than global: the in-memory token bucket
// serves single-instance deployments and tests, the redis fixed window
// serves horizontally scaled deployments. Both expire idle keys.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Limiter decides whether the actor identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Config configures rate limiting.
type Config struct {
	RequestsPerMinute int           // sustained rate per key
	BurstSize         int           // bucket capacity (memory limiter only)
	IdleExpiry        time.Duration // idle keys are dropped after this long
	CleanupInterval   time.Duration // how often idle keys are swept
}

// DefaultConfig mirrors the payment route limits.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 30,
		BurstSize:         10,
		IdleExpiry:        2 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// MemoryLimiter is a token bucket per key.
type MemoryLimiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewMemory creates an in-memory limiter and starts its sweeper.
func NewMemory(cfg Config) *MemoryLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.IdleExpiry <= 0 {
		cfg.IdleExpiry = 2 * time.Minute
	}
	l := &MemoryLimiter{
		cfg:     cfg,
		now:     time.Now,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

func (l *MemoryLimiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Expire()
		case <-l.stop:
			return
		}
	}
}

// Expire drops keys idle for longer than IdleExpiry.
func (l *MemoryLimiter) Expire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.cfg.IdleExpiry)
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Stop stops the sweeper. Safe to call more than once.
func (l *MemoryLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastSeen: now}
		return true, nil
	}

	elapsed := now.Sub(b.lastSeen).Seconds()
	b.tokens += elapsed * float64(l.cfg.RequestsPerMinute) / 60.0
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastSeen = now

	if b.tokens >= 1 {
		b.tokens--
		return true, nil
	}
	return false, nil
}

// ActorKey keys requests by authenticated user id, falling back to the
// client IP for unauthenticated routes.
func ActorKey(c *gin.Context) string {
	if id := c.GetString("authUserID"); id != "" {
		return "user:" + id
	}
	return "ip:" + c.ClientIP()
}

// Middleware rejects requests over the limit with 429. Limiter errors
// are logged and the request is let through.
func Middleware(l Limiter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := ActorKey(c)
		ok, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warn("rate limiter unavailable", "key", key, "error", err)
			c.Next()
			return
		}
		if !ok {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many payment requests. Please slow down.",
				"retry_after": 60,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
