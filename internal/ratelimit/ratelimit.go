// Package ratelimit provides rate limiting middleware for the Rift API.
package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per client per minute
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60, // 1 req/sec average
		BurstSize:         10, // Allow bursts of 10
		CleanupInterval:   time.Minute,
	}
}

// Store decides whether the client identified by key may make one more
// request. Implementations shared across instances must be atomic.
type Store interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryStore is a per-process token bucket. Several instances behind a
// load balancer each keep their own buckets; use RedisStore for a shared
// budget.
type MemoryStore struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// NewMemoryStore creates a token-bucket store and starts its cleanup loop.
func NewMemoryStore(cfg Config) *MemoryStore {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	s := &MemoryStore{
		cfg:     cfg,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// cleanup removes stale entries periodically
func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			cutoff := time.Now().Add(-2 * time.Minute)
			for key, state := range s.clients {
				if state.lastCheck.Before(cutoff) {
					delete(s.clients, key)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (s *MemoryStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

// Allow consumes one token for key.
func (s *MemoryStore) Allow(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	state, exists := s.clients[key]

	if !exists {
		s.clients[key] = &clientState{
			tokens:    float64(s.cfg.BurstSize - 1),
			lastCheck: now,
		}
		return true, nil
	}

	// Token bucket algorithm
	elapsed := now.Sub(state.lastCheck).Seconds()
	tokensPerSecond := float64(s.cfg.RequestsPerMinute) / 60.0
	state.tokens += elapsed * tokensPerSecond

	// Cap at burst size
	if state.tokens > float64(s.cfg.BurstSize) {
		state.tokens = float64(s.cfg.BurstSize)
	}

	state.lastCheck = now

	if state.tokens >= 1 {
		state.tokens--
		return true, nil
	}

	return false, nil
}

// Middleware returns a Gin middleware that rate limits by client. A store
// failure lets the request through: limiting protects capacity, not money.
func Middleware(store Store, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()

		// Authenticated callers get their own bucket
		if apiKey := c.GetHeader("Authorization"); apiKey != "" {
			key = "auth:" + apiKey[:min(20, len(apiKey))]
		}

		allowed, err := store.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warn("rate limit store unavailable, allowing request", "error", err)
			c.Next()
			return
		}
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
