// Package ratelimit throttles payment initiation per client.
package ratelimit

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/notemarket/internal/clock"
)

var rejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "notemarket",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the per-client rate limiter.",
})

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client.
	RequestsPerMinute int
	// BurstSize is how many requests a quiet client may send at once.
	BurstSize int
	// IdleAfter is how long a client must be quiet before Prune forgets it.
	IdleAfter time.Duration
}

// DefaultConfig allows a buyer a handful of checkout attempts in quick
// succession and one per second after that.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		IdleAfter:         2 * time.Minute,
	}
}

// Limiter is a token bucket per key.
type Limiter struct {
	cfg     Config
	clock   clock.Clock
	mu      sync.Mutex
	clients map[string]*bucket
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter on the system clock.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:     cfg,
		clock:   clock.NewSystem(),
		clients: make(map[string]*bucket),
	}
}

// WithClock replaces the time source.
func (l *Limiter) WithClock(c clock.Clock) *Limiter {
	l.clock = c
	return l
}

func (l *Limiter) rate() float64 {
	return float64(l.cfg.RequestsPerMinute) / 60.0
}

// Allow takes a token for key. When none is left it returns false and how
// long until the next token.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.clients[key]
	if !ok {
		l.clients[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true, 0
	}

	b.tokens = math.Min(float64(l.cfg.BurstSize), b.tokens+now.Sub(b.lastCheck).Seconds()*l.rate())
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if l.rate() <= 0 {
		return false, time.Minute
	}
	wait := time.Duration((1 - b.tokens) / l.rate() * float64(time.Second))
	return false, wait
}

// Prune forgets clients idle for longer than IdleAfter. It runs as a
// scheduled job.
func (l *Limiter) Prune(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.clock.Now().Add(-l.cfg.IdleAfter)
	for key, b := range l.clients {
		if b.lastCheck.Before(cutoff) {
			delete(l.clients, key)
		}
	}
	return nil
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// Middleware limits requests by client IP. Rejections carry Retry-After in
// whole seconds.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(c.ClientIP())
		if !ok {
			rejectedTotal.Inc()
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
