// Package ratelimit provides token-bucket rate limiting for A2A sessions and
// the HTTP surface.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained refill rate
	RequestsPerMinute int
	// BurstSize is the bucket capacity
	BurstSize int
	// CleanupInterval is how often the keyed limiter drops idle buckets
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 600, // 10 req/sec average
		BurstSize:         100,
		CleanupInterval:   time.Minute,
	}
}

// Bucket is a single token bucket. Refill uses time.Now readings, which carry
// a monotonic component, so wall-clock adjustments do not mint tokens.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	perSecond  float64
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket creates a full bucket.
func NewBucket(cfg Config) *Bucket {
	return newBucket(cfg, time.Now)
}

func newBucket(cfg Config, now func() time.Time) *Bucket {
	return &Bucket{
		tokens:     float64(cfg.BurstSize),
		capacity:   float64(cfg.BurstSize),
		perSecond:  float64(cfg.RequestsPerMinute) / 60.0,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token. A rejected call consumes nothing.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Tokens returns the current token count after refill.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.perSecond
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func (b *Bucket) idleSince() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRefill
}

// Limiter tracks one bucket per key (agent id, client IP).
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*Bucket
	stop    chan struct{}
	once    sync.Once
}

// New creates a new keyed rate limiter
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*Bucket),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup removes stale entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A bucket idle this long has refilled completely, so dropping it
			// loses nothing.
			cutoff := time.Now().Add(-l.fullRefill())
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.idleSince().Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) fullRefill() time.Duration {
	if l.cfg.RequestsPerMinute <= 0 {
		return 2 * time.Minute
	}
	d := time.Duration(float64(l.cfg.BurstSize) / float64(l.cfg.RequestsPerMinute) * float64(time.Minute))
	if d < 2*time.Minute {
		return 2 * time.Minute
	}
	return d
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Bucket returns the bucket for key, creating a full one on first use.
func (l *Limiter) Bucket(key string) *Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = NewBucket(l.cfg)
		l.buckets[key] = b
	}
	return b
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	return l.Bucket(key).Allow()
}

// Middleware returns a Gin middleware that rate limits by client IP
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow("ip:" + c.ClientIP()) {
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
