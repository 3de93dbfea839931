package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBucket_BurstThenReject(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newBucket(Config{RequestsPerMinute: 60, BurstSize: 5}, clock.Now)

	for i := 0; i < 5; i++ {
		if !b.Allow() {
			t.Fatalf("request %d should be allowed (within burst)", i)
		}
	}
	if b.Allow() {
		t.Error("request after burst should be denied")
	}
	// A rejected request must not go negative.
	if got := b.Tokens(); got < 0 {
		t.Errorf("tokens went negative: %v", got)
	}

	// 1 token per second at 60/min.
	clock.Advance(time.Second)
	if !b.Allow() {
		t.Error("request after a full refill interval should be allowed")
	}
	if b.Allow() {
		t.Error("only one token should have been refilled")
	}
}

func TestBucket_NeverExceedsCapacity(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newBucket(Config{RequestsPerMinute: 600, BurstSize: 3}, clock.Now)

	clock.Advance(time.Hour)
	if got := b.Tokens(); got != 3 {
		t.Errorf("expected tokens capped at 3, got %v", got)
	}
}

func TestBucket_ClockGoingBackwardsMintsNothing(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	b := newBucket(Config{RequestsPerMinute: 60, BurstSize: 1}, clock.Now)

	if !b.Allow() {
		t.Fatal("first request should pass")
	}
	clock.Advance(-time.Minute)
	if b.Allow() {
		t.Error("backwards clock must not refill")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 3, CleanupInterval: time.Minute})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if limiter.Allow("client-a") {
		t.Error("client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("client B should still have tokens")
	}
	if limiter.Bucket("client-a") != limiter.Bucket("client-a") {
		t.Error("expected the same bucket for the same key")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
}
