package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

// manualClock is advanced explicitly by tests.
type manualClock struct{ t time.Time }

func (c *manualClock) Now() time.Time          { return c.t }
func (c *manualClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *manualClock) {
	t.Helper()
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = clock.Now
	t.Cleanup(l.Stop)
	return l, clock
}

func TestLimiterAllow(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})

	key := "10.0.0.1"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow(key) {
		t.Error("Request after burst should be denied")
	}

	// 1 second = 1 token at 60/min
	clock.Advance(time.Second)

	if !limiter.Allow(key) {
		t.Error("Request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter, _ := newTestLimiter(t, Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})

	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}

	if limiter.Allow("client-a") {
		t.Error("Client A should be rate limited")
	}
	if !limiter.Allow("client-b") {
		t.Error("Client B should not be rate limited")
	}
	if limiter.Len() != 2 {
		t.Errorf("Expected 2 tracked keys, got %d", limiter.Len())
	}
}

func TestLimiterBurstCap(t *testing.T) {
	limiter, clock := newTestLimiter(t, Config{
		RequestsPerMinute: 600,
		BurstSize:         2,
		CleanupInterval:   time.Minute,
	})

	limiter.Allow("k")
	clock.Advance(time.Hour)

	allowed := 0
	for i := 0; i < 10; i++ {
		if limiter.Allow("k") {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("Expected tokens capped at burst 2, got %d", allowed)
	}
}

func TestMiddleware_ShedsExcess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter, _ := newTestLimiter(t, Config{RequestsPerMinute: 60, BurstSize: 1, CleanupInterval: time.Minute})

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.RemoteAddr = "192.0.2.7:1234"
		r.ServeHTTP(w, req)
		return w
	}

	if w := do(); w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}
	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}

func TestStop_Idempotent(t *testing.T) {
	l := New(DefaultConfig())
	l.Stop()
	l.Stop()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 600 {
		t.Errorf("Expected 600 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 100 {
		t.Errorf("Expected burst size 100, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}
