package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestLimiterBurstThenRefill(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 5})
	defer limiter.Stop()

	now := time.Now()
	for i := 0; i < 5; i++ {
		if ok, _ := limiter.take("wallet-owner", now); !ok {
			t.Errorf("Request %d should be allowed (within burst)", i)
		}
	}

	ok, wait := limiter.take("wallet-owner", now)
	if ok {
		t.Fatal("Request after burst should be denied")
	}
	if wait <= 0 || wait > time.Second {
		t.Errorf("Expected wait in (0, 1s], got %v", wait)
	}

	// One token accrues per second at 60/min
	if ok, _ := limiter.take("wallet-owner", now.Add(time.Second)); !ok {
		t.Error("Request after a second should be allowed")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 60, BurstSize: 3})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("buyer")
	}
	if limiter.Allow("buyer") {
		t.Error("buyer should be rate limited")
	}
	if !limiter.Allow("seller") {
		t.Error("seller should not be rate limited")
	}
}

func TestLimiterNeverExceedsBurst(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 600, BurstSize: 2})
	defer limiter.Stop()

	now := time.Now()
	limiter.take("k", now)
	// An hour idle still only refills to the burst size.
	later := now.Add(time.Hour)
	allowed := 0
	for i := 0; i < 5; i++ {
		if ok, _ := limiter.take("k", later); ok {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("Expected 2 allowed after idle, got %d", allowed)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	limiter := New(DefaultConfig())
	limiter.Stop()
	limiter.Stop()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 60 {
		t.Errorf("Expected 60 requests/min, got %d", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("Expected burst size 10, got %d", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("Expected 1 minute cleanup interval, got %v", cfg.CleanupInterval)
	}
}

func TestMiddleware(t *testing.T) {
	limiter := New(Config{RequestsPerMinute: 1, BurstSize: 1, SkipPrefixes: []string{"/v1/webhooks/"}})
	defer limiter.Stop()

	r := gin.New()
	r.Use(limiter.Middleware())
	r.GET("/v1/escrows", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/v1/webhooks/topup", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(method, path, apiKey string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := send(http.MethodGet, "/v1/escrows", "hf_buyer"); w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	w := send(http.MethodGet, "/v1/escrows", "hf_buyer")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Expected Retry-After header")
	}

	// A different key has its own bucket, as does the anonymous IP.
	if w := send(http.MethodGet, "/v1/escrows", "hf_seller"); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for another key, got %d", w.Code)
	}
	if w := send(http.MethodGet, "/v1/escrows", ""); w.Code != http.StatusOK {
		t.Errorf("Expected 200 for anonymous caller, got %d", w.Code)
	}

	for i := 0; i < 3; i++ {
		if w := send(http.MethodPost, "/v1/webhooks/topup", ""); w.Code != http.StatusOK {
			t.Errorf("Webhook request %d should bypass the limiter, got %d", i, w.Code)
		}
	}
}
