package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"genloop/pkg/config"

	"github.com/gin-gonic/gin"
)

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Backend.RateLimiting.Enabled = false

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.POST("/offer", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w1 := httptest.NewRecorder()
	req1, _ := http.NewRequest(http.MethodPost, "/offer", nil)
	router.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w1.Code)
	}

	w2 := httptest.NewRecorder()
	req2, _ := http.NewRequest(http.MethodPost, "/offer", nil)
	router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Fatalf("expected status 200 on second request, got %d", w2.Code)
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Backend.RateLimiting.Enabled = true
	cfg.Backend.RateLimiting.RequestsPerSecond = 1
	cfg.Backend.RateLimiting.Burst = 1
	cfg.Backend.RateLimiting.MaxConcurrent = 0

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.POST("/offer", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	// First request should pass.
	w1 := httptest.NewRecorder()
	req1, _ := http.NewRequest(http.MethodPost, "/offer", nil)
	router.ServeHTTP(w1, req1)
	if w1.Code != http.StatusOK {
		t.Fatalf("expected status 200 for first request, got %d", w1.Code)
	}

	// Second immediate request from same "IP" should be limited.
	w2 := httptest.NewRecorder()
	req2, _ := http.NewRequest(http.MethodPost, "/offer", nil)
	router.ServeHTTP(w2, req2)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 for second request, got %d", w2.Code)
	}
}

// Test that a full concurrency budget rejects with 503.
func TestHTTPRateLimitMiddleware_MaxConcurrent(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Backend.RateLimiting.Enabled = true
	cfg.Backend.RateLimiting.RequestsPerSecond = 100
	cfg.Backend.RateLimiting.Burst = 100
	cfg.Backend.RateLimiting.MaxConcurrent = 1

	entered := make(chan struct{})
	release := make(chan struct{})

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.POST("/offer", func(c *gin.Context) {
		close(entered)
		<-release
		c.Status(http.StatusOK)
	})

	done := make(chan int)
	go func() {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodPost, "/offer", nil)
		router.ServeHTTP(w, req)
		done <- w.Code
	}()
	<-entered

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodPost, "/offer", nil)
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503 while busy, got %d", w.Code)
	}

	close(release)
	if code := <-done; code != http.StatusOK {
		t.Fatalf("expected status 200 for the first request, got %d", code)
	}
}

func TestClientIP(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("expected 10.0.0.1, got %s", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("expected 203.0.113.7, got %s", got)
	}
}

func TestHTTPRateLimitMiddleware_HealthIsNotLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.Backend.RateLimiting.Enabled = true
	cfg.Backend.RateLimiting.RequestsPerSecond = 1
	cfg.Backend.RateLimiting.Burst = 1

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/health", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/health", nil)
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("health request %d: expected status 200, got %d", i, w.Code)
		}
	}
}

func TestClientLimiters_ForgetIdleClients(t *testing.T) {
	now := time.Unix(0, 0)
	clients := newClientLimiters(1, 1, func() time.Time { return now })

	if !clients.allow("10.0.0.1") {
		t.Fatal("expected first request to pass")
	}
	if clients.allow("10.0.0.1") {
		t.Fatal("expected second immediate request to be limited")
	}

	now = now.Add(limiterIdleTTL + time.Second)
	if !clients.allow("10.0.0.2") {
		t.Fatal("expected request from a new client to pass")
	}
	if got := clients.size(); got != 1 {
		t.Fatalf("expected idle client to be evicted, %d remain", got)
	}
}
