package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nimburion/dlqreplay/pkg/server/router"
	"github.com/nimburion/dlqreplay/pkg/server/router/gorilla"
)

func TestTokenBucketLimiter_Allow(t *testing.T) {
	limiter := NewTokenBucketLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("client") {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if limiter.Allow("client") {
		t.Fatal("request beyond burst should be rejected")
	}
}

func TestTokenBucketLimiter_PerKeyIsolation(t *testing.T) {
	limiter := NewTokenBucketLimiter(1, 1)

	if !limiter.Allow("a") || limiter.Allow("a") {
		t.Fatal("expected key a to exhaust after one request")
	}
	if !limiter.Allow("b") {
		t.Fatal("key b must not be affected by key a")
	}
}

func TestTokenBucketLimiter_TokenRefill(t *testing.T) {
	limiter := NewTokenBucketLimiter(20, 1)

	if !limiter.Allow("k") || limiter.Allow("k") {
		t.Fatal("expected bucket to drain")
	}
	time.Sleep(100 * time.Millisecond)
	if !limiter.Allow("k") {
		t.Fatal("expected token to refill")
	}
}

func TestTokenBucketLimiter_ZeroBurstRaisedToOne(t *testing.T) {
	limiter := NewTokenBucketLimiter(1, 0)
	if !limiter.Allow("k") {
		t.Fatal("expected first request to pass with burst raised to one")
	}
}

func TestTokenBucketLimiter_ConcurrentAccess(t *testing.T) {
	limiter := NewTokenBucketLimiter(1, 10)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("shared") {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got < 10 || got > 11 {
		t.Fatalf("expected about the burst to be admitted, got %d", got)
	}
}

func newLimitedRouter(limiter RateLimiter, cfg Config) router.Router {
	r := gorilla.NewRouter()
	r.GET("/dlq-replay/:hoursBack", func(c router.Context) error {
		return c.JSON(http.StatusOK, "ok")
	}, RateLimit(limiter, cfg))
	return r
}

func TestRateLimit_RejectsRequestExceedingLimit(t *testing.T) {
	r := newLimitedRouter(NewTokenBucketLimiter(1, 1), Config{RetryAfterSeconds: 30})

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/dlq-replay/1", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/dlq-replay/1", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	if got := second.Header().Get("Retry-After"); got != "30" {
		t.Errorf("expected Retry-After 30, got %q", got)
	}
}

func TestRateLimit_PerIPRateLimiting(t *testing.T) {
	r := newLimitedRouter(NewTokenBucketLimiter(1, 1), Config{})

	for _, addr := range []string{"10.0.0.1:1000", "10.0.0.2:1000"} {
		req := httptest.NewRequest(http.MethodGet, "/dlq-replay/1", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected first request from %s to pass, got %d", addr, rec.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/dlq-replay/1", nil)
	req.RemoteAddr = "10.0.0.1:2000"
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected same IP on another port to be limited, got %d", rec.Code)
	}
}

func TestExtractIPFromRequest(t *testing.T) {
	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{name: "forwarded for", headers: map[string]string{"X-Forwarded-For": "203.0.113.1, 10.0.0.1"}, remoteAddr: "10.0.0.9:80", want: "203.0.113.1"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": " 203.0.113.2 "}, remoteAddr: "10.0.0.9:80", want: "203.0.113.2"},
		{name: "remote addr", remoteAddr: "192.0.2.7:5555", want: "192.0.2.7"},
		{name: "ipv6 remote addr", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "no port", remoteAddr: "192.0.2.8", want: "192.0.2.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ExtractIPFromRequest(req); got != tt.want {
				t.Errorf("ExtractIPFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

func BenchmarkTokenBucketLimiter_Allow(b *testing.B) {
	limiter := NewTokenBucketLimiter(1000000, 1000000)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		limiter.Allow("bench")
	}
}
