package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterDisabledAllowsAll(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{})
	defer rl.close()
	now := time.Now()
	for i := 0; i < 1000; i++ {
		if !rl.allow("ip:1.2.3.4", true, now) {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestRateLimiterWriteBurst(t *testing.T) {
	rl := newRateLimiter(RateLimitConfig{Enabled: true, WriteRPS: 1, WriteBurst: 3})
	defer rl.close()
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.allow("ip:1.2.3.4", true, now) {
			t.Fatalf("request %d rejected within burst", i+1)
		}
	}
	if rl.allow("ip:1.2.3.4", true, now) {
		t.Error("4th write allowed beyond burst")
	}
	if !rl.allow("ip:5.6.7.8", true, now) {
		t.Error("other client affected by a different client's bucket")
	}
	if !rl.allow("ip:1.2.3.4", false, now) {
		t.Error("reads share the write bucket")
	}
	if !rl.allow("ip:1.2.3.4", true, now.Add(1100*time.Millisecond)) {
		t.Error("token not refilled after 1s")
	}
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	srv, _ := testServer(t)
	srv.limiter.close()
	srv.limiter = newRateLimiter(RateLimitConfig{Enabled: true, WriteRPS: 0.001, WriteBurst: 1})

	first := doRequest(srv, "POST", "/api/v1/translate/category", categoryBody("c1", ""))
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d, body: %s", first.Code, first.Body.String())
	}
	second := doRequest(srv, "POST", "/api/v1/translate/category", categoryBody("c2", ""))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("second status = %d, want 429", second.Code)
	}
	if second.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
	if rr := doRequest(srv, "GET", "/healthz", nil); rr.Code != http.StatusOK {
		t.Errorf("healthz limited: %d", rr.Code)
	}
}

func TestRateLimitClientKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/v1/queue", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	if k := rateLimitClientKey(r); k != "ip:10.0.0.1" {
		t.Errorf("key = %q", k)
	}
	r.Header.Set("Authorization", "Bearer secret")
	if k := rateLimitClientKey(r); k == "ip:10.0.0.1" || k[:5] != "auth:" {
		t.Errorf("key = %q, want hashed auth key", k)
	}
}
