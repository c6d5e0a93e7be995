package server

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds how fast a single client may call the API.
// Submissions are writes; status polling is reads.
type RateLimitConfig struct {
	Enabled    bool
	ReadRPS    float64
	ReadBurst  int
	WriteRPS   float64
	WriteBurst int
}

type clientLimiters struct {
	read  *rate.Limiter
	write *rate.Limiter
	last  time.Time
}

type rateLimiter struct {
	mu   sync.Mutex
	cfg  RateLimitConfig
	bkt  map[string]*clientLimiters
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	if cfg.ReadRPS <= 0 {
		cfg.ReadRPS = 50
	}
	if cfg.ReadBurst <= 0 {
		cfg.ReadBurst = 100
	}
	if cfg.WriteRPS <= 0 {
		cfg.WriteRPS = 5
	}
	if cfg.WriteBurst <= 0 {
		cfg.WriteBurst = 20
	}
	rl := &rateLimiter{
		cfg:  cfg,
		bkt:  map[string]*clientLimiters{},
		ttl:  10 * time.Minute,
		stop: make(chan struct{}),
	}
	if cfg.Enabled {
		go rl.cleanupLoop()
	}
	return rl
}

func (r *rateLimiter) cleanupLoop() {
	t := time.NewTicker(1 * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-t.C:
			cutoff := time.Now().Add(-r.ttl)
			r.mu.Lock()
			for k, v := range r.bkt {
				if v.last.Before(cutoff) {
					delete(r.bkt, k)
				}
			}
			r.mu.Unlock()
		}
	}
}

func (r *rateLimiter) close() {
	r.once.Do(func() { close(r.stop) })
}

func (r *rateLimiter) allow(key string, isWrite bool, now time.Time) bool {
	if !r.cfg.Enabled {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}

	r.mu.Lock()
	c := r.bkt[key]
	if c == nil {
		c = &clientLimiters{
			read:  rate.NewLimiter(rate.Limit(r.cfg.ReadRPS), r.cfg.ReadBurst),
			write: rate.NewLimiter(rate.Limit(r.cfg.WriteRPS), r.cfg.WriteBurst),
		}
		r.bkt[key] = c
	}
	c.last = now
	r.mu.Unlock()

	if isWrite {
		return c.write.AllowN(now, 1)
	}
	return c.read.AllowN(now, 1)
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(rateLimitClientKey(r), isWriteMethod(r.Method), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isWriteMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	default:
		return true
	}
}

func rateLimitClientKey(r *http.Request) string {
	if r == nil {
		return "unknown"
	}
	if auth := strings.TrimSpace(r.Header.Get("Authorization")); auth != "" {
		return "auth:" + hashSensitive(auth)
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return "ip:" + host
	}
	if addr := strings.TrimSpace(r.RemoteAddr); addr != "" {
		return "ip:" + addr
	}
	return "unknown"
}

func hashSensitive(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:8])
}
