package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/apperr"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub002/broker/internal/auth"
)

// rateLimiter holds one token bucket per key plus a global bucket.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*keyLimiter
	rps      rate.Limit
	burst    int
	global   *rate.Limiter
}

type keyLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// newRateLimiter creates a limiter allowing rps per key. The global bucket
// admits ten keys' worth of traffic. rps <= 0 disables limiting.
func newRateLimiter(rps float64, burst int) *rateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps * 2)
	}
	return &rateLimiter{
		limiters: make(map[string]*keyLimiter),
		rps:      rate.Limit(rps),
		burst:    burst,
		global:   rate.NewLimiter(rate.Limit(rps*10), burst*10),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	if !rl.global.Allow() {
		return false
	}
	rl.mu.Lock()
	l, ok := rl.limiters[key]
	if !ok {
		l = &keyLimiter{lim: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[key] = l
	}
	l.lastSeen = time.Now()
	rl.mu.Unlock()
	return l.lim.Allow()
}

// StartCleanup drops keys idle for longer than maxIdle every interval.
func (rl *rateLimiter) StartCleanup(ctx context.Context, interval, maxIdle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-maxIdle)
				rl.mu.Lock()
				for k, l := range rl.limiters {
					if l.lastSeen.Before(cutoff) {
						delete(rl.limiters, k)
					}
				}
				rl.mu.Unlock()
			}
		}
	}()
}

// rateLimitKey prefers the X-User-Id header, then the client IP.
func rateLimitKey(r *http.Request) string {
	if id := r.Header.Get("X-User-Id"); id != "" {
		return "user:" + id
	}
	return "ip:" + auth.NormalizeIP(r.RemoteAddr)
}

// rateLimitMiddleware limits by rateLimitKey. Health, version and metrics
// routes are exempt.
func rateLimitMiddleware(rl *rateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if rl == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/health", "/healthz", "/readyz", "/version", "/api/version", "/metrics":
				next.ServeHTTP(w, r)
				return
			}
			if !rl.allow(rateLimitKey(r)) {
				w.Header().Set("Retry-After", "1")
				writeAppError(w, r, apperr.Capacity(apperr.CodeRateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
