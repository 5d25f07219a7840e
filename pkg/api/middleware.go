package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorIdle    = 3 * time.Minute
	cleanupEvery   = time.Minute
	retryAfterSecs = 1
)

// GlobalRateLimiter keeps one token bucket per client key.
type GlobalRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates a limiter allowing rps requests per second per key with the given burst.
// Idle keys are evicted until ctx is done.
func NewGlobalRateLimiter(ctx context.Context, rps float64, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		now:      time.Now,
	}
	go rl.cleanupVisitors(ctx)
	return rl
}

func (rl *GlobalRateLimiter) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = rl.now()
	return v.limiter
}

func (rl *GlobalRateLimiter) cleanupVisitors(ctx context.Context) {
	t := time.NewTicker(cleanupEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rl.evict(visitorIdle)
		}
	}
}

func (rl *GlobalRateLimiter) evict(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := rl.now().Add(-idle)
	for key, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, key)
		}
	}
}

// Allow consumes one token for key.
func (rl *GlobalRateLimiter) Allow(key string) bool {
	return rl.limiter(key).Allow()
}

// ClientIP returns the host part of r.RemoteAddr.
func ClientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

// Middleware limits by client IP.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return rl.MiddlewareFunc(ClientIP)(next)
}

// MiddlewareFunc limits by the key that keyFn derives from the request.
func (rl *GlobalRateLimiter) MiddlewareFunc(keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !rl.Allow(keyFn(r)) {
				WriteTooManyRequests(w, retryAfterSecs)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
