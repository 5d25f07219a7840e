package auth

import (
	"net/http"

	"github.com/Mindburn-Labs/creditlock/pkg/api"
)

// RateLimitKey keys rate limiting by the authenticated principal, falling back to the client IP.
func RateLimitKey(r *http.Request) string {
	if p, err := GetPrincipal(r.Context()); err == nil {
		return "principal:" + p.GetID()
	}
	return "ip:" + api.ClientIP(r)
}

// RateLimitMiddleware enforces per-actor rate limiting. It must run after NewMiddleware.
// A nil limiter disables limiting.
func RateLimitMiddleware(limiter *api.GlobalRateLimiter) func(http.Handler) http.Handler {
	if limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return limiter.MiddlewareFunc(RateLimitKey)
}
