package auth

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/sabowaryan/agent-karma/pkg/api"
)

// RateLimitMiddleware enforces per-caller rate limiting at the HTTP layer.
// Callers are keyed by their authenticated address, falling back to the
// remote IP. Exceeding the limit returns 429 with a Retry-After header.
func RateLimitMiddleware(store api.LimiterStore, policy api.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Fail open if no store configured (dev mode)
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := "ip:" + remoteIP(r)
			if p, err := GetPrincipal(r.Context()); err == nil {
				key = "agent:" + p.Address
			}

			allowed, err := store.Allow(r.Context(), key, policy, 1)
			if err != nil {
				// Fail open on limiter errors to avoid blocking all traffic
				slog.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				api.WriteTooManyRequests(w, policy.RetryAfter())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
