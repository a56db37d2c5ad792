package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"flowerfund/internal/common/api"
)

// RateLimiter decides whether the caller identified by key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimit rejects requests over the limiter's budget with 429. A limiter
// error lets the request through.
func RateLimit(limiter RateLimiter, keyFunc func(r *http.Request) string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFunc(r)
			allowed, err := limiter.Allow(r.Context(), key)
			switch {
			case err != nil:
				logger.Warn("rate limiter unavailable", "key", key, "error", err)
			case !allowed:
				api.Failure{Status: http.StatusTooManyRequests, Code: errCodeRateLimited, RetryAfter: 1}.
					Write(w, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ActorOrIP keys rate limits by actor, falling back to the remote host.
// Identity must run first for the actor to be seen.
func ActorOrIP(r *http.Request) string {
	if actor, ok := GetActor(r.Context()); ok {
		return "actor:" + actor.ID
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
