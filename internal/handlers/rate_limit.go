package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/qrshop/api/internal/platform/httpx"
	"github.com/qrshop/api/internal/platform/ratelimit"
	"github.com/qrshop/api/internal/platform/requestctx"
)

// RateLimitMiddleware applies a per-minute request budget keyed by the resolved owner. Signed-in
// users get the authenticated budget, guests and unresolved callers the default one. It must run
// after owner resolution.
func RateLimitMiddleware(limiter ratelimit.Limiter, defaultPerMinute, authenticatedPerMinute int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			limit := defaultPerMinute
			key := "ip:" + r.RemoteAddr
			if owner, ok := requestctx.Owner(ctx); ok {
				key = owner.Key()
				if owner.UserID != "" {
					limit = authenticatedPerMinute
				}
			}
			if limit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Allow(ctx, "req:"+key, limit, time.Minute)
			if err != nil {
				requestctx.Logger(ctx).Warn("rate limiter failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			if !decision.Allowed {
				w.Header().Set("Retry-After", ratelimit.RetryAfterHeader(decision.RetryAfter))
				httpx.WriteError(ctx, w, httpx.NewError(httpx.CodeRateLimited, "too many requests", http.StatusTooManyRequests))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
