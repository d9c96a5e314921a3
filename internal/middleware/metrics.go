package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aetherhq/aether-gateway/internal/metrics"
)

// NewMetricsMiddleware records request counts and latency per route. The chi
// route pattern keeps label cardinality bounded; requests outside the router
// fall back to the raw path.
func NewMetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				status:         http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			path := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					path = pattern
				}
			}

			metrics.ObserveHTTPRequest(r.Method, path, wrapped.status, time.Since(start))
		})
	}
}
