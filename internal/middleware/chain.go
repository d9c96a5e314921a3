// Package middleware holds the HTTP middleware applied in front of the
// gateway's routes.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/aetherhq/aether-gateway/internal/config"
)

// Middleware wraps a handler; the shape matches chi's Use.
type Middleware func(http.Handler) http.Handler

// Chain is an ordered middleware list.
type Chain struct {
	middlewares []Middleware
}

func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then extends the chain.
func (c Chain) Then(middlewares ...Middleware) Chain {
	return Chain{middlewares: append(c.middlewares, middlewares...)}
}

// Handler applies the chain outermost-first.
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}

	return handler
}

// MiddlewareSet contains all configured middleware for composition.
type MiddlewareSet struct {
	Logging Middleware
	Metrics Middleware
	Auth    Middleware
}

func NewMiddlewareSet(config *config.Manager, logger *slog.Logger) MiddlewareSet {
	return MiddlewareSet{
		Logging: NewLoggingMiddleware(logger),
		Metrics: NewMetricsMiddleware(),
		Auth:    NewAuthMiddleware(config, logger),
	}
}

// DefaultChain guards the proxy endpoints.
func (ms MiddlewareSet) DefaultChain() Chain {
	return New(
		ms.Logging,
		ms.Metrics,
		ms.Auth,
	)
}

// PublicChain serves health and metrics without auth.
func (ms MiddlewareSet) PublicChain() Chain {
	return New(
		ms.Logging,
	)
}
