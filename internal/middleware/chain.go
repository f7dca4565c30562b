package middleware

import (
	"log/slog"
	"net/http"

	"github.com/Davincible/llmgate/internal/config"
)

// Middleware represents a middleware function
type Middleware func(http.Handler) http.Handler

// Chain represents a middleware chain
type Chain struct {
	middlewares []Middleware
}

// New creates a new middleware chain
func New(middlewares ...Middleware) Chain {
	return Chain{middlewares: middlewares}
}

// Then adds more middleware to the chain
func (c Chain) Then(middlewares ...Middleware) Chain {
	out := make([]Middleware, 0, len(c.middlewares)+len(middlewares))
	out = append(out, c.middlewares...)

	return Chain{middlewares: append(out, middlewares...)}
}

// Handler applies all middleware in the chain to the given handler
func (c Chain) Handler(handler http.Handler) http.Handler {
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		handler = c.middlewares[i](handler)
	}

	return handler
}

// MiddlewareSet contains all configured middleware for easy composition
type MiddlewareSet struct {
	Recover Middleware
	Logging Middleware
	Auth    Middleware
}

func NewMiddlewareSet(store config.Store, logger *slog.Logger) MiddlewareSet {
	return MiddlewareSet{
		Recover: NewRecoverMiddleware(logger),
		Logging: NewLoggingMiddleware(logger),
		Auth:    NewAuthMiddleware(store, logger),
	}
}

// DefaultChain returns the standard middleware chain for gateway endpoints
func (ms MiddlewareSet) DefaultChain() Chain {
	return New(
		ms.Recover,
		ms.Logging,
		ms.Auth,
	)
}

// HealthChain returns the middleware chain for health endpoints (no auth)
func (ms MiddlewareSet) HealthChain() Chain {
	return New(
		ms.Recover,
		ms.Logging,
	)
}

// PublicChain returns the middleware chain for scrape endpoints (no auth, no request logging)
func (ms MiddlewareSet) PublicChain() Chain {
	return New(
		ms.Recover,
	)
}
