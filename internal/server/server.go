package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Davincible/llmgate/internal/config"
	"github.com/Davincible/llmgate/internal/handlers"
	"github.com/Davincible/llmgate/internal/metrics"
	"github.com/Davincible/llmgate/internal/middleware"
	"github.com/Davincible/llmgate/internal/providers"
	"github.com/Davincible/llmgate/internal/router"
	"github.com/Davincible/llmgate/internal/upstream"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	store    config.Store
	registry *providers.Registry
	router   *router.Router
	metrics  *metrics.Metrics
	upstream *upstream.Client
	logger   *slog.Logger
	server   *http.Server
}

// New wires the gateway around an already loaded configuration store. The
// upstream HTTP client is sized from the configured API timeout.
func New(store config.Store, registry *providers.Registry, rt *router.Router, m *metrics.Metrics, logger *slog.Logger) *Server {
	if m == nil {
		m = metrics.New()
	}

	timeout := time.Duration(store.Get().Settings.APITimeoutMS) * time.Millisecond
	httpClient := upstream.NewHTTPClient(upstream.DefaultClientConfig(timeout))

	return &Server{
		store:    store,
		registry: registry,
		router:   rt,
		metrics:  m,
		upstream: upstream.NewClient(httpClient, m, logger),
		logger:   logger,
	}
}

// Run listens on the configured host and port until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Get()
	addr := net.JoinHostPort(cfg.Settings.Host, strconv.Itoa(cfg.Settings.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("Starting server", "address", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("Server exited")

	return nil
}

func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// Handler returns the routed and middleware-wrapped gateway.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	deps := handlers.Deps{
		Store:    s.store,
		Registry: s.registry,
		Router:   s.router,
		Upstream: s.upstream,
		Metrics:  s.metrics,
		Logger:   s.logger,
	}

	chatHandler := handlers.NewChatHandler(deps)
	messagesHandler := handlers.NewMessagesHandler(deps)
	healthHandler := handlers.NewHealthHandler(s.store, s.logger)

	middlewareSet := middleware.NewMiddlewareSet(s.store, s.logger)

	mux.Handle("GET /health", middlewareSet.HealthChain().Handler(healthHandler))
	mux.Handle("GET /metrics", middlewareSet.PublicChain().Handler(s.metrics.Handler()))
	mux.Handle("POST /v1/chat/completions", middlewareSet.DefaultChain().Handler(chatHandler))
	mux.Handle("POST /v1/messages", middlewareSet.DefaultChain().Handler(messagesHandler))

	return mux
}
