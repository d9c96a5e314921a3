// Package server wires the router, middleware and tunnel endpoint into one
// HTTP server with graceful shutdown.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aetherhq/aether-gateway/internal/config"
	"github.com/aetherhq/aether-gateway/internal/conversion"
	"github.com/aetherhq/aether-gateway/internal/handlers"
	"github.com/aetherhq/aether-gateway/internal/middleware"
	"github.com/aetherhq/aether-gateway/internal/providers"
	"github.com/aetherhq/aether-gateway/internal/tunnel"
)

type Server struct {
	config  *config.Manager
	catalog *providers.Registry
	tunnels *tunnel.Manager
	logger  *slog.Logger
	server  *http.Server
}

func New(configManager *config.Manager, logger *slog.Logger) *Server {
	catalog := providers.NewRegistry()
	catalog.Initialize()

	return &Server{
		config:  configManager,
		catalog: catalog,
		tunnels: tunnel.NewManager(nil, nil, logger),
		logger:  logger,
	}
}

// Start runs the server until SIGINT or SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	cfg := s.config.Get()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	s.server = &http.Server{
		Addr:    addr,
		Handler: s.setupRoutes(),
		// Streaming responses rule out a blanket write timeout; the
		// dispatcher carries its own watchdogs.
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting server", "address", addr)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	s.logger.Info("server is shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	s.logger.Info("server exited")

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

func (s *Server) setupRoutes() http.Handler {
	proxy := handlers.NewProxyHandler(s.config, s.catalog, conversion.Default(), s.tunnels, s.logger)
	health := handlers.NewHealthHandler(s.config, s.tunnels, s.logger)
	tunnelServer := tunnel.NewServer(s.tunnels, &nodeTokenAuth{config: s.config}, s.logger)

	ms := middleware.NewMiddlewareSet(s.config, s.logger)
	guarded := ms.DefaultChain()
	public := ms.PublicChain()

	r := chi.NewRouter()

	r.Method(http.MethodGet, "/health", public.Handler(health))
	r.Method(http.MethodGet, "/metrics", public.Handler(promhttp.Handler()))

	// Proxy nodes dial in here; the tunnel does its own token handshake.
	r.Get("/api/internal/proxy-tunnel", tunnelServer.ServeHTTP)

	r.Method(http.MethodPost, "/v1/chat/completions", guarded.Handler(http.HandlerFunc(proxy.OpenAIChat)))
	r.Method(http.MethodPost, "/v1/responses", guarded.Handler(http.HandlerFunc(proxy.OpenAIResponses)))
	r.Method(http.MethodPost, "/v1/messages", guarded.Handler(http.HandlerFunc(proxy.ClaudeMessages)))
	r.Method(http.MethodPost, "/v1beta/models/{model}", guarded.Handler(http.HandlerFunc(proxy.GeminiGenerate)))

	return r
}

// nodeTokenAuth checks tunnel tokens against the config's node token table.
type nodeTokenAuth struct {
	config *config.Manager
}

func (a *nodeTokenAuth) AuthenticateNode(ctx context.Context, token, nodeID, clientIP string) (bool, error) {
	expected, ok := a.config.Get().Tunnel.NodeTokens[nodeID]
	if !ok || expected == "" {
		return false, nil
	}

	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1, nil
}
