package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/aetherhq/aether-gateway/internal/config"
	"github.com/aetherhq/aether-gateway/internal/tunnel"
)

// HealthHandler reports liveness plus a small snapshot of gateway state.
type HealthHandler struct {
	config  *config.Manager
	tunnels *tunnel.Manager
	logger  *slog.Logger
}

func NewHealthHandler(cfg *config.Manager, tunnels *tunnel.Manager, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		config:  cfg,
		tunnels: tunnels,
		logger:  logger,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Get()

	enabled := 0
	for i := range cfg.Endpoints {
		if cfg.Endpoints[i].IsEnabled() {
			enabled++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	err := json.NewEncoder(w).Encode(map[string]any{
		"status":             "ok",
		"endpoints":          enabled,
		"tunnel_connections": h.tunnels.ActiveCount(),
	})
	if err != nil {
		h.logger.Error("failed to write health response", "error", err)
	}
}
