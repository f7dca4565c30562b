package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/Davincible/llmgate/internal/config"
)

type HealthHandler struct {
	store  config.Store
	logger *slog.Logger
}

func NewHealthHandler(store config.Store, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		store:  store,
		logger: logger,
	}
}

type healthResponse struct {
	Status       string   `json:"status"`
	Providers    []string `json:"providers"`
	APITimeoutMS int      `json:"api_timeout_ms"`
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.store.Get()

	timeout := cfg.Settings.APITimeoutMS
	if timeout == 0 {
		timeout = config.DefaultAPITimeoutMS
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(healthResponse{
		Status:       "ok",
		Providers:    cfg.EnabledProviders(),
		APITimeoutMS: timeout,
	}); err != nil {
		h.logger.Error("Failed to write health check response", "error", err)
	}
}
