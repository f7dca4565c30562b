package middleware

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Davincible/llmgate/internal/apierr"
	"github.com/Davincible/llmgate/internal/config"
)

type AuthMiddleware struct {
	store  config.Store
	logger *slog.Logger
}

func NewAuthMiddleware(store config.Store, logger *slog.Logger) func(http.Handler) http.Handler {
	am := &AuthMiddleware{
		store:  store,
		logger: logger,
	}

	return am.middleware
}

func (am *AuthMiddleware) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		consumed, err := am.authenticate(r)
		if err != nil {
			am.logger.Error("Authentication failed", "error", err, "remote_addr", r.RemoteAddr)
			apierr.WriteBody(w, http.StatusUnauthorized, apierr.TypeAuthentication, "gateway API key not authorized")

			return
		}

		// The gateway key must never reach an upstream as a provider credential.
		if consumed != "" {
			r = r.Clone(r.Context())
			r.Header.Del(consumed)
		}

		next.ServeHTTP(w, r)
	})
}

// authenticate checks the gateway key and returns the header that carried it.
func (am *AuthMiddleware) authenticate(r *http.Request) (string, error) {
	cfg := am.store.Get()

	// Skip auth for health checks or if no API key is configured
	if r.URL.Path == "/health" || cfg.Settings.APIKey == "" {
		return "", nil
	}

	var token, header string

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token, header = strings.TrimPrefix(auth, "Bearer "), "Authorization"
	} else if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		token, header = apiKey, "X-API-Key"
	}

	if token == "" {
		return "", errors.New("no authentication token provided")
	}

	if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Settings.APIKey)) != 1 {
		return "", errors.New("invalid API key")
	}

	return header, nil
}
