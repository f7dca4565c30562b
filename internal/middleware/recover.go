package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/Davincible/llmgate/internal/apierr"
)

// NewRecoverMiddleware turns a handler panic into a 500 JSON error. When the
// handler already started its reply the connection is left to close.
func NewRecoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := wrap(w)

			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger.Error("Handler panicked",
					"method", r.Method,
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()),
				)

				if !wrapped.wroteHeader {
					apierr.WriteBody(wrapped, http.StatusInternalServerError, apierr.TypeInternal, "internal server error")
				}
			}()

			next.ServeHTTP(wrapped, r)
		})
	}
}
