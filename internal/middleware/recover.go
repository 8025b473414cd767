package middleware

import (
	"log/slog"
	"net/http"

	"github.com/taskhive/backend/internal/apierr"
	"github.com/taskhive/backend/internal/httpx"
)

// Recover catches handler panics on routes without an idempotency lock and
// returns a generic internal error without leaking detail.
func Recover(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if p := recover(); p != nil {
					logger.Error("handler panic", "path", r.URL.Path, "panic", p)
					httpx.Error(w, r, apierr.Internal())
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
