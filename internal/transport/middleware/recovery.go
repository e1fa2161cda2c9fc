package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/finclose/close-engine/pkg/logger"
)

// RecoveryMiddleware converts a handler panic into a 500 response. A panic
// in one request must not take the server down while other subsidiaries are
// mid-close.
func RecoveryMiddleware(lg *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					lg.Error("panic recovered",
						"error", rec,
						"method", r.Method,
						"path", r.URL.Path,
						"trace_id", logger.TraceID(r.Context()),
						"stack", string(debug.Stack()))

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error":    "internal server error",
						"trace_id": logger.TraceID(r.Context()),
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
