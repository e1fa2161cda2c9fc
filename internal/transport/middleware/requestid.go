package middleware

import (
	"net/http"

	"github.com/finclose/close-engine/pkg/logger"

	"github.com/google/uuid"
	chiMiddleware "github.com/go-chi/chi/middleware"
)

// TraceID tags every request with a trace identifier that follows a close
// run through logs and audit responses. An inbound X-Trace-ID is honored
// so a scheduler kicking off closes can correlate across services; chi's
// request id is used next when present, and a fresh uuid otherwise.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = chiMiddleware.GetReqID(r.Context())
		}
		if traceID == "" {
			traceID = uuid.NewString()
		}

		ctx := logger.WithTraceID(r.Context(), traceID)
		w.Header().Set("X-Trace-ID", traceID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
