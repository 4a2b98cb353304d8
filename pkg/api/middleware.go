package api

import (
	"net/http"
	"strings"

	"github.com/cuemby/notebroker/pkg/metrics"
)

// authMiddleware rejects any request whose Authorization header does not
// carry the configured SESSION_TOKEN as a bearer token (spec.md §6). It is
// grounded on the teacher's ReadOnlyInterceptor (pkg/api/interceptor.go in
// the teacher tree), which gates gRPC methods the same way per-request,
// adapted here to an http.Handler wrapper instead of a unary interceptor.
func authMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" || got != token {
			writeError(w, http.StatusUnauthorized, "missing or invalid session token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// instrument wraps a handler with the operation's request-count and
// duration metrics, labeled by outcome (spec.md §6 ambient observability).
func instrument(operation string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next(sw, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, operation)
		metrics.APIRequestsTotal.WithLabelValues(operation, statusClass(sw.status)).Inc()
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "server_error"
	case code >= 400:
		return "client_error"
	default:
		return "ok"
	}
}
