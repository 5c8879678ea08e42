package web

import (
	"log/slog"
	"net"
	"net/http"

	"github.com/JonMunkholm/vdyp-batch/internal/core"
	"github.com/JonMunkholm/vdyp-batch/internal/logging"
)

// withClientIP stores the client address in the request context for the
// service's job lines. RemoteAddr has already been resolved by TrustedRealIP.
func withClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		next.ServeHTTP(w, r.WithContext(core.ContextWithClientIP(r.Context(), ip)))
	})
}

func requestLogger(r *http.Request) *slog.Logger {
	return logging.FromContext(r.Context())
}
