package middleware

import (
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// HostnameMiddleware rejects requests addressed to any host but the
// configured one. Used to keep the admin API off public hostnames.
type HostnameMiddleware struct {
	hostname string
	logger   *zap.Logger
}

func NewHostnameMiddleware(hostname string, logger *zap.Logger) *HostnameMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostnameMiddleware{hostname: strings.ToLower(hostname), logger: logger}
}

func (m *HostnameMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}

		if !strings.EqualFold(host, m.hostname) {
			m.logger.Warn("invalid hostname",
				zap.String("expected", m.hostname),
				zap.String("received", host),
				zap.String("client_ip", ClientIPFromContext(r.Context())))
			http.Error(w, "Invalid host", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
