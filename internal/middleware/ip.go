package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"
)

type clientIPKey struct{}

// ClientIP resolves the address of the caller. Forwarding headers are only
// consulted when trustProxy is set, since clients can forge them.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RealIP stores the resolved client IP in the request context.
func RealIP(trustProxy bool) Middleware {
	return Func(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), clientIPKey{}, ClientIP(r, trustProxy))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// ClientIPFromContext returns the IP stored by RealIP, or "".
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

// IPRestrictionMiddleware admits only callers whose IP is in one of the
// allowed prefixes. An empty list admits everyone.
type IPRestrictionMiddleware struct {
	allowed []netip.Prefix
	logger  *zap.Logger
}

// NewIPRestrictionMiddleware accepts single addresses ("10.0.0.7") and CIDR
// prefixes ("10.0.0.0/8").
func NewIPRestrictionMiddleware(allowed []string, logger *zap.Logger) (*IPRestrictionMiddleware, error) {
	m := &IPRestrictionMiddleware{logger: logger}
	for _, s := range allowed {
		s = strings.TrimSpace(s)
		if strings.Contains(s, "/") {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, fmt.Errorf("allowed ip %q: %w", s, err)
			}
			m.allowed = append(m.allowed, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("allowed ip %q: %w", s, err)
		}
		m.allowed = append(m.allowed, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return m, nil
}

func (m *IPRestrictionMiddleware) Allowed(ip string) bool {
	if len(m.allowed) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range m.allowed {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (m *IPRestrictionMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIPFromContext(r.Context())
		if ip == "" {
			ip = ClientIP(r, false)
		}
		if !m.Allowed(ip) {
			m.logger.Warn("access denied: ip not allowed",
				zap.String("client_ip", ip),
				zap.String("path", r.URL.Path))
			http.Error(w, "Access denied", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
