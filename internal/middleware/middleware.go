// Package middleware holds the HTTP middleware shared by every route of the
// API: request ids, access logs, security headers, CORS, the global request
// limiter and the IP allow list.
package middleware

import (
	"bufio"
	"fmt"
	"net"
	"net/http"

	"github.com/victorgomez09/inkwell/pkg/trace"
	"go.uber.org/zap"
)

// Middleware wraps the next handler in the chain.
type Middleware interface {
	Middleware(next http.Handler) http.Handler
}

// Func adapts a plain wrapping function to Middleware.
type Func func(next http.Handler) http.Handler

func (f Func) Middleware(next http.Handler) http.Handler {
	return f(next)
}

// Config groups the configurable middleware under server.middleware.
type Config struct {
	TrustProxyHeaders bool             `yaml:"trust_proxy_headers"`
	Security          *SecurityConfig  `yaml:"security"`
	CORS              *CORSConfig      `yaml:"cors"`
	RateLimit         *RateLimitConfig `yaml:"rate_limit"`
	AccessLog         AccessLogConfig  `yaml:"access_log"`
}

// statusWriter records the status code and body size of a response.
type statusWriter struct {
	http.ResponseWriter
	status int
	length int
}

func newStatusWriter(w http.ResponseWriter) *statusWriter {
	return &statusWriter{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.length += n
	return n, err
}

func (w *statusWriter) Status() int { return w.status }

func (w *statusWriter) Length() int { return w.length }

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("upstream ResponseWriter does not implement http.Hijacker")
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// MiddlewareChain applies middleware in the order they were added: the first
// one added sees the request first.
type MiddlewareChain struct {
	middlewares []Middleware
}

func NewMiddlewareChain(middlewares ...Middleware) *MiddlewareChain {
	return &MiddlewareChain{middlewares: middlewares}
}

func (c *MiddlewareChain) Use(middleware Middleware) {
	if middleware != nil {
		c.middlewares = append(c.middlewares, middleware)
	}
}

func (c *MiddlewareChain) Len() int {
	return len(c.middlewares)
}

func (c *MiddlewareChain) Then(final http.Handler) http.Handler {
	if final == nil {
		final = http.NotFoundHandler()
	}
	for i := len(c.middlewares) - 1; i >= 0; i-- {
		final = c.middlewares[i].Middleware(final)
	}
	return final
}

// NewConfiguredChain builds the global chain from cfg. Request ids and client
// IP resolution always run; the rest only when configured.
func NewConfiguredChain(cfg Config, logger *zap.Logger) *MiddlewareChain {
	c := NewMiddlewareChain(
		Recover(logger),
		trace.WithRequestID(cfg.TrustProxyHeaders),
		RealIP(cfg.TrustProxyHeaders),
		NewLoggingMiddleware(logger, cfg.AccessLog.options()...),
	)

	if cfg.Security != nil {
		c.Use(NewSecurityMiddleware(*cfg.Security))
		logger.Info("security headers middleware configured")
	}
	if cfg.CORS != nil {
		c.Use(NewCORSMiddleware(*cfg.CORS))
		logger.Info("CORS middleware configured", zap.Strings("allowed_origins", cfg.CORS.AllowedOrigins))
	}
	if cfg.RateLimit != nil {
		c.Use(NewRateLimiterMiddleware(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
		logger.Info("global rate limiter configured",
			zap.Float64("requests_per_second", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst))
	}
	return c
}

// Recover turns a panic in a handler into a 500 and logs it.
func Recover(logger *zap.Logger) Middleware {
	return Func(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					logger.Error("panic serving request",
						zap.Any("panic", v),
						zap.String("path", r.URL.Path),
						zap.String("request_id", trace.GetRequestID(r.Context())))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	})
}
