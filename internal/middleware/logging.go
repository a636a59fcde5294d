package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/victorgomez09/inkwell/pkg/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AccessLogConfig is configured under server.middleware.access_log.
type AccessLogConfig struct {
	Disabled     bool     `yaml:"disabled"`
	Headers      bool     `yaml:"headers"`
	QueryParams  bool     `yaml:"query_params"`
	ExcludePaths []string `yaml:"exclude_paths"`
}

func (c AccessLogConfig) options() []LoggingOption {
	if c.Disabled {
		return []LoggingOption{WithExcludePaths([]string{"/"})}
	}
	return []LoggingOption{
		WithHeaders(c.Headers),
		WithQueryParams(c.QueryParams),
		WithExcludePaths(c.ExcludePaths),
	}
}

// redactedHeaders never appear in access logs.
var redactedHeaders = map[string]struct{}{
	"Authorization": {},
	"Cookie":        {},
	"X-Api-Key":     {},
}

type LoggingMiddleware struct {
	logger         *zap.Logger
	logLevel       zapcore.Level
	includeHeaders bool
	includeQuery   bool
	excludePaths   []string
}

type LoggingOption func(*LoggingMiddleware)

func WithLogLevel(level zapcore.Level) LoggingOption {
	return func(l *LoggingMiddleware) {
		l.logLevel = level
	}
}

// WithHeaders enables logging of request headers. Credentials are redacted.
func WithHeaders(enabled bool) LoggingOption {
	return func(l *LoggingMiddleware) {
		l.includeHeaders = enabled
	}
}

// WithQueryParams enables logging of query parameters.
func WithQueryParams(enabled bool) LoggingOption {
	return func(l *LoggingMiddleware) {
		l.includeQuery = enabled
	}
}

// WithExcludePaths skips logging for paths with any of the given prefixes.
func WithExcludePaths(paths []string) LoggingOption {
	return func(l *LoggingMiddleware) {
		l.excludePaths = paths
	}
}

func NewLoggingMiddleware(logger *zap.Logger, opts ...LoggingOption) *LoggingMiddleware {
	lm := &LoggingMiddleware{
		logger:   logger.Named("access"),
		logLevel: zapcore.InfoLevel,
	}
	for _, opt := range opts {
		opt(lm)
	}
	return lm
}

func (l *LoggingMiddleware) shouldExcludePath(path string) bool {
	for _, prefix := range l.excludePaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (l *LoggingMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.shouldExcludePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := newStatusWriter(w)
		next.ServeHTTP(sw, r)

		fields := make([]zap.Field, 0, 10)
		fields = append(fields,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("ip", ClientIPFromContext(r.Context())),
			zap.String("user_agent", r.UserAgent()),
			zap.Int("response_size", sw.Length()),
			zap.String("request_id", trace.GetRequestID(r.Context())),
		)

		if l.includeQuery && r.URL.RawQuery != "" {
			params := make(map[string]string)
			for key, values := range r.URL.Query() {
				if key == "token" {
					params[key] = "****"
					continue
				}
				params[key] = strings.Join(values, ",")
			}
			fields = append(fields, zap.Any("query_params", params))
		}

		if l.includeHeaders {
			headers := make(map[string]string)
			for key, values := range r.Header {
				if _, redact := redactedHeaders[key]; redact {
					headers[key] = "****"
					continue
				}
				headers[key] = strings.Join(values, ",")
			}
			fields = append(fields, zap.Any("headers", headers))
		}

		switch {
		case sw.Status() >= 500:
			l.logger.Error("server error", fields...)
		case sw.Status() >= 400:
			l.logger.Warn("client error", fields...)
		default:
			if ce := l.logger.Check(l.logLevel, "request completed"); ce != nil {
				ce.Write(fields...)
			}
		}
	})
}
