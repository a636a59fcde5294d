package middleware

import (
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds the total request rate of the process, before any
// per-client limits apply.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RateLimiterMiddleware sheds load once the whole server exceeds its budget.
type RateLimiterMiddleware struct {
	limiter *rate.Limiter
}

// NewRateLimiterMiddleware uses 20 rps with a burst of 50 for zero values.
func NewRateLimiterMiddleware(rps float64, burst int) *RateLimiterMiddleware {
	if burst == 0 {
		burst = 50
	}
	if rps == 0 {
		rps = 20
	}
	return &RateLimiterMiddleware{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (m *RateLimiterMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.limiter.Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(1))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
