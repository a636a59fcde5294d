// Package trace carries per-request correlation ids.
package trace

import (
	"context"
	"net/http"
	"regexp"

	"github.com/google/uuid"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const RequestIDKey ContextKey = "request_id"

// HeaderRequestID is read from trusted callers and always echoed on the response.
const HeaderRequestID = "X-Request-ID"

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{8,64}$`)

type RequestID struct {
	trustHeader bool
}

// WithRequestID returns the middleware. When trustHeader is set an incoming
// X-Request-ID of sane shape is kept instead of generating a new one.
func WithRequestID(trustHeader bool) *RequestID {
	return &RequestID{trustHeader: trustHeader}
}

func (m *RequestID) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := ""
		if m.trustHeader {
			if h := r.Header.Get(HeaderRequestID); validRequestID.MatchString(h) {
				id = h
			}
		}
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), id)))
	})
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
// Returns an empty string if not found.
func GetRequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
