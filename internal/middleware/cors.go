package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposedHeaders   []string `yaml:"exposed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

type CORS struct {
	cfg CORSConfig
	any bool
}

func NewCORSMiddleware(cfg CORSConfig) *CORS {
	if len(cfg.AllowedMethods) == 0 {
		cfg.AllowedMethods = []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete}
	}
	if len(cfg.AllowedHeaders) == 0 {
		cfg.AllowedHeaders = []string{"Authorization", "Content-Type", "X-API-Key"}
	}
	return &CORS{cfg: cfg, any: slices.Contains(cfg.AllowedOrigins, "*")}
}

// allowedOrigin returns the value for Access-Control-Allow-Origin, or "" when
// the origin is not allowed. Credentials are never combined with "*".
func (c *CORS) allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	if c.any && !c.cfg.AllowCredentials {
		return "*"
	}
	if c.any || slices.Contains(c.cfg.AllowedOrigins, origin) {
		return origin
	}
	return ""
}

func (c *CORS) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Add("Vary", "Origin")

		origin := c.allowedOrigin(r.Header.Get("Origin"))
		if origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			if c.cfg.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			if len(c.cfg.ExposedHeaders) > 0 {
				h.Set("Access-Control-Expose-Headers", strings.Join(c.cfg.ExposedHeaders, ", "))
			}
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			if origin != "" {
				h.Set("Access-Control-Allow-Methods", strings.Join(c.cfg.AllowedMethods, ", "))
				h.Set("Access-Control-Allow-Headers", strings.Join(c.cfg.AllowedHeaders, ", "))
				if c.cfg.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(c.cfg.MaxAge))
				}
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
