package middleware

import (
	"fmt"
	"net/http"
)

type SecurityConfig struct {
	HSTS                  bool   `yaml:"hsts"`
	HSTSMaxAge            int    `yaml:"hsts_max_age"`
	HSTSIncludeSubDomains bool   `yaml:"hsts_include_subdomains"`
	HSTSPreload           bool   `yaml:"hsts_preload"`
	FrameOptions          string `yaml:"frame_options"`
	ContentTypeOptions    bool   `yaml:"content_type_options"`
	ContentSecurityPolicy string `yaml:"content_security_policy"`
	ReferrerPolicy        string `yaml:"referrer_policy"`
	NoStore               bool   `yaml:"no_store"`
}

// DefaultSecurityConfig is applied when the security block is present but empty.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		HSTS:                  true,
		HSTSMaxAge:            31536000,
		HSTSIncludeSubDomains: true,
		FrameOptions:          "DENY",
		ContentTypeOptions:    true,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ReferrerPolicy:        "no-referrer",
		NoStore:               true,
	}
}

// ServerSecurity sets response headers that harden every API response.
type ServerSecurity struct {
	headers map[string]string
}

func NewSecurityMiddleware(cfg SecurityConfig) *ServerSecurity {
	if cfg == (SecurityConfig{}) {
		cfg = DefaultSecurityConfig()
	}
	h := make(map[string]string)
	if cfg.HSTS {
		value := fmt.Sprintf("max-age=%d", cfg.HSTSMaxAge)
		if cfg.HSTSIncludeSubDomains {
			value += "; includeSubDomains"
		}
		if cfg.HSTSPreload {
			value += "; preload"
		}
		h["Strict-Transport-Security"] = value
	}
	if cfg.FrameOptions != "" {
		h["X-Frame-Options"] = cfg.FrameOptions
	}
	if cfg.ContentTypeOptions {
		h["X-Content-Type-Options"] = "nosniff"
	}
	if cfg.ContentSecurityPolicy != "" {
		h["Content-Security-Policy"] = cfg.ContentSecurityPolicy
	}
	if cfg.ReferrerPolicy != "" {
		h["Referrer-Policy"] = cfg.ReferrerPolicy
	}
	if cfg.NoStore {
		// Responses carry tokens and keys.
		h["Cache-Control"] = "no-store"
	}
	return &ServerSecurity{headers: h}
}

func (s *ServerSecurity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range s.headers {
			w.Header().Set(k, v)
		}
		next.ServeHTTP(w, r)
	})
}
