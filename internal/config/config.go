// Package config loads the inkwell configuration file and applies
// environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/victorgomez09/inkwell/internal/auth/database"
	"github.com/victorgomez09/inkwell/internal/auth/service"
	"github.com/victorgomez09/inkwell/internal/crypto"
	"github.com/victorgomez09/inkwell/internal/health"
	"github.com/victorgomez09/inkwell/internal/mail"
	"github.com/victorgomez09/inkwell/internal/middleware"
	"github.com/victorgomez09/inkwell/internal/ratelimit"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is prepended to every environment override, e.g. INKWELL_JWT_SECRET.
const EnvPrefix = "INKWELL_"

// default configurations
const (
	DefaultAddr             = ":8080"
	DefaultReadTimeout      = 15 * time.Second
	DefaultWriteTimeout     = 15 * time.Second
	DefaultIdleTimeout      = 60 * time.Second
	DefaultShutdownTimeout  = 15 * time.Second
	DefaultMaintenanceEvery = 10 * time.Minute
	DefaultSecretMaxAgeDays = 90
	DefaultDatabaseDSN      = "inkwell.db"
	DefaultLogConfig        = "log.config.json"
)

// Config is the root of config.yaml.
type Config struct {
	Server      Server           `yaml:"server"`
	Database    database.Config  `yaml:"database" envPrefix:"DATABASE_"`
	Auth        Auth             `yaml:"auth"`
	RateLimits  ratelimit.Config `yaml:"rate_limits"`
	Secrets     Secrets          `yaml:"secrets"`
	Mail        mail.Config      `yaml:"mail"`
	Maintenance Maintenance      `yaml:"maintenance"`
	Health      health.Config    `yaml:"health"`
	LogConfigs  []string         `yaml:"log_configs"` // Paths of log.config.json files, loaded in order.
}

// Server holds the HTTP listener settings.
type Server struct {
	Addr            string            `yaml:"addr" env:"HTTP_ADDR"`
	TLS             TLS               `yaml:"tls"`
	ReadTimeout     time.Duration     `yaml:"read_timeout"`
	WriteTimeout    time.Duration     `yaml:"write_timeout"`
	IdleTimeout     time.Duration     `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	AdminAllowedIPs []string          `yaml:"admin_allowed_ips"` // CIDRs or addresses allowed on /api/admin. Empty allows all.
	AdminHostname   string            `yaml:"admin_hostname"`    // When set, /api/admin only answers on this host.
	Middleware      middleware.Config `yaml:"middleware"`
}

// TLS holds configuration settings related to TLS (HTTPS) for the server.
type TLS struct {
	Enabled                bool   `yaml:"enabled"`                  // Indicates whether TLS is enabled.
	CertFile               string `yaml:"cert_file"`                // Path to the TLS certificate file.
	KeyFile                string `yaml:"key_file"`                 // Path to the TLS private key file.
	SessionTicketsDisabled bool   `yaml:"session_tickets_disabled"` // Disables session ticket support if true.
}

// Auth groups session signing with the account policy of service.AuthConfig.
type Auth struct {
	JWTSecret          string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer             string        `yaml:"issuer"`
	SessionTTL         time.Duration `yaml:"session_ttl"`
	service.AuthConfig `yaml:",inline"`
}

// Secrets configures the keyring of the encrypted secret store.
type Secrets struct {
	DefaultKeyID string           `yaml:"default_key_id"`
	Keys         []crypto.KeySpec `yaml:"keys"`
	// MasterKey is a hex key registered under DefaultKeyID, for deployments
	// that keep key material out of the file.
	MasterKey string `yaml:"-" env:"SECRETS_MASTER_KEY"`
}

// KeySpecs returns the configured keys plus the environment master key.
func (s Secrets) KeySpecs() []crypto.KeySpec {
	specs := slices.Clone(s.Keys)
	if s.MasterKey != "" {
		specs = append(specs, crypto.KeySpec{ID: s.DefaultKeyID, Hex: s.MasterKey})
	}
	return specs
}

type Maintenance struct {
	Interval         time.Duration `yaml:"interval"`
	SecretMaxAgeDays int           `yaml:"secret_max_age_days"`
}

// Load reads path, then applies a .env file when present and the
// INKWELL_ environment overrides. Defaults are applied and the result is
// validated. A missing path yields a configuration built from defaults and
// environment alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
				return nil, fmt.Errorf("invalid config in %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	if err := ApplyEnv(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyEnv overrides cfg with INKWELL_ environment variables.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parsing environment: %w", err)
	}
	return nil
}

func (c *Config) ApplyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = DefaultAddr
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Server.IdleTimeout <= 0 {
		c.Server.IdleTimeout = DefaultIdleTimeout
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if c.Database.Driver == "" {
		c.Database.Driver = database.DriverSQLite
	}
	if c.Database.DSN == "" && c.Database.Driver == database.DriverSQLite {
		c.Database.DSN = DefaultDatabaseDSN
	}

	if c.Auth.SessionTTL <= 0 {
		c.Auth.SessionTTL = service.DefaultSessionTTL
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "inkwell"
	}
	c.Auth.AuthConfig.ApplyDefaults()

	// Configured scopes replace the presets of the same name only.
	scopes := ratelimit.DefaultScopes()
	for name, s := range c.RateLimits.Scopes {
		scopes[name] = s
	}
	c.RateLimits.Scopes = scopes
	if c.RateLimits.IdleTTL <= 0 {
		c.RateLimits.IdleTTL = ratelimit.DefaultIdleTTL
	}

	if c.Secrets.DefaultKeyID == "" && len(c.Secrets.Keys) > 0 {
		c.Secrets.DefaultKeyID = c.Secrets.Keys[0].ID
	}

	if c.Maintenance.Interval <= 0 {
		c.Maintenance.Interval = DefaultMaintenanceEvery
	}
	if c.Maintenance.SecretMaxAgeDays <= 0 {
		c.Maintenance.SecretMaxAgeDays = DefaultSecretMaxAgeDays
	}

	if len(c.LogConfigs) == 0 {
		c.LogConfigs = []string{DefaultLogConfig}
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("auth.jwt_secret must be at least 32 bytes (or set INKWELL_JWT_SECRET)"))
	}

	switch c.Database.Driver {
	case database.DriverSQLite, database.DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported driver %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	for name, s := range c.RateLimits.Scopes {
		if !(s.Rate > 0) || !(s.Capacity > 0) {
			errs = append(errs, fmt.Errorf("rate_limits.scopes.%s: rate and capacity must be positive", name))
		}
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "") {
		errs = append(errs, errors.New("server.tls: cert_file and key_file are required when enabled"))
	}

	specs := c.Secrets.KeySpecs()
	seen := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			errs = append(errs, errors.New("secrets.keys: every key needs an id"))
			continue
		}
		if seen[s.ID] {
			errs = append(errs, fmt.Errorf("secrets.keys: duplicate key id %q", s.ID))
		}
		seen[s.ID] = true
	}
	if len(specs) > 0 && !seen[c.Secrets.DefaultKeyID] {
		errs = append(errs, fmt.Errorf("secrets.default_key_id %q is not in secrets.keys", c.Secrets.DefaultKeyID))
	}

	if c.Mail.Enabled() && c.Mail.From == "" {
		errs = append(errs, errors.New("mail.from is required when mail.host is set"))
	}

	return errors.Join(errs...)
}
