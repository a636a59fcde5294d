package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/victorgomez09/inkwell/internal/auth/database"
	"github.com/victorgomez09/inkwell/internal/crypto"
	"github.com/victorgomez09/inkwell/internal/ratelimit"
)

const secret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileEnvAndDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9000"
  admin_allowed_ips: ["10.0.0.0/8"]
  middleware:
    trust_proxy_headers: true
database:
  driver: sqlite
  dsn: /var/lib/inkwell/ink.db
auth:
  jwt_secret: from-file-but-too-short
  session_ttl: 2h
  max_login_attempts: 7
  password:
    min_length: 14
rate_limits:
  scopes:
    login: {rate: 0.5, capacity: 5}
secrets:
  keys:
    - id: k1
      passphrase: correct horse
      salt: inkwell
maintenance:
  interval: 1m
`)
	t.Setenv("INKWELL_JWT_SECRET", secret)
	t.Setenv("INKWELL_DATABASE_DSN", "/tmp/override.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.True(t, cfg.Server.Middleware.TrustProxyHeaders)
	assert.Equal(t, []string{"10.0.0.0/8"}, cfg.Server.AdminAllowedIPs)
	assert.Equal(t, DefaultReadTimeout, cfg.Server.ReadTimeout)

	assert.Equal(t, secret, cfg.Auth.JWTSecret)
	assert.Equal(t, "/tmp/override.db", cfg.Database.DSN)
	assert.Equal(t, 2*time.Hour, cfg.Auth.SessionTTL)
	assert.Equal(t, "inkwell", cfg.Auth.Issuer)
	assert.Equal(t, 7, cfg.Auth.MaxLoginAttempts)
	assert.Equal(t, 14, cfg.Auth.Password.MinLength)
	assert.Equal(t, 15*time.Minute, cfg.Auth.LockDuration)

	assert.Equal(t, ratelimit.Scope{Rate: 0.5, Capacity: 5}, cfg.RateLimits.Scopes["login"])
	assert.Equal(t, ratelimit.DefaultScopes()["email"], cfg.RateLimits.Scopes["email"])
	assert.Equal(t, ratelimit.DefaultIdleTTL, cfg.RateLimits.IdleTTL)

	assert.Equal(t, "k1", cfg.Secrets.DefaultKeyID)
	assert.Equal(t, time.Minute, cfg.Maintenance.Interval)
	assert.Equal(t, DefaultSecretMaxAgeDays, cfg.Maintenance.SecretMaxAgeDays)
	assert.Equal(t, []string{DefaultLogConfig}, cfg.LogConfigs)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("INKWELL_JWT_SECRET", secret)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
	assert.Equal(t, database.DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, DefaultDatabaseDSN, cfg.Database.DSN)
	assert.Len(t, cfg.RateLimits.Scopes, 3)
}

func TestLoad_UnknownFieldIsRejected(t *testing.T) {
	path := writeConfig(t, "server:\n  adress: \":80\"\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestLoad_MasterKeyFromEnv(t *testing.T) {
	path := writeConfig(t, "secrets:\n  default_key_id: env-key\n")
	t.Setenv("INKWELL_JWT_SECRET", secret)
	t.Setenv("INKWELL_SECRETS_MASTER_KEY", strings.Repeat("ab", crypto.KeySize))

	cfg, err := Load(path)
	require.NoError(t, err)
	specs := cfg.Secrets.KeySpecs()
	require.Len(t, specs, 1)
	assert.Equal(t, "env-key", specs[0].ID)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{}
		c.Auth.JWTSecret = secret
		c.ApplyDefaults()
		return c
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "jwt_secret"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "mysql" }, "unsupported driver"},
		{"postgres without dsn", func(c *Config) { c.Database.Driver = database.DriverPostgres; c.Database.DSN = "" }, "database.dsn"},
		{"zero rate", func(c *Config) { c.RateLimits.Scopes["api"] = ratelimit.Scope{Rate: 0, Capacity: 5} }, "rate_limits.scopes.api"},
		{"tls without files", func(c *Config) { c.Server.TLS.Enabled = true }, "server.tls"},
		{"duplicate keys", func(c *Config) {
			c.Secrets.Keys = []crypto.KeySpec{{ID: "a", Hex: "00"}, {ID: "a", Hex: "01"}}
			c.Secrets.DefaultKeyID = "a"
		}, "duplicate key id"},
		{"default key missing", func(c *Config) {
			c.Secrets.Keys = []crypto.KeySpec{{ID: "a", Hex: "00"}}
			c.Secrets.DefaultKeyID = "b"
		}, "default_key_id"},
		{"mail without sender", func(c *Config) { c.Mail.Host = "smtp.example.com" }, "mail.from"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
