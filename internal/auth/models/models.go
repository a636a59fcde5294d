package models

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleWriter Role = "writer"
	RoleReader Role = "reader"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleWriter, RoleReader:
		return true
	}
	return false
}

type User struct {
	ID                uuid.UUID  `json:"id"`
	Username          string     `json:"username"`
	Email             string     `json:"email"`
	Password          string     `json:"-"`
	Role              Role       `json:"role"`
	EmailVerified     bool       `json:"email_verified"`
	FailedAttempts    int        `json:"-"`
	LockedUntil       *time.Time `json:"locked_until,omitempty"`
	LastLoginAt       *time.Time `json:"last_login_at,omitempty"`
	LastLoginIP       string     `json:"last_login_ip,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	PasswordChangedAt time.Time  `json:"password_changed_at"`
}

// IsLocked reports whether failed logins have locked the account at now.
func (u *User) IsLocked(now time.Time) bool {
	return u.LockedUntil != nil && now.Before(*u.LockedUntil)
}

// ClientMeta is the optional client information recorded on a session.
type ClientMeta struct {
	UserAgent string `json:"user_agent,omitempty"`
	IP        string `json:"ip_address,omitempty"`
}

type Session struct {
	ID        uuid.UUID  `json:"id"`
	UserID    uuid.UUID  `json:"user_id"`
	Token     string     `json:"-"`
	Client    ClientMeta `json:"client"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsExpired reports whether the session is past its expiry at now.
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// TokenPurpose distinguishes the kinds of one-time tokens.
type TokenPurpose string

const (
	PurposePasswordReset     TokenPurpose = "password_reset"
	PurposeEmailVerification TokenPurpose = "email_verification"
)

type OneTimeToken struct {
	Token     string       `json:"-"`
	UserID    uuid.UUID    `json:"user_id"`
	Purpose   TokenPurpose `json:"purpose"`
	ExpiresAt time.Time    `json:"expires_at"`
	Used      bool         `json:"used"`
	CreatedAt time.Time    `json:"created_at"`
}

// IsValid applies the expiry check and, for password reset tokens, the not-used check.
func (t *OneTimeToken) IsValid(now time.Time) bool {
	if !now.Before(t.ExpiresAt) {
		return false
	}
	if t.Purpose == PurposePasswordReset && t.Used {
		return false
	}
	return true
}

// APIKey is the persisted form of an API key. The raw key value is never
// stored, only its SHA-256 digest.
type APIKey struct {
	KeyHash    string     `json:"-"`
	Prefix     string     `json:"prefix"`
	UserID     uuid.UUID  `json:"user_id"`
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// IsValid reports whether the key has no expiry or has not reached it.
func (k *APIKey) IsValid(now time.Time) bool {
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// HasScopes reports whether every required scope is held by the key.
func (k *APIKey) HasScopes(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range k.Scopes {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// RateLimitBucket is the stored state of one token bucket. Rate and capacity
// are not stored; they belong to the bucket's scope.
type RateLimitBucket struct {
	Bucket     string    `json:"bucket"`
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type FeatureFlag struct {
	Name              string    `json:"name"`
	Enabled           bool      `json:"is_enabled"`
	RolloutPercentage int       `json:"rollout_percentage"`
	TargetUsers       []string  `json:"target_users"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// EncryptedSecret holds ciphertext only. It is never serialized to callers;
// see secrets.Metadata for the exposed view.
type EncryptedSecret struct {
	ID              uuid.UUID
	Name            string
	CurrentValue    []byte
	PreviousValue   []byte
	EncryptionKeyID string
	PreviousKeyID   string
	RotatedAt       time.Time
	CreatedAt       time.Time
}

type AuditLog struct {
	ID         int64     `json:"id"`
	UserID     string    `json:"user_id,omitempty"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	IP         string    `json:"ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Metadata   string    `json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
