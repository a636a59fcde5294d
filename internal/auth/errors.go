package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Identity and token errors. All of them are expected outcomes that callers
// turn into a rejection, never into a 5xx.
var (
	// ErrNotFound is returned when a session, token, API key, flag or secret does not exist.
	ErrNotFound = errors.New("not found")
	// ErrExpired is returned when a record exists but its expiry has passed.
	ErrExpired = errors.New("expired")
	// ErrRevoked is returned when a credential has been explicitly invalidated.
	ErrRevoked = errors.New("revoked")
	// ErrAlreadyUsed is returned when a single-use token is presented a second time.
	ErrAlreadyUsed = errors.New("token already used")
	// ErrInvalidToken is returned for malformed or tampered bearer tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrInsufficientScope is returned when an API key lacks a required scope.
	ErrInsufficientScope = errors.New("insufficient scope")
	// ErrRateLimited is returned when a rate-limit bucket is exhausted. See RateLimitedError.
	ErrRateLimited = errors.New("rate limited")
	// ErrInvalidName is returned when a display name is empty or longer than 100 characters.
	ErrInvalidName = errors.New("name must be between 1 and 100 characters")
)

// Account errors.
var (
	// ErrInvalidCredentials is returned when a user provides incorrect authentication credentials.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUsernameTaken is returned when attempting to create a user with a username that already exists.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrUserNotFound is returned when a user record is not found in the database.
	ErrUserNotFound = errors.New("user not found")
	// ErrForbidden is returned when an authenticated principal lacks the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrUserLocked is returned while an account is locked after repeated failed logins.
	ErrUserLocked = errors.New("account temporarily locked")
	// ErrInvalidInput is returned for requests that fail validation, such as a weak password.
	ErrInvalidInput = errors.New("invalid input")
)

// Write conflicts.
var (
	// ErrAlreadyExists is returned when a unique name is already taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when a record changed underneath a conditional update.
	ErrConflict = errors.New("concurrent modification")
)

// Secret store errors.
var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrKeyNotFound is returned when rotating a secret name that does not exist.
	ErrKeyNotFound = errors.New("key not found")
)

// ErrStorageUnavailable marks infrastructure faults of the persistence or crypto collaborator.
var ErrStorageUnavailable = errors.New("storage unavailable")

// RateLimitedError carries the retry hint for a denied request.
type RateLimitedError struct {
	Bucket     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited on %s, retry after %s", e.Bucket, e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// HTTPStatus maps a control-plane error to the status code a boundary should answer with.
// Unknown errors are infrastructure faults.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrExpired),
		errors.Is(err, ErrRevoked),
		errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, ErrInsufficientScope), errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUserLocked):
		return http.StatusLocked
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyUsed),
		errors.Is(err, ErrUsernameTaken),
		errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
