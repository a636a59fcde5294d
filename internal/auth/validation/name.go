package validation

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"unicode/utf8"

	apierr "github.com/victorgomez09/inkwell/internal/auth"
)

const MaxNameLength = 100

// ValidateName checks display names of API keys, flags and secrets.
func ValidateName(name string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(name))
	if n < 1 || utf8.RuneCountInString(name) > MaxNameLength {
		return apierr.ErrInvalidName
	}
	return nil
}

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{2,31}$`)

// ValidateUsername allows 3-32 characters of letters, digits, dot, dash and underscore.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return fmt.Errorf("%w: username must be 3-32 letters, digits, '.', '-' or '_'", apierr.ErrInvalidInput)
	}
	return nil
}

// ValidateEmail accepts a bare address, without a display name.
func ValidateEmail(email string) error {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: invalid email address", apierr.ErrInvalidInput)
	}
	return nil
}

var scopePattern = regexp.MustCompile(`^[a-z][a-z0-9_:.-]{0,63}$`)

// ValidateScope checks a single API key scope such as "posts:write".
func ValidateScope(scope string) error {
	if !scopePattern.MatchString(scope) {
		return fmt.Errorf("%w: invalid scope %q", apierr.ErrInvalidInput, scope)
	}
	return nil
}
