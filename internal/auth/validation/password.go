package validation

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	apierr "github.com/victorgomez09/inkwell/internal/auth"
)

// Password policy violations. Each wraps apierr.ErrInvalidInput so the HTTP
// layer answers 400.
var (
	ErrPasswordTooShort = policyError("password is too short")
	ErrPasswordTooLong  = policyError("password is too long")
	ErrMissingUppercase = policyError("password must contain at least one uppercase letter")
	ErrMissingLowercase = policyError("password must contain at least one lowercase letter")
	ErrMissingNumber    = policyError("password must contain at least one number")
	ErrMissingSpecial   = policyError("password must contain at least one special character")
	ErrContainsUsername = policyError("password cannot contain the username")
	ErrCommonPassword   = policyError("password is too common")
	ErrConsecutiveChars = policyError("password contains consecutive repeated characters")
	ErrSequentialChars  = policyError("password contains sequential characters")
)

func policyError(msg string) error {
	return fmt.Errorf("%w: %s", apierr.ErrInvalidInput, msg)
}

// PasswordPolicy is configured under auth.password in the config file.
type PasswordPolicy struct {
	MinLength           int  `yaml:"min_length"`
	MaxLength           int  `yaml:"max_length"`
	RequireUppercase    bool `yaml:"require_uppercase"`
	RequireLowercase    bool `yaml:"require_lowercase"`
	RequireNumbers      bool `yaml:"require_numbers"`
	RequireSpecial      bool `yaml:"require_special"`
	MaxRepeatingChars   int  `yaml:"max_repeating_chars"`
	PreventSequential   bool `yaml:"prevent_sequential"`
	PreventUsernamePart bool `yaml:"prevent_username_part"`
}

// DefaultPasswordPolicy returns the policy applied when the config leaves it unset.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:           12,
		MaxLength:           128,
		RequireUppercase:    true,
		RequireLowercase:    true,
		RequireNumbers:      true,
		RequireSpecial:      false,
		MaxRepeatingChars:   3,
		PreventSequential:   true,
		PreventUsernamePart: true,
	}
}

type PasswordValidator struct {
	policy PasswordPolicy
}

func NewPasswordValidator(policy PasswordPolicy) *PasswordValidator {
	return &PasswordValidator{policy: policy}
}

// ValidatePassword returns the first policy violation, or nil.
// Lengths are counted in runes, not bytes.
func (v *PasswordValidator) ValidatePassword(password, username string) error {
	n := utf8.RuneCountInString(password)
	if n < v.policy.MinLength {
		return ErrPasswordTooShort
	}
	if v.policy.MaxLength > 0 && n > v.policy.MaxLength {
		return ErrPasswordTooLong
	}

	var hasUpper, hasLower, hasNumber, hasSpecial bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsNumber(r):
			hasNumber = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r) || unicode.IsSpace(r):
			hasSpecial = true
		}
	}

	switch {
	case v.policy.RequireUppercase && !hasUpper:
		return ErrMissingUppercase
	case v.policy.RequireLowercase && !hasLower:
		return ErrMissingLowercase
	case v.policy.RequireNumbers && !hasNumber:
		return ErrMissingNumber
	case v.policy.RequireSpecial && !hasSpecial:
		return ErrMissingSpecial
	}

	if v.policy.MaxRepeatingChars > 0 && longestRun(password) > v.policy.MaxRepeatingChars {
		return ErrConsecutiveChars
	}
	if v.policy.PreventSequential && hasSequence(password) {
		return ErrSequentialChars
	}
	if v.policy.PreventUsernamePart && utf8.RuneCountInString(username) >= 3 &&
		strings.Contains(strings.ToLower(password), strings.ToLower(username)) {
		return ErrContainsUsername
	}
	if _, ok := commonPasswords[strings.ToLower(password)]; ok {
		return ErrCommonPassword
	}
	return nil
}

func longestRun(s string) int {
	var longest, run int
	var last rune = -1
	for _, r := range s {
		if r == last {
			run++
		} else {
			last, run = r, 1
		}
		longest = max(longest, run)
	}
	return longest
}

// hasSequence reports three ascending or descending letters or digits in a row.
func hasSequence(s string) bool {
	rs := []rune(strings.ToLower(s))
	for i := 0; i+2 < len(rs); i++ {
		a, b, c := rs[i], rs[i+1], rs[i+2]
		if !sameClass(a, b, c) {
			continue
		}
		if (b == a+1 && c == b+1) || (b == a-1 && c == b-1) {
			return true
		}
	}
	return false
}

func sameClass(rs ...rune) bool {
	letters, digits := 0, 0
	for _, r := range rs {
		switch {
		case r >= 'a' && r <= 'z':
			letters++
		case r >= '0' && r <= '9':
			digits++
		}
	}
	return letters == len(rs) || digits == len(rs)
}

// Passwords that pass the character rules but are still trivially guessed.
var commonPasswords = map[string]struct{}{
	"password1234": {},
	"passw0rd1234": {},
	"welcome12345": {},
	"letmein12345": {},
	"qwertyuiop12": {},
	"iloveyou1234": {},
	"inkwell12345": {},
	"writer123456": {},
}
