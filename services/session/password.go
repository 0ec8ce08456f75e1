package session

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	"github.com/hosterizer/portal-gateway/services"
)

const (
	// MinPasswordLength is the minimum required password length
	MinPasswordLength = 8

	// MaxPasswordLength is bcrypt's input limit
	MaxPasswordLength = 72

	// DefaultBcryptCost is the cost factor for new hashes
	DefaultBcryptCost = 12
)

// PasswordHasher hashes and verifies passwords with bcrypt
type PasswordHasher struct {
	cost int
}

// NewPasswordHasher creates a hasher. A cost outside bcrypt's range falls back to DefaultBcryptCost.
func NewPasswordHasher(cost int) *PasswordHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultBcryptCost
	}
	return &PasswordHasher{cost: cost}
}

// Hash validates password strength and returns its bcrypt hash
func (h *PasswordHasher) Hash(password string) (string, error) {
	if err := ValidatePasswordStrength(password); err != nil {
		return "", err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Compare returns services.ErrInvalidCredentials when password does not match hash
func (h *PasswordHasher) Compare(hash, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return services.ErrInvalidCredentials
	}
	return fmt.Errorf("failed to compare password: %w", err)
}

// ValidatePasswordStrength requires 8-72 bytes with upper, lower, digit and special characters
func ValidatePasswordStrength(password string) error {
	weak := func(reason string) error {
		return services.NewDomainError(services.ErrorTypeValidation, services.ErrWeakPassword.Message, nil).
			WithDetail("reason", reason)
	}

	if len(password) < MinPasswordLength {
		return weak(fmt.Sprintf("must be at least %d characters long", MinPasswordLength))
	}
	if len(password) > MaxPasswordLength {
		return weak(fmt.Sprintf("must not exceed %d characters", MaxPasswordLength))
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, c := range password {
		switch {
		case unicode.IsUpper(c):
			hasUpper = true
		case unicode.IsLower(c):
			hasLower = true
		case unicode.IsDigit(c):
			hasDigit = true
		case unicode.IsPunct(c) || unicode.IsSymbol(c):
			hasSpecial = true
		}
	}

	switch {
	case !hasUpper:
		return weak("must contain an uppercase letter")
	case !hasLower:
		return weak("must contain a lowercase letter")
	case !hasDigit:
		return weak("must contain a digit")
	case !hasSpecial:
		return weak("must contain a special character")
	}
	return nil
}
