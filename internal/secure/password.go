// ABOUTME: bcrypt password hashing and verification
// ABOUTME: Inputs are truncated to bcrypt's 72-byte limit so long passwords still verify

package secure

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// maxPasswordBytes is the longest input bcrypt considers.
const maxPasswordBytes = 72

// dummyHash is compared against when no stored hash exists so that a
// missing credential costs the same time as a wrong password.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ErrWeakPassword is returned when a password fails the strength policy.
var ErrWeakPassword = errors.New("password does not meet policy")

// PasswordPolicy describes the minimum strength of new passwords.
type PasswordPolicy struct {
	MinLength     int
	RequireMixed  bool // upper and lower case letters
	RequireDigit  bool
	RequireSymbol bool
}

// Check validates password against the policy.
func (p PasswordPolicy) Check(password string) error {
	if len([]rune(password)) < p.MinLength {
		return fmt.Errorf("%w: must be at least %d characters", ErrWeakPassword, p.MinLength)
	}

	var upper, lower, digit, symbol bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}

	if p.RequireMixed && !(upper && lower) {
		return fmt.Errorf("%w: must mix upper and lower case", ErrWeakPassword)
	}
	if p.RequireDigit && !digit {
		return fmt.Errorf("%w: must contain a digit", ErrWeakPassword)
	}
	if p.RequireSymbol && !symbol {
		return fmt.Errorf("%w: must contain a symbol", ErrWeakPassword)
	}
	return nil
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(truncate(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches hash. An empty hash is
// compared against a dummy so the call takes the same time as a mismatch.
func VerifyPassword(password, hash string) bool {
	if hash == "" {
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), truncate(password))
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), truncate(password)) == nil
}

func truncate(password string) []byte {
	b := []byte(password)
	if len(b) > maxPasswordBytes {
		b = b[:maxPasswordBytes]
	}
	return b
}
