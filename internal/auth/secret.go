// ABOUTME: Host agent shared-secret hashing and verification with bcrypt
// ABOUTME: Agents present the secret in their register message

package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidSecret is returned when an agent's secret does not match.
var ErrInvalidSecret = errors.New("invalid host secret")

// HashSecret returns the bcrypt hash stored for a host.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("empty host secret")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing host secret: %w", err)
	}
	return string(hash), nil
}

// CheckSecret compares secret against a stored hash.
func CheckSecret(hash, secret string) error {
	if hash == "" {
		return fmt.Errorf("%w: host has no secret", ErrInvalidSecret)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrInvalidSecret
	}
	return nil
}
