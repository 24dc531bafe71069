package crypto

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const sharedSecretSize = 20

var (
	// ErrInvalidCredentials indicates a pairing user/password mismatch.
	ErrInvalidCredentials = errors.New("crypto: invalid pairing credentials")

	secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// NewSharedSecret returns a random base32 secret suitable for code generation.
func NewSharedSecret() (string, error) {
	raw := make([]byte, sharedSecretSize)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate shared secret: %w", err)
	}
	return secretEncoding.EncodeToString(raw), nil
}

// HashPassword returns the bcrypt hash of a pairing password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// StaticCredentials authenticates pairing requests against one configured account.
type StaticCredentials struct {
	User         string
	PasswordHash string
}

// Authenticate returns ErrInvalidCredentials unless user and password match.
func (c StaticCredentials) Authenticate(user, password string) error {
	if c.User == "" || c.PasswordHash == "" {
		return fmt.Errorf("%w: pairing account is not configured", ErrInvalidCredentials)
	}
	if user != c.User {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
