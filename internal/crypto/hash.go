package crypto

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrEmptyPassword = errors.New("password cannot be empty")
	ErrEmptyHash     = errors.New("hash cannot be empty")
	ErrMismatch      = errors.New("password does not match hash")
)

// HashPassword hashes a password or client secret with bcrypt at default cost.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// VerifyPassword checks a password against a bcrypt hash. bcrypt compares in
// constant time. Any mismatch is reported as ErrMismatch.
func VerifyPassword(hash, password string) error {
	if hash == "" {
		return ErrEmptyHash
	}
	if password == "" {
		return ErrEmptyPassword
	}

	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return ErrMismatch
	}
	return err
}
