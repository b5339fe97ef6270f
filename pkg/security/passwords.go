package security

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const (
	passwordLength  = 32
	passwordCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// bcryptCost matches what the engine's security plugin uses for its
	// internal users, so hashes are interchangeable.
	bcryptCost = 12
)

// GeneratePassword returns a random 32-character alphanumeric password.
func GeneratePassword() (string, error) {
	out := make([]byte, passwordLength)
	max := big.NewInt(int64(len(passwordCharset)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		out[i] = passwordCharset[n.Int64()]
	}
	return string(out), nil
}

// GenerateHashedPassword returns a fresh password together with its
// bcrypt hash.
func GenerateHashedPassword() (hash, password string, err error) {
	password, err = GeneratePassword()
	if err != nil {
		return "", "", err
	}
	hash, err = HashPassword(password)
	if err != nil {
		return "", "", err
	}
	return hash, password, nil
}

// HashPassword computes the bcrypt hash of a password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether password matches the bcrypt hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
