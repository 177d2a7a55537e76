package auth

import (
	"crypto/subtle"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Credentials holds the single admin account.
type Credentials struct {
	Username     string
	Password     string
	PasswordHash string
}

// Check reports whether username and password match the admin account. A
// configured bcrypt hash takes precedence over the plain password; with
// neither configured every check fails.
func (c Credentials) Check(username, password string) bool {
	if c.Username == "" || password == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username)) == 1

	var passOK bool
	switch {
	case strings.TrimSpace(c.PasswordHash) != "":
		passOK = VerifyPassword(c.PasswordHash, password)
	case c.Password != "":
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(c.Password)) == 1
	}
	return userOK && passOK
}

// HashPassword hashes a plaintext password for the admin.password_hash setting.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifyPassword verifies plaintext password against a bcrypt hash.
func VerifyPassword(passwordHash, candidate string) bool {
	if strings.TrimSpace(passwordHash) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(candidate)) == nil
}
