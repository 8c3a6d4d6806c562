package auth

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword returns a bcrypt hash of the password using DefaultCost.
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

// CheckPassword compares a bcrypt hashed password with its possible plaintext equivalent.
func CheckPassword(hash string, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// AdminCredentials единственная учётная запись администратора из конфигурации
type AdminCredentials struct {
	Username     string
	PasswordHash string
}

// Verify false если хеш не задан (вход отключён)
func (a AdminCredentials) Verify(username, password string) bool {
	if a.PasswordHash == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(a.Username), []byte(username)) == 1
	passOK := CheckPassword(a.PasswordHash, password)
	return userOK && passOK
}
