package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken токен не прошёл проверку
var ErrInvalidToken = errors.New("invalid token")

// Claims represents JWT claims of an admin API session
type Claims struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// Issuer выпускает и проверяет токены HS256
type Issuer struct {
	secret []byte
	ttl    time.Duration
	issuer string
}

// NewIssuer создаёт Issuer из base64-секрета. Пустой секрет заменяется случайным:
// токены не переживут рестарт, что допустимо только для разработки.
func NewIssuer(secretB64 string, ttl time.Duration) (*Issuer, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	var secret []byte
	if secretB64 == "" {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate secret: %w", err)
		}
	} else {
		decoded, err := base64.StdEncoding.DecodeString(secretB64)
		if err != nil {
			return nil, fmt.Errorf("decode secret: %w", err)
		}
		if len(decoded) < 32 {
			return nil, errors.New("secret key must be at least 32 bytes")
		}
		secret = decoded
	}
	return &Issuer{secret: secret, ttl: ttl, issuer: "mineworlds"}, nil
}

// Generate creates a signed token for the given user
func (i *Issuer) Generate(username string, isAdmin bool) (string, error) {
	now := time.Now()
	claims := &Claims{
		Username: username,
		IsAdmin:  isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    i.issuer,
			Subject:   username,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Validate checks token validity and returns its claims
func (i *Issuer) Validate(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return i.secret, nil
	}, jwt.WithIssuer(i.issuer))
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// GenerateSecureSecret generates a new secure base64 secret key
func GenerateSecureSecret() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.StdEncoding.EncodeToString(b)
}
