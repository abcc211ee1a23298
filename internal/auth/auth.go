// Package auth mints and verifies the capability tokens the compatibility
// service presents to the allocator. A token names the service principal;
// it carries no per-user identity because every v1 client acts as the one
// configured service user.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/sha3"
)

// ErrInvalidToken is returned for tokens that fail signature or claim
// validation.
var ErrInvalidToken = errors.New("invalid capability token")

// Service signs and verifies capability tokens with a shared secret.
type Service struct {
	secret []byte
}

// New creates a token service. The secret must be non-empty.
func New(secret string) (*Service, error) {
	if secret == "" {
		return nil, errors.New("token secret cannot be empty")
	}
	return &Service{secret: []byte(secret)}, nil
}

// Mint creates a token for the given principal name. A zero ttl makes a
// non-expiring token, which is what a long-running service wants.
func (s *Service) Mint(principal string, ttl time.Duration) (string, error) {
	if principal == "" {
		return "", errors.New("principal cannot be empty")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": principal,
		"iat": now.Unix(),
	}
	if ttl != 0 {
		claims["exp"] = now.Add(ttl).Unix()
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks a token and returns the principal name it carries.
func (s *Service) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	principal, ok := claims["sub"].(string)
	if !ok || principal == "" {
		return "", ErrInvalidToken
	}
	return principal, nil
}

// Fingerprint returns a short stable digest of a token, safe for logs and
// audit rows. The raw credential never leaves this function.
func Fingerprint(token string) string {
	sum := sha3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
