// Package opauth provides operator authentication for the mutating
// REST endpoints in spec.md §6 (POST/DELETE /api/sessions/{id}/apdus).
// spec.md is silent on REST auth — it only excludes multi-tenant
// isolation as a Non-goal — so this supplements a single-operator
// bearer-token scheme, grounded on the teacher's auth layer: bcrypt
// for credential storage, golang-jwt/v5 for short-lived bearer tokens.
package opauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned by Authenticate on a bad
// username/password pair. Never wraps the underlying bcrypt error, to
// avoid leaking timing or library detail to callers.
var ErrInvalidCredentials = errors.New("opauth: invalid credentials")

// ErrInvalidToken is returned by Verify for any unparseable, expired,
// or signature-mismatched token.
var ErrInvalidToken = errors.New("opauth: invalid token")

// Operator is a single test-bench operator account. There is
// intentionally no role/tenant model (spec.md Non-goals: "no
// multi-tenant isolation").
type Operator struct {
	Username     string
	PasswordHash string // bcrypt hash
}

// Service issues and verifies operator bearer tokens.
type Service struct {
	operators map[string]Operator
	secret    []byte
	ttl       time.Duration
}

// NewService creates an auth service for a fixed operator set. secret
// signs issued JWTs (HS256); ttl bounds token lifetime.
func NewService(operators []Operator, secret []byte, ttl time.Duration) *Service {
	m := make(map[string]Operator, len(operators))
	for _, op := range operators {
		m[op.Username] = op
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Service{operators: m, secret: secret, ttl: ttl}
}

// HashPassword bcrypt-hashes a plaintext password for storing in
// configuration (never store the plaintext).
func HashPassword(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("opauth: hashing password: %w", err)
	}
	return string(hash), nil
}

type claims struct {
	jwt.RegisteredClaims
}

// Authenticate checks username/password and, on success, issues a
// signed bearer token.
func (s *Service) Authenticate(username, password string) (string, error) {
	op, ok := s.operators[username]
	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("opauth: signing token: %w", err)
	}
	return signed, nil
}

// Verify validates a bearer token and returns the operator username
// it was issued for.
func (s *Service) Verify(tokenString string) (string, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Method)
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || c.Subject == "" {
		return "", ErrInvalidToken
	}
	return c.Subject, nil
}
