// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenFunc supplies a bearer token for remote requests.
type TokenFunc func(ctx context.Context) (string, error)

// Claims are the JWT claims the task service expects: user ID in the
// standard sub claim, device ID in did.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// TokenSource mints and caches HS256 bearer tokens. Tokens are reused until
// shortly before expiry.
type TokenSource struct {
	secret   []byte
	userID   string
	deviceID string
	ttl      time.Duration

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a token source for one signed-in user and device.
func NewTokenSource(secret, userID, deviceID string, ttl time.Duration) *TokenSource {
	return &TokenSource{
		secret:   []byte(secret),
		userID:   userID,
		deviceID: deviceID,
		ttl:      ttl,
	}
}

// Token returns a valid bearer token, minting a fresh one when needed.
func (s *TokenSource) Token(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expires) > s.ttl/10 {
		return s.token, nil
	}
	now := time.Now()
	claims := &Claims{
		DeviceID: s.deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "go-tasksync",
			Subject:   s.userID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	s.token = signed
	s.expires = now.Add(s.ttl)
	return signed, nil
}

// ValidateToken parses and validates a token minted by a TokenSource with
// the same secret. Used by test doubles standing in for the server.
func ValidateToken(secret, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (user ID) in token")
	}
	return claims, nil
}
