// Mise - Restaurant Notification Delivery Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/mise

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/mise/internal/config"
)

// Roles carried in the role claim.
const (
	// RoleDevice is a staff member's device or a shared station.
	RoleDevice = "device"
	// RoleManager may also enqueue notifications by hand.
	RoleManager = "manager"
	// RoleService is a backend producer of change events and intents.
	RoleService = "service"
)

// ErrMissingClaims is returned for tokens without a subject or tenant.
var ErrMissingClaims = errors.New("token is missing subject or tenant")

// Claims are the bearer token claims. Subject is the recipient the token
// acts for; a shared station uses a group address such as kitchen@<tenant>.
type Claims struct {
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Recipient returns the subject claim.
func (c *Claims) Recipient() string {
	return c.Subject
}

// JWTManager signs and verifies HS256 bearer tokens.
type JWTManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewJWTManager creates a manager from the security config.
func NewJWTManager(cfg *config.SecurityConfig) (*JWTManager, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required but was empty")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &JWTManager{secret: []byte(cfg.JWTSecret), ttl: ttl, now: time.Now}, nil
}

// GenerateToken issues a token for recipient at tenant with role.
func (m *JWTManager) GenerateToken(recipient, tenant, role string) (string, error) {
	return m.GenerateTokenTTL(recipient, tenant, role, m.ttl)
}

// GenerateTokenTTL is GenerateToken with an explicit lifetime.
func (m *JWTManager) GenerateTokenTTL(recipient, tenant, role string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(recipient) == "" || strings.TrimSpace(tenant) == "" {
		return "", ErrMissingClaims
	}
	now := m.now()
	claims := &Claims{
		TenantID: tenant,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   recipient,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature, algorithm and lifetime, and requires
// subject and tenant.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return nil, ErrMissingClaims
	}
	return claims, nil
}
