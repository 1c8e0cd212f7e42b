// Package auth issues and validates the bearer tokens replicas present
// when dialing the sync endpoint.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Common errors for token operations.
var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrExpiredToken        = errors.New("token has expired")
	ErrInvalidSecretLength = errors.New("token secret must be at least 32 characters")
)

// Config holds token signing settings.
type Config struct {
	// Secret is the HMAC signing key. Must be at least 32 characters.
	Secret string `mapstructure:"secret" validate:"omitempty,min=32" yaml:"secret,omitempty"`

	// Issuer is the token issuer claim. Default: "driftsync"
	Issuer string `mapstructure:"issuer" yaml:"issuer"`

	// TokenDuration is the token lifetime. Replica tokens are
	// long-lived and rotated by file watch on the client. Default: 30 days.
	TokenDuration time.Duration `mapstructure:"token_duration" yaml:"token_duration"`
}

// Claims are the replica token claims.
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"clientId"`
}

// Service signs and validates replica tokens.
type Service struct {
	config Config
}

// NewService creates a token service.
func NewService(config Config) (*Service, error) {
	if len(config.Secret) < 32 {
		return nil, ErrInvalidSecretLength
	}
	if config.Issuer == "" {
		config.Issuer = "driftsync"
	}
	if config.TokenDuration == 0 {
		config.TokenDuration = 30 * 24 * time.Hour
	}
	return &Service{config: config}, nil
}

// IssueToken signs a token for one replica.
func (s *Service) IssueToken(clientID string) (string, time.Time, error) {
	if clientID == "" {
		return "", time.Time{}, errors.New("client id must not be empty")
	}

	now := time.Now()
	expiresAt := now.Add(s.config.TokenDuration)
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ClientID: clientID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Validate parses and verifies a token, returning its claims.
func (s *Service) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ClientID == "" {
		return nil, fmt.Errorf("%w: missing clientId claim", ErrInvalidToken)
	}
	return claims, nil
}
