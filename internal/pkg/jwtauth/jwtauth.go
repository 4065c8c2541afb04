// Package jwtauth validates HS256 access tokens issued for the admin API.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/tutordesk/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

// Token errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptySecret  = errors.New("jwt secret is required")
)

// Config contains token settings.
type Config struct {
	SecretKey string
	Issuer    string
}

// Claims are the claims carried by an access token.
type Claims struct {
	Role domain.Role `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator issues and validates tokens.
type Authenticator struct {
	secret []byte
	issuer string
	parser *jwt.Parser
	now    func() time.Time
}

// New creates a new authenticator.
func New(cfg Config) (*Authenticator, error) {
	if cfg.SecretKey == "" {
		return nil, ErrEmptySecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}

	return &Authenticator{
		secret: []byte(cfg.SecretKey),
		issuer: cfg.Issuer,
		parser: jwt.NewParser(opts...),
		now:    time.Now,
	}, nil
}

// Issue returns a signed token for userID valid for ttl.
func (a *Authenticator) Issue(userID string, role domain.Role, ttl time.Duration) (string, error) {
	now := a.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken implements httputil.TokenValidator.
func (a *Authenticator) ValidateToken(_ context.Context, token string) (string, domain.Role, error) {
	var claims Claims
	_, err := a.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject == "" {
		return "", "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if claims.Role != domain.RoleTutor && claims.Role != domain.RoleAdmin {
		return "", "", fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	return claims.Subject, claims.Role, nil
}
