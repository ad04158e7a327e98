// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

// Package authgate issues and verifies bearer credentials.
// Verification is a pure function of the header and the shared secret.
package authgate

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// BearerPrefix is the expected Authorization scheme prefix.
	BearerPrefix = "Bearer "
	// MinSecretLength is the minimum HS256 secret size in bytes.
	MinSecretLength = 32

	DefaultLifetime = 24 * time.Hour
	DefaultLeeway   = 30 * time.Second
)

var (
	// ErrUnauthenticated wraps every verification failure.
	ErrUnauthenticated = errors.New("unauthenticated")

	ErrMissingHeader    = errors.New("missing authorization header")
	ErrInvalidScheme    = errors.New("authorization header is not a bearer credential")
	ErrEmptyToken       = errors.New("empty bearer token")
	ErrTokenMalformed   = errors.New("malformed token")
	ErrSignatureInvalid = errors.New("invalid token signature")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenNotYetValid = errors.New("token not valid yet")
	ErrTokenInvalid     = errors.New("invalid token")
	ErrMissingSubject   = errors.New("token has no subject claim")
	ErrSecretTooShort   = fmt.Errorf("signing secret must be at least %d bytes", MinSecretLength)
	ErrEmptySubject     = errors.New("subject is required")
)

// Gate signs and verifies HS256 bearer tokens. The identity travels in the
// registered "sub" claim on both issuance and verification.
type Gate struct {
	now      func() time.Time
	issuer   string
	secret   []byte
	lifetime time.Duration
	leeway   time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithLifetime sets how long issued tokens stay valid.
func WithLifetime(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.lifetime = d
		}
	}
}

// WithLeeway sets the clock skew tolerance.
func WithLeeway(d time.Duration) Option {
	return func(g *Gate) {
		if d >= 0 {
			g.leeway = d
		}
	}
}

// WithIssuer sets the "iss" claim and requires it on verification.
func WithIssuer(iss string) Option {
	return func(g *Gate) {
		g.issuer = strings.TrimSpace(iss)
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a Gate for the shared secret.
func New(secret string, opts ...Option) (*Gate, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}

	g := &Gate{
		secret:   []byte(secret),
		lifetime: DefaultLifetime,
		leeway:   DefaultLeeway,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Lifetime returns the validity period of issued tokens.
func (g *Gate) Lifetime() time.Duration {
	return g.lifetime
}

// Issue signs a token for subject and returns it with its expiry.
func (g *Gate) Issue(subject string) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, ErrEmptySubject
	}

	now := g.now()
	expiresAt := now.Add(g.lifetime)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    g.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(g.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, expiresAt, nil
}

// Authenticate verifies a raw Authorization header value and returns the subject.
// Every failure satisfies errors.Is(err, ErrUnauthenticated).
func (g *Gate) Authenticate(header string) (string, error) {
	raw, err := ParseBearerToken(header)
	if err != nil {
		return "", unauthenticated(err)
	}
	return g.Verify(raw)
}

// Verify checks a bare token string and returns its subject.
func (g *Gate) Verify(raw string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(g.leeway),
		jwt.WithTimeFunc(g.now),
	}
	if g.issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.NewParser(opts...).ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return g.secret, nil
	})
	if err != nil {
		return "", unauthenticated(mapJWTError(err))
	}
	if !token.Valid {
		return "", unauthenticated(ErrTokenInvalid)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", unauthenticated(ErrMissingSubject)
	}
	return claims.Subject, nil
}

// ParseBearerToken extracts the token from an Authorization header value.
func ParseBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingHeader
	}
	scheme, token, _ := strings.Cut(header, " ")
	if scheme+" " != BearerPrefix {
		return "", ErrInvalidScheme
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrEmptyToken
	}
	return token, nil
}

func unauthenticated(cause error) error {
	return fmt.Errorf("%w: %w", ErrUnauthenticated, cause)
}

// mapJWTError translates jwt library errors to gate errors
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %w", ErrTokenMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: %w", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %w", ErrTokenNotYetValid, err)
	default:
		return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
}
