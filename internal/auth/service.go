// Package auth adapts bearer JWTs into caller identities. Sign-in flows live outside
// this service; it only verifies tokens and, for the admin, issues service tokens
// to oracle and verifier callback systems.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/inaiurai/escrow/internal/models"
)

var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated caller. Role is informational; the escrow core
// checks roles against its own role sets.
type Identity struct {
	Address models.Address `json:"address"`
	Role    string         `json:"role,omitempty"`
}

type Service interface {
	// IssueToken signs a token for addr and returns it with the exp claim it carries.
	IssueToken(addr models.Address, role string, ttl time.Duration) (string, time.Time, error)
	ValidateToken(ctx context.Context, token string) (Identity, error)
}

type service struct {
	secret []byte
	issuer string
	now    func() time.Time
}

func NewService(secret, issuer string) *service {
	return &service{secret: []byte(secret), issuer: issuer, now: time.Now}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

func (s *service) IssueToken(addr models.Address, role string, ttl time.Duration) (string, time.Time, error) {
	if addr.IsZero() {
		return "", time.Time{}, errors.New("address is required")
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(addr),
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, c.ExpiresAt.Time.UTC(), nil
}

func (s *service) ValidateToken(_ context.Context, token string) (Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, errors.Join(ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return Identity{}, ErrInvalidToken
	}
	addr := models.NormalizeAddress(c.Subject)
	if addr.IsZero() {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Address: addr, Role: c.Role}, nil
}
