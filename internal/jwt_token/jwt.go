// Package jwttoken issues and validates the short-lived service tokens the
// pipeline presents to the credentials service.
package jwttoken

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "accredit/pkg/domain-errors"
)

const defaultAudience = "credentials"

// Claims identifies the service user the pipeline acts as.
type Claims struct {
	Username      string `json:"preferred_username"`
	Administrator bool   `json:"administrator"`
	jwt.RegisteredClaims
}

type ServiceTokens struct {
	signingKey []byte
	issuer     string
	audience   string
	username   string
	ttl        time.Duration
	now        func() time.Time
}

type Option func(*ServiceTokens)

func WithAudience(aud string) Option {
	return func(s *ServiceTokens) {
		if aud != "" {
			s.audience = aud
		}
	}
}

func WithTTL(d time.Duration) Option {
	return func(s *ServiceTokens) {
		if d > 0 {
			s.ttl = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *ServiceTokens) { s.now = now }
}

func NewServiceTokens(signingKey, issuer, username string, opts ...Option) (*ServiceTokens, error) {
	if signingKey == "" {
		return nil, errors.New("jwt signing key is required")
	}
	s := &ServiceTokens{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   defaultAudience,
		username:   username,
		ttl:        5 * time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a fresh HS256 token for the service user.
func (s *ServiceTokens) Issue() (string, error) {
	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Username:      s.username,
		Administrator: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.username,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Audience:  []string{s.audience},
			ID:        uuid.NewString(),
		},
	})
	return token.SignedString(s.signingKey)
}

// Validate parses a token signed with the same key. Used by the receiving
// side in tests and by local stubs of the credentials service.
func (s *ServiceTokens) Validate(tokenString string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token")
	}
	return claims, nil
}
