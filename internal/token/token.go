// Package token issues and verifies the signed collaboration tokens
// clients present when opening a document session. A token is a
// capability hint: it carries the access level computed at issuance,
// but the session manager re-checks live access at connect time.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"coscribe/api/internal/access"
	"coscribe/api/internal/util"
)

const DefaultTTL = 24 * time.Hour

var ErrInvalidToken = errors.New("invalid token")

// Identity is the authenticated subject carried by a verified token.
type Identity struct {
	UserID string
	Email  string
	Name   string
}

// Claims is the JWT payload for a collaboration token.
type Claims struct {
	Email       string `json:"email,omitempty"`
	Name        string `json:"name,omitempty"`
	DocumentID  string `json:"documentId"`
	AccessLevel string `json:"accessLevel"`
	jwt.RegisteredClaims
}

// RevocationStore checks whether a token id has been revoked. A nil
// store disables revocation checks.
type RevocationStore interface {
	IsRevoked(ctx context.Context, jti string) (bool, error)
	Revoke(ctx context.Context, jti string, expiresAt time.Time) error
}

type Service struct {
	secret  []byte
	ttl     time.Duration
	revoked RevocationStore
	log     zerolog.Logger
}

// NewService builds a token service. An empty secret is a startup
// misconfiguration, not a per-request condition, so it fails here.
func NewService(secret string, ttl time.Duration, revoked RevocationStore, log zerolog.Logger) (*Service, error) {
	if secret == "" {
		return nil, errors.New("token: signing secret is not configured")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{secret: []byte(secret), ttl: ttl, revoked: revoked, log: log}, nil
}

// Issue mints a token for identity scoped to documentID, embedding the
// access level the caller computed for it.
func (s *Service) Issue(identity Identity, documentID string, level access.Level) (string, error) {
	now := time.Now()
	claims := Claims{
		Email:       identity.Email,
		Name:        identity.Name,
		DocumentID:  documentID,
		AccessLevel: string(level),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			ID:        util.NewID("ct"),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token. Expired and malformed tokens
// are logged distinctly but both surface as ErrInvalidToken so the
// failure mode is not observable to the caller.
func (s *Service) Verify(ctx context.Context, raw string) (Identity, Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			s.log.Debug().Str("reason", "expired").Msg("token rejected")
		} else {
			s.log.Debug().Str("reason", "malformed").Err(err).Msg("token rejected")
		}
		return Identity{}, Claims{}, ErrInvalidToken
	}
	// An empty subject is a legitimate anonymous token; the access
	// decision treats it as an unauthenticated request. The document
	// scope is the one claim every token must carry.
	if claims.DocumentID == "" {
		s.log.Debug().Str("reason", "missing document claim").Msg("token rejected")
		return Identity{}, Claims{}, ErrInvalidToken
	}

	if s.revoked != nil && claims.ID != "" {
		revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Identity{}, Claims{}, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			s.log.Debug().Str("reason", "revoked").Str("jti", claims.ID).Msg("token rejected")
			return Identity{}, Claims{}, ErrInvalidToken
		}
	}

	identity := Identity{UserID: claims.Subject, Email: claims.Email, Name: claims.Name}
	return identity, claims, nil
}

// Revoke denylists a token's id until its natural expiry. A service
// without a revocation store treats this as a no-op.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	identity, claims, err := s.Verify(ctx, raw)
	if err != nil {
		return err
	}
	if s.revoked == nil {
		s.log.Warn().Str("user", identity.UserID).Msg("revocation requested but no revocation store configured")
		return nil
	}
	exp := time.Now().Add(s.ttl)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	return s.revoked.Revoke(ctx, claims.ID, exp)
}

// TTL reports the configured token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}
