package auth

import (
	"context"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/YSAWORK/events-api/config"
	"github.com/YSAWORK/events-api/internal/cache"
)

// verification leeway absorbs clock skew between issuer and verifier
const clockLeeway = 30 * time.Second

// ErrInvalidToken is returned for any token that fails verification
var ErrInvalidToken = errors.New("could not validate credentials")

// RevocationStore holds short-lived revocation markers for issued tokens
type RevocationStore interface {
	SetFlag(ctx context.Context, key string, expiration time.Duration) error
	HasFlag(ctx context.Context, key string) (bool, error)
}

// TokenService issues and verifies HS256 access tokens
type TokenService struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	revoked  RevocationStore
}

// NewTokenService creates a new token service
func NewTokenService(cfg config.AuthConfig, revoked RevocationStore) *TokenService {
	return &TokenService{
		secret:   []byte(cfg.AccessSecret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      cfg.AccessTTL,
		revoked:  revoked,
	}
}

// Issue creates a signed access token for a user id
func (s *TokenService) Issue(userID int64) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign access token")
	}
	return signed, nil
}

// Verify parses a token, checks its signature, registered claims and the
// revocation list, and returns the user id it was issued for.
func (s *TokenService) Verify(ctx context.Context, tokenString string) (int64, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithLeeway(clockLeeway),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
	)
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}

	if claims.ID != "" && s.revoked != nil {
		revoked, err := s.revoked.HasFlag(ctx, cache.RevokedTokenKey(claims.ID))
		if err != nil {
			return 0, errors.Wrap(err, "failed to check token revocation")
		}
		if revoked {
			return 0, ErrInvalidToken
		}
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return userID, nil
}

// Revoke places a token on the revocation list until it would have expired
func (s *TokenService) Revoke(ctx context.Context, tokenString string) error {
	var claims jwt.RegisteredClaims
	if _, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithLeeway(clockLeeway)); err != nil {
		return ErrInvalidToken
	}
	if claims.ID == "" || s.revoked == nil {
		return nil
	}

	ttl := s.ttl
	if claims.ExpiresAt != nil {
		if remaining := time.Until(claims.ExpiresAt.Time); remaining > 0 {
			ttl = remaining
		}
	}
	return s.revoked.SetFlag(ctx, cache.RevokedTokenKey(claims.ID), ttl)
}
