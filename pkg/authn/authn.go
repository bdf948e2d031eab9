// Package authn implements the server's auth boundary: verifying a bearer
// token carried on the turn endpoint into a user id, nothing more. Session
// Config Resolution, authorization, and tenancy all live above this layer.
package authn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = errors.New("authn: missing bearer token")

// ErrInvalidToken is returned when a bearer token fails verification.
var ErrInvalidToken = errors.New("authn: invalid token")

// Verifier resolves a bearer token into a user id. The turn endpoint treats
// any error from Verify as auth-required.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// BearerFromHeader extracts the token from an "Authorization: Bearer ..."
// header value.
func BearerFromHeader(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// JWTVerifier verifies HMAC-signed JWTs and trusts the standard "sub" claim
// as the user id.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier builds a Verifier keyed by secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

type claims struct {
	jwt.RegisteredClaims
}

func (v *JWTVerifier) Verify(ctx context.Context, token string) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrInvalidToken
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("authn: unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", ErrInvalidToken
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	sub := strings.TrimSpace(c.Subject)
	if sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

// Issue signs a token for userID, expiring after ttl (no expiry if ttl<=0).
// Used by operator tooling and tests; the server itself never issues tokens.
func (v *JWTVerifier) Issue(userID string, ttl time.Duration) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrInvalidToken
	}
	now := time.Now()
	rc := jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		rc.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{RegisteredClaims: rc})
	return token.SignedString(v.secret)
}

// StaticVerifier trusts the token verbatim as the user id; used when
// AUTH_JWT_SECRET is unset, i.e. the deployment delegates auth to a fronting
// proxy and only needs a stable tenant identifier.
type StaticVerifier struct{}

func (StaticVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
