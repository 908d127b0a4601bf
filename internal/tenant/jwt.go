package tenant

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atelier-ai/atelier/internal/common/apperr"
)

// TokenService signs and verifies HS256 bearer tokens.
// The subject claim carries the user identifier.
type TokenService struct {
	secret    []byte
	clockSkew time.Duration
}

// NewTokenService builds a token helper with the given secret and allowed clock skew.
func NewTokenService(secret string, clockSkew time.Duration) *TokenService {
	return &TokenService{secret: []byte(secret), clockSkew: clockSkew}
}

// Claims is the token payload. Only the registered subject and expiry are
// required; email is carried for convenience.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Mint issues a signed token for the given user id. An expiry of zero or
// less produces a token without an exp claim; intended for development only.
func (s *TokenService) Mint(userID, email string, expiry time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", apperr.New(apperr.KindInternal, "token secret not configured")
	}
	if strings.TrimSpace(userID) == "" {
		return "", apperr.New(apperr.KindValidation, "user id required")
	}

	claims := Claims{
		Email: strings.TrimSpace(email),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
		},
	}
	if expiry <= 0 {
		claims.ExpiresAt = nil
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token and returns the tenant scope it grants.
func (s *TokenService) Verify(token string) (Scope, error) {
	if len(s.secret) == 0 {
		return Scope{}, apperr.New(apperr.KindInternal, "token secret not configured")
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithLeeway(s.clockSkew))
	if err != nil {
		return Scope{}, apperr.Wrap(apperr.KindUnauthorized, err, "invalid token")
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Scope{}, apperr.New(apperr.KindUnauthorized, "invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Scope{}, apperr.New(apperr.KindUnauthorized, "token missing subject")
	}
	return Scope{UserID: claims.Subject}, nil
}
