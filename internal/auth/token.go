// Package auth verifies bearer tokens and scopes requests to organizations.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tillpoint/tillpoint/internal/platform/httpx"
)

var (
	ErrMissingToken = fmt.Errorf("auth: missing bearer token: %w", httpx.ErrUnauthorized)
	ErrInvalidToken = fmt.Errorf("auth: invalid token: %w", httpx.ErrUnauthorized)
)

const minSecretLength = 16

// Principal is the authenticated caller.
type Principal struct {
	UserID          int64
	OrganizationIDs []int64
}

// CanAccess reports whether the principal may act within orgID.
func (p Principal) CanAccess(orgID int64) bool {
	return orgID > 0 && slices.Contains(p.OrganizationIDs, orgID)
}

// Claims is the JWT payload.
type Claims struct {
	UserID          int64   `json:"user_id"`
	OrganizationIDs []int64 `json:"org_ids"`
	jwt.RegisteredClaims
}

// Tokens signs and verifies HS256 bearer tokens.
type Tokens struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokens builds a Tokens for the shared secret.
func NewTokens(secret, issuer string) (*Tokens, error) {
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("auth: secret must be at least %d bytes", minSecretLength)
	}
	return &Tokens{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue mints a token valid for ttl.
func (t *Tokens) Issue(p Principal, ttl time.Duration) (string, error) {
	if p.UserID <= 0 {
		return "", errors.New("auth: principal needs a user id")
	}
	now := t.now()
	claims := Claims{
		UserID:          p.UserID,
		OrganizationIDs: p.OrganizationIDs,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   fmt.Sprintf("user:%d", p.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// Parse verifies raw and returns its principal.
func (t *Tokens) Parse(raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	}
	if t.issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.issuer))
	}
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	}, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID <= 0 {
		return Principal{}, fmt.Errorf("%w: no user", ErrInvalidToken)
	}
	return Principal{UserID: claims.UserID, OrganizationIDs: claims.OrganizationIDs}, nil
}
