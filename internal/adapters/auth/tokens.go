// Package auth issues and verifies the HS256 access tokens used by the HTTP
// surface and the signaling relay.
package auth

import (
	"strings"
	"time"

	"github.com/dkeye/Teleroom/internal/core"
	"github.com/dkeye/Teleroom/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "teleroom"

type Claims struct {
	SessionID string `json:"sid,omitempty"`
	Role      string `json:"role,omitempty"`
	Scope     string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (t *Tokens) Issue(c core.TokenClaims) (string, error) {
	now := t.now()
	exp := c.ExpiresAt
	if exp.IsZero() {
		exp = now.Add(t.ttl)
	}
	claims := Claims{
		SessionID: string(c.SessionID),
		Role:      string(c.Role),
		Scope:     string(c.Scope),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(c.UserID),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

func (t *Tokens) Verify(raw string) (core.TokenClaims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return core.TokenClaims{}, domain.Wrap(domain.KindUnauthorized, err, "invalid token")
	}
	uid, err := domain.ParseUserID(claims.Subject)
	if err != nil {
		return core.TokenClaims{}, domain.Wrap(domain.KindUnauthorized, err, "invalid subject")
	}
	out := core.TokenClaims{
		UserID:    uid,
		SessionID: domain.SessionID(claims.SessionID),
		Role:      domain.Role(claims.Role),
		Scope:     core.TokenScope(claims.Scope),
	}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

// VerifyBearer accepts an Authorization header value or a bare token.
func (t *Tokens) VerifyBearer(header string) (core.TokenClaims, error) {
	raw := strings.TrimSpace(header)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return core.TokenClaims{}, domain.E(domain.KindUnauthorized, "missing bearer token")
	}
	return t.Verify(raw)
}
