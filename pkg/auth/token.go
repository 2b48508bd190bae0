package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relieflane/caseledger/pkg/ledger"
)

const issuer = "caseledger/identity"

// Claims is the JWT claim set carried by service tokens.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Kind     string   `json:"kind"`
	Roles    []string `json:"roles,omitempty"`
}

// TokenManager issues and validates HS256 service tokens.
type TokenManager struct {
	secret []byte
}

// NewTokenManager builds a token manager over a shared secret.
func NewTokenManager(secret []byte) *TokenManager {
	return &TokenManager{secret: secret}
}

// Issue creates a signed token for a principal.
func (tm *TokenManager) Issue(p Principal, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: p.TenantID,
		Kind:     string(p.Kind),
		Roles:    p.Roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
}

// Validate parses a token string into the principal it asserts.
func (tm *TokenManager) Validate(tokenString string) (Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tm.secret, nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return Principal{}, fmt.Errorf("auth: parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, jwt.ErrTokenSignatureInvalid
	}

	kind := ledger.ActorKind(claims.Kind)
	if kind != ledger.ActorHuman && kind != ledger.ActorSystem {
		return Principal{}, fmt.Errorf("auth: unknown actor kind %q", claims.Kind)
	}

	return Principal{
		ID:       claims.Subject,
		TenantID: claims.TenantID,
		Kind:     kind,
		Roles:    claims.Roles,
	}, nil
}
