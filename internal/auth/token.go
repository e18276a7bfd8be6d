// Package auth validates bearer tokens for authenticated viewers. Token
// issuance and session management live elsewhere; this only reads claims.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Claims holds JWT token claims.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// TokenParser validates HMAC-signed bearer tokens.
type TokenParser struct {
	secret []byte
}

// NewTokenParser creates a parser. An empty secret disables token auth.
func NewTokenParser(secret string) *TokenParser {
	return &TokenParser{secret: []byte(secret)}
}

// IdentityFromRequest extracts the viewer identity from a bearer token, if
// one is present and valid. Returns "" when the request carries no usable
// token; callers fall back to the query-string identity.
func (p *TokenParser) IdentityFromRequest(r *http.Request) string {
	if len(p.secret) == 0 {
		return ""
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}

	claims, err := p.parse(strings.TrimPrefix(header, "Bearer "))
	if err != nil {
		return ""
	}
	return claims.UserID
}

func (p *TokenParser) parse(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
