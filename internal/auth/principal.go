package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"termshare/internal/authz"
)

var ErrInvalidToken = errors.New("invalid token")

// Principal is the authenticated identity attached to a connection.
// It is immutable for the connection's lifetime.
type Principal struct {
	UserID string
	Name   string
	Role   authz.Role
	Avatar string
}

// Claims is the JWT payload carried by handshake and REST bearer tokens.
type Claims struct {
	Name   string `json:"name"`
	Role   string `json:"role"`
	Avatar string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens into Principals and mints tokens
// on invite redemption.
type Verifier struct {
	secret   []byte
	tokenTTL time.Duration
}

func NewVerifier(secret string, tokenTTL time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), tokenTTL: tokenTTL}
}

// Issue signs a token for the given principal.
func (v *Verifier) Issue(p Principal) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name:   p.Name,
		Role:   p.Role.String(),
		Avatar: p.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID,
			Issuer:    "termshare",
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.tokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}

// Verify parses and validates a token and returns the embedded principal.
func (v *Verifier) Verify(tokenString string) (Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return Principal{}, ErrInvalidToken
	}
	role, err := authz.ParseRole(claims.Role)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Principal{
		UserID: claims.Subject,
		Name:   claims.Name,
		Role:   role,
		Avatar: claims.Avatar,
	}, nil
}

// FromRequest extracts the bearer token from the Authorization header or,
// for WebSocket handshakes where headers are awkward for browsers, from the
// token query parameter.
func (v *Verifier) FromRequest(r *http.Request) (Principal, error) {
	token := r.URL.Query().Get("token")
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return Principal{}, fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
		}
		token = parts[1]
	}
	if token == "" {
		return Principal{}, fmt.Errorf("%w: no credentials", ErrInvalidToken)
	}
	return v.Verify(token)
}
