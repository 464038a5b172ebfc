package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/datify-sh/datify/internal/api"
)

// jwtClaims is the subset of a bearer token's claims datifyd trusts; the
// issuing JWT subsystem (refresh, revocation) lives outside this repo per
// spec.md's named-collaborator boundary.
type jwtClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// jwtAuthenticator is the concrete api.Authenticator the daemon wires at
// startup: it only verifies a bearer token's signature and claims against
// JWT_SECRET, leaving issuance to the external auth subsystem.
type jwtAuthenticator struct {
	secret []byte
}

func newJWTAuthenticator(secret string) *jwtAuthenticator {
	return &jwtAuthenticator{secret: []byte(secret)}
}

func (a *jwtAuthenticator) Authenticate(r *http.Request) (*api.Principal, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, fmt.Errorf("missing bearer token")
	}
	raw := strings.TrimPrefix(header, "Bearer ")

	claims := &jwtClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token missing user_id claim")
	}

	return &api.Principal{UserID: claims.UserID, Role: claims.Role}, nil
}
