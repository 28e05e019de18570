// Package auth extracts the authenticated owner id from inbound requests.
// Credential issuance lives in the identity layer; this subsystem only
// verifies the bearer token signature and trusts the subject claim.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey struct{}

// ErrNoOwner is returned when a request context carries no authenticated owner.
var ErrNoOwner = errors.New("no authenticated owner in context")

// OwnerFromContext returns the authenticated owner id set by Middleware.
func OwnerFromContext(ctx context.Context) (string, error) {
	owner, ok := ctx.Value(contextKey{}).(string)
	if !ok || owner == "" {
		return "", ErrNoOwner
	}
	return owner, nil
}

// WithOwner returns a context carrying the owner id. Exposed for tests.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, contextKey{}, ownerID)
}

// Middleware verifies the Authorization bearer token with the shared HMAC
// secret and stores the subject claim as the owner id. Requests without a
// valid token get 401.
func Middleware(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if raw == "" || raw == r.Header.Get("Authorization") {
				unauthorized(w, "missing bearer token")
				return
			}

			claims := jwt.RegisteredClaims{}
			token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid || claims.Subject == "" {
				unauthorized(w, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), claims.Subject)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
