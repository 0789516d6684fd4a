// ABOUTME: Bearer-token auth for the sync server.
// ABOUTME: HS256 JWTs carry the user id; every data route requires one.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var errInvalidToken = errors.New("invalid or expired token")

type ctxUserIDKey struct{}

type authClaims struct {
	jwt.RegisteredClaims
}

// mintToken issues a signed token for userID. The dev token endpoint and
// tests use this; production deployments front the server with a real
// identity provider that signs with the same secret.
func mintToken(userID, secret string, expiry time.Duration) (string, error) {
	now := time.Now()
	claims := authClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "whisperd",
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func validateToken(tokenString, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &authClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errInvalidToken
		}
		return []byte(secret), nil
	}, jwt.WithIssuer("whisperd"))
	if err != nil {
		return "", errInvalidToken
	}
	claims, ok := token.Claims.(*authClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", errInvalidToken
	}
	return claims.Subject, nil
}

// withAuth validates the Authorization header and stores the user id on the
// request context.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		raw, found := strings.CutPrefix(h, "Bearer ")
		if !found || strings.TrimSpace(raw) == "" {
			fail(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, err := validateToken(strings.TrimSpace(raw), s.secret)
		if err != nil {
			fail(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserIDKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxUserIDKey{}).(string)
	return id
}

// handleDevToken mints a token for any user id. Registered only with -dev.
func (s *Server) handleDevToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		fail(w, http.StatusBadRequest, "invalid json")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		fail(w, http.StatusBadRequest, "user_id required")
		return
	}
	token, err := mintToken(req.UserID, s.secret, 12*time.Hour)
	if err != nil {
		fail(w, http.StatusInternalServerError, "token error")
		return
	}
	ok(w, map[string]any{"token": token})
}
