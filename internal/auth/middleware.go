package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
)

type ctxKey string

const (
	ctxKeyClaims ctxKey = "claims"
)

func FromContext(ctx context.Context) (*Claims, bool) {
	cl, ok := ctx.Value(ctxKeyClaims).(*Claims)
	return cl, ok
}

// WithClaims stores claims on ctx.
func WithClaims(ctx context.Context, cl *Claims) context.Context {
	return context.WithValue(ctx, ctxKeyClaims, cl)
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"statusCode": status, "message": msg})
}

func JWTMiddleware(secret, issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get("Authorization")
			if raw == "" {
				deny(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			cl, err := ParseToken(secret, issuer, raw)
			if err != nil {
				slog.Warn("jwt parse failed", "error", err)
				deny(w, http.StatusUnauthorized, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), cl)))
		})
	}
}

func RequirePerm(required string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cl, ok := FromContext(r.Context())
			if !ok {
				deny(w, http.StatusUnauthorized, "no auth context")
				return
			}
			if !HasPerm(cl.Roles, required) {
				deny(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
