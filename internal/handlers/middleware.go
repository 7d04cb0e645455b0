package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/prudhvinik1/offlinecore/internal/services"
)

type contextKey string

const claimsKey contextKey = "token_claims"

// TokenVerifier checks bearer tokens presented to the local API.
type TokenVerifier interface {
	VerifyToken(tokenString string) (*services.TokenClaims, error)
}

// RequireAuth rejects requests without a valid "Authorization: Bearer" token
// and stores the verified claims in the request context.
func RequireAuth(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}

			claims, err := verifier.VerifyToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func ClaimsFromContext(ctx context.Context) (*services.TokenClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*services.TokenClaims)
	return claims, ok
}
