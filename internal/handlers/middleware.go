package handlers

import (
	"context"
	"net/http"
	"strings"

	"crm_wa/internal/services"

	"github.com/pkg/errors"
)

type contextKey int

const claimsKey contextKey = iota

// CORS allows browser clients from any origin and answers preflight
// requests directly.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, ngrok-skip-browser-warning")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireToken rejects requests without a valid bearer token and stores the
// token claims in the request context.
func RequireToken(auth *services.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := claimsFromHeader(auth, r.Header.Get("Authorization"))
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
		})
	}
}

func claimsFromHeader(auth *services.AuthService, header string) (*services.JWTClaims, error) {
	if header == "" {
		return nil, errors.New("authorization header required")
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == header {
		return nil, errors.New("invalid authorization header format")
	}
	claims, err := auth.ValidateToken(token)
	if err != nil {
		return nil, errors.Wrap(err, "invalid token")
	}
	return claims, nil
}

// tenantFrom returns the tenant claim of the request; 0 selects the default
// tenant.
func tenantFrom(r *http.Request) uint {
	if claims, ok := r.Context().Value(claimsKey).(*services.JWTClaims); ok {
		return claims.TenantID
	}
	return 0
}
