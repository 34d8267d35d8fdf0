package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/duangjit/backend/internal/auth"
)

type contextKey string

const ctxClaimsKey contextKey = "claims"

// TokenValidator is the part of auth.Service the middleware needs.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (auth.Claims, error)
}

// AdminAuth requires a bearer JWT carrying the admin role and stores its
// claims in the request context.
func AdminAuth(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
				return
			}
			claims, err := v.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			if claims.Role != auth.RoleAdmin {
				http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// ClaimsFromCtx returns the authenticated operator, if any.
func ClaimsFromCtx(ctx context.Context) (auth.Claims, bool) {
	c, ok := ctx.Value(ctxClaimsKey).(auth.Claims)
	return c, ok
}

func WithClaims(ctx context.Context, c auth.Claims) context.Context {
	return context.WithValue(ctx, ctxClaimsKey, c)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
