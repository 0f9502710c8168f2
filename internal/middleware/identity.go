package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/inaiurai/escrow/internal/auth"
)

type contextKey string

const ctxIdentityKey contextKey = "identity"

// TokenValidator is the part of auth.Service the identity middleware needs.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (auth.Identity, error)
}

// RequireIdentity authenticates requests by validating the Bearer JWT and
// stores the caller identity in the request context. Missing or invalid
// tokens get 401.
func RequireIdentity(v TokenValidator) func(http.Handler) http.Handler {
	return identity(v, true)
}

// OptionalIdentity attaches the caller identity when a Bearer token is present.
// Requests without one pass through anonymously; a present but invalid token
// still gets 401.
func OptionalIdentity(v TokenValidator) func(http.Handler) http.Handler {
	return identity(v, false)
}

func identity(v TokenValidator, required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, present := extractBearer(r)
			if !present {
				if required {
					http.Error(w, `{"error":"missing or malformed Authorization header"}`, http.StatusUnauthorized)
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			id, err := v.ValidateToken(r.Context(), raw)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// IdentityFromCtx returns the authenticated caller, if any.
func IdentityFromCtx(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(ctxIdentityKey).(auth.Identity)
	return id, ok && !id.Address.IsZero()
}

// WithIdentity returns a context carrying the given identity.
func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, ctxIdentityKey, id)
}

// IdentityFromRequest adapts IdentityFromCtx for handlers that take a request.
func IdentityFromRequest(r *http.Request) (auth.Identity, bool) {
	return IdentityFromCtx(r.Context())
}

// extractBearer reports the token and whether an Authorization header was sent
// at all. A malformed header counts as present with an empty token.
func extractBearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:]), true
	}
	return "", true
}
