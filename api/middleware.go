package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/warp/progress-engine/core"
)

// IdentityResolver maps a bearer token to the acting user.
type IdentityResolver interface {
	ResolveSession(ctx context.Context, token string, now time.Time) (core.UserID, error)
}

type contextKey string

const userContextKey = contextKey("user")

// Authenticate resolves "Authorization: Bearer <token>" into the acting
// user. A request without the header continues anonymously; handlers that
// need an identity reject it with 401. A header that doesn't resolve is
// rejected here.
func Authenticate(ids IdentityResolver, clock core.Clock) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				writeError(w, http.StatusUnauthorized, "Malformed authorization header", nil)
				return
			}

			user, err := ids.ResolveSession(r.Context(), strings.TrimSpace(token), clock.Now())
			if err != nil {
				writeDomainError(w, "Invalid session", err)
				return
			}

			ctx := context.WithValue(r.Context(), userContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserFrom returns the acting user, or "" for anonymous requests.
func UserFrom(ctx context.Context) core.UserID {
	user, _ := ctx.Value(userContextKey).(core.UserID)
	return user
}
