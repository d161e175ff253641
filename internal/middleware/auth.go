package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/dukerupert/tally/internal/domain"
)

// UserIDHeader carries the signed-in user id set by the trusted front shim.
const UserIDHeader = "X-User-ID"

// WithUser resolves the X-User-ID header against the user directory and adds
// the user to the request context. A missing header continues as a guest;
// a malformed header or unknown user is rejected.
func WithUser(users domain.UserDirectory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(UserIDHeader))
			if raw == "" {
				next.ServeHTTP(w, r)
				return
			}

			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				respondBadRequest(w, r, "Invalid user id")
				return
			}

			user, err := users.GetUser(r.Context(), id)
			if err != nil {
				if domain.IsCode(err, domain.ENOTFOUND) {
					respondUnauthorized(w, r)
					return
				}
				respondInternalError(w, r, err)
				return
			}

			ctx := domain.NewContextWithUser(r.Context(), user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects requests without a signed-in user with 401.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUserFromContext(r.Context()) == nil {
			respondUnauthorized(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetUserFromContext retrieves the user from the request context
// Returns nil if no user is signed in
func GetUserFromContext(ctx context.Context) *domain.User {
	return domain.UserFromContext(ctx)
}
