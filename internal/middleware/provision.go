package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/inkgen/inkgen-api/internal/pkg/logger"
)

// UserEnsurer creates the local user row for an id issued by the auth service.
type UserEnsurer interface {
	Ensure(ctx context.Context, id uuid.UUID, email string) error
}

// EnsureUser provisions the authenticated user before the handler runs.
// Must run after Auth. A failed insert is logged and the request continues.
func EnsureUser(users UserEnsurer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := GetUserID(r.Context())
			if userID != uuid.Nil {
				if err := users.Ensure(r.Context(), userID, GetEmail(r.Context())); err != nil {
					logger.FromContext(r.Context()).Warn().Err(err).
						Str("user_id", userID.String()).
						Msg("Failed to provision user row")
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
