package middleware

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"trend-reversal/backend/internal/account/domain"
	"trend-reversal/backend/internal/apperr"
	"trend-reversal/backend/internal/security"
	"trend-reversal/backend/internal/server/respond"
)

const bearerPrefix = "bearer "

// AccessValidator validates access tokens.
type AccessValidator interface {
	ValidateAccess(token string) (*security.Claims, error)
}

// SessionLookup loads the account a token names so its live session can be compared.
type SessionLookup interface {
	Account(ctx context.Context, id string) (*domain.Account, error)
}

// RequireAuth validates the Bearer access token and checks that its session id is still the
// account's current session, so tokens stop working after logout or a newer sign-in.
func RequireAuth(tokens AccessValidator, sessions SessionLookup, log *zap.Logger) func(http.Handler) http.Handler {
	unauthorized := apperr.Unauthenticated("missing or invalid authorization")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearer(r.Header.Get("Authorization"))
			if token == "" {
				respond.Error(w, log, unauthorized)
				return
			}
			claims, err := tokens.ValidateAccess(token)
			if err != nil {
				respond.Error(w, log, unauthorized)
				return
			}
			acct, err := sessions.Account(r.Context(), claims.Subject)
			if err != nil {
				if apperr.Is(err, apperr.KindNotFound) {
					respond.Error(w, log, unauthorized)
					return
				}
				respond.Error(w, log, err)
				return
			}
			if claims.SessionID == "" || acct.CurrentSessionID != claims.SessionID {
				respond.Error(w, log, apperr.Unauthenticated("session expired"))
				return
			}
			ctx := WithIdentity(r.Context(), Identity{
				AccountID: acct.ID,
				SessionID: claims.SessionID,
				Roles:     domain.RoleNames(acct.Roles),
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// extractBearer returns the token from an Authorization header value, or "" if missing or malformed.
func extractBearer(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
