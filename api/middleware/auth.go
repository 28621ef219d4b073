package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/angelmondragon/sitecrew-backend/api/responses"
	pkgAuth "github.com/angelmondragon/sitecrew-backend/pkg/auth"
	"github.com/angelmondragon/sitecrew-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/sitecrew-backend/pkg/errors"
	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

var errMissingCredentials = pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials")

// bearer extracts the token from an "Authorization: Bearer <token>" header.
func bearer(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Auth verifies the bearer token and stores the caller on the request
// context. Organization roles are checked per operation against
// memberships, not taken from the token.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearer(r)
			if !ok {
				responses.WriteError(r.Context(), logg, w, errMissingCredentials)
				return
			}
			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			userID := claims.UserID.String()
			ctx := context.WithValue(r.Context(), ctxUserID, userID)
			ctx = context.WithValue(ctx, ctxRole, string(claims.Role))
			if logg != nil {
				ctx = logg.WithUserID(ctx, userID)
			}
			if org := claims.ActiveOrganizationID; org != nil {
				ctx = context.WithValue(ctx, ctxOrganizationID, org.String())
				if logg != nil {
					ctx = logg.WithOrganizationID(ctx, org.String())
				}
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
