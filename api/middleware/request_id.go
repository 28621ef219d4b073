package middleware

import (
	"context"
	"net/http"
	"regexp"

	"github.com/oklog/ulid/v2"

	"github.com/angelmondragon/sitecrew-backend/pkg/logger"
)

const requestIDHeader = "X-Request-Id"

// Caller-supplied ids are kept only when they look like an id; anything else
// is replaced so logs cannot be polluted through the header.
var requestIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{8,128}$`)

// RequestID adopts the caller's X-Request-Id or mints a ULID, echoes it on
// the response, and stores it on the request and log contexts.
func RequestID(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if !requestIDPattern.MatchString(id) {
				id = ulid.Make().String()
			}
			w.Header().Set(requestIDHeader, id)

			ctx := context.WithValue(r.Context(), ctxRequestID, id)
			if logg != nil {
				ctx = logg.WithRequestID(ctx, id)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDFromContext returns the id RequestID assigned, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxRequestID).(string)
	return id
}
