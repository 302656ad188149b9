package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/precheck/monitor/internal/api/models"
	"github.com/precheck/monitor/internal/auth"
)

type subjectKey struct{}

// RequireScope admits requests whose bearer token is valid and grants scope.
// A nil service disables the check, which is how unauthenticated local
// deployments run.
func RequireScope(jwtService *auth.JWTService, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if jwtService == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, detail := bearerToken(r.Header.Get("Authorization"))
			if token == "" {
				writeUnauthorized(w, r, detail)
				return
			}

			claims, err := jwtService.Authorize(token, scope)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrMissingScope):
					writeForbidden(w, r, "token does not grant "+scope)
				case errors.Is(err, auth.ErrAccessTokenExpired):
					writeUnauthorized(w, r, "access token has expired")
				default:
					writeUnauthorized(w, r, "invalid access token")
				}
				return
			}

			ctx := context.WithValue(r.Context(), subjectKey{}, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken extracts the token from an Authorization header value. On
// failure it returns "" and the reason.
func bearerToken(header string) (string, string) {
	if header == "" {
		return "", "missing authorization header"
	}
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "invalid authorization header format"
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", "missing bearer token"
	}
	return token, ""
}

// writeUnauthorized is local to avoid an import cycle with the response package.
func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	problem := models.NewUnauthorized(GetRequestID(r.Context()), detail)
	problem.Instance = r.URL.Path
	w.Header().Set("WWW-Authenticate", `Bearer realm="precheck"`)
	problem.Write(w)
}

func writeForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	problem := models.NewForbidden(GetRequestID(r.Context()), detail)
	problem.Instance = r.URL.Path
	problem.Write(w)
}

// GetSubject returns the authenticated token subject, or "".
func GetSubject(ctx context.Context) string {
	if sub, ok := ctx.Value(subjectKey{}).(string); ok {
		return sub
	}
	return ""
}
