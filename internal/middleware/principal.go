package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/reelcast/backend/internal/apperr"
	"github.com/reelcast/backend/internal/models"
)

type contextKey string

const ctxPrincipalKey contextKey = "principal"

// Resolver turns a raw request into a verified Principal.
type Resolver interface {
	Resolve(r *http.Request) (*models.Principal, error)
}

// Authenticate resolves the caller and stores the Principal in the request
// context. Resolution failures are written as error responses.
func Authenticate(res Resolver, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := res.Resolve(r)
			if err != nil {
				apperr.Write(w, log, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireMode rejects principals authenticated any other way. The programmatic
// /v1 surface requires an API key, so a caller without one is unauthenticated
// even if it carries a session. An API key on the browser surface is forbidden.
func RequireMode(mode models.AuthMode, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromCtx(r.Context())
			if p == nil {
				apperr.Write(w, log, apperr.Unauthenticated("authentication required"))
				return
			}
			if p.AuthMode != mode && mode == models.AuthModeAPIKey {
				apperr.Write(w, log, apperr.Unauthenticated("API key required"))
				return
			}
			if p.AuthMode != mode {
				apperr.Write(w, log, apperr.Forbidden("endpoint requires "+string(mode)+" authentication"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromCtx returns the authenticated principal or nil.
func PrincipalFromCtx(ctx context.Context) *models.Principal {
	p, _ := ctx.Value(ctxPrincipalKey).(*models.Principal)
	return p
}

// WithPrincipal returns a context carrying the given principal.
func WithPrincipal(ctx context.Context, p *models.Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}
