// Package router assembles the HTTP surface: the API-key /v1 render API, the
// session /api/v1 browser API, the render webhook and operational endpoints.
package router

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/reelcast/backend/internal/apperr"
	"github.com/reelcast/backend/internal/auth"
	"github.com/reelcast/backend/internal/credentials"
	"github.com/reelcast/backend/internal/jobs"
	"github.com/reelcast/backend/internal/usage"
)

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Pinger reports database reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps carries everything New wires together.
type Deps struct {
	Auth        *auth.Handler
	Account     http.Handler
	Credentials *credentials.Handler
	Jobs        *jobs.Handler
	Usage       *usage.Handler
	Templates   http.Handler
	Webhook     http.Handler
	DB          Pinger

	// RateLimit wraps every route.
	RateLimit Middleware
	// APIKey authenticates /v1 callers and meters their calls.
	APIKey []Middleware
	// Session authenticates /api/v1 account management callers.
	Session []Middleware
}

// New returns the root handler.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", health(d.DB))
	mux.Handle("GET /metrics", promhttp.Handler())

	// Signed by the renderer, not by a caller credential.
	mux.Handle("POST /v1/webhooks/render", d.Webhook)

	v1 := func(h http.HandlerFunc) http.Handler { return chain(h, d.APIKey...) }
	mux.Handle("POST /v1/render", v1(d.Jobs.Create))
	mux.Handle("GET /v1/render", v1(d.Jobs.List))
	mux.Handle("GET /v1/render/{jobId}", v1(d.Jobs.Get))
	mux.Handle("POST /v1/render/{jobId}/retry", v1(d.Jobs.Retry))
	mux.Handle("GET /v1/usage", v1(d.Usage.Get))
	mux.Handle("GET /v1/templates", v1(d.Templates.ServeHTTP))

	base := "/api/v1"
	mux.HandleFunc("POST "+base+"/auth/register", d.Auth.Register)
	mux.HandleFunc("POST "+base+"/auth/login", d.Auth.Login)
	mux.HandleFunc("POST "+base+"/auth/logout", d.Auth.Logout)

	session := func(h http.HandlerFunc) http.Handler { return chain(h, d.Session...) }
	mux.Handle("GET "+base+"/account/me", session(d.Account.ServeHTTP))
	mux.Handle("GET "+base+"/api-keys", session(d.Credentials.List))
	mux.Handle("POST "+base+"/api-keys", session(d.Credentials.Create))
	mux.Handle("DELETE "+base+"/api-keys/{id}", session(d.Credentials.Delete))

	if d.RateLimit == nil {
		return mux
	}
	return d.RateLimit(mux)
}

// chain applies mws so the first one runs first.
func chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if db != nil {
			if err := db.Ping(ctx); err != nil {
				apperr.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		apperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
