package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/reelcast/backend/internal/apperr"
	"github.com/reelcast/backend/internal/middleware"
)

// MeHandler serves GET /api/v1/account/me for the authenticated caller.
func MeHandler(accounts AccountLookup, log *slog.Logger) http.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		p := middleware.PrincipalFromCtx(r.Context())
		if p == nil {
			apperr.Write(w, log, apperr.Unauthenticated("missing credentials"))
			return
		}
		acc, err := accounts.GetByID(r.Context(), p.AccountID)
		if errors.Is(err, ErrAccountNotFound) {
			apperr.Write(w, log, apperr.Unauthenticated("account no longer exists"))
			return
		}
		if err != nil {
			apperr.Write(w, log, apperr.Upstream("account lookup failed", err))
			return
		}
		apperr.WriteJSON(w, http.StatusOK, acc)
	}
}
