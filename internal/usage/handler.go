package usage

import (
	"log/slog"
	"net/http"

	"github.com/reelcast/backend/internal/apperr"
	"github.com/reelcast/backend/internal/middleware"
)

type Handler struct {
	meter *Meter
	log   *slog.Logger
}

func NewHandler(meter *Meter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{meter: meter, log: log}
}

// GET /v1/usage
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, h.log, apperr.Unauthenticated("authentication required"))
		return
	}
	snap, err := h.meter.Snapshot(r.Context(), p.AccountID, p.PlanID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, snap)
}
