package credentials

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/reelcast/backend/internal/apperr"
	"github.com/reelcast/backend/internal/middleware"
	"github.com/reelcast/backend/internal/models"
)

type CreateRequest struct {
	Label string `json:"label"`
}

type CreateResponse struct {
	ID        uuid.UUID `json:"id"`
	Label     string    `json:"label"`
	Prefix    string    `json:"prefix"`
	RawKey    string    `json:"raw_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Handler serves /api/v1/api-keys for session-authenticated accounts.
type Handler struct {
	store *Store
	log   *slog.Logger
}

func NewHandler(store *Store, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, log: log}
}

// POST /api/v1/api-keys
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, h.log, apperr.Unauthenticated("authentication required"))
		return
	}
	var req CreateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			apperr.Write(w, h.log, apperr.Validation([]apperr.FieldError{{Field: "body", Message: "invalid JSON"}}))
			return
		}
	}
	if len(req.Label) > 100 {
		apperr.Write(w, h.log, apperr.Validation([]apperr.FieldError{{Field: "label", Message: "must be at most 100 characters"}}))
		return
	}
	issued, err := h.store.Issue(r.Context(), p.AccountID, req.Label)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	c := issued.Credential
	apperr.WriteJSON(w, http.StatusCreated, CreateResponse{
		ID:        c.ID,
		Label:     c.Label,
		Prefix:    c.Prefix,
		RawKey:    issued.RawKey,
		CreatedAt: c.CreatedAt,
	})
}

// GET /api/v1/api-keys
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, h.log, apperr.Unauthenticated("authentication required"))
		return
	}
	list, err := h.store.List(r.Context(), p.AccountID)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	if list == nil {
		list = []*models.APICredential{}
	}
	apperr.WriteJSON(w, http.StatusOK, list)
}

// DELETE /api/v1/api-keys/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, h.log, apperr.Unauthenticated("authentication required"))
		return
	}
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		apperr.Write(w, h.log, apperr.Validation([]apperr.FieldError{{Field: "id", Message: "must be a UUID"}}))
		return
	}
	if err := h.store.Revoke(r.Context(), id, p.AccountID); err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
