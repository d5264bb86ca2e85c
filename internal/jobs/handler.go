package jobs

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

const maxCreateBody = 256 << 10

// Request/response structs use the camelCase field names of the public render API.

type CreateRequest struct {
	TemplateID string          `json:"templateId"`
	Version    int             `json:"version,omitempty"`
	Input      json.RawMessage `json:"input"`
}

type CreateResponse struct {
	JobID  uuid.UUID        `json:"jobId"`
	Status models.JobStatus `json:"status"`
}

type JobResponse struct {
	JobID     uuid.UUID        `json:"jobId"`
	Template  string           `json:"template"`
	Version   int              `json:"version"`
	Status    models.JobStatus `json:"status"`
	OutputURL *string          `json:"outputUrl"`
	Error     *string          `json:"error"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

type jobIDDetails struct {
	JobID uuid.UUID `json:"jobId"`
}

type Handler struct {
	svc Service
	log *slog.Logger
}

func NewHandler(svc Service, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, log: log}
}

func toResponse(j *models.RenderJob) JobResponse {
	return JobResponse{
		JobID:     j.ID,
		Template:  j.TemplateID,
		Version:   j.TemplateVersion,
		Status:    j.Status,
		OutputURL: j.OutputURL,
		Error:     j.RenderError,
		CreatedAt: j.CreatedAt,
		UpdatedAt: j.UpdatedAt,
	}
}

// POST /v1/render
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, h.log, apperr.Unauthenticated("authentication required"))
		return
	}
	var req CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody)).Decode(&req); err != nil {
		apperr.Write(w, h.log, apperr.Validation([]apperr.FieldError{{Field: "body", Message: "invalid JSON"}}))
		return
	}
	job, err := h.svc.Create(r.Context(), p, CreateInput{TemplateID: req.TemplateID, Version: req.Version, Input: req.Input})
	if err != nil {
		h.writeJobError(w, job, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, CreateResponse{JobID: job.ID, Status: job.Status})
}

// GET /v1/render
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, h.log, apperr.Unauthenticated("authentication required"))
		return
	}
	list, err := h.svc.List(r.Context(), p)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	out := make([]JobResponse, 0, len(list))
	for _, j := range list {
		out = append(out, toResponse(j))
	}
	apperr.WriteJSON(w, http.StatusOK, out)
}

// GET /v1/render/{jobId}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	job, err := h.svc.Get(r.Context(), p, id)
	if err != nil {
		apperr.Write(w, h.log, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, toResponse(job))
}

// POST /v1/render/{jobId}/retry
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.principalAndID(w, r)
	if !ok {
		return
	}
	job, err := h.svc.Retry(r.Context(), p, id)
	if err != nil {
		h.writeJobError(w, job, err)
		return
	}
	apperr.WriteJSON(w, http.StatusOK, CreateResponse{JobID: job.ID, Status: job.Status})
}

func (h *Handler) principalAndID(w http.ResponseWriter, r *http.Request) (*models.Principal, uuid.UUID, bool) {
	p := middleware.PrincipalFromCtx(r.Context())
	if p == nil {
		apperr.Write(w, h.log, apperr.Unauthenticated("authentication required"))
		return nil, uuid.Nil, false
	}
	id, err := uuid.Parse(r.PathValue("jobId"))
	if err != nil {
		// Malformed ids are reported like unknown ones.
		apperr.Write(w, h.log, apperr.NotFound("render job not found"))
		return nil, uuid.Nil, false
	}
	return p, id, true
}

// writeJobError includes the job id when the job was persisted but could not
// be enqueued, so the caller can poll it.
func (h *Handler) writeJobError(w http.ResponseWriter, job *models.RenderJob, err error) {
	if job != nil {
		apperr.WriteWithDetails(w, h.log, err, jobIDDetails{JobID: job.ID})
		return
	}
	apperr.Write(w, h.log, err)
}
