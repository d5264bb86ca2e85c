package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/reelcast/backend/internal/apperr"
	"github.com/reelcast/backend/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Result reports what applying an outcome did.
type Result string

const (
	ResultApplied     Result = "applied"
	ResultDuplicate   Result = "duplicate"
	ResultConflicting Result = "conflicting"
	// ResultStale marks a callback for an earlier attempt of a retried job.
	ResultStale      Result = "stale"
	ResultUnknownJob Result = "unknown_job"
	ResultIgnored    Result = "ignored"
)

// Applier applies a verified outcome to the job it names.
type Applier interface {
	ApplyOutcome(ctx context.Context, o Outcome) (Result, error)
}

// Handler serves POST /v1/webhooks/render. Anything short of a bad signature,
// a missing job id or a storage failure is acknowledged with 200 so the
// sender does not retry.
type Handler struct {
	verifier *Verifier
	applier  Applier
	log      *slog.Logger
}

func NewHandler(v *Verifier, a Applier, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{verifier: v, applier: a, log: log}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("bad_body").Inc()
		apperr.Write(w, h.log, apperr.Validation([]apperr.FieldError{{Field: "body", Message: "unreadable or too large"}}))
		return
	}
	if err := h.verifier.Verify(body, r.Header.Get(SignatureHeader)); err != nil {
		metrics.WebhookDeliveries.WithLabelValues("bad_signature").Inc()
		h.log.Warn("render webhook rejected", "error", err, "remote_addr", r.RemoteAddr)
		apperr.Write(w, h.log, apperr.Unauthorized("invalid signature"))
		return
	}

	outcome, err := Parse(body)
	if errors.Is(err, ErrMissingJobID) {
		metrics.WebhookDeliveries.WithLabelValues("missing_job_id").Inc()
		apperr.Write(w, h.log, apperr.Validation([]apperr.FieldError{{Field: "customData.jobId", Message: "is required"}}))
		return
	}
	if outcome == nil {
		metrics.WebhookDeliveries.WithLabelValues(string(ResultIgnored)).Inc()
		h.log.Debug("render webhook ignored: no outcome")
		ok(w)
		return
	}

	res, err := h.applier.ApplyOutcome(r.Context(), outcome)
	if err != nil {
		metrics.WebhookDeliveries.WithLabelValues("error").Inc()
		apperr.Write(w, h.log, err)
		return
	}
	metrics.WebhookDeliveries.WithLabelValues(string(res)).Inc()
	ok(w)
}

func ok(w http.ResponseWriter) {
	apperr.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
