package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/reelcast/backend/internal/models"
)

// Lifecycle is the slice of the job orchestrator the worker drives.
type Lifecycle interface {
	BeginDispatch(ctx context.Context, id uuid.UUID) (*models.RenderJob, bool, error)
	MarkRendering(ctx context.Context, id uuid.UUID, renderID string) error
	ReleaseDispatch(ctx context.Context, id uuid.UUID) error
	FailDispatch(ctx context.Context, id uuid.UUID, reason string) error
}

type renderRequest struct {
	RenderJobID     uuid.UUID       `json:"renderJobId"`
	TemplateID      string          `json:"templateId"`
	TemplateVersion int             `json:"templateVersion"`
	Input           json.RawMessage `json:"input"`
	WebhookURL      string          `json:"webhookUrl"`
	CustomData      customData      `json:"customData"`
}

// customData is echoed back in the webhook. Attempt lets late callbacks from
// an earlier attempt be told apart after a retry.
type customData struct {
	JobID   uuid.UUID `json:"jobId"`
	Attempt int       `json:"attempt"`
}

type renderAccepted struct {
	RenderID string `json:"renderId"`
}

// RenderWorker hands a queued job to the remote renderer. Transient failures
// put the job back to queued and return an error so river retries.
type RenderWorker struct {
	river.WorkerDefaults[RenderDispatchArgs]
	jobs        Lifecycle
	rendererURL string
	webhookURL  string
	httpClient  *http.Client
	log         *slog.Logger
}

func NewRenderWorker(jobs Lifecycle, rendererURL, webhookURL string, log *slog.Logger) *RenderWorker {
	if log == nil {
		log = slog.Default()
	}
	return &RenderWorker{
		jobs:        jobs,
		rendererURL: rendererURL,
		webhookURL:  webhookURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}
}

func (w *RenderWorker) Work(ctx context.Context, job *river.Job[RenderDispatchArgs]) error {
	id := job.Args.RenderJobID
	rj, ok, err := w.jobs.BeginDispatch(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		w.log.Debug("render dispatch skipped: job not queued", "job_id", id)
		return nil
	}

	body, err := json.Marshal(renderRequest{
		RenderJobID:     rj.ID,
		TemplateID:      rj.TemplateID,
		TemplateVersion: rj.TemplateVersion,
		Input:           rj.InputData,
		WebhookURL:      w.webhookURL,
		CustomData:      customData{JobID: rj.ID, Attempt: rj.Attempt},
	})
	if err != nil {
		return w.fail(ctx, id, fmt.Sprintf("encode render request: %v", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.rendererURL, bytes.NewReader(body))
	if err != nil {
		return w.fail(ctx, id, fmt.Sprintf("build render request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%d", id, rj.Attempt))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return w.release(ctx, id, fmt.Errorf("network error calling renderer: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return w.release(ctx, id, fmt.Errorf("renderer returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return w.fail(ctx, id, fmt.Sprintf("renderer rejected job: %d %s", resp.StatusCode, bytes.TrimSpace(msg)))
	}

	var accepted renderAccepted
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&accepted)
	if err := w.jobs.MarkRendering(ctx, id, accepted.RenderID); err != nil {
		return fmt.Errorf("mark job rendering: %w", err)
	}
	return nil
}

func (w *RenderWorker) release(ctx context.Context, id uuid.UUID, cause error) error {
	if err := w.jobs.ReleaseDispatch(ctx, id); err != nil {
		return fmt.Errorf("%v AND failed to requeue job: %w", cause, err)
	}
	w.log.Warn("render dispatch failed; job requeued", "job_id", id, "error", cause)
	return cause
}

func (w *RenderWorker) fail(ctx context.Context, id uuid.UUID, reason string) error {
	if err := w.jobs.FailDispatch(ctx, id, reason); err != nil {
		return fmt.Errorf("renderer failed (%s) AND failed to mark job as failed: %w", reason, err)
	}
	w.log.Warn("render job failed at dispatch", "job_id", id, "reason", reason)
	return nil
}
