// Package jobs owns the render job lifecycle: creation, reads, retries and
// every state transition, including those proposed by the dispatch worker
// and the render webhook.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelcast/backend/internal/apperr"
	"github.com/reelcast/backend/internal/metrics"
	"github.com/reelcast/backend/internal/models"
	"github.com/reelcast/backend/internal/templates"
	"github.com/reelcast/backend/internal/webhook"
)

const (
	listLimit      = 50
	reconcileBatch = 100
)

// Store is the RenderJob persistence the orchestrator needs.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, tx pgx.Tx, j *models.RenderJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.RenderJob, error)
	ListForOwner(ctx context.Context, accountID uuid.UUID, teamID *uuid.UUID, limit int) ([]*models.RenderJob, error)
	Transition(ctx context.Context, id uuid.UUID, from []models.JobStatus, to models.JobStatus, patch models.JobPatch) (models.JobStatus, bool, error)
	ResetForRetry(ctx context.Context, id uuid.UUID) (bool, error)
	ListStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
	RequeueStuckDispatching(ctx context.Context, cutoff time.Time) (int64, error)
}

type TemplateResolver interface {
	Resolve(id string, version int) (*templates.Template, error)
}

// Quota is satisfied by *usage.Meter.
type Quota interface {
	Check(ctx context.Context, accountID uuid.UUID, planID string, metric models.Metric) error
	CheckAndReserve(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, planID string, metric models.Metric) error
	Record(ctx context.Context, accountID uuid.UUID, metric models.Metric, delta int64) error
}

// Enqueuer publishes a dispatch message for a persisted job.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID uuid.UUID, retry bool) error
}

type CreateInput struct {
	TemplateID string
	Version    int
	Input      json.RawMessage
}

type Service interface {
	Create(ctx context.Context, p *models.Principal, in CreateInput) (*models.RenderJob, error)
	Get(ctx context.Context, p *models.Principal, id uuid.UUID) (*models.RenderJob, error)
	List(ctx context.Context, p *models.Principal) ([]*models.RenderJob, error)
	Retry(ctx context.Context, p *models.Principal, id uuid.UUID) (*models.RenderJob, error)
	ApplyOutcome(ctx context.Context, o webhook.Outcome) (webhook.Result, error)
}

type service struct {
	store     Store
	templates TemplateResolver
	quota     Quota
	enqueuer  Enqueuer
	now       func() time.Time
	log       *slog.Logger
}

// NewService returns *service so it can also serve the dispatch worker and reconciler.
func NewService(store Store, tpl TemplateResolver, quota Quota, enqueuer Enqueuer, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, templates: tpl, quota: quota, enqueuer: enqueuer, now: time.Now, log: log}
}

var (
	_ Service         = (*service)(nil)
	_ webhook.Applier = (*service)(nil)
)

// Create validates the request, persists the job as queued together with its
// quota reservation, then enqueues it. When enqueueing fails the job stays
// queued and is returned alongside an UpstreamUnavailable error.
func (s *service) Create(ctx context.Context, p *models.Principal, in CreateInput) (*models.RenderJob, error) {
	for _, m := range []models.Metric{models.MetricVideos, models.MetricRenderSeconds} {
		if err := s.quota.Check(ctx, p.AccountID, p.PlanID, m); err != nil {
			return nil, err
		}
	}

	tpl, fields := s.resolveTemplate(in)
	if len(fields) > 0 {
		return nil, apperr.Validation(fields)
	}

	job := &models.RenderJob{
		ID:              uuid.New(),
		OwnerAccountID:  p.AccountID,
		OwnerTeamID:     p.TeamID,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		InputData:       in.Input,
	}
	if err := s.persist(ctx, p, job); err != nil {
		return nil, err
	}
	metrics.JobsCreated.Inc()
	s.log.Info("render job created", "job_id", job.ID, "account_id", p.AccountID, "template", tpl.ID, "version", tpl.Version)

	if err := s.enqueuer.Enqueue(ctx, job.ID, false); err != nil {
		return job, apperr.Upstream("render queue unavailable; the job is queued and will be dispatched later", err)
	}
	return job, nil
}

func (s *service) resolveTemplate(in CreateInput) (*templates.Template, []apperr.FieldError) {
	var fields []apperr.FieldError
	if strings.TrimSpace(in.TemplateID) == "" {
		fields = append(fields, apperr.FieldError{Field: "templateId", Message: "is required"})
	}
	if in.Version < 0 {
		fields = append(fields, apperr.FieldError{Field: "version", Message: "must be positive"})
	}
	if len(in.Input) == 0 || string(in.Input) == "null" {
		fields = append(fields, apperr.FieldError{Field: "input", Message: "is required"})
	}
	if len(fields) > 0 {
		return nil, fields
	}
	tpl, err := s.templates.Resolve(in.TemplateID, in.Version)
	switch {
	case errors.Is(err, templates.ErrUnknownTemplate):
		return nil, []apperr.FieldError{{Field: "templateId", Message: "unknown template"}}
	case errors.Is(err, templates.ErrUnknownVersion):
		return nil, []apperr.FieldError{{Field: "version", Message: "unknown template version"}}
	case err != nil:
		return nil, []apperr.FieldError{{Field: "templateId", Message: err.Error()}}
	}
	return tpl, tpl.Validate(in.Input)
}

func (s *service) persist(ctx context.Context, p *models.Principal, job *models.RenderJob) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return apperr.Upstream("job store unavailable", err)
	}
	defer tx.Rollback(ctx)

	if err := s.store.Create(ctx, tx, job); err != nil {
		return apperr.Upstream("could not persist render job", err)
	}
	if err := s.quota.CheckAndReserve(ctx, tx, p.AccountID, p.PlanID, models.MetricVideos); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return apperr.Upstream("could not persist render job", err)
	}
	return nil
}

// Get returns the job if p owns it directly or through its team. Missing and
// foreign jobs are indistinguishable.
func (s *service) Get(ctx context.Context, p *models.Principal, id uuid.UUID) (*models.RenderJob, error) {
	job, err := s.store.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, apperr.NotFound("render job not found")
	}
	if err != nil {
		return nil, apperr.Upstream("job store unavailable", err)
	}
	if !p.CanAccess(job.OwnerAccountID, job.OwnerTeamID) {
		return nil, apperr.NotFound("render job not found")
	}
	return job, nil
}

func (s *service) List(ctx context.Context, p *models.Principal) ([]*models.RenderJob, error) {
	list, err := s.store.ListForOwner(ctx, p.AccountID, p.TeamID, listLimit)
	if err != nil {
		return nil, apperr.Upstream("job store unavailable", err)
	}
	return list, nil
}

// Retry re-queues a failed job with its outcome cleared and enqueues it again.
// Only the owning account may retry; team members can read but not retry.
func (s *service) Retry(ctx context.Context, p *models.Principal, id uuid.UUID) (*models.RenderJob, error) {
	job, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if job.OwnerAccountID != p.AccountID {
		return nil, apperr.NotFound("render job not found")
	}
	if job.Status != models.JobStatusFailed {
		return nil, apperr.Conflict(fmt.Sprintf("job is %s; only failed jobs can be retried", job.Status))
	}
	ok, err := s.store.ResetForRetry(ctx, id)
	if err != nil {
		return nil, apperr.Upstream("job store unavailable", err)
	}
	if !ok {
		return nil, apperr.Conflict("job is no longer failed")
	}
	metrics.JobTransitions.WithLabelValues(string(models.JobStatusFailed), string(models.JobStatusQueued)).Inc()
	s.log.Info("render job retried", "job_id", id, "account_id", p.AccountID)

	enqueueErr := s.enqueuer.Enqueue(ctx, id, true)
	job, err = s.store.GetByID(ctx, id)
	if err != nil {
		return nil, apperr.Upstream("job store unavailable", err)
	}
	if enqueueErr != nil {
		return job, apperr.Upstream("render queue unavailable; the job is queued and will be dispatched later", enqueueErr)
	}
	return job, nil
}

// ApplyOutcome applies a webhook outcome with a conditional update. Repeats of
// the applied outcome are duplicates; a different outcome for a terminal job
// is reported as conflicting and left unapplied. Outcomes for an earlier
// attempt, or for a render other than the stored one, are stale.
func (s *service) ApplyOutcome(ctx context.Context, o webhook.Outcome) (webhook.Result, error) {
	id := webhook.JobIDOf(o)
	var (
		to    models.JobStatus
		patch models.JobPatch
	)
	switch o := o.(type) {
	case webhook.Success:
		to = models.JobStatusCompleted
		patch.OutputURL = nonEmpty(o.OutputURL)
		patch.RenderID = nonEmpty(o.RenderID)
	case webhook.Failure:
		to = models.JobStatusFailed
		patch.RenderError = &o.Message
		patch.RenderID = nonEmpty(o.RenderID)
	default:
		return webhook.ResultIgnored, nil
	}
	patch.Attempt = webhook.AttemptOf(o)

	from, applied, err := s.store.Transition(ctx, id, models.ActiveStatuses, to, patch)
	if err != nil {
		return "", apperr.Upstream("job store unavailable", err)
	}
	if !applied {
		return s.classifyUnapplied(ctx, id, to, patch)
	}
	metrics.JobTransitions.WithLabelValues(string(from), string(to)).Inc()
	s.log.Info("render job finished", "job_id", id, "from", from, "to", to)

	if succ, ok := o.(webhook.Success); ok {
		s.recordRender(ctx, id, succ)
	}
	return webhook.ResultApplied, nil
}

func (s *service) classifyUnapplied(ctx context.Context, id uuid.UUID, to models.JobStatus, patch models.JobPatch) (webhook.Result, error) {
	job, err := s.store.GetByID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		s.log.Warn("render webhook for unknown job", "job_id", id)
		return webhook.ResultUnknownJob, nil
	}
	if err != nil {
		return "", apperr.Upstream("job store unavailable", err)
	}
	if patch.Attempt != 0 && patch.Attempt != job.Attempt {
		s.log.Info("stale render webhook ignored", "job_id", id, "attempt", patch.Attempt, "current_attempt", job.Attempt)
		return webhook.ResultStale, nil
	}
	if patch.RenderID != nil && job.RenderID != nil && *patch.RenderID != *job.RenderID {
		s.log.Info("stale render webhook ignored", "job_id", id, "render_id", *patch.RenderID, "current_render_id", *job.RenderID)
		return webhook.ResultStale, nil
	}
	if job.Status == to {
		s.log.Debug("duplicate render webhook", "job_id", id, "status", job.Status)
		return webhook.ResultDuplicate, nil
	}
	s.log.Warn("conflicting render webhook ignored", "job_id", id, "status", job.Status, "proposed", to)
	return webhook.ResultConflicting, nil
}

func (s *service) recordRender(ctx context.Context, id uuid.UUID, o webhook.Success) {
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		s.log.Warn("usage not recorded for render", "job_id", id, "error", err)
		return
	}
	for m, delta := range map[models.Metric]int64{
		models.MetricRenders:       1,
		models.MetricRenderSeconds: o.RenderSeconds,
		models.MetricRenderPixels:  o.RenderPixels,
	} {
		if err := s.quota.Record(ctx, job.OwnerAccountID, m, delta); err != nil {
			s.log.Warn("usage not recorded for render", "job_id", id, "metric", m, "error", err)
		}
	}
}

// BeginDispatch claims a queued job for the dispatch worker. It returns
// false when the job is not queued, which makes redelivered messages no-ops.
func (s *service) BeginDispatch(ctx context.Context, id uuid.UUID) (*models.RenderJob, bool, error) {
	ok, err := s.transition(ctx, id, []models.JobStatus{models.JobStatusQueued}, models.JobStatusDispatching, models.JobPatch{})
	if err != nil || !ok {
		return nil, false, err
	}
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("load dispatched job %s: %w", id, err)
	}
	return job, true, nil
}

// MarkRendering records that the renderer accepted the job. A webhook that
// already finished the job wins.
func (s *service) MarkRendering(ctx context.Context, id uuid.UUID, renderID string) error {
	_, err := s.transition(ctx, id, []models.JobStatus{models.JobStatusDispatching}, models.JobStatusRendering,
		models.JobPatch{RenderID: nonEmpty(renderID)})
	return err
}

// ReleaseDispatch returns a job to queued after a transient renderer failure.
func (s *service) ReleaseDispatch(ctx context.Context, id uuid.UUID) error {
	_, err := s.transition(ctx, id, []models.JobStatus{models.JobStatusDispatching}, models.JobStatusQueued, models.JobPatch{})
	return err
}

// FailDispatch marks a job failed after the renderer rejected it outright.
func (s *service) FailDispatch(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := s.transition(ctx, id, []models.JobStatus{models.JobStatusDispatching}, models.JobStatusFailed,
		models.JobPatch{RenderError: &reason})
	return err
}

func (s *service) transition(ctx context.Context, id uuid.UUID, from []models.JobStatus, to models.JobStatus, patch models.JobPatch) (bool, error) {
	prev, ok, err := s.store.Transition(ctx, id, from, to, patch)
	if err != nil {
		return false, fmt.Errorf("transition job %s to %s: %w", id, to, err)
	}
	if ok {
		metrics.JobTransitions.WithLabelValues(string(prev), string(to)).Inc()
		s.log.Info("render job transition", "job_id", id, "from", prev, "to", to)
	}
	return ok, nil
}

// ReconcileStale re-enqueues jobs that have sat in queued since before
// olderThan ago and returns how many were enqueued.
func (s *service) ReconcileStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	stuck, err := s.store.RequeueStuckDispatching(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck dispatching jobs: %w", err)
	}
	if stuck > 0 {
		metrics.JobTransitions.WithLabelValues(string(models.JobStatusDispatching), string(models.JobStatusQueued)).Add(float64(stuck))
		s.log.Warn("requeued jobs stuck in dispatching", "count", stuck)
	}
	ids, err := s.store.ListStaleQueued(ctx, cutoff, reconcileBatch)
	if err != nil {
		return 0, fmt.Errorf("list stale queued jobs: %w", err)
	}
	n := 0
	for _, id := range ids {
		if err := s.enqueuer.Enqueue(ctx, id, false); err != nil {
			s.log.Warn("reconcile enqueue failed", "job_id", id, "error", err)
			continue
		}
		n++
	}
	if len(ids) > 0 {
		s.log.Info("reconciled stale queued jobs", "found", len(ids), "enqueued", n)
	}
	return n, nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
