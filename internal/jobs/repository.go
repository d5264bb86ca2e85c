package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelcast/backend/internal/models"
)

var ErrNotFound = errors.New("render job not found")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const jobColumns = `id, owner_account_id, owner_team_id, template_id, template_version, input_data, status, attempt,
	output_url, render_error, render_id, enqueue_attempts, enqueued_at, last_enqueue_error, created_at, updated_at`

func scanJob(row pgx.Row) (*models.RenderJob, error) {
	var j models.RenderJob
	err := row.Scan(&j.ID, &j.OwnerAccountID, &j.OwnerTeamID, &j.TemplateID, &j.TemplateVersion, &j.InputData, &j.Status, &j.Attempt,
		&j.OutputURL, &j.RenderError, &j.RenderID, &j.EnqueueAttempts, &j.EnqueuedAt, &j.LastEnqueueError, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Create inserts j as queued inside tx and fills in its timestamps.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, j *models.RenderJob) error {
	j.Status = models.JobStatusQueued
	return tx.QueryRow(ctx, `
		INSERT INTO render_jobs (id, owner_account_id, owner_team_id, template_id, template_version, input_data, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING attempt, created_at, updated_at
	`, j.ID, j.OwnerAccountID, j.OwnerTeamID, j.TemplateID, j.TemplateVersion, j.InputData, j.Status).
		Scan(&j.Attempt, &j.CreatedAt, &j.UpdatedAt)
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.RenderJob, error) {
	return scanJob(r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM render_jobs WHERE id = $1`, id))
}

// ListForOwner returns jobs owned by the account or shared with its team, newest first.
func (r *Repository) ListForOwner(ctx context.Context, accountID uuid.UUID, teamID *uuid.UUID, limit int) ([]*models.RenderJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM render_jobs
		WHERE owner_account_id = $1 OR ($2::uuid IS NOT NULL AND owner_team_id = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, accountID, teamID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []*models.RenderJob{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// Transition moves the job to `to` only if its current status is one of
// from and the patch guards hold. It returns the status it left and whether
// the update applied.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from []models.JobStatus, to models.JobStatus, patch models.JobPatch) (models.JobStatus, bool, error) {
	var prev models.JobStatus
	err := r.pool.QueryRow(ctx, `
		WITH cur AS (
			SELECT id, status FROM render_jobs
			WHERE id = $1 AND status = ANY($2)
				AND ($7::int = 0 OR attempt = $7)
				AND ($6::text IS NULL OR render_id IS NULL OR render_id = $6)
			FOR UPDATE
		)
		UPDATE render_jobs j SET
			status = $3,
			output_url = COALESCE($4, j.output_url),
			render_error = COALESCE($5, j.render_error),
			render_id = COALESCE($6, j.render_id),
			updated_at = now()
		FROM cur
		WHERE j.id = cur.id
		RETURNING cur.status
	`, id, statusStrings(from), to, patch.OutputURL, patch.RenderError, patch.RenderID, patch.Attempt).Scan(&prev)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return prev, true, nil
}

// ResetForRetry moves a failed job back to queued as a new attempt and clears its outcome.
func (r *Repository) ResetForRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE render_jobs SET
			status = 'queued', attempt = attempt + 1, output_url = NULL, render_error = NULL, render_id = NULL,
			last_enqueue_error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordEnqueue stores the result of one enqueue attempt.
func (r *Repository) RecordEnqueue(ctx context.Context, id uuid.UUID, enqueueErr error) error {
	var msg *string
	if enqueueErr != nil {
		s := enqueueErr.Error()
		msg = &s
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE render_jobs SET
			enqueue_attempts = enqueue_attempts + 1,
			enqueued_at = CASE WHEN $2::text IS NULL THEN now() ELSE enqueued_at END,
			last_enqueue_error = $2
		WHERE id = $1
	`, id, msg)
	return err
}

// ListStaleQueued returns queued jobs untouched since before cutoff.
func (r *Repository) ListStaleQueued(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM render_jobs
		WHERE status = 'queued' AND updated_at < $1 AND (enqueued_at IS NULL OR enqueued_at < $1)
		ORDER BY updated_at
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// RequeueStuckDispatching returns jobs left in dispatching since before cutoff
// to queued, for example after a worker crashed mid-dispatch.
func (r *Repository) RequeueStuckDispatching(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE render_jobs SET status = 'queued', updated_at = now()
		WHERE status = 'dispatching' AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func statusStrings(ss []models.JobStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
