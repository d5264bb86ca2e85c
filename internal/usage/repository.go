package usage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelcast/backend/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) q(tx pgx.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.pool
}

var columnByMetric = map[models.Metric]string{
	models.MetricVideos:        "videos_count",
	models.MetricRenders:       "renders_count",
	models.MetricAPICalls:      "api_calls_count",
	models.MetricRenderSeconds: "render_seconds",
	models.MetricRenderPixels:  "render_pixels",
}

func column(m models.Metric) (string, error) {
	c, ok := columnByMetric[m]
	if !ok {
		return "", fmt.Errorf("unknown usage metric %q", m)
	}
	return c, nil
}

// Get returns the counters for (accountID, period); a missing row is all zeros.
func (r *Repository) Get(ctx context.Context, accountID uuid.UUID, period string) (*models.UsageCounters, error) {
	u := models.UsageCounters{AccountID: accountID, Period: period}
	err := r.pool.QueryRow(ctx, `
		SELECT videos_count, renders_count, api_calls_count, render_seconds, render_pixels, updated_at
		FROM usage_counters WHERE account_id = $1 AND period = $2
	`, accountID, period).Scan(&u.VideosCount, &u.RendersCount, &u.APICallsCount, &u.RenderSeconds, &u.RenderPixels, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return &u, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// IncrementIfBelow adds delta to the metric's counter only if the result stays
// within limit (limit < 0 means unlimited). The conditional UPDATE takes the
// row lock, so concurrent callers never lose or overshoot an increment.
func (r *Repository) IncrementIfBelow(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, period string, metric models.Metric, delta, limit int64) (int64, bool, error) {
	col, err := column(metric)
	if err != nil {
		return 0, false, err
	}
	q := r.q(tx)
	if _, err := q.Exec(ctx, `
		INSERT INTO usage_counters (account_id, period) VALUES ($1, $2)
		ON CONFLICT (account_id, period) DO NOTHING
	`, accountID, period); err != nil {
		return 0, false, err
	}
	var value int64
	err = q.QueryRow(ctx, `
		UPDATE usage_counters SET `+col+` = `+col+` + $3, updated_at = now()
		WHERE account_id = $1 AND period = $2 AND ($4::bigint < 0 OR `+col+` + $3 <= $4)
		RETURNING `+col, accountID, period, delta, limit).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return value, true, nil
}

// Add adjusts an uncapped counter by delta, which may be negative.
func (r *Repository) Add(ctx context.Context, accountID uuid.UUID, period string, metric models.Metric, delta int64) error {
	_, _, err := r.IncrementIfBelow(ctx, nil, accountID, period, metric, delta, -1)
	return err
}
