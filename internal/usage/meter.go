// Package usage meters per-account monthly consumption against plan limits.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelcast/backend/internal/apperr"
	"github.com/reelcast/backend/internal/metrics"
	"github.com/reelcast/backend/internal/models"
	"github.com/reelcast/backend/internal/plans"
)

// Store is the persistence the meter needs.
type Store interface {
	Get(ctx context.Context, accountID uuid.UUID, period string) (*models.UsageCounters, error)
	IncrementIfBelow(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, period string, metric models.Metric, delta, limit int64) (int64, bool, error)
	Add(ctx context.Context, accountID uuid.UUID, period string, metric models.Metric, delta int64) error
}

type Meter struct {
	store  Store
	policy *plans.Policy
	now    func() time.Time
	log    *slog.Logger
}

func NewMeter(store Store, policy *plans.Policy, log *slog.Logger) *Meter {
	if log == nil {
		log = slog.Default()
	}
	return &Meter{store: store, policy: policy, now: time.Now, log: log}
}

func (m *Meter) period() string { return models.UsagePeriod(m.now()) }

// Check is a read-only pre-check: it fails with QuotaExceeded when the
// account has already used up the metric. It reserves nothing.
func (m *Meter) Check(ctx context.Context, accountID uuid.UUID, planID string, metric models.Metric) error {
	limit, capped := m.policy.LimitsFor(planID).Limit(metric)
	if !capped || limit == plans.Unlimited {
		return nil
	}
	u, err := m.store.Get(ctx, accountID, m.period())
	if err != nil {
		return apperr.Upstream("usage lookup failed", err)
	}
	if !m.policy.IsWithinLimit(planID, metric, u.Value(metric)) {
		metrics.QuotaExceeded.WithLabelValues(string(metric)).Inc()
		return apperr.QuotaExceeded(metric, limit)
	}
	return nil
}

// CheckAndReserve atomically consumes one unit of metric, inside tx when
// given, or fails with QuotaExceeded naming the metric and its limit.
func (m *Meter) CheckAndReserve(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, planID string, metric models.Metric) error {
	return m.reserve(ctx, tx, accountID, planID, metric, m.period())
}

func (m *Meter) reserve(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, planID string, metric models.Metric, period string) error {
	limit, _ := m.policy.LimitsFor(planID).Limit(metric)
	_, ok, err := m.store.IncrementIfBelow(ctx, tx, accountID, period, metric, 1, limit)
	if err != nil {
		return apperr.Upstream("usage reservation failed", err)
	}
	if !ok {
		metrics.QuotaExceeded.WithLabelValues(string(metric)).Inc()
		return apperr.QuotaExceeded(metric, limit)
	}
	return nil
}

// Record adds delta to a counter without enforcing a limit.
func (m *Meter) Record(ctx context.Context, accountID uuid.UUID, metric models.Metric, delta int64) error {
	if delta <= 0 {
		return nil
	}
	if err := m.store.Add(ctx, accountID, m.period(), metric, delta); err != nil {
		return fmt.Errorf("record %s usage: %w", metric, err)
	}
	return nil
}

// Snapshot is the caller-facing view of usage against limits.
type Snapshot struct {
	Period   string               `json:"period"`
	PlanID   string               `json:"plan_id"`
	Counters models.UsageCounters `json:"counters"`
	Limits   map[string]int64     `json:"limits"`
}

func (m *Meter) Snapshot(ctx context.Context, accountID uuid.UUID, planID string) (*Snapshot, error) {
	u, err := m.store.Get(ctx, accountID, m.period())
	if err != nil {
		return nil, apperr.Upstream("usage lookup failed", err)
	}
	l := m.policy.LimitsFor(planID)
	return &Snapshot{
		Period:   u.Period,
		PlanID:   l.PlanID,
		Counters: *u,
		Limits: map[string]int64{
			string(models.MetricVideos):        l.VideosPerMonth,
			string(models.MetricRenderSeconds): l.RenderSecondsPerMonth,
			string(models.MetricAPICalls):      l.APICallsPerMonth,
		},
	}, nil
}

// release gives back one unit reserved in period.
func (m *Meter) release(ctx context.Context, accountID uuid.UUID, metric models.Metric, period string) error {
	if err := m.store.Add(ctx, accountID, period, metric, -1); err != nil {
		return fmt.Errorf("release %s usage: %w", metric, err)
	}
	return nil
}

// statusRecorder remembers the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

// MeterAPICalls consumes one apiCalls unit per API-key request. The unit is
// given back when the request is rejected as invalid input (400). Session
// requests pass through unmetered.
func MeterAPICalls(m *Meter, principalFrom func(context.Context) *models.Principal, log *slog.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := principalFrom(r.Context())
			if p == nil || p.AuthMode != models.AuthModeAPIKey {
				next.ServeHTTP(w, r)
				return
			}
			period := m.period()
			if err := m.reserve(r.Context(), nil, p.AccountID, p.PlanID, models.MetricAPICalls, period); err != nil {
				apperr.Write(w, log, err)
				return
			}
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == http.StatusBadRequest {
				if err := m.release(context.WithoutCancel(r.Context()), p.AccountID, models.MetricAPICalls, period); err != nil {
					log.Warn("api call refund failed", "account_id", p.AccountID, "error", err)
				}
			}
		})
	}
}
