package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/reelcast/backend/internal/apperr"
	"github.com/reelcast/backend/internal/models"
	"github.com/reelcast/backend/internal/plans"
	"github.com/reelcast/backend/internal/templates"
	"github.com/reelcast/backend/internal/usage"
	"github.com/reelcast/backend/internal/webhook"
)

// ---------------------------------------------------------------------------
// fakeTx buffers inserts until Commit. Only Commit and Rollback are called.
// ---------------------------------------------------------------------------

type fakeTx struct {
	pgx.Tx
	store   *memStore
	pending []*models.RenderJob
	done    bool
}

func (t *fakeTx) Commit(context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.commitErr != nil {
		return t.store.commitErr
	}
	for _, j := range t.pending {
		t.store.jobs[j.ID] = j
	}
	t.done = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	t.pending = nil
	t.done = true
	return nil
}

// ---------------------------------------------------------------------------
// In-memory Store
// ---------------------------------------------------------------------------

type memStore struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID]*models.RenderJob
	commitErr error
	getErr    error
}

func newMemStore() *memStore { return &memStore{jobs: map[uuid.UUID]*models.RenderJob{}} }

func (m *memStore) Begin(context.Context) (pgx.Tx, error) { return &fakeTx{store: m}, nil }

func (m *memStore) Create(_ context.Context, tx pgx.Tx, j *models.RenderJob) error {
	now := time.Now()
	j.Status = models.JobStatusQueued
	j.Attempt = 1
	j.CreatedAt, j.UpdatedAt = now, now
	cp := *j
	ftx := tx.(*fakeTx)
	ftx.pending = append(ftx.pending, &cp)
	return nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memStore) ListForOwner(_ context.Context, accountID uuid.UUID, teamID *uuid.UUID, limit int) ([]*models.RenderJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.RenderJob
	for _, j := range m.jobs {
		if j.OwnerAccountID == accountID || (teamID != nil && j.OwnerTeamID != nil && *teamID == *j.OwnerTeamID) {
			cp := *j
			out = append(out, &cp)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Transition(_ context.Context, id uuid.UUID, from []models.JobStatus, to models.JobStatus, patch models.JobPatch) (models.JobStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return "", false, nil
	}
	if patch.Attempt != 0 && patch.Attempt != j.Attempt {
		return "", false, nil
	}
	if patch.RenderID != nil && j.RenderID != nil && *patch.RenderID != *j.RenderID {
		return "", false, nil
	}
	for _, f := range from {
		if j.Status == f {
			prev := j.Status
			j.Status = to
			if patch.OutputURL != nil {
				j.OutputURL = patch.OutputURL
			}
			if patch.RenderError != nil {
				j.RenderError = patch.RenderError
			}
			if patch.RenderID != nil {
				j.RenderID = patch.RenderID
			}
			j.UpdatedAt = time.Now()
			return prev, true, nil
		}
	}
	return "", false, nil
}

func (m *memStore) ResetForRetry(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobStatusFailed {
		return false, nil
	}
	j.Status = models.JobStatusQueued
	j.Attempt++
	j.OutputURL, j.RenderError, j.RenderID, j.LastEnqueueError = nil, nil, nil, nil
	j.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) ListStaleQueued(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, j := range m.jobs {
		if j.Status == models.JobStatusQueued && j.UpdatedAt.Before(cutoff) && (j.EnqueuedAt == nil || j.EnqueuedAt.Before(cutoff)) {
			ids = append(ids, j.ID)
		}
	}
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (m *memStore) RequeueStuckDispatching(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, j := range m.jobs {
		if j.Status == models.JobStatusDispatching && j.UpdatedAt.Before(cutoff) {
			j.Status = models.JobStatusQueued
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *memStore) put(j *models.RenderJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// ---------------------------------------------------------------------------
// Usage store, enqueuer and fixtures
// ---------------------------------------------------------------------------

type memUsage struct {
	mu   sync.Mutex
	rows map[string]*models.UsageCounters
}

func (u *memUsage) row(acc uuid.UUID, period string) *models.UsageCounters {
	if u.rows == nil {
		u.rows = map[string]*models.UsageCounters{}
	}
	k := acc.String() + period
	if u.rows[k] == nil {
		u.rows[k] = &models.UsageCounters{AccountID: acc, Period: period}
	}
	return u.rows[k]
}

func counter(c *models.UsageCounters, m models.Metric) *int64 {
	switch m {
	case models.MetricVideos:
		return &c.VideosCount
	case models.MetricRenders:
		return &c.RendersCount
	case models.MetricAPICalls:
		return &c.APICallsCount
	case models.MetricRenderSeconds:
		return &c.RenderSeconds
	}
	return &c.RenderPixels
}

func (u *memUsage) Get(_ context.Context, acc uuid.UUID, period string) (*models.UsageCounters, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := *u.row(acc, period)
	return &cp, nil
}

func (u *memUsage) IncrementIfBelow(_ context.Context, _ pgx.Tx, acc uuid.UUID, period string, m models.Metric, delta, limit int64) (int64, bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	c := counter(u.row(acc, period), m)
	if limit >= 0 && *c+delta > limit {
		return 0, false, nil
	}
	*c += delta
	return *c, true, nil
}

func (u *memUsage) Add(ctx context.Context, acc uuid.UUID, period string, m models.Metric, delta int64) error {
	_, _, err := u.IncrementIfBelow(ctx, nil, acc, period, m, delta, -1)
	return err
}

func (u *memUsage) value(acc uuid.UUID, m models.Metric) int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return *counter(u.row(acc, models.UsagePeriod(time.Now())), m)
}

func (u *memUsage) set(acc uuid.UUID, m models.Metric, v int64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	*counter(u.row(acc, models.UsagePeriod(time.Now())), m) = v
}

type enqueueCall struct {
	id    uuid.UUID
	retry bool
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	calls []enqueueCall
	err   error
}

func (e *fakeEnqueuer) Enqueue(_ context.Context, id uuid.UUID, retry bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = append(e.calls, enqueueCall{id, retry})
	return e.err
}

const clipTemplate = `{"template_id":"clip","version":1,"input_schema":{
	"type":"object","required":["title","seconds"],"additionalProperties":false,
	"properties":{"title":{"type":"string","minLength":1},"seconds":{"type":"integer","minimum":1}}}}`

var tenVideos = plans.Limits{
	PlanID:                "ten",
	VideosPerMonth:        10,
	RenderSecondsPerMonth: plans.Unlimited,
	APICallsPerMonth:      plans.Unlimited,
	Features:              map[plans.Feature]bool{plans.FeatureAPIAccess: true},
}

type fixture struct {
	svc      *service
	store    *memStore
	usage    *memUsage
	enqueuer *fakeEnqueuer
	owner    *models.Principal
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := templates.NewRegistry(fstest.MapFS{"clip.v1.json": {Data: []byte(clipTemplate)}})
	require.NoError(t, err)
	store := newMemStore()
	u := &memUsage{}
	enq := &fakeEnqueuer{}
	meter := usage.NewMeter(u, plans.NewPolicyFrom(tenVideos), nil)
	return &fixture{
		svc:      NewService(store, reg, meter, enq, nil),
		store:    store,
		usage:    u,
		enqueuer: enq,
		owner:    &models.Principal{AccountID: uuid.New(), PlanID: "ten", AuthMode: models.AuthModeAPIKey},
	}
}

var validInput = CreateInput{TemplateID: "clip", Input: json.RawMessage(`{"title":"Launch","seconds":12}`)}

func (f *fixture) seed(t *testing.T, status models.JobStatus) *models.RenderJob {
	t.Helper()
	j := &models.RenderJob{
		ID:             uuid.New(),
		OwnerAccountID: f.owner.AccountID,
		TemplateID:     "clip",
		Status:         status,
		Attempt:        1,
		UpdatedAt:      time.Now(),
	}
	f.store.put(j)
	return j
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestCreate_PersistsQueuedReservesAndEnqueues(t *testing.T) {
	f := newFixture(t)

	job, err := f.svc.Create(context.Background(), f.owner, validInput)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, job.Status)
	require.Equal(t, 1, job.TemplateVersion)

	stored, err := f.store.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, stored.Status)
	require.Equal(t, int64(1), f.usage.value(f.owner.AccountID, models.MetricVideos))
	require.Equal(t, []enqueueCall{{job.ID, false}}, f.enqueuer.calls)
}

func TestCreate_ValidationFailureConsumesNothing(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), f.owner, CreateInput{
		TemplateID: "clip",
		Input:      json.RawMessage(`{"seconds":0,"extra":true}`),
	})
	e, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindValidation, e.Kind)
	fields := map[string]bool{}
	for _, fe := range e.Fields {
		fields[fe.Field] = true
	}
	require.True(t, fields["input.title"])
	require.True(t, fields["input.seconds"])
	require.True(t, fields["input.extra"])

	require.Zero(t, f.store.count())
	require.Zero(t, f.usage.value(f.owner.AccountID, models.MetricVideos))
	require.Empty(t, f.enqueuer.calls)
}

func TestCreate_TemplateErrors(t *testing.T) {
	f := newFixture(t)
	cases := map[string]struct {
		in    CreateInput
		field string
	}{
		"missing everything": {CreateInput{}, "templateId"},
		"unknown template":   {CreateInput{TemplateID: "nope", Input: json.RawMessage(`{}`)}, "templateId"},
		"unknown version":    {CreateInput{TemplateID: "clip", Version: 7, Input: json.RawMessage(`{}`)}, "version"},
		"null input":         {CreateInput{TemplateID: "clip", Input: json.RawMessage(`null`)}, "input"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Create(context.Background(), f.owner, tc.in)
			e, ok := apperr.As(err)
			require.True(t, ok)
			require.Equal(t, apperr.KindValidation, e.Kind)
			require.Equal(t, tc.field, e.Fields[0].Field)
		})
	}
	require.Zero(t, f.store.count())
}

func TestCreate_QuotaBoundary(t *testing.T) {
	f := newFixture(t)
	f.usage.set(f.owner.AccountID, models.MetricVideos, 9)

	_, err := f.svc.Create(context.Background(), f.owner, validInput)
	require.NoError(t, err)
	require.Equal(t, int64(10), f.usage.value(f.owner.AccountID, models.MetricVideos))

	_, err = f.svc.Create(context.Background(), f.owner, validInput)
	e, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindQuotaExceeded, e.Kind)
	require.Equal(t, int64(10), e.Limit)
	require.Equal(t, models.MetricVideos, e.Metric)
	require.Equal(t, 1, f.store.count())
}

type racingQuota struct{}

func (racingQuota) Check(context.Context, uuid.UUID, string, models.Metric) error { return nil }
func (racingQuota) CheckAndReserve(context.Context, pgx.Tx, uuid.UUID, string, models.Metric) error {
	return apperr.QuotaExceeded(models.MetricVideos, 10)
}
func (racingQuota) Record(context.Context, uuid.UUID, models.Metric, int64) error { return nil }

func TestCreate_ReservationFailureRollsBackInsert(t *testing.T) {
	f := newFixture(t)
	f.svc.quota = racingQuota{}

	_, err := f.svc.Create(context.Background(), f.owner, validInput)
	require.Equal(t, apperr.KindQuotaExceeded, apperr.KindOf(err))
	require.Zero(t, f.store.count())
	require.Empty(t, f.enqueuer.calls)
}

func TestCreate_ConcurrentNeverExceedsQuota(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Create(context.Background(), f.owner, validInput)
		}()
	}
	wg.Wait()
	require.Equal(t, 10, f.store.count())
	require.Equal(t, int64(10), f.usage.value(f.owner.AccountID, models.MetricVideos))
}

func TestCreate_EnqueueFailureLeavesJobQueued(t *testing.T) {
	f := newFixture(t)
	f.enqueuer.err = context.DeadlineExceeded

	job, err := f.svc.Create(context.Background(), f.owner, validInput)
	require.Equal(t, apperr.KindUpstreamUnavailable, apperr.KindOf(err))
	require.NotNil(t, job)

	stored, getErr := f.store.GetByID(context.Background(), job.ID)
	require.NoError(t, getErr)
	require.Equal(t, models.JobStatusQueued, stored.Status)
	require.Equal(t, int64(1), f.usage.value(f.owner.AccountID, models.MetricVideos))
}

// ---------------------------------------------------------------------------
// Get / List
// ---------------------------------------------------------------------------

func TestGet_OwnershipAndTeam(t *testing.T) {
	f := newFixture(t)
	team := uuid.New()
	j := f.seed(t, models.JobStatusRendering)
	j.OwnerTeamID = &team

	got, err := f.svc.Get(context.Background(), f.owner, j.ID)
	require.NoError(t, err)
	require.Equal(t, j.ID, got.ID)

	mate := &models.Principal{AccountID: uuid.New(), TeamID: &team}
	_, err = f.svc.Get(context.Background(), mate, j.ID)
	require.NoError(t, err)

	stranger := &models.Principal{AccountID: uuid.New()}
	_, err = f.svc.Get(context.Background(), stranger, j.ID)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = f.svc.Get(context.Background(), f.owner, uuid.New())
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	f.store.getErr = errors.New("conn reset")
	_, err = f.svc.Get(context.Background(), f.owner, j.ID)
	require.Equal(t, apperr.KindUpstreamUnavailable, apperr.KindOf(err))
}

func TestList_OnlyAccessibleJobs(t *testing.T) {
	f := newFixture(t)
	f.seed(t, models.JobStatusQueued)
	f.seed(t, models.JobStatusCompleted)
	f.store.put(&models.RenderJob{ID: uuid.New(), OwnerAccountID: uuid.New(), Status: models.JobStatusQueued})

	list, err := f.svc.List(context.Background(), f.owner)
	require.NoError(t, err)
	require.Len(t, list, 2)
}

// ---------------------------------------------------------------------------
// Retry
// ---------------------------------------------------------------------------

func TestRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, st := range []models.JobStatus{models.JobStatusQueued, models.JobStatusRendering, models.JobStatusCompleted} {
		j := f.seed(t, st)
		_, err := f.svc.Retry(ctx, f.owner, j.ID)
		require.Equal(t, apperr.KindConflict, apperr.KindOf(err), st)
	}

	msg, url := "font missing", "https://cdn/partial.mp4"
	j := f.seed(t, models.JobStatusFailed)
	j.RenderError, j.OutputURL = &msg, &url

	_, err := f.svc.Retry(ctx, &models.Principal{AccountID: uuid.New()}, j.ID)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	got, err := f.svc.Retry(ctx, f.owner, j.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, got.Status)
	require.Nil(t, got.RenderError)
	require.Nil(t, got.OutputURL)
	require.Equal(t, 2, got.Attempt)
	require.Equal(t, []enqueueCall{{j.ID, true}}, f.enqueuer.calls)
}

func TestRetry_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	team := uuid.New()
	f.owner.TeamID = &team
	j := f.seed(t, models.JobStatusFailed)
	j.OwnerTeamID = &team

	mate := &models.Principal{AccountID: uuid.New(), TeamID: &team, PlanID: "ten", AuthMode: models.AuthModeAPIKey}
	_, err := f.svc.Get(context.Background(), mate, j.ID)
	require.NoError(t, err, "team members can still read the job")

	_, err = f.svc.Retry(context.Background(), mate, j.ID)
	require.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	got, _ := f.store.GetByID(context.Background(), j.ID)
	require.Equal(t, models.JobStatusFailed, got.Status)
	require.Empty(t, f.enqueuer.calls)

	got, err = f.svc.Retry(context.Background(), f.owner, j.ID)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusQueued, got.Status)
}

func TestRetry_EnqueueFailureStillQueued(t *testing.T) {
	f := newFixture(t)
	f.enqueuer.err = errors.New("queue down")
	j := f.seed(t, models.JobStatusFailed)

	got, err := f.svc.Retry(context.Background(), f.owner, j.ID)
	require.Equal(t, apperr.KindUpstreamUnavailable, apperr.KindOf(err))
	require.Equal(t, models.JobStatusQueued, got.Status)
}

// ---------------------------------------------------------------------------
// ApplyOutcome
// ---------------------------------------------------------------------------

func TestApplyOutcome_SuccessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.seed(t, models.JobStatusRendering)
	o := webhook.Success{JobID: j.ID, RenderID: "r1", OutputURL: "https://cdn/out.mp4", RenderSeconds: 12, RenderPixels: 100}

	res, err := f.svc.ApplyOutcome(ctx, o)
	require.NoError(t, err)
	require.Equal(t, webhook.ResultApplied, res)
	first, _ := f.store.GetByID(ctx, j.ID)

	res, err = f.svc.ApplyOutcome(ctx, o)
	require.NoError(t, err)
	require.Equal(t, webhook.ResultDuplicate, res)
	second, _ := f.store.GetByID(ctx, j.ID)

	require.Equal(t, first, second)
	require.Equal(t, models.JobStatusCompleted, second.Status)
	require.Equal(t, "https://cdn/out.mp4", *second.OutputURL)
	require.Equal(t, int64(1), f.usage.value(f.owner.AccountID, models.MetricRenders))
	require.Equal(t, int64(12), f.usage.value(f.owner.AccountID, models.MetricRenderSeconds))
}

func TestApplyOutcome_FirstOutcomeWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.seed(t, models.JobStatusRendering)
	_, err := f.svc.ApplyOutcome(ctx, webhook.Success{JobID: a.ID})
	require.NoError(t, err)
	res, err := f.svc.ApplyOutcome(ctx, webhook.Failure{JobID: a.ID, Message: "late failure"})
	require.NoError(t, err)
	require.Equal(t, webhook.ResultConflicting, res)
	got, _ := f.store.GetByID(ctx, a.ID)
	require.Equal(t, models.JobStatusCompleted, got.Status)
	require.Nil(t, got.RenderError)

	b := f.seed(t, models.JobStatusDispatching)
	_, err = f.svc.ApplyOutcome(ctx, webhook.Failure{JobID: b.ID, Message: "boom"})
	require.NoError(t, err)
	res, err = f.svc.ApplyOutcome(ctx, webhook.Success{JobID: b.ID, OutputURL: "https://cdn/late.mp4"})
	require.NoError(t, err)
	require.Equal(t, webhook.ResultConflicting, res)
	got, _ = f.store.GetByID(ctx, b.ID)
	require.Equal(t, models.JobStatusFailed, got.Status)
	require.Equal(t, "boom", *got.RenderError)
	require.Nil(t, got.OutputURL)
}

func TestApplyOutcome_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	f := newFixture(t)
	j := f.seed(t, models.JobStatusRendering)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var o webhook.Outcome = webhook.Success{JobID: j.ID}
			if i%2 == 1 {
				o = webhook.Failure{JobID: j.ID, Message: "x"}
			}
			res, err := f.svc.ApplyOutcome(context.Background(), o)
			require.NoError(t, err)
			if res == webhook.ResultApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 1, applied)
}

func TestApplyOutcome_RedeliveryAfterRetryIsStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.seed(t, models.JobStatusRendering)
	old := webhook.Failure{JobID: j.ID, Attempt: 1, RenderID: "render-1", Message: "encoder crashed"}

	res, err := f.svc.ApplyOutcome(ctx, old)
	require.NoError(t, err)
	require.Equal(t, webhook.ResultApplied, res)
	_, err = f.svc.Retry(ctx, f.owner, j.ID)
	require.NoError(t, err)

	// Same callback delivered again while the new attempt is still queued.
	res, err = f.svc.ApplyOutcome(ctx, old)
	require.NoError(t, err)
	require.Equal(t, webhook.ResultStale, res)
	got, _ := f.store.GetByID(ctx, j.ID)
	require.Equal(t, models.JobStatusQueued, got.Status)
	require.Nil(t, got.RenderError)

	// A late success from the first attempt cannot complete the second one either.
	res, err = f.svc.ApplyOutcome(ctx, webhook.Success{JobID: j.ID, Attempt: 1, RenderID: "render-1", OutputURL: "https://cdn/old.mp4"})
	require.NoError(t, err)
	require.Equal(t, webhook.ResultStale, res)

	_, ok, err := f.svc.BeginDispatch(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.svc.MarkRendering(ctx, j.ID, "render-2"))

	// Without an attempt tag the stored render id still tells them apart.
	res, err = f.svc.ApplyOutcome(ctx, webhook.Failure{JobID: j.ID, RenderID: "render-1", Message: "encoder crashed"})
	require.NoError(t, err)
	require.Equal(t, webhook.ResultStale, res)

	res, err = f.svc.ApplyOutcome(ctx, webhook.Success{JobID: j.ID, Attempt: 2, RenderID: "render-2", OutputURL: "https://cdn/new.mp4"})
	require.NoError(t, err)
	require.Equal(t, webhook.ResultApplied, res)
	got, _ = f.store.GetByID(ctx, j.ID)
	require.Equal(t, models.JobStatusCompleted, got.Status)
	require.Equal(t, "https://cdn/new.mp4", *got.OutputURL)
	require.Equal(t, int64(1), f.usage.value(f.owner.AccountID, models.MetricRenders))
}

func TestApplyOutcome_UnknownJob(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.ApplyOutcome(context.Background(), webhook.Success{JobID: uuid.New()})
	require.NoError(t, err)
	require.Equal(t, webhook.ResultUnknownJob, res)
}

// ---------------------------------------------------------------------------
// Dispatch lifecycle and reconciliation
// ---------------------------------------------------------------------------

func TestDispatchLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	j := f.seed(t, models.JobStatusQueued)

	got, ok, err := f.svc.BeginDispatch(ctx, j.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, models.JobStatusDispatching, got.Status)

	_, ok, err = f.svc.BeginDispatch(ctx, j.ID)
	require.NoError(t, err)
	require.False(t, ok, "redelivered message must be a no-op")

	require.NoError(t, f.svc.ReleaseDispatch(ctx, j.ID))
	got, _ = f.store.GetByID(ctx, j.ID)
	require.Equal(t, models.JobStatusQueued, got.Status)

	_, _, _ = f.svc.BeginDispatch(ctx, j.ID)
	require.NoError(t, f.svc.MarkRendering(ctx, j.ID, "r-77"))
	got, _ = f.store.GetByID(ctx, j.ID)
	require.Equal(t, models.JobStatusRendering, got.Status)
	require.Equal(t, "r-77", *got.RenderID)

	k := f.seed(t, models.JobStatusQueued)
	_, _, _ = f.svc.BeginDispatch(ctx, k.ID)
	require.NoError(t, f.svc.FailDispatch(ctx, k.ID, "renderer rejected job: 422"))
	got, _ = f.store.GetByID(ctx, k.ID)
	require.Equal(t, models.JobStatusFailed, got.Status)
	require.Equal(t, "renderer rejected job: 422", *got.RenderError)
}

func TestReconcileStale(t *testing.T) {
	f := newFixture(t)
	old := time.Now().Add(-time.Hour)

	stale := f.seed(t, models.JobStatusQueued)
	stale.UpdatedAt = old
	fresh := f.seed(t, models.JobStatusQueued)
	stuck := f.seed(t, models.JobStatusDispatching)
	stuck.UpdatedAt = old
	f.seed(t, models.JobStatusRendering).UpdatedAt = old

	n, err := f.svc.ReconcileStale(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []enqueueCall{{stale.ID, false}}, f.enqueuer.calls)

	got, _ := f.store.GetByID(context.Background(), stuck.ID)
	require.Equal(t, models.JobStatusQueued, got.Status)
	got, _ = f.store.GetByID(context.Background(), fresh.ID)
	require.Equal(t, models.JobStatusQueued, got.Status)
}
