package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/reelcast/backend/internal/apperr"
	"github.com/reelcast/backend/internal/middleware"
	"github.com/reelcast/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory Repo
// ---------------------------------------------------------------------------

type memRepo struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]*models.APICredential
	lookups   int
	touched   map[uuid.UUID]time.Time
	createErr error
	touchErr  error
}

func newMemRepo() *memRepo {
	return &memRepo{byID: map[uuid.UUID]*models.APICredential{}, touched: map[uuid.UUID]time.Time{}}
}

func (m *memRepo) Create(_ context.Context, c *models.APICredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	c.CreatedAt = time.Now()
	cp := *c
	m.byID[c.ID] = &cp
	return nil
}

func (m *memRepo) FindByHash(_ context.Context, hash string) (*models.APICredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	for _, c := range m.byID {
		if c.SecretHash == hash {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) TouchLastUsed(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.touchErr != nil {
		return m.touchErr
	}
	m.touched[id] = at
	return nil
}

func (m *memRepo) ListByAccount(_ context.Context, accountID uuid.UUID) ([]*models.APICredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APICredential
	for _, c := range m.byID {
		if c.AccountID == accountID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memRepo) DeleteOwned(_ context.Context, id, accountID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok || c.AccountID != accountID {
		return false, nil
	}
	delete(m.byID, id)
	return true, nil
}

func (m *memRepo) wasTouched(id uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.touched[id]
	return ok
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

func TestIssue_StoresOnlyHashAndPrefix(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, nil)
	acc := uuid.New()

	issued, err := s.Issue(context.Background(), acc, " ci ")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(issued.RawKey, Tag))
	require.Len(t, issued.RawKey, keyLength)

	stored := repo.byID[issued.Credential.ID]
	require.NotNil(t, stored)
	require.Equal(t, "ci", stored.Label)
	require.Equal(t, issued.RawKey[:prefixLength], stored.Prefix)
	require.Equal(t, HashKey(issued.RawKey), stored.SecretHash)
	require.NotContains(t, stored.SecretHash, issued.RawKey[len(Tag):])
}

func TestIssue_PersistenceFailure(t *testing.T) {
	repo := newMemRepo()
	repo.createErr = errors.New("db down")
	s := NewStore(repo, nil)

	_, err := s.Issue(context.Background(), uuid.New(), "x")
	require.Equal(t, apperr.KindUpstreamUnavailable, apperr.KindOf(err))
	require.Empty(t, repo.byID)
}

func TestValidate_MatchesAndTouches(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, nil)
	issued, err := s.Issue(context.Background(), uuid.New(), "")
	require.NoError(t, err)

	c, err := s.Validate(context.Background(), issued.RawKey)
	require.NoError(t, err)
	require.NotNil(t, c)
	require.Equal(t, issued.Credential.ID, c.ID)
	require.Eventually(t, func() bool { return repo.wasTouched(c.ID) }, time.Second, 5*time.Millisecond)
}

func TestValidate_TouchFailureDoesNotFailValidation(t *testing.T) {
	repo := newMemRepo()
	repo.touchErr = errors.New("timeout")
	s := NewStore(repo, nil)
	issued, err := s.Issue(context.Background(), uuid.New(), "")
	require.NoError(t, err)

	c, err := s.Validate(context.Background(), issued.RawKey)
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestValidate_TamperedCharacterRejected(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, nil)
	issued, err := s.Issue(context.Background(), uuid.New(), "")
	require.NoError(t, err)

	for _, i := range []int{len(Tag), len(Tag) + 20, len(issued.RawKey) - 1} {
		b := []byte(issued.RawKey)
		if b[i] == 'a' {
			b[i] = 'b'
		} else {
			b[i] = 'a'
		}
		c, err := s.Validate(context.Background(), string(b))
		require.NoError(t, err)
		require.Nil(t, c, "tampered at %d", i)
	}
}

func TestValidate_RejectsGarbageWithoutLookup(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, nil)

	for _, raw := range []string{"", "rk_short", "sk_" + strings.Repeat("a", 64), strings.Repeat("a", 67)} {
		c, err := s.Validate(context.Background(), raw)
		require.NoError(t, err)
		require.Nil(t, c)
	}
	require.Zero(t, repo.lookups)

	c, err := s.Validate(context.Background(), Tag+strings.Repeat("0", 64))
	require.NoError(t, err)
	require.Nil(t, c)
	require.Equal(t, 1, repo.lookups)
}

func TestRevoke_OwnerOnly(t *testing.T) {
	repo := newMemRepo()
	s := NewStore(repo, nil)
	owner, other := uuid.New(), uuid.New()
	issued, err := s.Issue(context.Background(), owner, "")
	require.NoError(t, err)

	err = s.Revoke(context.Background(), issued.Credential.ID, other)
	require.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
	require.Len(t, repo.byID, 1)

	require.NoError(t, s.Revoke(context.Background(), issued.Credential.ID, owner))
	require.Empty(t, repo.byID)

	c, err := s.Validate(context.Background(), issued.RawKey)
	require.NoError(t, err)
	require.Nil(t, c)
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func sessionRequest(method, target, body string, accountID uuid.UUID) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	p := &models.Principal{AccountID: accountID, PlanID: "free", AuthMode: models.AuthModeSession}
	return req.WithContext(middleware.WithPrincipal(req.Context(), p))
}

func TestHandler_CreateListDelete(t *testing.T) {
	repo := newMemRepo()
	h := NewHandler(NewStore(repo, nil), nil)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/api-keys", h.Create)
	mux.HandleFunc("GET /api/v1/api-keys", h.List)
	mux.HandleFunc("DELETE /api/v1/api-keys/{id}", h.Delete)
	acc := uuid.New()

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, sessionRequest(http.MethodPost, "/api/v1/api-keys", `{"label":"deploy"}`, acc))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Contains(t, rec.Body.String(), `"raw_key":"rk_`)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, sessionRequest(http.MethodGet, "/api/v1/api-keys", "", acc))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"label":"deploy"`)
	require.NotContains(t, rec.Body.String(), "raw_key")
	require.NotContains(t, rec.Body.String(), "secret_hash")

	var id uuid.UUID
	for k := range repo.byID {
		id = k
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, sessionRequest(http.MethodDelete, "/api/v1/api-keys/"+id.String(), "", uuid.New()))
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, sessionRequest(http.MethodDelete, "/api/v1/api-keys/"+id.String(), "", acc))
	require.Equal(t, http.StatusNoContent, rec.Code)
}
