// Package credentials issues, validates and revokes opaque API keys.
package credentials

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reelcast/backend/internal/apperr"
	"github.com/reelcast/backend/internal/models"
)

const (
	// Tag namespaces every issued key so garbage input is rejected before hashing.
	Tag = "rk_"

	secretBytes  = 32
	keyLength    = len(Tag) + secretBytes*2
	prefixLength = 12

	touchTimeout = 5 * time.Second
)

// Repo is the persistence the Store needs.
type Repo interface {
	Create(ctx context.Context, c *models.APICredential) error
	FindByHash(ctx context.Context, secretHash string) (*models.APICredential, error)
	TouchLastUsed(ctx context.Context, id uuid.UUID, at time.Time) error
	ListByAccount(ctx context.Context, accountID uuid.UUID) ([]*models.APICredential, error)
	DeleteOwned(ctx context.Context, id, accountID uuid.UUID) (bool, error)
}

// Issued is returned once at creation. RawKey is never available again.
type Issued struct {
	Credential *models.APICredential
	RawKey     string
}

type Store struct {
	repo Repo
	now  func() time.Time
	log  *slog.Logger
}

func NewStore(repo Repo, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{repo: repo, now: time.Now, log: log}
}

// HashKey returns the hex SHA-256 digest stored in place of the raw key.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (s *Store) Issue(ctx context.Context, accountID uuid.UUID, label string) (*Issued, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw := Tag + hex.EncodeToString(buf)

	c := &models.APICredential{
		ID:         uuid.New(),
		AccountID:  accountID,
		Label:      strings.TrimSpace(label),
		Prefix:     raw[:prefixLength],
		SecretHash: HashKey(raw),
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, apperr.Upstream("could not persist credential", err)
	}
	s.log.Info("api key issued", "account_id", accountID, "credential_id", c.ID, "prefix", c.Prefix)
	return &Issued{Credential: c, RawKey: raw}, nil
}

// Validate returns the stored credential matching raw, or nil when there is
// no match. Last-used bookkeeping runs in the background and never affects
// the result.
func (s *Store) Validate(ctx context.Context, raw string) (*models.APICredential, error) {
	if !strings.HasPrefix(raw, Tag) || len(raw) < keyLength {
		return nil, nil
	}
	c, err := s.repo.FindByHash(ctx, HashKey(raw))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Upstream("credential lookup failed", err)
	}
	go s.touch(c.ID)
	return c, nil
}

func (s *Store) touch(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
	defer cancel()
	if err := s.repo.TouchLastUsed(ctx, id, s.now().UTC()); err != nil {
		s.log.Warn("update api key last_used_at failed", "credential_id", id, "error", err)
	}
}

// Revoke deletes the credential if requestingAccountID owns it. Unknown and
// foreign credentials both yield Forbidden.
func (s *Store) Revoke(ctx context.Context, id, requestingAccountID uuid.UUID) error {
	ok, err := s.repo.DeleteOwned(ctx, id, requestingAccountID)
	if err != nil {
		return apperr.Upstream("could not revoke credential", err)
	}
	if !ok {
		return apperr.Forbidden("credential is not owned by this account")
	}
	s.log.Info("api key revoked", "account_id", requestingAccountID, "credential_id", id)
	return nil
}

func (s *Store) List(ctx context.Context, accountID uuid.UUID) ([]*models.APICredential, error) {
	list, err := s.repo.ListByAccount(ctx, accountID)
	if err != nil {
		return nil, apperr.Upstream("could not list credentials", err)
	}
	return list, nil
}
