package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/reelcast/backend/internal/apperr"
	"github.com/reelcast/backend/internal/models"
	"github.com/reelcast/backend/internal/plans"
)

// SessionCookie carries the browser session token.
const SessionCookie = "session"

// CredentialValidator checks a raw API key. A nil credential means no match.
type CredentialValidator interface {
	Validate(ctx context.Context, raw string) (*models.APICredential, error)
}

type AccountLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

// Resolver turns a request into a Principal. An Authorization header selects
// API key authentication exclusively; without one the session cookie is used.
type Resolver struct {
	creds    CredentialValidator
	accounts AccountLookup
	tokens   TokenValidator
	policy   *plans.Policy
	log      *slog.Logger
}

func NewResolver(creds CredentialValidator, accounts AccountLookup, tokens TokenValidator, policy *plans.Policy, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{creds: creds, accounts: accounts, tokens: tokens, policy: policy, log: log}
}

func (res *Resolver) Resolve(r *http.Request) (*models.Principal, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return res.resolveAPIKey(r.Context(), h)
	}
	return res.resolveSession(r)
}

func (res *Resolver) resolveAPIKey(ctx context.Context, header string) (*models.Principal, error) {
	raw := bearer(header)
	if raw == "" {
		return nil, apperr.Unauthenticated("malformed Authorization header")
	}
	cred, err := res.creds.Validate(ctx, raw)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, apperr.Unauthenticated("invalid api key")
	}
	acc, err := res.account(ctx, cred.AccountID)
	if err != nil {
		return nil, err
	}
	if !res.policy.HasFeature(acc.PlanID, plans.FeatureAPIAccess) {
		res.log.Info("api key rejected for plan", "account_id", acc.ID, "plan", acc.PlanID)
		return nil, apperr.Forbidden("plan does not include API access")
	}
	id := cred.ID
	return &models.Principal{
		AccountID:    acc.ID,
		TeamID:       acc.TeamID,
		PlanID:       acc.PlanID,
		AuthMode:     models.AuthModeAPIKey,
		CredentialID: &id,
	}, nil
}

func (res *Resolver) resolveSession(r *http.Request) (*models.Principal, error) {
	c, err := r.Cookie(SessionCookie)
	if err != nil || c.Value == "" {
		return nil, apperr.Unauthenticated("authentication required")
	}
	accountID, err := res.tokens.ValidateToken(r.Context(), c.Value)
	if err != nil {
		return nil, apperr.Unauthenticated("invalid or expired session")
	}
	acc, err := res.account(r.Context(), accountID)
	if err != nil {
		return nil, err
	}
	return &models.Principal{
		AccountID: acc.ID,
		TeamID:    acc.TeamID,
		PlanID:    acc.PlanID,
		AuthMode:  models.AuthModeSession,
	}, nil
}

func (res *Resolver) account(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	acc, err := res.accounts.GetByID(ctx, id)
	if errors.Is(err, ErrAccountNotFound) {
		return nil, apperr.Unauthenticated("account no longer exists")
	}
	if err != nil {
		return nil, apperr.Upstream("account lookup failed", err)
	}
	return acc, nil
}

func bearer(h string) string {
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
