package models

import "github.com/google/uuid"

// AuthMode records how a Principal was authenticated.
type AuthMode string

const (
	AuthModeSession AuthMode = "session"
	AuthModeAPIKey  AuthMode = "apiKey"
)

// Principal is the verified caller identity for one request. It is never persisted.
type Principal struct {
	AccountID    uuid.UUID
	TeamID       *uuid.UUID
	PlanID       string
	AuthMode     AuthMode
	CredentialID *uuid.UUID
}

// CanAccess reports whether the principal owns a resource directly or via its team.
func (p *Principal) CanAccess(ownerAccountID uuid.UUID, ownerTeamID *uuid.UUID) bool {
	if p == nil {
		return false
	}
	if p.AccountID == ownerAccountID {
		return true
	}
	return p.TeamID != nil && ownerTeamID != nil && *p.TeamID == *ownerTeamID
}
