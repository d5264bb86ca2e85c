package models

import (
	"time"

	"github.com/google/uuid"
)

// APICredential is a stored API key. Only the SHA-256 digest of the raw
// secret is kept; Prefix is the non-secret display fragment.
type APICredential struct {
	ID         uuid.UUID  `json:"id"`
	AccountID  uuid.UUID  `json:"account_id"`
	Label      string     `json:"label"`
	Prefix     string     `json:"prefix"`
	SecretHash string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}
