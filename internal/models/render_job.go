package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the RenderJob state machine:
//
//	queued -> dispatching -> rendering -> completed | failed
//
// failed -> queued only through an owner retry.
type JobStatus string

const (
	JobStatusQueued      JobStatus = "queued"
	JobStatusDispatching JobStatus = "dispatching"
	JobStatusRendering   JobStatus = "rendering"
	JobStatusCompleted   JobStatus = "completed"
	JobStatusFailed      JobStatus = "failed"
)

// Terminal reports whether no automatic transition leaves s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ActiveStatuses are the non-terminal states.
var ActiveStatuses = []JobStatus{JobStatusQueued, JobStatusDispatching, JobStatusRendering}

// JobPatch carries outcome fields written with a transition. Nil fields are left unchanged.
// A RenderID never replaces a different stored one: the transition is refused instead.
type JobPatch struct {
	OutputURL   *string
	RenderError *string
	RenderID    *string
	// Attempt, when non-zero, restricts the transition to that render attempt.
	Attempt int
}

type RenderJob struct {
	ID               uuid.UUID       `json:"id"`
	OwnerAccountID   uuid.UUID       `json:"owner_account_id"`
	OwnerTeamID      *uuid.UUID      `json:"owner_team_id,omitempty"`
	TemplateID       string          `json:"template_id"`
	TemplateVersion  int             `json:"template_version"`
	InputData        json.RawMessage `json:"input_data"`
	Status           JobStatus       `json:"status"`
	Attempt          int             `json:"attempt"`
	OutputURL        *string         `json:"output_url,omitempty"`
	RenderError      *string         `json:"render_error,omitempty"`
	RenderID         *string         `json:"render_id,omitempty"`
	EnqueueAttempts  int             `json:"enqueue_attempts"`
	EnqueuedAt       *time.Time      `json:"enqueued_at,omitempty"`
	LastEnqueueError *string         `json:"last_enqueue_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
