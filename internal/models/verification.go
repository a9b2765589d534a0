package models

import "time"

// Verification task states.
const (
	TaskStatusQueued     = "queued"
	TaskStatusInProgress = "in_progress"
	TaskStatusVerified   = "verified"
)

// NoteMaxRetriesExceeded is recorded when a task exhausts its retries.
const NoteMaxRetriesExceeded = "max retries exceeded"

// VerificationTask is a unit of optional human review for a stored filing.
type VerificationTask struct {
	ID                string    `json:"id"`
	CorpID            string    `json:"corp_id"`
	Status            string    `json:"status"`
	AssignedToSession string    `json:"assigned_to_session,omitempty"`
	AssignedAt        time.Time `json:"assigned_at,omitempty"`
	RetryCount        int       `json:"retry_count"`
	TimeoutCount      int       `json:"timeout_count"`
	MaxRetryCount     int       `json:"max_retry_count"`
	IsVerified        bool      `json:"is_verified"`
	Note              string    `json:"note,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AdminSession tracks a verifier's login session with an expiry.
type AdminSession struct {
	ID         string    `json:"id"`
	VerifierID string    `json:"verifier_id"`
	ExpiresAt  time.Time `json:"expires_at"`
	Active     bool      `json:"active"`
}

// Verifier is a human reviewer.
type Verifier struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Online bool   `json:"online"`
}
