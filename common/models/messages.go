package models

import "github.com/google/uuid"

// Stream names shared between the vault server and the cooker workers
const (
	CookingJobStream    = "vault.cooking.jobs"
	CookingStatusStream = "vault.cooking.status"
)

// Status update event kinds
const (
	EventProgress = "progress"
	EventSuccess  = "success"
	EventFailure  = "failure"
)

// CookingJob is the message published on the job stream when a bundle is
// dispatched to the workers
type CookingJob struct {
	BundleID int64     `json:"bundle_id"`
	JobID    uuid.UUID `json:"job_id"`
	Type     string    `json:"type"`
	ObjectID string    `json:"object_id"`
}

// StatusUpdate is the message a worker publishes on the status stream to
// report cooking progress or a terminal outcome
type StatusUpdate struct {
	BundleID int64     `json:"bundle_id"`
	JobID    uuid.UUID `json:"job_id"`
	Event    string    `json:"event"`

	// Progress text or failure reason
	Message string `json:"message,omitempty"`

	// Bundle bytes, success only (base64 through JSON)
	Bundle []byte `json:"bundle,omitempty"`
}
