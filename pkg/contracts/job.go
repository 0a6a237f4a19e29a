package contracts

import (
	"time"

	"github.com/ransomeye/core/pkg/faults"
)

// JobKind enumerates the work the durable queue carries.
type JobKind string

const (
	JobBuildBundle     JobKind = "build_bundle"
	JobRehydrateBundle JobKind = "rehydrate_bundle"
	JobScoreIncident   JobKind = "score_incident"
)

// JobStatus is the queue state machine. succeeded and dead are terminal.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobLeased    JobStatus = "leased"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobDead      JobStatus = "dead"
)

// Terminal reports whether a status admits no further transitions.
func (s JobStatus) Terminal() bool { return s == JobSucceeded || s == JobDead }

// Job is one unit of work in the durable queue.
type Job struct {
	JobID          string    `json:"job_id"`
	Kind           JobKind   `json:"kind"`
	Payload        []byte    `json:"payload"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Status         JobStatus `json:"status"`
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
	Attempts       int       `json:"attempts"`
	MaxAttempts    int       `json:"max_attempts"`
	NextVisibleAt  time.Time `json:"next_visible_at"`
	LastError      string    `json:"last_error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BuildBundlePayload is the payload of a build_bundle job.
type BuildBundlePayload struct {
	IncidentID string   `json:"incident_id"`
	Since      string   `json:"since,omitempty"`
	Entities   []string `json:"entities,omitempty"`
}

// RehydratePayload is the payload of a rehydrate_bundle job.
type RehydratePayload struct {
	BundlePath string `json:"bundle_path"`
}

// ScoreIncidentPayload is the payload of a score_incident job.
type ScoreIncidentPayload struct {
	IncidentID string `json:"incident_id"`
}

// Validate rejects structurally broken jobs before they reach storage.
func (j Job) Validate() error {
	if j.JobID == "" {
		return faults.Validationf("job: missing job_id")
	}
	if j.Kind == "" {
		return faults.Validationf("job: missing kind")
	}
	if j.MaxAttempts <= 0 {
		return faults.Validationf("job: max_attempts must be positive")
	}
	return nil
}
