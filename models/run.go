package models

import "time"

// Run statuses as stored on the run record.
const (
	RunPending   = "pending"
	RunQueued    = "queued"
	RunProcessed = "processed"
	RunFailed    = "failed"
)

// Run is the durable record of one upload-and-process cycle.
type Run struct {
	ID           string    `json:"runId"`
	TenantID     string    `json:"tenantId"`
	ObjectKey    string    `json:"objectKey"`
	Status       string    `json:"status"`
	Summary      string    `json:"summary"`
	ResultRef    string    `json:"resultRef,omitempty"`
	FindingCount int       `json:"findingCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
