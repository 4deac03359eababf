package models

import (
	"time"
)

// JobStatus represents the current state of a job in the system
type JobStatus string

const (
	StatusPending JobStatus = "pending"
	StatusLeased  JobStatus = "leased"
	StatusDone    JobStatus = "done"
	StatusFailed  JobStatus = "failed"
)

// AllStatuses lists every job status in lifecycle order.
var AllStatuses = []JobStatus{StatusPending, StatusLeased, StatusDone, StatusFailed}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Job is one unit of processing work for a run
type Job struct {
	ID                 string     `json:"id"`
	RunID              string     `json:"runId"`
	TenantID           string     `json:"tenantId"`
	ObjectKey          string     `json:"objectKey"`
	Status             JobStatus  `json:"status"`
	Attempts           int        `json:"attempts"`
	VisibilityDeadline *time.Time `json:"visibilityDeadline,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Ack item statuses that are not job statuses.
const (
	AckNotFound = "not_found"
	AckError    = "error"
)

// AckResult is the per-item outcome of an acknowledgement. Changed is false
// when the job was already terminal and the ack had no effect.
type AckResult struct {
	ID      string `json:"id"`
	RunID   string `json:"runId,omitempty"`
	Status  string `json:"status"`
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// JobStats counts jobs per status.
type JobStats map[JobStatus]int64
