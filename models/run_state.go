package models

import "time"

// Run phases shown to realtime observers.
const (
	PhasePending    = "pending"
	PhaseUploading  = "uploading"
	PhaseQueued     = "queued"
	PhaseProcessing = "processing"
	PhaseProcessed  = "processed"
	PhaseFailed     = "failed"
)

// RunState is the live progress of a run held by its room.
type RunState struct {
	Phase        string    `json:"phase"`
	Percent      int       `json:"percent"`
	LastMessage  string    `json:"lastMessage"`
	LastUpdated  time.Time `json:"lastUpdated"`
	ResultRef    string    `json:"resultRef,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	FindingCount *int      `json:"findingCount,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// DefaultRunState is the state of a run nobody has reported on yet.
func DefaultRunState(now time.Time) RunState {
	return RunState{
		Phase:       PhasePending,
		Percent:     0,
		LastMessage: "Initializing...",
		LastUpdated: now,
	}
}

// RunUpdate is a partial RunState. Nil fields keep their current value.
type RunUpdate struct {
	Phase        *string `json:"phase,omitempty"`
	Percent      *int    `json:"percent,omitempty"`
	Message      *string `json:"message,omitempty"`
	ResultRef    *string `json:"resultRef,omitempty"`
	Summary      *string `json:"summary,omitempty"`
	FindingCount *int    `json:"findingCount,omitempty"`
	Error        *string `json:"error,omitempty"`
}

// Progress builds the common phase/percent/message update.
func Progress(phase string, percent int, message string) RunUpdate {
	return RunUpdate{Phase: &phase, Percent: &percent, Message: &message}
}

// Failure moves a run to the failed phase with reason as its error.
func Failure(reason string) RunUpdate {
	u := Progress(PhaseFailed, 100, "Processing failed")
	u.Error = &reason
	return u
}

// Completion moves a run to processed and records its result.
func Completion(result RunResult) RunUpdate {
	u := Progress(PhaseProcessed, 100, "Processing complete")
	u.ResultRef = &result.ResultRef
	u.Summary = &result.Summary
	u.FindingCount = &result.FindingCount
	return u
}

// Apply merges u over s and stamps LastUpdated.
func (u RunUpdate) Apply(s RunState, now time.Time) RunState {
	if u.Phase != nil {
		s.Phase = *u.Phase
	}
	if u.Percent != nil {
		p := *u.Percent
		if p < 0 {
			p = 0
		} else if p > 100 {
			p = 100
		}
		s.Percent = p
	}
	if u.Message != nil {
		s.LastMessage = *u.Message
	}
	if u.ResultRef != nil {
		s.ResultRef = *u.ResultRef
	}
	if u.Summary != nil {
		s.Summary = *u.Summary
	}
	if u.FindingCount != nil {
		n := *u.FindingCount
		s.FindingCount = &n
	}
	if u.Error != nil {
		s.Error = *u.Error
	}
	s.LastUpdated = now
	return s
}

// EnvelopeType tags realtime frames.
type EnvelopeType string

const (
	EnvelopeProgress EnvelopeType = "progress"
	EnvelopeDone     EnvelopeType = "done"
	EnvelopeError    EnvelopeType = "error"
)

// Envelope is one realtime frame. Timestamp is unix milliseconds.
type Envelope struct {
	Type      EnvelopeType `json:"type"`
	Data      RunState     `json:"data"`
	Timestamp int64        `json:"timestamp"`
}

// NewEnvelope frames s, choosing the type from its phase.
func NewEnvelope(s RunState, now time.Time) Envelope {
	t := EnvelopeProgress
	switch s.Phase {
	case PhaseProcessed:
		t = EnvelopeDone
	case PhaseFailed:
		t = EnvelopeError
	}
	return Envelope{Type: t, Data: s, Timestamp: now.UnixMilli()}
}
