package lifecycle

import "fmt"

// Status messages published by the lifecycle.
const (
	StatusIdle         = "inactive"
	StatusInitializing = "Initializing..."
	StatusTraining     = "Training in progress..."
	StatusPaused       = "Training Paused"
	StatusResumed      = "Training Resumed..."
	StatusCancelled    = "Process Cancelled"
	StatusComplete     = "Process Complete"
)

// ErrorStatus renders the status line for a failed session.
func ErrorStatus(detail string) string {
	return "Error: " + detail
}

// State is the derived lifecycle phase. It is never stored directly; the
// active, waiting, and paused flags are the source of truth.
type State int

const (
	StateInactive State = iota
	StateWaiting
	StateTraining
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateWaiting:
		return "waiting"
	case StateTraining:
		return "training"
	case StatePaused:
		return "paused"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition names the effect of a toggle request.
type Transition string

const (
	TransitionStart  Transition = "start"
	TransitionAbort  Transition = "abort"
	TransitionPause  Transition = "pause"
	TransitionResume Transition = "resume"
)

// Stats holds the detailed figures shown alongside the progress bar.
type Stats struct {
	EpochsCompleted    string `json:"epochs_completed"`
	TotalEpochs        int    `json:"total_epochs"`
	EstimatedTimeLeft  string `json:"estimated_time_left"`
	OverallPerformance string `json:"overall_performance"`
	InferenceResult    string `json:"inference_result"`
}

// DefaultStats returns the placeholder values shown before any epoch reports.
func DefaultStats() Stats {
	return Stats{
		EpochsCompleted:    "0 / 0",
		EstimatedTimeLeft:  "Calculating...",
		OverallPerformance: "0%",
		InferenceResult:    "Pending",
	}
}

// Snapshot is an immutable copy of the lifecycle record.
type Snapshot struct {
	Active     bool   `json:"active"`
	Waiting    bool   `json:"waiting"`
	Paused     bool   `json:"paused"`
	Progress   int    `json:"progress"`
	Status     string `json:"status"`
	Stats      Stats  `json:"stats"`
	SessionID  string `json:"session_id,omitempty"`
	Generation uint64 `json:"generation"`
	Version    uint64 `json:"version"`
}

// State derives the lifecycle phase from the flags.
func (s Snapshot) State() State {
	switch {
	case !s.Active:
		return StateInactive
	case s.Waiting:
		return StateWaiting
	case s.Paused:
		return StatePaused
	default:
		return StateTraining
	}
}
