package training

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCancelled reports that the session was cancelled through the
	// callbacks or the context. It is a terminal outcome, not a failure.
	ErrCancelled = errors.New("training cancelled")
	// ErrAdmissionTimeout reports that device conditions stayed unfavourable
	// past the configured maximum wait.
	ErrAdmissionTimeout = errors.New("device conditions not met before deadline")
)

// Callbacks is the contract between an executor and the session that runs
// it. The executor pushes progress through the reporting methods and polls
// Paused, Cancelled, and CheckConditions at least once per unit of work.
type Callbacks interface {
	// Progress reports overall completion in percent (0..100).
	Progress(percent int)
	// EpochUpdate reports a finished epoch with its loss and a human ETA.
	EpochUpdate(completed, total int, loss float64, eta string)
	// Validation publishes an inference or validation result.
	Validation(result string)
	// Status replaces the user-visible status line.
	Status(message string)
	// Paused reports whether the user asked to suspend.
	Paused() bool
	// Cancelled reports whether the session should stop.
	Cancelled() bool
	// WaitingChanged marks the session blocked (true) or unblocked (false) on
	// device conditions.
	WaitingChanged(waiting bool)
	// CheckConditions returns a reason when the device must not train now and
	// an empty string when training may proceed.
	CheckConditions(ctx context.Context) string
}

// Result is what a completed Train call hands back for checkpointing.
type Result struct {
	Checkpoint []byte
	Epochs     int
	Loss       float64
}

// Executor performs training and inference. Train must return ErrCancelled
// (possibly wrapped) when it stops because Cancelled reported true.
type Executor interface {
	Train(ctx context.Context, resume []byte, cb Callbacks) (Result, error)
	Infer(ctx context.Context, checkpoint []byte) (string, error)
}

// FormatETA renders a remaining duration the way the status card shows it:
// "45s", "5m", "1h 12m".
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int((d+30*time.Second)/time.Minute))
	default:
		h := int(d / time.Hour)
		m := int((d % time.Hour) / time.Minute)
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh %dm", h, m)
	}
}
