package api

import (
	"fractal/internal/admission"
	"fractal/internal/history"
	"fractal/internal/lifecycle"
)

// FromSnapshot converts a lifecycle snapshot to its API representation.
func FromSnapshot(snap lifecycle.Snapshot) State {
	return State{
		State:    snap.State().String(),
		Active:   snap.Active,
		Waiting:  snap.Waiting,
		Paused:   snap.Paused,
		Progress: snap.Progress,
		Status:   snap.Status,
		Stats: Stats{
			EpochsCompleted:    snap.Stats.EpochsCompleted,
			TotalEpochs:        snap.Stats.TotalEpochs,
			EstimatedTimeLeft:  snap.Stats.EstimatedTimeLeft,
			OverallPerformance: snap.Stats.OverallPerformance,
			InferenceResult:    snap.Stats.InferenceResult,
		},
		SessionID: snap.SessionID,
		Version:   snap.Version,
	}
}

// FromConditions merges a device reading, the error from reading it, and the
// admission decision.
func FromConditions(cond admission.Conditions, readErr error, decision admission.Decision) ConditionsResponse {
	resp := ConditionsResponse{
		Allowed:        decision.Allowed,
		Rule:           string(decision.Rule),
		Reason:         decision.Reason,
		HasBattery:     cond.HasBattery,
		BatteryPercent: cond.BatteryPercent,
		Charging:       cond.Charging,
		Idle:           cond.Idle,
		Wifi:           cond.Network.Wifi,
		Cellular:       cond.Network.Cellular,
		TemperatureC:   cond.TemperatureC,
	}
	if !cond.Now.IsZero() {
		resp.ReadAt = cond.Now.UTC().Format(dateTimeFormat)
	}
	if cond.StorageKnown {
		mb := cond.FreeStorageBytes / (1024 * 1024)
		resp.FreeStorageMB = &mb
	}
	if readErr != nil {
		resp.SensorError = readErr.Error()
	}
	return resp
}

// FromSession converts a history row.
func FromSession(s history.Session) Session {
	dto := Session{
		ID:          s.ID,
		Outcome:     string(s.Outcome),
		Progress:    s.Progress,
		Epochs:      s.Epochs,
		Performance: s.Performance,
		Inference:   s.Inference,
		Error:       s.Error,
	}
	if !s.StartedAt.IsZero() {
		dto.StartedAt = s.StartedAt.UTC().Format(dateTimeFormat)
	}
	if !s.EndedAt.IsZero() {
		dto.EndedAt = s.EndedAt.UTC().Format(dateTimeFormat)
		dto.DurationSeconds = s.Duration().Seconds()
	}
	return dto
}
