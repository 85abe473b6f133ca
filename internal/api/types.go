package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// State is the transport form of a lifecycle snapshot.
type State struct {
	State     string `json:"state"`
	Active    bool   `json:"active"`
	Waiting   bool   `json:"waiting"`
	Paused    bool   `json:"paused"`
	Progress  int    `json:"progress"`
	Status    string `json:"statusMessage"`
	Stats     Stats  `json:"detailedStats"`
	SessionID string `json:"sessionId,omitempty"`
	Version   uint64 `json:"version"`
}

// Stats mirrors the detailed figures shown beside the progress bar.
type Stats struct {
	EpochsCompleted    string `json:"epochsCompleted"`
	TotalEpochs        int    `json:"totalEpochs"`
	EstimatedTimeLeft  string `json:"estimatedTimeLeft"`
	OverallPerformance string `json:"overallPerformance"`
	InferenceResult    string `json:"inferenceResult"`
}

// ToggleResponse reports the transition a toggle produced.
type ToggleResponse struct {
	Transition string `json:"transition"`
	State      State  `json:"state"`
}

// CancelResponse reports whether a session was stopped.
type CancelResponse struct {
	Cancelled bool  `json:"cancelled"`
	State     State `json:"state"`
}

// ConditionsResponse is a live device reading with the admission verdict.
type ConditionsResponse struct {
	Allowed        bool    `json:"allowed"`
	Rule           string  `json:"rule"`
	Reason         string  `json:"reason,omitempty"`
	ReadAt         string  `json:"readAt,omitempty"`
	HasBattery     bool    `json:"hasBattery"`
	BatteryPercent int     `json:"batteryPercent"`
	Charging       bool    `json:"charging"`
	Idle           bool    `json:"idle"`
	Wifi           bool    `json:"wifi"`
	Cellular       bool    `json:"cellular"`
	TemperatureC   float64 `json:"temperatureC"`
	FreeStorageMB  *uint64 `json:"freeStorageMB,omitempty"`
	SensorError    string  `json:"sensorError,omitempty"`
}

// Session is one history entry.
type Session struct {
	ID              string  `json:"id"`
	StartedAt       string  `json:"startedAt"`
	EndedAt         string  `json:"endedAt,omitempty"`
	Outcome         string  `json:"outcome"`
	Progress        int     `json:"progress"`
	Epochs          string  `json:"epochs,omitempty"`
	Performance     string  `json:"performance,omitempty"`
	Inference       string  `json:"inference,omitempty"`
	Error           string  `json:"error,omitempty"`
	DurationSeconds float64 `json:"durationSeconds,omitempty"`
}

// HistoryResponse lists sessions newest first.
type HistoryResponse struct {
	Sessions []Session `json:"sessions"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
