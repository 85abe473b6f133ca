// Package metrics exposes Prometheus collectors for the training lifecycle.
//
// Labels are limited to small fixed vocabularies (rule, outcome, transition,
// state). Session identifiers never appear in labels.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionDecisions counts admission checks by the rule that decided them.
	// Allowed checks use rule "none".
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fractal_admission_decisions_total",
		Help: "Total number of admission checks, by deciding rule.",
	}, []string{"rule"})

	// Toggles counts user toggles by the transition they produced.
	Toggles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fractal_toggles_total",
		Help: "Total number of lifecycle toggles, by transition.",
	}, []string{"transition"})

	// Sessions counts finished sessions by outcome.
	Sessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fractal_sessions_total",
		Help: "Total number of finished training sessions, by outcome.",
	}, []string{"outcome"})

	// Uploads counts checkpoint uploads by result.
	Uploads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fractal_checkpoint_uploads_total",
		Help: "Total number of checkpoint upload attempts, by result.",
	}, []string{"result"})

	// Epochs counts completed epochs across all sessions.
	Epochs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fractal_epochs_completed_total",
		Help: "Total number of training epochs completed.",
	})

	// LifecycleState is 1 for the current lifecycle state and 0 for the others.
	LifecycleState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fractal_lifecycle_state",
		Help: "Current lifecycle state (1 for the active state).",
	}, []string{"state"})

	// Progress tracks the current session progress percentage.
	Progress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fractal_session_progress_percent",
		Help: "Progress of the current training session in percent.",
	})

	// EpochLoss tracks the loss reported by the most recent epoch.
	EpochLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fractal_epoch_loss",
		Help: "Loss reported by the most recently completed epoch.",
	})

	// WaitSeconds observes how long sessions stayed blocked on admission.
	WaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fractal_admission_wait_seconds",
		Help:    "Time spent waiting for device conditions before training resumed.",
		Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
	})
)

var lifecycleStates = []string{"inactive", "waiting", "training", "paused"}

// SetLifecycleState flips the one-hot state gauge to current.
func SetLifecycleState(current string) {
	for _, state := range lifecycleStates {
		value := 0.0
		if state == current {
			value = 1
		}
		LifecycleState.WithLabelValues(state).Set(value)
	}
}
