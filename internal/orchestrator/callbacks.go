package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"fractal/internal/lifecycle"
	"fractal/internal/logging"
	"fractal/internal/metrics"
	"fractal/internal/training"
)

// sessionCallbacks binds executor callbacks to one session generation.
// Writes from a superseded session are dropped by the store.
type sessionCallbacks struct {
	o      *Orchestrator
	gen    uint64
	logger *slog.Logger
	pump   *progressPump

	mu          sync.Mutex
	waitStarted time.Time
}

var _ training.Callbacks = (*sessionCallbacks)(nil)

// A session starts in the waiting state until its first admission check.
func newSessionCallbacks(ctx context.Context, o *Orchestrator, t *task, pump *progressPump) *sessionCallbacks {
	return &sessionCallbacks{
		o:           o,
		gen:         t.gen,
		logger:      logging.WithContext(ctx, o.logger),
		pump:        pump,
		waitStarted: time.Now(),
	}
}

// Progress is dropped while the session waits on device conditions.
func (c *sessionCallbacks) Progress(percent int) {
	store := c.o.deps.Store
	snap := store.Snapshot()
	if snap.Generation != c.gen || !snap.Active || snap.Waiting {
		return
	}
	store.SetProgress(c.gen, percent)
	current := store.Snapshot().Progress
	metrics.Progress.Set(float64(current))
	c.pump.send(current)
}

func (c *sessionCallbacks) EpochUpdate(completed, total int, loss float64, eta string) {
	metrics.Epochs.Inc()
	metrics.EpochLoss.Set(loss)
	c.o.deps.Store.UpdateStats(c.gen, func(stats *lifecycle.Stats) {
		stats.EpochsCompleted = fmt.Sprintf("%d / %d", completed, total)
		stats.TotalEpochs = total
		stats.OverallPerformance = fmt.Sprintf("%d%%", Performance(loss))
		stats.EstimatedTimeLeft = eta
	})
	c.logger.Info("epoch complete",
		logging.String(logging.FieldEventType, "epoch_complete"),
		logging.Int("epoch", completed),
		logging.Int("total", total),
		logging.Float64("loss", loss),
		logging.String("eta", eta),
	)
}

func (c *sessionCallbacks) Validation(result string) {
	c.o.deps.Store.UpdateStats(c.gen, func(stats *lifecycle.Stats) {
		stats.InferenceResult = result
	})
}

func (c *sessionCallbacks) Status(message string) {
	c.o.deps.Store.SetStatus(c.gen, message)
}

func (c *sessionCallbacks) Paused() bool {
	return c.o.deps.Store.Paused(c.gen)
}

func (c *sessionCallbacks) Cancelled() bool {
	return c.o.deps.Store.Cancelled(c.gen)
}

func (c *sessionCallbacks) WaitingChanged(waiting bool) {
	c.setWaiting(waiting, "")
}

// CheckConditions asks the gate and mirrors the answer into the store so a
// blocked session is visibly waiting even before the executor reports it.
func (c *sessionCallbacks) CheckConditions(ctx context.Context) string {
	decision := c.o.deps.Gate.Check(ctx)
	c.setWaiting(!decision.Allowed, decision.Reason)
	return decision.Reason
}

func (c *sessionCallbacks) setWaiting(waiting bool, reason string) {
	store := c.o.deps.Store
	if waiting {
		store.SetWaiting(c.gen, true, reason)
		c.mu.Lock()
		if c.waitStarted.IsZero() {
			c.waitStarted = time.Now()
		}
		c.mu.Unlock()
	} else {
		store.SetWaiting(c.gen, false, lifecycle.StatusTraining)
		c.mu.Lock()
		if !c.waitStarted.IsZero() {
			metrics.WaitSeconds.Observe(time.Since(c.waitStarted).Seconds())
			c.waitStarted = time.Time{}
		}
		c.mu.Unlock()
	}
	metrics.SetLifecycleState(store.Snapshot().State().String())
}

// closeWait records a wait that was still open when training returned.
func (c *sessionCallbacks) closeWait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.waitStarted.IsZero() {
		metrics.WaitSeconds.Observe(time.Since(c.waitStarted).Seconds())
		c.waitStarted = time.Time{}
	}
}

// Performance converts a loss into the percentage score shown to the user:
// max(0, 100 - round(loss*100)).
func Performance(loss float64) int {
	switch {
	case math.IsNaN(loss), math.IsInf(loss, 1):
		return 0
	case math.IsInf(loss, -1):
		return 100
	}
	score := 100 - int(math.Round(loss*100))
	return max(0, min(100, score))
}
