package training

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fractal/internal/logging"
	"fractal/internal/services"
)

// Loop is the reference executor: epochs of batches over a Model with
// cooperative pause, cancel, and admission checks.
//
// Pause and cancellation are polled before every batch, and at least every
// PollInterval while paused or waiting, so a request takes effect within one
// batch plus PollInterval.
type Loop struct {
	Model           Model
	TotalEpochs     int
	BatchesPerEpoch int
	// Step is the simulated duration of one batch.
	Step         time.Duration
	PollInterval time.Duration
	// RetryBackOff supplies the wait schedule while conditions block. A
	// schedule returning backoff.Stop fails the session with ErrAdmissionTimeout.
	RetryBackOff func() backoff.BackOff
	// Wake, when set, short-circuits a backoff wait (e.g. charger plugged in).
	Wake   <-chan struct{}
	Logger *slog.Logger

	now func() time.Time
}

func (l *Loop) clock() time.Time {
	if l.now != nil {
		return l.now()
	}
	return time.Now()
}

func (l *Loop) logger() *slog.Logger {
	return logging.NewComponentLogger(l.Logger, "executor")
}

// Train runs from the epoch recorded in resume to TotalEpochs. A resume
// point at or past the end starts a fresh round with the restored weights.
func (l *Loop) Train(ctx context.Context, resume []byte, cb Callbacks) (Result, error) {
	if l.Model == nil {
		return Result{}, services.Wrap(services.ErrConfiguration, "executor", "train", "no model configured", nil)
	}
	total := max(1, l.TotalEpochs)
	batches := max(1, l.BatchesPerEpoch)
	logger := logging.WithContext(ctx, l.logger())

	start, err := l.Model.Restore(resume)
	if err != nil {
		logging.WarnWithContext(logger, "checkpoint unusable; starting from scratch", "checkpoint_decode_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "previous progress discarded"),
		)
		start = 0
	}
	if start >= total {
		start = 0
	}
	logger.Info("training started",
		logging.String(logging.FieldEventType, "training_started"),
		logging.Int("start_epoch", start),
		logging.Int("total_epochs", total),
	)

	runStarted := l.clock()
	var loss float64
	for epoch := start; epoch < total; epoch++ {
		if err := l.holdWhilePaused(ctx, cb); err != nil {
			return Result{}, err
		}
		if err := l.admit(ctx, cb); err != nil {
			return Result{}, err
		}

		var sum float64
		for batch := 0; batch < batches; batch++ {
			if err := l.holdWhilePaused(ctx, cb); err != nil {
				return Result{}, err
			}
			sum += l.Model.Step(epoch, batch)
			if err := l.sleep(ctx, cb, l.Step, nil); err != nil {
				return Result{}, err
			}
			done := epoch*batches + batch + 1
			cb.Progress(done * 100 / (total * batches))
		}
		loss = sum / float64(batches)

		completedThisRun := epoch - start + 1
		perEpoch := l.clock().Sub(runStarted) / time.Duration(completedThisRun)
		eta := FormatETA(perEpoch * time.Duration(total-epoch-1))
		cb.EpochUpdate(epoch+1, total, loss, eta)
		logger.Debug("epoch complete",
			logging.Int("epoch", epoch+1),
			logging.Float64("loss", loss),
			logging.String("eta", eta),
		)
	}

	data, err := l.Model.Snapshot(total)
	if err != nil {
		return Result{}, services.Wrap(services.ErrTransient, "executor", "snapshot", "serialise model", err)
	}
	return Result{Checkpoint: data, Epochs: total, Loss: loss}, nil
}

// Infer classifies a held-out sample with the trained model.
func (l *Loop) Infer(ctx context.Context, _ []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", services.Wrap(services.ErrTimeout, "executor", "infer", "inference deadline", err)
	}
	if l.Model == nil {
		return "", services.Wrap(services.ErrConfiguration, "executor", "infer", "no model configured", nil)
	}
	class, confidence, err := l.Model.Predict(nil)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "executor", "infer", "predict", err)
	}
	return fmt.Sprintf("Class %d (%.1f%%)", class, confidence), nil
}

// admit blocks until CheckConditions clears, backing off between checks.
func (l *Loop) admit(ctx context.Context, cb Callbacks) error {
	reason := cb.CheckConditions(ctx)
	if reason == "" {
		cb.WaitingChanged(false)
		return nil
	}

	cb.WaitingChanged(true)
	cb.Status(reason)

	var schedule backoff.BackOff = backoff.NewConstantBackOff(l.pollInterval())
	if l.RetryBackOff != nil {
		schedule = l.RetryBackOff()
	}
	for {
		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			return fmt.Errorf("%w: last reason %q", ErrAdmissionTimeout, reason)
		}
		if err := l.sleep(ctx, cb, wait, l.Wake); err != nil {
			return err
		}
		next := cb.CheckConditions(ctx)
		if next == "" {
			cb.WaitingChanged(false)
			return nil
		}
		if next != reason {
			reason = next
			cb.Status(reason)
		}
	}
}

func (l *Loop) holdWhilePaused(ctx context.Context, cb Callbacks) error {
	for {
		if cb.Cancelled() {
			return ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if !cb.Paused() {
			return nil
		}
		if err := l.sleep(ctx, cb, l.pollInterval(), nil); err != nil {
			return err
		}
	}
}

// sleep waits for d, checking cancellation every PollInterval. A value on
// wake ends the wait early.
func (l *Loop) sleep(ctx context.Context, cb Callbacks, d time.Duration, wake <-chan struct{}) error {
	if d <= 0 {
		if cb.Cancelled() {
			return ErrCancelled
		}
		return nil
	}
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(l.pollInterval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case <-deadline.C:
			if cb.Cancelled() {
				return ErrCancelled
			}
			return nil
		case <-wake:
			return nil
		case <-tick.C:
			if cb.Cancelled() {
				return ErrCancelled
			}
		}
	}
}

func (l *Loop) pollInterval() time.Duration {
	if l.PollInterval > 0 {
		return l.PollInterval
	}
	return 250 * time.Millisecond
}
