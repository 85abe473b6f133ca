package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"fractal/internal/checkpoint"
	"fractal/internal/history"
	"fractal/internal/lifecycle"
	"fractal/internal/logging"
	"fractal/internal/metrics"
	"fractal/internal/services"
	"fractal/internal/training"
	"fractal/internal/transport"
)

const (
	phaseRestore    = "restore"
	phaseTraining   = "training"
	phaseCheckpoint = "checkpoint"
	phaseUpload     = "upload"
	phaseInference  = "inference"

	inferenceUnavailable = "Unavailable"
)

// outcome is how a session task ended.
type outcome struct {
	kind history.Outcome
	err  error
}

func (o outcome) status() string {
	switch o.kind {
	case history.OutcomeComplete:
		return lifecycle.StatusComplete
	case history.OutcomeCancelled:
		return lifecycle.StatusCancelled
	default:
		detail := services.Summary(o.err)
		if detail == "" {
			detail = "unknown failure"
		}
		return lifecycle.ErrorStatus(detail)
	}
}

// run executes one session. Every exit path, panics included, ends in
// finish, which returns the store to inactive and stops the indicator.
func (o *Orchestrator) run(ctx context.Context, t *task) {
	ctx = services.WithSessionID(ctx, t.id)
	logger := logging.WithContext(ctx, o.logger)
	started := time.Now()

	if err := o.deps.History.Begin(ctx, t.id, started); err != nil {
		logging.WarnWithContext(logger, "session history write failed", "history_begin_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state_dir permissions"),
			logging.String(logging.FieldImpact, "session missing from history"),
		)
	}

	result := outcome{kind: history.OutcomeFailed}
	defer func() {
		if r := recover(); r != nil {
			result = outcome{kind: history.OutcomeFailed, err: fmt.Errorf("executor panic: %v", r)}
			logging.ErrorWithContext(logger, "session task panicked", "session_panic",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
		}
		o.finish(ctx, t, started, result)
	}()

	result = o.execute(ctx, t, logger)
}

func (o *Orchestrator) execute(ctx context.Context, t *task, logger *slog.Logger) outcome {
	if err := o.deps.Indicator.Start(ctx, 0); err != nil {
		logging.WarnWithContext(logger, "indicator start failed", "indicator_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check notifications.ntfy_topic"),
			logging.String(logging.FieldImpact, "no foreground indicator for this session"),
		)
	}
	if o.deps.Store.Cancelled(t.gen) || ctx.Err() != nil {
		return outcome{kind: history.OutcomeCancelled}
	}

	resume := o.restore(services.WithPhase(ctx, phaseRestore), logger)

	res, err := o.train(services.WithPhase(ctx, phaseTraining), t, logger, resume)
	switch {
	case errors.Is(err, training.ErrCancelled):
		return outcome{kind: history.OutcomeCancelled}
	case err != nil:
		if o.deps.Store.Cancelled(t.gen) && ctx.Err() != nil {
			return outcome{kind: history.OutcomeCancelled}
		}
		logging.ErrorWithContext(logger, "training failed", "training_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, services.ErrorHint(err)),
		)
		return outcome{kind: history.OutcomeFailed, err: err}
	case o.deps.Store.Cancelled(t.gen):
		return outcome{kind: history.OutcomeCancelled}
	}

	logger.Info("training finished",
		logging.String(logging.FieldEventType, "training_complete"),
		logging.Int("epochs", res.Epochs),
		logging.Float64("loss", res.Loss),
	)

	// A cancel can land after Train returns; each later phase checks again.
	saved := o.persist(services.WithPhase(ctx, phaseCheckpoint), logger, res)
	if o.cancelledAfterTraining(t, logger, phaseCheckpoint) {
		return outcome{kind: history.OutcomeCancelled}
	}
	if saved {
		o.upload(services.WithPhase(ctx, phaseUpload), logger, t, res)
		if o.cancelledAfterTraining(t, logger, phaseUpload) {
			return outcome{kind: history.OutcomeCancelled}
		}
	}
	o.infer(services.WithPhase(ctx, phaseInference), logger, t, res)
	if o.cancelledAfterTraining(t, logger, phaseInference) {
		return outcome{kind: history.OutcomeCancelled}
	}
	return outcome{kind: history.OutcomeComplete}
}

func (o *Orchestrator) cancelledAfterTraining(t *task, logger *slog.Logger, phase string) bool {
	if !o.deps.Store.Cancelled(t.gen) {
		return false
	}
	logger.Info("session cancelled after training",
		logging.String(logging.FieldEventType, "session_cancel_late"),
		logging.String(logging.FieldPhase, phase),
	)
	return true
}

// train runs the executor. The indicator pump is joined before train
// returns, panics included.
func (o *Orchestrator) train(ctx context.Context, t *task, logger *slog.Logger, resume []byte) (training.Result, error) {
	pump := startProgressPump(ctx, o.deps.Indicator, logger)
	defer pump.stop()
	cb := newSessionCallbacks(ctx, o, t, pump)
	defer cb.closeWait()
	return o.deps.Executor.Train(ctx, resume, cb)
}

// restore loads the last checkpoint. Failures start training from scratch.
func (o *Orchestrator) restore(ctx context.Context, logger *slog.Logger) []byte {
	ckpt, err := o.deps.Checkpoints.Restore(ctx)
	if err != nil {
		logging.WarnWithContext(logger, "checkpoint restore failed", "checkpoint_restore_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check paths.checkpoint_dir"),
			logging.String(logging.FieldImpact, "training starts from the first epoch"),
		)
		return nil
	}
	if ckpt == nil {
		logger.Debug("no checkpoint to restore")
		return nil
	}
	logger.Info("checkpoint restored",
		logging.String(logging.FieldEventType, "checkpoint_restored"),
		logging.Int("epoch", ckpt.Epoch),
	)
	return ckpt.Data
}

// persist saves the trained state and reports whether it succeeded.
func (o *Orchestrator) persist(ctx context.Context, logger *slog.Logger, res training.Result) bool {
	err := o.deps.Checkpoints.Save(ctx, checkpoint.Checkpoint{
		TaskID:  o.deps.TaskID,
		Epoch:   res.Epochs,
		SavedAt: time.Now(),
		Data:    res.Checkpoint,
	})
	if err != nil {
		logging.WarnWithContext(logger, "checkpoint save failed", "checkpoint_save_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check free space in paths.checkpoint_dir"),
			logging.String(logging.FieldImpact, "upload skipped; next session repeats this work"),
		)
		return false
	}
	return true
}

// upload ships the checkpoint when the network rule allows it. Failures are
// logged and never change the session outcome.
func (o *Orchestrator) upload(ctx context.Context, logger *slog.Logger, t *task, res training.Result) {
	if o.deps.Store.Cancelled(t.gen) {
		return
	}
	if decision := o.deps.Gate.CheckNetwork(ctx); !decision.Allowed {
		metrics.Uploads.WithLabelValues("skipped").Inc()
		logger.Info("checkpoint upload skipped",
			logging.String(logging.FieldEventType, "upload_skipped"),
			logging.String("reason", decision.Reason),
		)
		return
	}

	destination := fmt.Sprintf("%s_epoch%d.ckpt", o.deps.TaskID, res.Epochs)
	err := o.deps.Uploader.Upload(ctx, res.Checkpoint, destination)
	switch {
	case errors.Is(err, transport.ErrDisabled):
		metrics.Uploads.WithLabelValues("disabled").Inc()
		logger.Debug("checkpoint upload disabled")
	case err != nil:
		metrics.Uploads.WithLabelValues("failed").Inc()
		logging.WarnWithContext(logger, "checkpoint upload failed", "upload_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, services.ErrorHint(err)),
			logging.String(logging.FieldImpact, "server does not receive this session's checkpoint"),
		)
	default:
		metrics.Uploads.WithLabelValues("succeeded").Inc()
		logger.Info("checkpoint uploaded",
			logging.String(logging.FieldEventType, "upload_complete"),
			logging.String("destination", destination),
		)
	}
}

// infer runs the bounded post-training inference and publishes its result.
func (o *Orchestrator) infer(ctx context.Context, logger *slog.Logger, t *task, res training.Result) {
	inferCtx, cancel := context.WithTimeout(ctx, o.deps.InferenceTimeout)
	defer cancel()

	text, err := o.deps.Executor.Infer(inferCtx, res.Checkpoint)
	if err != nil {
		if errors.Is(inferCtx.Err(), context.DeadlineExceeded) {
			err = services.Wrap(services.ErrTimeout, "orchestrator", "inference", o.deps.InferenceTimeout.String(), err)
		}
		logging.WarnWithContext(logger, "inference failed", "inference_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, services.ErrorHint(err)),
			logging.String(logging.FieldImpact, "inference result unavailable"),
		)
		text = inferenceUnavailable
	}
	o.deps.Store.UpdateStats(t.gen, func(stats *lifecycle.Stats) {
		stats.InferenceResult = text
	})
}

// finish is the single exit path for a session task.
func (o *Orchestrator) finish(ctx context.Context, t *task, started time.Time, result outcome) {
	logger := logging.WithContext(ctx, o.logger)
	before := o.deps.Store.Snapshot()

	// Cleanup must run even when the context is gone.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	record := history.Session{
		ID:        t.id,
		StartedAt: started,
		EndedAt:   time.Now(),
		Outcome:   result.kind,
	}
	if before.Generation == t.gen {
		record.Progress = before.Progress
		record.Epochs = before.Stats.EpochsCompleted
		record.Performance = before.Stats.OverallPerformance
		record.Inference = before.Stats.InferenceResult
	}
	if result.err != nil {
		record.Error = services.Summary(result.err)
	}
	// The history row must exist by the time the record reads inactive.
	if err := o.deps.History.Finish(cleanupCtx, record); err != nil {
		logging.WarnWithContext(logger, "session history write failed", "history_finish_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check state_dir permissions"),
			logging.String(logging.FieldImpact, "session outcome missing from history"),
		)
	}

	owned := o.deps.Store.Finish(t.gen, result.status())
	metrics.Sessions.WithLabelValues(string(result.kind)).Inc()
	metrics.Progress.Set(0)
	metrics.SetLifecycleState(o.deps.Store.Snapshot().State().String())

	if err := o.deps.Indicator.Stop(cleanupCtx); err != nil {
		logger.Debug("indicator stop failed", logging.Error(err))
	}

	logger.Info("session ended",
		logging.String(logging.FieldEventType, "session_"+string(result.kind)),
		logging.String("status", result.status()),
		logging.Bool("superseded", !owned),
		logging.Duration("duration", time.Since(started)),
	)
}
