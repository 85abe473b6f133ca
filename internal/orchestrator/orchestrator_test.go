package orchestrator

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"fractal/internal/admission"
	"fractal/internal/checkpoint"
	"fractal/internal/history"
	"fractal/internal/lifecycle"
	"fractal/internal/training"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSessionScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	snap := h.toggle(t, lifecycle.TransitionStart)
	if snap.State() != lifecycle.StateWaiting || snap.Status != lifecycle.StatusInitializing {
		t.Fatalf("unexpected start snapshot %+v", snap)
	}

	h.gate.block("battery low")
	var reason string
	h.executor.do(t, func(cb training.Callbacks) error {
		reason = cb.CheckConditions(ctx)
		cb.WaitingChanged(true)
		cb.Status(reason)
		cb.Progress(10)
		return nil
	})
	if reason != "battery low" {
		t.Fatalf("expected battery low reason, got %q", reason)
	}
	snap = h.store.Snapshot()
	if snap.State() != lifecycle.StateWaiting || snap.Status != "battery low" {
		t.Fatalf("expected waiting on battery, got %+v", snap)
	}
	if snap.Progress != 0 {
		t.Fatalf("progress published while waiting: %d", snap.Progress)
	}

	h.gate.block("")
	h.executor.do(t, func(cb training.Callbacks) error {
		reason = cb.CheckConditions(ctx)
		cb.WaitingChanged(false)
		cb.EpochUpdate(3, 10, 0.25, "5m")
		cb.Progress(30)
		return nil
	})
	if reason != "" {
		t.Fatalf("expected clear conditions, got %q", reason)
	}
	snap = h.store.Snapshot()
	if snap.State() != lifecycle.StateTraining {
		t.Fatalf("expected training, got %s", snap.State())
	}
	if snap.Stats.OverallPerformance != "75%" || snap.Stats.EpochsCompleted != "3 / 10" || snap.Stats.TotalEpochs != 10 || snap.Stats.EstimatedTimeLeft != "5m" {
		t.Fatalf("unexpected stats %+v", snap.Stats)
	}
	if snap.Progress != 30 {
		t.Fatalf("expected progress 30, got %d", snap.Progress)
	}

	h.toggle(t, lifecycle.TransitionPause)
	var paused bool
	h.executor.do(t, func(cb training.Callbacks) error {
		paused = cb.Paused()
		return nil
	})
	if !paused {
		t.Fatal("executor should observe pause")
	}

	snap = h.toggle(t, lifecycle.TransitionResume)
	if snap.State() != lifecycle.StateTraining {
		t.Fatalf("expected training after resume, got %s", snap.State())
	}
	h.executor.do(t, func(cb training.Callbacks) error {
		paused = cb.Paused()
		cb.Progress(100)
		return errFinish
	})
	if paused {
		t.Fatal("executor should observe resume")
	}

	snap = h.waitIdle(t)
	assertReset(t, snap)
	if snap.Status != lifecycle.StatusComplete {
		t.Fatalf("expected %q, got %q", lifecycle.StatusComplete, snap.Status)
	}
	if snap.Stats.InferenceResult != "Class 7 (98.5%)" {
		t.Fatalf("unexpected inference result %q", snap.Stats.InferenceResult)
	}
	if h.checkpoints.savedCount() != 1 {
		t.Fatalf("expected one checkpoint save, got %d", h.checkpoints.savedCount())
	}
	if saved := h.checkpoints.saved[0]; saved.TaskID != "mnist" || saved.Epoch != 10 || string(saved.Data) != "weights" {
		t.Fatalf("unexpected checkpoint %+v", saved)
	}
	if calls := h.uploader.calls(); len(calls) != 1 || calls[0] != "mnist_epoch10.ckpt" {
		t.Fatalf("unexpected uploads %v", calls)
	}
	if starts, stops := h.indicator.counts(); starts != 1 || stops != 1 {
		t.Fatalf("expected indicator start/stop once, got %d/%d", starts, stops)
	}
	record, ok := h.history.last()
	if !ok || record.Outcome != history.OutcomeComplete || record.Progress != 100 || record.Performance != "75%" {
		t.Fatalf("unexpected history record %+v", record)
	}
}

func TestCancelWhileWaitingNeverTrains(t *testing.T) {
	h := newHarness(t)
	h.gate.block("Charge below 34%")

	h.toggle(t, lifecycle.TransitionStart)
	h.executor.do(t, func(cb training.Callbacks) error {
		cb.CheckConditions(context.Background())
		cb.WaitingChanged(true)
		return nil
	})

	snap := h.toggle(t, lifecycle.TransitionAbort)
	if snap.State() != lifecycle.StateInactive || snap.Status != lifecycle.StatusCancelled {
		t.Fatalf("expected immediate cancel, got %+v", snap)
	}

	var cancelled bool
	h.executor.do(t, func(cb training.Callbacks) error {
		cancelled = cb.Cancelled()
		cb.Progress(50)
		return training.ErrCancelled
	})
	if !cancelled {
		t.Fatal("executor should observe cancellation")
	}

	snap = h.waitIdle(t)
	assertReset(t, snap)
	if snap.Status != lifecycle.StatusCancelled {
		t.Fatalf("expected cancelled status, got %q", snap.Status)
	}
	if h.checkpoints.savedCount() != 0 || len(h.uploader.calls()) != 0 {
		t.Fatal("cancelled session must not persist or upload")
	}
	if record, _ := h.history.last(); record.Outcome != history.OutcomeCancelled {
		t.Fatalf("expected cancelled history, got %+v", record)
	}
}

func TestResetOnEveryExitPath(t *testing.T) {
	cases := []struct {
		name       string
		step       func(training.Callbacks) error
		wantStatus string
		wantKind   history.Outcome
	}{
		{
			name:       "complete",
			step:       func(training.Callbacks) error { return errFinish },
			wantStatus: lifecycle.StatusComplete,
			wantKind:   history.OutcomeComplete,
		},
		{
			name:       "cancelled",
			step:       func(training.Callbacks) error { return training.ErrCancelled },
			wantStatus: lifecycle.StatusCancelled,
			wantKind:   history.OutcomeCancelled,
		},
		{
			name:       "failure",
			step:       func(training.Callbacks) error { return errors.New("out of memory") },
			wantStatus: "Error: out of memory",
			wantKind:   history.OutcomeFailed,
		},
		{
			name:       "panic",
			step:       func(training.Callbacks) error { panic("nil tensor") },
			wantStatus: "Error: executor panic: nil tensor",
			wantKind:   history.OutcomeFailed,
		},
		{
			name:       "admission timeout",
			step:       func(training.Callbacks) error { return training.ErrAdmissionTimeout },
			wantStatus: "Error: " + training.ErrAdmissionTimeout.Error(),
			wantKind:   history.OutcomeFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.toggle(t, lifecycle.TransitionStart)
			h.executor.do(t, func(cb training.Callbacks) error {
				cb.CheckConditions(context.Background())
				cb.Progress(40)
				return nil
			})
			if got := h.store.Snapshot().Progress; got != 40 {
				t.Fatalf("expected progress 40 before exit, got %d", got)
			}
			h.executor.do(t, tc.step)

			snap := h.waitIdle(t)
			assertReset(t, snap)
			if snap.Status != tc.wantStatus {
				t.Fatalf("expected status %q, got %q", tc.wantStatus, snap.Status)
			}
			if _, stops := h.indicator.counts(); stops != 1 {
				t.Fatalf("indicator stop expected once, got %d", stops)
			}
			record, ok := h.history.last()
			if !ok || record.Outcome != tc.wantKind {
				t.Fatalf("unexpected history %+v", record)
			}
		})
	}
}

func TestCheckpointSaveFailureSkipsUpload(t *testing.T) {
	h := newHarness(t)
	h.checkpoints.saveErr = errors.New("disk full")

	h.toggle(t, lifecycle.TransitionStart)
	h.executor.do(t, func(cb training.Callbacks) error {
		cb.CheckConditions(context.Background())
		return errFinish
	})

	snap := h.waitIdle(t)
	if snap.Status != lifecycle.StatusComplete {
		t.Fatalf("save failure must not fail the session, got %q", snap.Status)
	}
	if len(h.uploader.calls()) != 0 {
		t.Fatal("upload attempted without a saved checkpoint")
	}
	if snap.Stats.InferenceResult != "Class 7 (98.5%)" {
		t.Fatalf("inference should still run, got %q", snap.Stats.InferenceResult)
	}
}

func TestUploadFailureDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t)
	h.uploader.err = errors.New("connection reset")

	h.toggle(t, lifecycle.TransitionStart)
	h.executor.do(t, func(training.Callbacks) error { return errFinish })

	snap := h.waitIdle(t)
	if snap.Status != lifecycle.StatusComplete {
		t.Fatalf("expected complete, got %q", snap.Status)
	}
	if len(h.uploader.calls()) != 1 {
		t.Fatal("expected one upload attempt")
	}
}

func TestUploadSkippedWhenOffline(t *testing.T) {
	h := newHarness(t)
	h.gate.network = admission.Blocked(admission.RuleNetwork, "Offline. Waiting for Network...")

	h.toggle(t, lifecycle.TransitionStart)
	h.executor.do(t, func(training.Callbacks) error { return errFinish })

	snap := h.waitIdle(t)
	if snap.Status != lifecycle.StatusComplete {
		t.Fatalf("expected complete, got %q", snap.Status)
	}
	if len(h.uploader.calls()) != 0 {
		t.Fatal("upload should be skipped while offline")
	}
	if h.checkpoints.savedCount() != 1 {
		t.Fatal("checkpoint should still be saved")
	}
}

func TestInferenceFailurePublishesUnavailable(t *testing.T) {
	h := newHarness(t)
	h.executor.inferErr = errors.New("model not loaded")

	h.toggle(t, lifecycle.TransitionStart)
	h.executor.do(t, func(training.Callbacks) error { return errFinish })

	snap := h.waitIdle(t)
	if snap.Status != lifecycle.StatusComplete {
		t.Fatalf("expected complete, got %q", snap.Status)
	}
	if snap.Stats.InferenceResult != "Unavailable" {
		t.Fatalf("expected Unavailable, got %q", snap.Stats.InferenceResult)
	}
}

func TestRestoredCheckpointIsPassedToExecutor(t *testing.T) {
	h := newHarness(t)
	h.checkpoints.restore = &checkpoint.Checkpoint{TaskID: "mnist", Epoch: 4, Data: []byte("epoch4")}

	h.toggle(t, lifecycle.TransitionStart)
	h.executor.do(t, func(training.Callbacks) error { return training.ErrCancelled })
	h.waitIdle(t)

	h.executor.mu.Lock()
	resume := string(h.executor.resume)
	h.executor.mu.Unlock()
	if resume != "epoch4" {
		t.Fatalf("expected restored blob, got %q", resume)
	}
}

func TestProgressIsMonotonicAndResetsPerSession(t *testing.T) {
	h := newHarness(t)

	h.toggle(t, lifecycle.TransitionStart)
	h.executor.do(t, func(cb training.Callbacks) error {
		cb.CheckConditions(context.Background())
		cb.Progress(60)
		cb.Progress(20)
		return nil
	})
	if got := h.store.Snapshot().Progress; got != 60 {
		t.Fatalf("progress moved backwards: %d", got)
	}
	h.executor.do(t, func(training.Callbacks) error { return training.ErrCancelled })
	h.waitIdle(t)

	snap := h.toggle(t, lifecycle.TransitionStart)
	if snap.Progress != 0 {
		t.Fatalf("new session should start at 0, got %d", snap.Progress)
	}
	h.executor.do(t, func(training.Callbacks) error { return training.ErrCancelled })
	h.waitIdle(t)
}

// blockingExecutor parks every Train call until released.
type blockingExecutor struct {
	entered chan struct{}
	release chan struct{}

	mu      sync.Mutex
	running int
	peak    int
}

func (e *blockingExecutor) Train(ctx context.Context, _ []byte, cb training.Callbacks) (training.Result, error) {
	e.mu.Lock()
	e.running++
	e.peak = max(e.peak, e.running)
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running--
		e.mu.Unlock()
	}()

	cb.CheckConditions(ctx)
	e.entered <- struct{}{}
	select {
	case <-e.release:
	case <-ctx.Done():
	}
	if cb.Cancelled() {
		return training.Result{}, training.ErrCancelled
	}
	return training.Result{Checkpoint: []byte("w"), Epochs: 1}, nil
}

func (e *blockingExecutor) Infer(context.Context, []byte) (string, error) { return "ok", nil }

func TestNewSessionWaitsForPreviousTask(t *testing.T) {
	store := lifecycle.NewStore()
	exec := &blockingExecutor{entered: make(chan struct{}), release: make(chan struct{})}
	orch, err := New(Dependencies{
		Store:       store,
		Executor:    exec,
		Checkpoints: &memCheckpoints{},
		Gate:        newFakeGate(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		_ = orch.Shutdown(ctx)
	}()

	ctx := context.Background()
	if _, _, err := orch.Toggle(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	<-exec.entered
	// The admission check cleared waiting, so a toggle here would pause.
	if ok, _ := orch.Cancel(ctx); !ok {
		t.Fatal("expected cancel to succeed")
	}
	tr, second, err := orch.Toggle(ctx)
	if err != nil || tr != lifecycle.TransitionStart {
		t.Fatalf("expected second start, got %q %v", tr, err)
	}

	select {
	case <-exec.entered:
		t.Fatal("second session trained before the first task exited")
	case <-time.After(50 * time.Millisecond):
	}

	exec.release <- struct{}{}
	select {
	case <-exec.entered:
	case <-time.After(testTimeout):
		t.Fatal("second session never started")
	}

	snap := store.Snapshot()
	if !snap.Active || snap.Generation != second.Generation {
		t.Fatalf("first task's exit must not reset the second session: %+v", snap)
	}

	exec.mu.Lock()
	peak := exec.peak
	exec.mu.Unlock()
	if peak != 1 {
		t.Fatalf("expected one concurrent Train call, got %d", peak)
	}

	orch.Cancel(ctx)
	exec.release <- struct{}{}
	orch.Wait()
	assertReset(t, store.Snapshot())
}

func TestShutdownCancelsRunningSession(t *testing.T) {
	h := newHarness(t)
	h.toggle(t, lifecycle.TransitionStart)
	h.executor.do(t, func(cb training.Callbacks) error {
		cb.CheckConditions(context.Background())
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	snap := h.store.Snapshot()
	assertReset(t, snap)
	if snap.Status != lifecycle.StatusCancelled {
		t.Fatalf("expected cancelled, got %q", snap.Status)
	}
	if _, _, err := h.orch.Toggle(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatal("expected error without a store")
	}
	if _, err := New(Dependencies{Store: lifecycle.NewStore()}); err == nil {
		t.Fatal("expected error without an executor")
	}
}

func TestPerformance(t *testing.T) {
	cases := map[float64]int{
		0.25:  75,
		0:     100,
		1.5:   0,
		0.004: 100,
		0.126: 87,
	}
	for loss, want := range cases {
		if got := Performance(loss); got != want {
			t.Errorf("Performance(%v) = %d, want %d", loss, got, want)
		}
	}
}

func TestLoopEndToEnd(t *testing.T) {
	store := lifecycle.NewStore()
	dir := t.TempDir()
	ckpts := checkpoint.NewFileStore(dir, "mnist")
	monitor := admission.NewStaticMonitor(admission.Favourable())
	gate := admission.NewController(monitor, admission.StaticPolicy(admission.PolicyFromConfig(nil)), nil)
	loop := &training.Loop{
		Model:           training.NewSimulatedModel(7),
		TotalEpochs:     3,
		BatchesPerEpoch: 2,
		Step:            time.Millisecond,
		PollInterval:    5 * time.Millisecond,
	}
	orch, err := New(Dependencies{
		Store:       store,
		Executor:    loop,
		Checkpoints: ckpts,
		Gate:        gate,
		TaskID:      "mnist",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, _, err := orch.Toggle(context.Background()); err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	orch.Wait()

	snap := store.Snapshot()
	assertReset(t, snap)
	if snap.Status != lifecycle.StatusComplete {
		t.Fatalf("expected complete, got %q", snap.Status)
	}
	if snap.Stats.EpochsCompleted != "3 / 3" {
		t.Fatalf("unexpected epochs %q", snap.Stats.EpochsCompleted)
	}
	if !strings.HasPrefix(snap.Stats.InferenceResult, "Class ") {
		t.Fatalf("unexpected inference %q", snap.Stats.InferenceResult)
	}
	if _, err := os.Stat(ckpts.DataPath()); err != nil {
		t.Fatalf("checkpoint not written: %v", err)
	}
	restored, err := ckpts.Restore(context.Background())
	if err != nil || restored == nil || restored.Epoch != 3 {
		t.Fatalf("unexpected restored checkpoint %+v (%v)", restored, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestCancelAfterTrainingEndsCancelled(t *testing.T) {
	cases := []struct {
		name       string
		arm        func(h *harness)
		wantUpload int
	}{
		{
			name: "during checkpoint save",
			arm: func(h *harness) {
				h.checkpoints.onSave = func() { h.store.Cancel() }
			},
			wantUpload: 0,
		},
		{
			name: "during upload",
			arm: func(h *harness) {
				h.uploader.onUpload = func() { h.store.Cancel() }
			},
			wantUpload: 1,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.arm(h)

			h.toggle(t, lifecycle.TransitionStart)
			h.executor.do(t, func(cb training.Callbacks) error {
				cb.CheckConditions(context.Background())
				return errFinish
			})

			snap := h.waitIdle(t)
			assertReset(t, snap)
			if snap.Status != lifecycle.StatusCancelled {
				t.Fatalf("expected %q, got %q", lifecycle.StatusCancelled, snap.Status)
			}
			if got := len(h.uploader.calls()); got != tc.wantUpload {
				t.Fatalf("expected %d uploads, got %d", tc.wantUpload, got)
			}
			if h.executor.inferCalls() != 0 {
				t.Fatal("inference ran after cancel")
			}
			record, ok := h.history.last()
			if !ok || record.Outcome != history.OutcomeCancelled {
				t.Fatalf("expected cancelled history record, got %+v", record)
			}
		})
	}
}

func TestSlowIndicatorDoesNotBlockExecutor(t *testing.T) {
	indicator := newStallingIndicator()
	h := newHarness(t, func(d *Dependencies) { d.Indicator = indicator })

	h.toggle(t, lifecycle.TransitionStart)
	var elapsed time.Duration
	h.executor.do(t, func(cb training.Callbacks) error {
		cb.CheckConditions(context.Background())
		start := time.Now()
		cb.Progress(10)
		cb.Progress(20)
		cb.Progress(30)
		elapsed = time.Since(start)
		return nil
	})
	if elapsed > 100*time.Millisecond {
		t.Fatalf("progress callbacks blocked the executor for %s", elapsed)
	}
	select {
	case <-indicator.entered:
	case <-time.After(testTimeout):
		t.Fatal("indicator never received an update")
	}
	if got := h.store.Snapshot().Progress; got != 30 {
		t.Fatalf("expected progress 30, got %d", got)
	}

	h.executor.do(t, func(training.Callbacks) error { return errFinish })
	snap := h.waitIdle(t)
	if snap.Status != lifecycle.StatusComplete {
		t.Fatalf("expected complete, got %q", snap.Status)
	}
	if _, stops := indicator.counts(); stops != 1 {
		t.Fatalf("expected one stop, got %d", stops)
	}
}

func TestProgressPumpKeepsNewestValue(t *testing.T) {
	indicator := &recordingIndicator{}
	pump := startProgressPump(context.Background(), indicator, nil)
	for percent := 1; percent <= 50; percent++ {
		pump.send(percent)
	}
	deadline := time.Now().Add(testTimeout)
	for time.Now().Before(deadline) {
		indicator.mu.Lock()
		n := len(indicator.updates)
		last := 0
		if n > 0 {
			last = indicator.updates[n-1]
		}
		indicator.mu.Unlock()
		if last == 50 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	pump.stop()

	indicator.mu.Lock()
	defer indicator.mu.Unlock()
	if len(indicator.updates) == 0 || indicator.updates[len(indicator.updates)-1] != 50 {
		t.Fatalf("expected the final value to be delivered, got %v", indicator.updates)
	}
	for i := 1; i < len(indicator.updates); i++ {
		if indicator.updates[i] <= indicator.updates[i-1] {
			t.Fatalf("updates out of order: %v", indicator.updates)
		}
	}
}
