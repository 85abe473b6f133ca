package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fractal/internal/admission"
	"fractal/internal/checkpoint"
	"fractal/internal/history"
	"fractal/internal/lifecycle"
	"fractal/internal/logging"
	"fractal/internal/metrics"
	"fractal/internal/notifications"
	"fractal/internal/services"
	"fractal/internal/training"
	"fractal/internal/transport"
)

// ErrClosed is returned once Shutdown has been called.
var ErrClosed = errors.New("orchestrator shut down")

const defaultInferenceTimeout = 30 * time.Second

// Gate answers admission questions for a running session.
type Gate interface {
	Check(ctx context.Context) admission.Decision
	CheckNetwork(ctx context.Context) admission.Decision
}

// Dependencies are the collaborators a session talks to. Store, Executor,
// Checkpoints and Gate are required; the rest fall back to no-ops.
type Dependencies struct {
	Store            *lifecycle.Store
	Executor         training.Executor
	Checkpoints      checkpoint.Store
	Gate             Gate
	Uploader         transport.Uploader
	Indicator        notifications.Indicator
	History          history.Recorder
	Logger           *slog.Logger
	TaskID           string
	InferenceTimeout time.Duration
	NewSessionID     func() string
}

// Orchestrator owns the session task. At most one task is live at a time;
// a session started while the previous task is unwinding waits for it.
type Orchestrator struct {
	deps   Dependencies
	logger *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	current *task
	closed  bool
	wg      sync.WaitGroup
}

type task struct {
	id   string
	gen  uint64
	done chan struct{}
}

// New validates deps and returns an idle orchestrator.
func New(deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, services.Wrap(services.ErrConfiguration, "orchestrator", "new", "lifecycle store required", nil)
	case deps.Executor == nil:
		return nil, services.Wrap(services.ErrConfiguration, "orchestrator", "new", "executor required", nil)
	case deps.Checkpoints == nil:
		return nil, services.Wrap(services.ErrConfiguration, "orchestrator", "new", "checkpoint store required", nil)
	case deps.Gate == nil:
		return nil, services.Wrap(services.ErrConfiguration, "orchestrator", "new", "admission gate required", nil)
	}
	if deps.Uploader == nil {
		deps.Uploader = transport.Disabled{}
	}
	if deps.Indicator == nil {
		deps.Indicator = notifications.Noop{}
	}
	if deps.History == nil {
		deps.History = nopRecorder{}
	}
	if deps.InferenceTimeout <= 0 {
		deps.InferenceTimeout = defaultInferenceTimeout
	}
	if deps.NewSessionID == nil {
		deps.NewSessionID = uuid.NewString
	}
	if deps.TaskID == "" {
		deps.TaskID = "default"
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		deps:    deps,
		logger:  logging.NewComponentLogger(deps.Logger, "orchestrator"),
		baseCtx: ctx,
		cancel:  cancel,
	}
	metrics.SetLifecycleState(deps.Store.Snapshot().State().String())
	return o, nil
}

// Store exposes the lifecycle store the orchestrator drives.
func (o *Orchestrator) Store() *lifecycle.Store { return o.deps.Store }

// Toggle applies the single user control to the current state. Starting a
// session launches its task.
func (o *Orchestrator) Toggle(ctx context.Context) (lifecycle.Transition, lifecycle.Snapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", o.deps.Store.Snapshot(), ErrClosed
	}

	tr, snap := o.deps.Store.Toggle(o.deps.NewSessionID)
	metrics.Toggles.WithLabelValues(string(tr)).Inc()
	metrics.SetLifecycleState(snap.State().String())

	logger := logging.WithContext(ctx, o.logger)
	logger.Info("toggle applied",
		logging.String(logging.FieldEventType, "lifecycle_toggle"),
		logging.String("transition", string(tr)),
		logging.String("state", snap.State().String()),
		logging.String(logging.FieldSessionID, snap.SessionID),
	)

	if tr == lifecycle.TransitionStart {
		o.launchLocked(snap)
	}
	return tr, snap, nil
}

// Cancel stops the active session whatever its state. It reports false when
// nothing was running.
func (o *Orchestrator) Cancel(ctx context.Context) (bool, lifecycle.Snapshot) {
	cancelled := o.deps.Store.Cancel()
	snap := o.deps.Store.Snapshot()
	if cancelled {
		metrics.Toggles.WithLabelValues("cancel").Inc()
		metrics.SetLifecycleState(snap.State().String())
		logging.WithContext(ctx, o.logger).Info("session cancel requested",
			logging.String(logging.FieldEventType, "lifecycle_cancel"),
			logging.String(logging.FieldSessionID, snap.SessionID),
		)
	}
	return cancelled, snap
}

// Running reports whether a session task is still live.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	current := o.current
	o.mu.Unlock()
	if current == nil {
		return false
	}
	select {
	case <-current.done:
		return false
	default:
		return true
	}
}

// Wait blocks until every launched task has exited.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown refuses new sessions, cancels the running one and waits for its
// task to unwind or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.deps.Store.Cancel()
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) launchLocked(snap lifecycle.Snapshot) {
	previous := o.current
	t := &task{id: snap.SessionID, gen: snap.Generation, done: make(chan struct{})}
	o.current = t

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(t.done)
		if previous != nil {
			select {
			case <-previous.done:
			case <-o.baseCtx.Done():
			}
		}
		o.run(o.baseCtx, t)
	}()
}

type nopRecorder struct{}

func (nopRecorder) Begin(context.Context, string, time.Time) error { return nil }
func (nopRecorder) Finish(context.Context, history.Session) error  { return nil }
