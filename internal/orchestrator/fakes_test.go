package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fractal/internal/admission"
	"fractal/internal/checkpoint"
	"fractal/internal/history"
	"fractal/internal/lifecycle"
	"fractal/internal/training"
)

const testTimeout = 3 * time.Second

var errFinish = errors.New("finish training")

// scriptedExecutor runs test-supplied steps on the session goroutine. A step
// returning errFinish ends Train successfully; any other error is returned
// from Train as is.
type scriptedExecutor struct {
	steps chan func(training.Callbacks) error
	done  chan struct{}

	result      training.Result
	inferResult string
	inferErr    error

	mu     sync.Mutex
	resume []byte
	trains int
	infers int
}

func newScriptedExecutor() *scriptedExecutor {
	return &scriptedExecutor{
		steps:       make(chan func(training.Callbacks) error),
		done:        make(chan struct{}),
		result:      training.Result{Checkpoint: []byte("weights"), Epochs: 10, Loss: 0.1},
		inferResult: "Class 7 (98.5%)",
	}
}

func (e *scriptedExecutor) Train(ctx context.Context, resume []byte, cb training.Callbacks) (training.Result, error) {
	e.mu.Lock()
	e.resume = resume
	e.trains++
	e.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return training.Result{}, errors.Join(training.ErrCancelled, ctx.Err())
		case step := <-e.steps:
			var err error
			func() {
				defer func() { e.done <- struct{}{} }()
				err = step(cb)
			}()
			switch {
			case errors.Is(err, errFinish):
				return e.result, nil
			case err != nil:
				return training.Result{}, err
			}
		}
	}
}

func (e *scriptedExecutor) Infer(context.Context, []byte) (string, error) {
	e.mu.Lock()
	e.infers++
	e.mu.Unlock()
	return e.inferResult, e.inferErr
}

func (e *scriptedExecutor) inferCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.infers
}

// do runs step on the session goroutine and waits for it to return.
func (e *scriptedExecutor) do(t *testing.T, step func(training.Callbacks) error) {
	t.Helper()
	select {
	case e.steps <- step:
	case <-time.After(testTimeout):
		t.Fatal("executor did not accept step")
	}
	select {
	case <-e.done:
	case <-time.After(testTimeout):
		t.Fatal("executor step did not finish")
	}
}

func (e *scriptedExecutor) trainCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.trains
}

type fakeGate struct {
	mu      sync.Mutex
	reason  string
	network admission.Decision
}

func newFakeGate() *fakeGate {
	return &fakeGate{network: admission.Allowed()}
}

func (g *fakeGate) block(reason string) {
	g.mu.Lock()
	g.reason = reason
	g.mu.Unlock()
}

func (g *fakeGate) Check(context.Context) admission.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.reason != "" {
		return admission.Blocked(admission.RuleBattery, g.reason)
	}
	return admission.Allowed()
}

func (g *fakeGate) CheckNetwork(context.Context) admission.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.network
}

type memCheckpoints struct {
	mu       sync.Mutex
	restore  *checkpoint.Checkpoint
	saved    []checkpoint.Checkpoint
	saveErr  error
	restores int
	onSave   func()
}

func (m *memCheckpoints) Restore(context.Context) (*checkpoint.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restores++
	return m.restore, nil
}

func (m *memCheckpoints) Save(_ context.Context, ckpt checkpoint.Checkpoint) error {
	if m.onSave != nil {
		m.onSave()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saved = append(m.saved, ckpt)
	return nil
}

func (m *memCheckpoints) savedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

type recordingUploader struct {
	mu           sync.Mutex
	destinations []string
	blobs        [][]byte
	err          error
	onUpload     func()
}

func (u *recordingUploader) Upload(_ context.Context, blob []byte, destination string) error {
	if u.onUpload != nil {
		u.onUpload()
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.destinations = append(u.destinations, destination)
	u.blobs = append(u.blobs, blob)
	return u.err
}

func (u *recordingUploader) calls() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.destinations...)
}

type recordingIndicator struct {
	mu      sync.Mutex
	starts  int
	updates []int
	stops   int
}

func (i *recordingIndicator) Start(context.Context, int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.starts++
	return nil
}

func (i *recordingIndicator) Update(_ context.Context, progress int) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.updates = append(i.updates, progress)
	return nil
}

func (i *recordingIndicator) Stop(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stops++
	return nil
}

func (i *recordingIndicator) counts() (starts, stops int) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.starts, i.stops
}

// stallingIndicator blocks every Update until its context ends.
type stallingIndicator struct {
	recordingIndicator
	entered chan struct{}
}

func newStallingIndicator() *stallingIndicator {
	return &stallingIndicator{entered: make(chan struct{}, 16)}
}

func (i *stallingIndicator) Update(ctx context.Context, progress int) error {
	_ = i.recordingIndicator.Update(ctx, progress)
	select {
	case i.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

type memHistory struct {
	mu       sync.Mutex
	begun    []string
	finished []history.Session
}

func (h *memHistory) Begin(_ context.Context, id string, _ time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.begun = append(h.begun, id)
	return nil
}

func (h *memHistory) Finish(_ context.Context, session history.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finished = append(h.finished, session)
	return nil
}

func (h *memHistory) last() (history.Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.finished) == 0 {
		return history.Session{}, false
	}
	return h.finished[len(h.finished)-1], true
}

type harness struct {
	orch        *Orchestrator
	store       *lifecycle.Store
	executor    *scriptedExecutor
	gate        *fakeGate
	checkpoints *memCheckpoints
	uploader    *recordingUploader
	indicator   *recordingIndicator
	history     *memHistory
}

func newHarness(t *testing.T, opts ...func(*Dependencies)) *harness {
	t.Helper()
	h := &harness{
		store:       lifecycle.NewStore(),
		executor:    newScriptedExecutor(),
		gate:        newFakeGate(),
		checkpoints: &memCheckpoints{},
		uploader:    &recordingUploader{},
		indicator:   &recordingIndicator{},
		history:     &memHistory{},
	}
	deps := Dependencies{
		Store:            h.store,
		Executor:         h.executor,
		Checkpoints:      h.checkpoints,
		Gate:             h.gate,
		Uploader:         h.uploader,
		Indicator:        h.indicator,
		History:          h.history,
		TaskID:           "mnist",
		InferenceTimeout: time.Second,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	orch, err := New(deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.orch = orch
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()
		if err := orch.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return h
}

func (h *harness) toggle(t *testing.T, want lifecycle.Transition) lifecycle.Snapshot {
	t.Helper()
	tr, snap, err := h.orch.Toggle(context.Background())
	if err != nil {
		t.Fatalf("Toggle: %v", err)
	}
	if tr != want {
		t.Fatalf("expected transition %q, got %q", want, tr)
	}
	return snap
}

// waitIdle waits for the session task to exit.
func (h *harness) waitIdle(t *testing.T) lifecycle.Snapshot {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.orch.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("session task did not exit")
	}
	return h.store.Snapshot()
}

func assertReset(t *testing.T, snap lifecycle.Snapshot) {
	t.Helper()
	if snap.Active || snap.Waiting || snap.Paused || snap.Progress != 0 {
		t.Fatalf("expected reset record, got %+v", snap)
	}
}
