package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"fractal/internal/admission"
	"fractal/internal/api"
	"fractal/internal/checkpoint"
	"fractal/internal/config"
	"fractal/internal/history"
	"fractal/internal/lifecycle"
	"fractal/internal/logging"
	"fractal/internal/notifications"
	"fractal/internal/orchestrator"
	"fractal/internal/training"
	"fractal/internal/transport"
)

// ErrAlreadyRunning is returned when another daemon holds the lock.
var ErrAlreadyRunning = errors.New("another fractal daemon instance is already running")

const shutdownTimeout = 15 * time.Second

// Options configures daemon behaviour that is not part of the config file.
type Options struct {
	// Simulate replaces sysfs readings with permanently favourable conditions.
	Simulate bool
}

// Daemon owns every long-lived component.
type Daemon struct {
	holder *config.Holder
	logger *slog.Logger

	lockPath string
	lock     *flock.Flock

	store      *lifecycle.Store
	controller *admission.Controller
	events     *admission.PowerEvents
	history    *history.Store
	orch       *orchestrator.Orchestrator
	api        *api.Server

	ready chan struct{}
}

// New constructs the daemon from the current configuration. Nothing runs
// until Run.
func New(holder *config.Holder, logger *slog.Logger, opts Options) (*Daemon, error) {
	if holder == nil || holder.Get() == nil {
		return nil, errors.New("daemon requires a configuration")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg := holder.Get()
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	hist, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}

	var monitor admission.Monitor
	if opts.Simulate {
		monitor = admission.NewStaticMonitor(admission.Favourable())
	} else {
		monitor = admission.NewSysfsMonitor(cfg)
	}
	controller := admission.NewController(monitor, func() admission.Policy {
		return admission.PolicyFromConfig(holder.Get())
	}, logger)

	var events *admission.PowerEvents
	if cfg.Admission.PowerEvents && !opts.Simulate {
		events = admission.NewPowerEvents(logger)
	}

	loop := &training.Loop{
		Model:           training.NewSimulatedModel(uint64(time.Now().UnixNano())),
		TotalEpochs:     cfg.Training.TotalEpochs,
		BatchesPerEpoch: cfg.Training.BatchesPerEpoch,
		Step:            time.Duration(cfg.Training.StepMillis) * time.Millisecond,
		PollInterval:    cfg.PollInterval(),
		RetryBackOff: func() backoff.BackOff {
			current := holder.Get().Admission
			return admission.NewRetryBackOff(
				seconds(current.InitialBackoff),
				seconds(current.MaxBackoff),
				seconds(current.MaxWait),
			)
		},
		Logger: logger,
	}
	if events != nil {
		loop.Wake = events.Subscribe()
	}

	store := lifecycle.NewStore()
	orch, err := orchestrator.New(orchestrator.Dependencies{
		Store:            store,
		Executor:         loop,
		Checkpoints:      checkpoint.NewFileStore(cfg.Paths.CheckpointDir, cfg.Training.TaskID),
		Gate:             controller,
		Uploader:         transport.NewUploader(cfg),
		Indicator:        notifications.NewIndicator(cfg),
		History:          hist,
		Logger:           logger,
		TaskID:           cfg.Training.TaskID,
		InferenceTimeout: cfg.InferenceTimeout(),
	})
	if err != nil {
		_ = hist.Close()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}

	server, err := api.NewServer(api.Options{
		Bind:           cfg.Paths.APIBind,
		Token:          cfg.Paths.APIToken,
		Logger:         logger,
		Controller:     orch,
		Conditions:     controller,
		History:        hist,
		DisableMetrics: !cfg.Metrics.Enabled,
	})
	if err != nil {
		_ = hist.Close()
		return nil, fmt.Errorf("create api server: %w", err)
	}

	holder.OnReload(func(*config.Config) {
		logger.Info("admission policy and backoff updated; training, upload and notification settings apply after restart",
			logging.String(logging.FieldEventType, "config_applied"),
		)
		if events != nil {
			events.Notify()
		}
	})

	return &Daemon{
		holder:     holder,
		logger:     logging.NewComponentLogger(logger, "daemon"),
		lockPath:   cfg.LockPath(),
		lock:       flock.New(cfg.LockPath()),
		store:      store,
		controller: controller,
		events:     events,
		history:    hist,
		orch:       orch,
		api:        server,
		ready:      make(chan struct{}),
	}, nil
}

// Run acquires the single-instance lock and serves until ctx is cancelled.
// The active session is cancelled and allowed to unwind before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	if err := d.api.Start(gctx); err != nil {
		return fmt.Errorf("start api: %w", err)
	}
	close(d.ready)

	g.Go(func() error {
		if err := d.holder.Watch(gctx); err != nil {
			logging.WarnWithContext(d.logger, "config watch unavailable", "config_watch_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "config edits need a daemon restart"),
			)
		}
		return nil
	})
	if d.events != nil {
		g.Go(func() error { return d.events.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := d.orch.Shutdown(shutdownCtx); err != nil {
			logging.WarnWithContext(d.logger, "session did not stop in time", "shutdown_timeout",
				logging.Error(err),
				logging.String(logging.FieldImpact, "session history may show the session as running"),
			)
		}
		d.store.Close()
		return nil
	})

	d.logger.Info("fractal daemon started",
		logging.String(logging.FieldEventType, "daemon_started"),
		logging.String("lock", d.lockPath),
		logging.String("api", d.api.Addr()),
	)
	err = g.Wait()
	d.logger.Info("fractal daemon stopped", logging.String(logging.FieldEventType, "daemon_stopped"))
	return err
}

// Ready is closed once the API is listening.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// APIAddr returns the listening address; valid after Ready.
func (d *Daemon) APIAddr() string { return d.api.Addr() }

// Close releases resources held by the daemon.
func (d *Daemon) Close() error {
	if d.history != nil {
		return d.history.Close()
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
