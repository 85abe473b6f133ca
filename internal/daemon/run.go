package daemon

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"fractal/internal/config"
	"fractal/internal/logging"
)

// RunOptions configures a foreground daemon process.
type RunOptions struct {
	ConfigPath string
	LogLevel   string
	Simulate   bool
}

// RunForeground loads configuration, builds the daemon and serves until
// SIGINT or SIGTERM.
func RunForeground(ctx context.Context, opts RunOptions) error {
	cfg, path, exists, err := config.Load(opts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}

	watchPath := ""
	if exists {
		watchPath = path
	}
	holder := config.NewHolder(cfg, watchPath, logger)

	d, err := New(holder, logger, Options{Simulate: opts.Simulate})
	if err != nil {
		return err
	}
	defer d.Close()

	signalCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("configuration loaded",
		logging.String(logging.FieldEventType, "config_loaded"),
		logging.String("path", path),
		logging.Bool("file_present", exists),
		logging.Bool("simulate", opts.Simulate),
	)
	return d.Run(signalCtx)
}
