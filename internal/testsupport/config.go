// Package testsupport builds throwaway configurations for package tests.
package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"fractal/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config rooted in a per-test temp directory. Training
// is shortened to a few milliseconds, the API binds an ephemeral port, and
// the sysfs directories point at empty fixtures so nothing reads the host.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.CheckpointDir = filepath.Join(base, "checkpoints")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Admission.PowerSupplyDir = filepath.Join(base, "sys", "power_supply")
	cfgVal.Admission.ThermalDir = filepath.Join(base, "sys", "thermal")
	cfgVal.Admission.NetDir = filepath.Join(base, "sys", "net")
	cfgVal.Admission.BacklightDir = filepath.Join(base, "sys", "backlight")
	cfgVal.Admission.PowerEvents = false
	cfgVal.Training.TotalEpochs = 2
	cfgVal.Training.BatchesPerEpoch = 2
	cfgVal.Training.StepMillis = 1
	cfgVal.Training.PollIntervalMS = 5
	cfgVal.Training.InferenceTimeout = 5
	cfgVal.Logging.Format = "json"
	cfgVal.Metrics.Enabled = false

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}
	for _, opt := range opts {
		opt(builder)
	}
	return builder.cfg
}

// WithTraining overrides the epoch and batch counts.
func WithTraining(epochs, batches int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Training.TotalEpochs = epochs
		b.cfg.Training.BatchesPerEpoch = batches
	}
}

// WithUploadURL points checkpoint uploads at url.
func WithUploadURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Upload.ServerURL = url
		b.cfg.Upload.MaxAttempts = 1
	}
}

// WithAPIToken requires a bearer token on the HTTP API.
func WithAPIToken(token string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Paths.APIToken = token
	}
}

// WithSysfsFile writes a fixture file under the temp sysfs tree, for example
// WithSysfsFile("power_supply/BAT0/capacity", "80").
func WithSysfsFile(rel, content string) ConfigOption {
	return func(b *configBuilder) {
		b.t.Helper()
		path := filepath.Join(b.baseDir, "sys", rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			b.t.Fatalf("mkdir sysfs fixture: %v", err)
		}
		if err := os.WriteFile(path, []byte(content+"\n"), 0o644); err != nil {
			b.t.Fatalf("write sysfs fixture: %v", err)
		}
	}
}

// BaseDir returns the temp root used for cfg's directories.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.StateDir)
}
