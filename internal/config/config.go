package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	StateDir      string `toml:"state_dir"`
	LogDir        string `toml:"log_dir"`
	CheckpointDir string `toml:"checkpoint_dir"`
	APIBind       string `toml:"api_bind"`
	APIToken      string `toml:"api_token"`
}

// Admission contains the device conditions a session must satisfy before
// training proceeds.
type Admission struct {
	OnWifi               bool   `toml:"on_wifi"`
	OnData               bool   `toml:"on_data"`
	OvernightUtilization bool   `toml:"overnight_utilization"`
	OvernightStartHour   int    `toml:"overnight_start_hour"`
	OvernightEndHour     int    `toml:"overnight_end_hour"`
	IdleTimeUtilization  bool   `toml:"idle_time_utilization"`
	MinChargeLimit       int    `toml:"min_charge_limit"`
	OnChargingExclusive  bool   `toml:"on_charging_exclusive"`
	MaxTemperatureC      int    `toml:"max_temperature_c"`
	MinFreeStorageMB     int    `toml:"min_free_storage_mb"`
	InitialBackoff       int    `toml:"initial_backoff_seconds"`
	MaxBackoff           int    `toml:"max_backoff_seconds"`
	MaxWait              int    `toml:"max_wait_seconds"` // 0 waits indefinitely
	PowerSupplyDir       string `toml:"power_supply_dir"`
	ThermalDir           string `toml:"thermal_dir"`
	NetDir               string `toml:"net_dir"`
	BacklightDir         string `toml:"backlight_dir"`
	PowerEvents          bool   `toml:"power_events"`
}

// Training contains settings for the reference executor.
type Training struct {
	TaskID           string `toml:"task_id"`
	TotalEpochs      int    `toml:"total_epochs"`
	BatchesPerEpoch  int    `toml:"batches_per_epoch"`
	StepMillis       int    `toml:"step_millis"`
	PollIntervalMS   int    `toml:"poll_interval_ms"`
	InferenceTimeout int    `toml:"inference_timeout_seconds"`
}

// Upload contains configuration for checkpoint delivery.
type Upload struct {
	ServerURL      string `toml:"server_url"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxAttempts    int    `toml:"max_attempts"`
}

// Notifications contains configuration for the ntfy foreground indicator.
type Notifications struct {
	NtfyTopic         string `toml:"ntfy_topic"`
	RequestTimeout    int    `toml:"request_timeout"`
	MinUpdateInterval int    `toml:"min_update_interval_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Metrics toggles the Prometheus endpoint.
type Metrics struct {
	Enabled bool `toml:"enabled"`
}

// Config encapsulates all configuration values for Fractal.
//
// Configuration sections by subsystem:
//   - Paths: state, log, and checkpoint directories plus the API bind address
//   - Admission: device conditions gating training and the wait backoff
//   - Training: reference executor epochs, pacing, and poll interval
//   - Upload: checkpoint upload endpoint
//   - Notifications: ntfy foreground indicator
//   - Logging: log format and level
//   - Metrics: Prometheus endpoint toggle
type Config struct {
	Paths         Paths         `toml:"paths"`
	Admission     Admission     `toml:"admission"`
	Training      Training      `toml:"training"`
	Upload        Upload        `toml:"upload"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
	Metrics       Metrics       `toml:"metrics"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		if err := decodeFile(resolvedPath, &cfg); err != nil {
			return nil, "", false, err
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("fractal.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.StateDir, c.Paths.LogDir, c.Paths.CheckpointDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// HistoryPath returns the location of the session history database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.Paths.StateDir, "history.db")
}

// LockPath returns the daemon single-instance lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "fractald.lock")
}

// PollInterval is the longest the executor may go without checking for pause
// or cancellation while it is idling.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Training.PollIntervalMS) * time.Millisecond
}

// InferenceTimeout bounds the post-training inference pass.
func (c *Config) InferenceTimeout() time.Duration {
	return time.Duration(c.Training.InferenceTimeout) * time.Second
}

// UploadTimeout bounds a single checkpoint upload.
func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Upload.TimeoutSeconds) * time.Second
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
