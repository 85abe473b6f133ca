package config

import (
	"fmt"
	"os"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeAdmission()
	c.normalizeTraining()
	c.normalizeUpload()
	c.normalizeNotifications()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	if strings.TrimSpace(c.Paths.StateDir) == "" {
		c.Paths.StateDir = defaultStateDir
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if strings.TrimSpace(c.Paths.CheckpointDir) == "" {
		c.Paths.CheckpointDir = defaultCheckpointDir
	}
	var err error
	if c.Paths.StateDir, err = expandPath(c.Paths.StateDir); err != nil {
		return fmt.Errorf("paths.state_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if c.Paths.CheckpointDir, err = expandPath(c.Paths.CheckpointDir); err != nil {
		return fmt.Errorf("paths.checkpoint_dir: %w", err)
	}
	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	if c.Paths.APIBind == "" {
		c.Paths.APIBind = defaultAPIBind
	}
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)
	if c.Paths.APIToken == "" {
		c.Paths.APIToken = strings.TrimSpace(os.Getenv("FRACTAL_API_TOKEN"))
	}
	return nil
}

func (c *Config) normalizeAdmission() {
	a := &c.Admission
	a.PowerSupplyDir = strings.TrimSpace(a.PowerSupplyDir)
	if a.PowerSupplyDir == "" {
		a.PowerSupplyDir = defaultPowerSupplyDir
	}
	a.ThermalDir = strings.TrimSpace(a.ThermalDir)
	if a.ThermalDir == "" {
		a.ThermalDir = defaultThermalDir
	}
	a.NetDir = strings.TrimSpace(a.NetDir)
	if a.NetDir == "" {
		a.NetDir = defaultNetDir
	}
	a.BacklightDir = strings.TrimSpace(a.BacklightDir)
	if a.BacklightDir == "" {
		a.BacklightDir = defaultBacklightDir
	}
	if a.InitialBackoff <= 0 {
		a.InitialBackoff = defaultInitialBackoffSeconds
	}
	if a.MaxBackoff <= 0 {
		a.MaxBackoff = defaultMaxBackoffSeconds
	}
	if a.MaxBackoff < a.InitialBackoff {
		a.MaxBackoff = a.InitialBackoff
	}
}

func (c *Config) normalizeTraining() {
	c.Training.TaskID = strings.TrimSpace(c.Training.TaskID)
	if c.Training.TaskID == "" {
		c.Training.TaskID = defaultTaskID
	}
	if c.Training.PollIntervalMS <= 0 {
		c.Training.PollIntervalMS = defaultPollIntervalMS
	}
	if c.Training.InferenceTimeout <= 0 {
		c.Training.InferenceTimeout = defaultInferenceTimeout
	}
}

func (c *Config) normalizeUpload() {
	c.Upload.ServerURL = strings.TrimRight(strings.TrimSpace(c.Upload.ServerURL), "/")
	if c.Upload.ServerURL == "" {
		if value, ok := os.LookupEnv("FRACTAL_UPLOAD_URL"); ok {
			c.Upload.ServerURL = strings.TrimRight(strings.TrimSpace(value), "/")
		}
	}
	if c.Upload.TimeoutSeconds <= 0 {
		c.Upload.TimeoutSeconds = defaultUploadTimeoutSeconds
	}
	if c.Upload.MaxAttempts <= 0 {
		c.Upload.MaxAttempts = defaultUploadMaxAttempts
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
	if c.Notifications.MinUpdateInterval < 0 {
		c.Notifications.MinUpdateInterval = 0
	}
}

func (c *Config) normalizeLogging() {
	format := strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if format == "" {
		format = defaultLogFormat
	}
	c.Logging.Format = format

	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		level = defaultLogLevel
	}
	c.Logging.Level = level
}
