package config

import (
	"errors"
	"fmt"
	"net/url"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateAdmission(); err != nil {
		return err
	}
	if err := c.validateTraining(); err != nil {
		return err
	}
	if err := c.validateUpload(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validateAdmission() error {
	a := c.Admission
	if a.MinChargeLimit < 0 || a.MinChargeLimit > 100 {
		return errors.New("admission.min_charge_limit must be between 0 and 100")
	}
	if err := ensureHour("admission.overnight_start_hour", a.OvernightStartHour); err != nil {
		return err
	}
	if err := ensureHour("admission.overnight_end_hour", a.OvernightEndHour); err != nil {
		return err
	}
	if a.OvernightUtilization && a.OvernightStartHour == a.OvernightEndHour {
		return errors.New("admission.overnight_start_hour and overnight_end_hour must differ")
	}
	if a.MaxTemperatureC < 0 {
		return errors.New("admission.max_temperature_c must be non-negative")
	}
	if a.MinFreeStorageMB < 0 {
		return errors.New("admission.min_free_storage_mb must be non-negative")
	}
	if a.MaxWait < 0 {
		return errors.New("admission.max_wait_seconds must be non-negative")
	}
	return nil
}

func (c *Config) validateTraining() error {
	if err := ensurePositive("training.total_epochs", c.Training.TotalEpochs); err != nil {
		return err
	}
	if err := ensurePositive("training.batches_per_epoch", c.Training.BatchesPerEpoch); err != nil {
		return err
	}
	if c.Training.StepMillis < 0 {
		return errors.New("training.step_millis must be non-negative")
	}
	return nil
}

func (c *Config) validateUpload() error {
	if c.Upload.ServerURL == "" {
		return nil
	}
	parsed, err := url.Parse(c.Upload.ServerURL)
	if err != nil {
		return fmt.Errorf("upload.server_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("upload.server_url must use http or https, got %q", parsed.Scheme)
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	return nil
}

func ensurePositive(field string, value int) error {
	if value <= 0 {
		return fmt.Errorf("%s must be positive", field)
	}
	return nil
}

func ensureHour(field string, value int) error {
	if value < 0 || value > 23 {
		return fmt.Errorf("%s must be between 0 and 23", field)
	}
	return nil
}
