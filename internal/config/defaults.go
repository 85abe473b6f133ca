package config

const (
	defaultConfigPath            = "~/.config/fractal/config.toml"
	defaultStateDir              = "~/.local/share/fractal"
	defaultLogDir                = "~/.local/share/fractal/logs"
	defaultCheckpointDir         = "~/.local/share/fractal/checkpoints"
	defaultAPIBind               = "127.0.0.1:7597"
	defaultMinChargeLimit        = 34
	defaultOvernightStartHour    = 0
	defaultOvernightEndHour      = 8
	defaultMaxTemperatureC       = 45
	defaultMinFreeStorageMB      = 256
	defaultInitialBackoffSeconds = 3
	defaultMaxBackoffSeconds     = 60
	defaultPowerSupplyDir        = "/sys/class/power_supply"
	defaultThermalDir            = "/sys/class/thermal"
	defaultNetDir                = "/sys/class/net"
	defaultBacklightDir          = "/sys/class/backlight"
	defaultTaskID                = "default"
	defaultTotalEpochs           = 10
	defaultBatchesPerEpoch       = 20
	defaultStepMillis            = 100
	defaultPollIntervalMS        = 250
	defaultInferenceTimeout      = 30
	defaultUploadTimeoutSeconds  = 60
	defaultUploadMaxAttempts     = 3
	defaultNotifyRequestTimeout  = 10
	defaultNotifyMinUpdate       = 30
	defaultLogFormat             = "auto"
	defaultLogLevel              = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir:      defaultStateDir,
			LogDir:        defaultLogDir,
			CheckpointDir: defaultCheckpointDir,
			APIBind:       defaultAPIBind,
		},
		Admission: Admission{
			OnWifi:              true,
			OnData:              false,
			OvernightStartHour:  defaultOvernightStartHour,
			OvernightEndHour:    defaultOvernightEndHour,
			IdleTimeUtilization: true,
			MinChargeLimit:      defaultMinChargeLimit,
			MaxTemperatureC:     defaultMaxTemperatureC,
			MinFreeStorageMB:    defaultMinFreeStorageMB,
			InitialBackoff:      defaultInitialBackoffSeconds,
			MaxBackoff:          defaultMaxBackoffSeconds,
			PowerSupplyDir:      defaultPowerSupplyDir,
			ThermalDir:          defaultThermalDir,
			NetDir:              defaultNetDir,
			BacklightDir:        defaultBacklightDir,
			PowerEvents:         true,
		},
		Training: Training{
			TaskID:           defaultTaskID,
			TotalEpochs:      defaultTotalEpochs,
			BatchesPerEpoch:  defaultBatchesPerEpoch,
			StepMillis:       defaultStepMillis,
			PollIntervalMS:   defaultPollIntervalMS,
			InferenceTimeout: defaultInferenceTimeout,
		},
		Upload: Upload{
			TimeoutSeconds: defaultUploadTimeoutSeconds,
			MaxAttempts:    defaultUploadMaxAttempts,
		},
		Notifications: Notifications{
			RequestTimeout:    defaultNotifyRequestTimeout,
			MinUpdateInterval: defaultNotifyMinUpdate,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Metrics: Metrics{
			Enabled: true,
		},
	}
}
