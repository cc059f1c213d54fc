package config

// Default values for configuration options. With these, a fresh
// checkout works against a local simulator without any config file.
const (
	defaultBaseURL            = "http://localhost:8040"
	defaultRequestTimeout     = "30s"
	defaultStorePath          = "zonesync.db"
	defaultScope              = "private"
	defaultInteractiveTimeout = "30s"
	defaultMaxAttempts        = 5
	defaultInitialBackoff     = "3s"
	defaultMaxBackoff         = "60s"
	defaultMultiplier         = 2.0
	defaultJitter             = 0.25
	defaultDebounce           = "500ms"
	defaultLogLevel           = "info"
	defaultLogFormat          = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding (unset fields keep their defaults)
// and the fallback when no config file exists. The retry defaults mirror
// zonesync.DefaultRetryPolicy.
func DefaultConfig() *Config {
	return &Config{
		Remote:    defaultRemoteConfig(),
		Store:     defaultStoreConfig(),
		Sync:      defaultSyncConfig(),
		Retry:     defaultRetryConfig(),
		Filestore: defaultFilestoreConfig(),
		Logging:   defaultLoggingConfig(),
	}
}

func defaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		BaseURL:        defaultBaseURL,
		RequestTimeout: defaultRequestTimeout,
	}
}

func defaultStoreConfig() StoreConfig {
	return StoreConfig{
		Path: defaultStorePath,
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		Scope:              defaultScope,
		InteractiveTimeout: defaultInteractiveTimeout,
		Notifications:      true,
	}
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    defaultMaxAttempts,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
		Multiplier:     defaultMultiplier,
		Jitter:         defaultJitter,
	}
}

func defaultFilestoreConfig() FilestoreConfig {
	return FilestoreConfig{
		Debounce: defaultDebounce,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  defaultLogLevel,
		Format: defaultLogFormat,
	}
}
