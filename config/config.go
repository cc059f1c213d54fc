// Package config implements TOML configuration loading and validation for
// applications embedding the zonesync engine. Loading is defaults-first:
// DefaultConfig supplies every value, the file overrides the keys it names,
// unknown keys are rejected with "did you mean?" suggestions, and the result
// is validated as a whole.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Durations are kept as strings (e.g. "30s"); Validate checks them and
// consumers parse them with time.ParseDuration.
type Config struct {
	Remote    RemoteConfig    `toml:"remote"`
	Store     StoreConfig     `toml:"store"`
	Sync      SyncConfig      `toml:"sync"`
	Retry     RetryConfig     `toml:"retry"`
	Filestore FilestoreConfig `toml:"filestore"`
	Logging   LoggingConfig   `toml:"logging"`
}

// RemoteConfig points the client at a record store. An empty token_url
// disables OAuth2 and requests go out unauthenticated, which is what the
// development simulator expects.
type RemoteConfig struct {
	BaseURL        string   `toml:"base_url"`
	TokenURL       string   `toml:"token_url"`
	ClientID       string   `toml:"client_id"`
	ClientSecret   string   `toml:"client_secret"`
	Scopes         []string `toml:"scopes"`
	RequestTimeout string   `toml:"request_timeout"`
}

// StoreConfig locates the SQLite database holding change tokens, the
// pending-change ledger, and operation tickets.
type StoreConfig struct {
	Path string `toml:"path"`
}

// SyncConfig controls engine behavior: which database scope to sync, the
// request deadline for interactive pulls, and push-notification wiring.
// An empty subscription_id lets the engine derive one from the scope.
type SyncConfig struct {
	Scope              string `toml:"scope"`
	InteractiveTimeout string `toml:"interactive_timeout"`
	SubscriptionID     string `toml:"subscription_id"`
	Notifications      bool   `toml:"notifications"`
}

// RetryConfig tunes the backoff curve for transient failures.
type RetryConfig struct {
	MaxAttempts    int     `toml:"max_attempts"`
	InitialBackoff string  `toml:"initial_backoff"`
	MaxBackoff     string  `toml:"max_backoff"`
	Multiplier     float64 `toml:"multiplier"`
	Jitter         float64 `toml:"jitter"`
}

// FilestoreConfig describes the JSON-document syncable. An empty root
// leaves the filestore disabled; when set, zone and record_types are
// required.
type FilestoreConfig struct {
	Root         string   `toml:"root"`
	Zone         string   `toml:"zone"`
	RecordTypes  []string `toml:"record_types"`
	Watch        bool     `toml:"watch"`
	Debounce     string   `toml:"debounce"`
	AllowMetered bool     `toml:"allow_metered"`
}

// LoggingConfig controls log output: level and handler format.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}
