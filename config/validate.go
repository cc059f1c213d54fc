package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/plivesey/zonesync/zoneid"
)

// Validation range constants.
const (
	minRetryAttempts      = 1
	maxRetryAttempts      = 10
	minMultiplier         = 1.0
	maxMultiplier         = 10.0
	maxJitter             = 1.0
	minBackoff            = time.Millisecond
	minRequestTimeout     = 1 * time.Second
	minInteractiveTimeout = 1 * time.Second
)

// Validate checks all configuration values and returns every error found,
// not just the first, so one pass over the report fixes the whole file.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateStore(&cfg.Store)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateFilestore(&cfg.Filestore)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	errs = append(errs, validateURL("remote.base_url", r.BaseURL)...)

	if r.TokenURL != "" {
		errs = append(errs, validateURL("remote.token_url", r.TokenURL)...)

		if r.ClientID == "" {
			errs = append(errs, errors.New("remote.client_id: must not be empty when token_url is set"))
		}

		if r.ClientSecret == "" {
			errs = append(errs, errors.New("remote.client_secret: must not be empty when token_url is set"))
		}
	} else if r.ClientID != "" || r.ClientSecret != "" || len(r.Scopes) > 0 {
		errs = append(errs, errors.New("remote.token_url: must be set when client credentials are configured"))
	}

	errs = append(errs, validateDurationMin("remote.request_timeout", r.RequestTimeout, minRequestTimeout)...)

	return errs
}

func validateURL(field, raw string) []error {
	if raw == "" {
		return []error{fmt.Errorf("%s: must not be empty", field)}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid URL %q: %w", field, raw, err)}
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return []error{fmt.Errorf("%s: scheme must be http or https, got %q", field, raw)}
	}

	if u.Host == "" {
		return []error{fmt.Errorf("%s: missing host in %q", field, raw)}
	}

	return nil
}

func validateStore(s *StoreConfig) []error {
	if s.Path == "" {
		return []error{errors.New("store.path: must not be empty")}
	}

	return nil
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if _, err := zoneid.ParseScope(s.Scope); err != nil {
		errs = append(errs, fmt.Errorf("sync.scope: %w", err))
	}

	errs = append(errs, validateDurationMin("sync.interactive_timeout", s.InteractiveTimeout, minInteractiveTimeout)...)

	return errs
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	if r.MaxAttempts < minRetryAttempts || r.MaxAttempts > maxRetryAttempts {
		errs = append(errs, fmt.Errorf("retry.max_attempts: must be between %d and %d, got %d",
			minRetryAttempts, maxRetryAttempts, r.MaxAttempts))
	}

	errs = append(errs, validateDurationMin("retry.initial_backoff", r.InitialBackoff, minBackoff)...)
	errs = append(errs, validateDurationMin("retry.max_backoff", r.MaxBackoff, minBackoff)...)

	initial, errInitial := time.ParseDuration(r.InitialBackoff)

	maximum, errMax := time.ParseDuration(r.MaxBackoff)
	if errInitial == nil && errMax == nil && maximum < initial {
		errs = append(errs, fmt.Errorf("retry.max_backoff: must be >= retry.initial_backoff (%s), got %s",
			initial, maximum))
	}

	if r.Multiplier < minMultiplier || r.Multiplier > maxMultiplier {
		errs = append(errs, fmt.Errorf("retry.multiplier: must be between %g and %g, got %g",
			minMultiplier, maxMultiplier, r.Multiplier))
	}

	if r.Jitter < 0 || r.Jitter > maxJitter {
		errs = append(errs, fmt.Errorf("retry.jitter: must be between 0 and %g, got %g", maxJitter, r.Jitter))
	}

	return errs
}

func validateFilestore(f *FilestoreConfig) []error {
	var errs []error

	errs = append(errs, validateDurationNonNeg("filestore.debounce", f.Debounce)...)

	// An empty root disables the filestore; the remaining keys are inert.
	if f.Root == "" {
		return errs
	}

	if f.Zone == "" {
		errs = append(errs, errors.New("filestore.zone: must not be empty when root is set"))
	}

	if len(f.RecordTypes) == 0 {
		errs = append(errs, errors.New("filestore.record_types: must not be empty when root is set"))
	}

	seen := make(map[string]bool)

	for _, typ := range f.RecordTypes {
		switch {
		case typ == "":
			errs = append(errs, errors.New("filestore.record_types: must not contain empty entries"))
		case strings.ContainsAny(typ, `/\`):
			errs = append(errs, fmt.Errorf("filestore.record_types: %q must not contain path separators", typ))
		case seen[typ]:
			errs = append(errs, fmt.Errorf("filestore.record_types: duplicate entry %q", typ))
		default:
			seen[typ] = true
		}
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.Level] {
		errs = append(errs, fmt.Errorf("logging.level: must be one of debug, info, warn, error; got %q", l.Level))
	}

	if !validLogFormats[l.Format] {
		errs = append(errs, fmt.Errorf("logging.format: must be one of auto, text, json; got %q", l.Format))
	}

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}
