package config

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"time"
)

// Validation ranges.
const (
	minWorkers      = 1
	maxWorkers      = 64
	minAttempts     = 1
	maxAttempts     = 100
	minPollInterval = 10 * time.Millisecond
	maxPollInterval = 10 * time.Second
)

var validLogLevels = []string{"debug", "info", "warn", "error"}

// Validate checks every configuration value and returns all problems at
// once, joined.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateExport(&cfg.ExportConfig)...)
	errs = append(errs, validateSources(&cfg.SourcesConfig)...)
	errs = append(errs, validateLogging(&cfg.LoggingConfig)...)
	errs = append(errs, validateEvents(&cfg.EventsConfig)...)
	errs = append(errs, validateRateLimits(cfg.RateLimits)...)
	errs = append(errs, validateFormats(cfg.Formats)...)

	return errors.Join(errs...)
}

func validateExport(c *ExportConfig) []error {
	var errs []error

	if c.Workers < minWorkers || c.Workers > maxWorkers {
		errs = append(errs, fmt.Errorf("workers: must be between %d and %d, got %d", minWorkers, maxWorkers, c.Workers))
	}

	if c.MaxAttempts < minAttempts || c.MaxAttempts > maxAttempts {
		errs = append(errs, fmt.Errorf("max_attempts: must be between %d and %d, got %d",
			minAttempts, maxAttempts, c.MaxAttempts))
	}

	if d, err := time.ParseDuration(c.PollInterval); err != nil {
		errs = append(errs, fmt.Errorf("poll_interval: invalid duration %q: %w", c.PollInterval, err))
	} else if d < minPollInterval || d > maxPollInterval {
		errs = append(errs, fmt.Errorf("poll_interval: must be between %s and %s, got %s",
			minPollInterval, maxPollInterval, d))
	}

	errs = append(errs, validateBackoff(c.BaseBackoff, c.MaxBackoff)...)

	if _, err := ParseBandwidth(c.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("bandwidth_limit: %w", err))
	}

	return errs
}

func validateBackoff(base, maxB string) []error {
	var errs []error

	b, err := time.ParseDuration(base)
	if err != nil {
		errs = append(errs, fmt.Errorf("base_backoff: invalid duration %q: %w", base, err))
	} else if b <= 0 {
		errs = append(errs, fmt.Errorf("base_backoff: must be positive, got %s", b))
	}

	m, err := time.ParseDuration(maxB)
	if err != nil {
		errs = append(errs, fmt.Errorf("max_backoff: invalid duration %q: %w", maxB, err))
	} else if len(errs) == 0 && m < b {
		errs = append(errs, fmt.Errorf("max_backoff: must be at least base_backoff (%s), got %s", b, m))
	}

	return errs
}

func validateSources(c *SourcesConfig) []error {
	var errs []error

	if len(c.Services) == 0 {
		errs = append(errs, errors.New("services: at least one service is required"))
	}

	for _, svc := range c.Services {
		if !slices.Contains(knownServices, svc) {
			errs = append(errs, fmt.Errorf("services: unknown service %q (valid: %v)", svc, knownServices))
		}
	}

	return errs
}

func validateLogging(c *LoggingConfig) []error {
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return []error{fmt.Errorf("log_level: must be one of %v, got %q", validLogLevels, c.LogLevel)}
	}

	return nil
}

func validateEvents(c *EventsConfig) []error {
	if c.EventsAddr == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(c.EventsAddr); err != nil {
		return []error{fmt.Errorf("events_addr: %w", err)}
	}

	return nil
}

func validateRateLimits(limits map[string]RateLimit) []error {
	var errs []error

	for _, svc := range sortedMapKeys(limits) {
		rl := limits[svc]

		if !slices.Contains(knownServices, svc) {
			errs = append(errs, fmt.Errorf("rate_limits: unknown service %q (valid: %v)", svc, knownServices))
			continue
		}

		if rl.Rate <= 0 {
			errs = append(errs, fmt.Errorf("rate_limits.%s.rate: must be positive, got %g", svc, rl.Rate))
		}

		if rl.Burst < 1 {
			errs = append(errs, fmt.Errorf("rate_limits.%s.burst: must be at least 1, got %d", svc, rl.Burst))
		}
	}

	return errs
}

// validateFormats only checks shape; format names are checked against the
// export table when the Drive source is built.
func validateFormats(formats map[string]string) []error {
	var errs []error

	for _, k := range sortedMapKeys(formats) {
		if k == "" || formats[k] == "" {
			errs = append(errs, fmt.Errorf("formats: empty entry %q = %q", k, formats[k]))
		}
	}

	return errs
}

// ValidateResolved checks constraints that only apply after env and CLI
// overrides.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if r.OutputDir == "" {
		errs = append(errs, errors.New("output_dir: no output directory (set output_dir or DRIVECLONR_OUTPUT_DIR)"))
	}

	if r.Workers < minWorkers || r.Workers > maxWorkers {
		errs = append(errs, fmt.Errorf("workers: must be between %d and %d, got %d", minWorkers, maxWorkers, r.Workers))
	}

	for _, svc := range r.Services {
		if !slices.Contains(knownServices, svc) {
			errs = append(errs, fmt.Errorf("services: unknown service %q (valid: %v)", svc, knownServices))
		}
	}

	if r.BandwidthLimit < 0 {
		errs = append(errs, fmt.Errorf("bandwidth_limit: must be non-negative, got %d", r.BandwidthLimit))
	}

	errs = append(errs, validateEvents(&EventsConfig{EventsAddr: r.EventsAddr})...)

	return errors.Join(errs...)
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}
