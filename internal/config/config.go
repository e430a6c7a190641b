// Package config implements TOML configuration loading, validation, and
// override resolution for driveclonr.
//
// The config file uses flat top-level keys grouped into embedded
// sub-structs, plus two tables: [rate_limits.<service>] and [formats].
// Values resolve through four layers: defaults, config file, environment
// variables, and CLI flags.
package config

// Config is the top-level configuration parsed from a TOML file.
type Config struct {
	ExportConfig
	SourcesConfig
	LoggingConfig
	EventsConfig

	RateLimits map[string]RateLimit `toml:"rate_limits"`
	Formats    map[string]string    `toml:"formats"`
}

// ExportConfig controls the orchestrator and its worker pool.
type ExportConfig struct {
	OutputDir      string `toml:"output_dir"`
	Workers        int    `toml:"workers"`
	PollInterval   string `toml:"poll_interval"`
	FailOnError    bool   `toml:"fail_on_error"`
	MaxAttempts    int    `toml:"max_attempts"`
	BaseBackoff    string `toml:"base_backoff"`
	MaxBackoff     string `toml:"max_backoff"`
	BandwidthLimit string `toml:"bandwidth_limit"`
	RelistOnResume bool   `toml:"relist_on_resume"`
}

// SourcesConfig selects what is exported and how to authenticate.
type SourcesConfig struct {
	Services        []string `toml:"services"`
	IncludeShared   bool     `toml:"include_shared"`
	CredentialsFile string   `toml:"credentials_file"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel string `toml:"log_level"`
}

// EventsConfig controls the optional websocket event stream. An empty
// address disables it.
type EventsConfig struct {
	EventsAddr string `toml:"events_addr"`
}

// RateLimit is one [rate_limits.<service>] table.
type RateLimit struct {
	Rate  float64 `toml:"rate"  json:"rate"`
	Burst int     `toml:"burst" json:"burst"`
}
