package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Load reads, parses and validates a TOML config file. Unknown keys are
// fatal, with "did you mean" suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads path if it exists, otherwise returns the defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// CLIOverrides holds flag values. Pointer fields are nil when the flag was
// not given; a nil Services slice means the same.
type CLIOverrides struct {
	ConfigPath     string
	OutputDir      *string
	Workers        *int
	Services       []string
	IncludeShared  *bool
	BandwidthLimit *string
	FailOnError    *bool
	Relist         *bool
	EventsAddr     *string
}

// Resolved is the effective configuration with durations and sizes parsed
// and paths expanded.
type Resolved struct {
	ConfigPath      string               `json:"config_path"`
	OutputDir       string               `json:"output_dir"`
	CredentialsFile string               `json:"credentials_file"`
	TokenPath       string               `json:"token_path"`
	Services        []string             `json:"services"`
	IncludeShared   bool                 `json:"include_shared"`
	Workers         int                  `json:"workers"`
	PollInterval    time.Duration        `json:"poll_interval"`
	FailOnError     bool                 `json:"fail_on_error"`
	MaxAttempts     int                  `json:"max_attempts"`
	BaseBackoff     time.Duration        `json:"base_backoff"`
	MaxBackoff      time.Duration        `json:"max_backoff"`
	BandwidthLimit  int64                `json:"bandwidth_limit"`
	RelistOnResume  bool                 `json:"relist_on_resume"`
	RateLimits      map[string]RateLimit `json:"rate_limits,omitempty"`
	Formats         map[string]string    `json:"formats,omitempty"`
	LogLevel        string               `json:"log_level"`
	EventsAddr      string               `json:"events_addr,omitempty"`
}

// Resolve loads configuration and applies the override chain: defaults,
// config file, environment variables, CLI flags.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Resolved, error) {
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, err
	}

	r, err := resolveFile(cfg)
	if err != nil {
		return nil, err
	}

	r.ConfigPath = cfgPath

	if env.OutputDir != "" {
		r.OutputDir = env.OutputDir
	}

	if env.CredentialsFile != "" {
		r.CredentialsFile = env.CredentialsFile
	}

	if err := applyCLI(r, cli); err != nil {
		return nil, err
	}

	r.OutputDir = expandTilde(r.OutputDir)
	r.CredentialsFile = expandTilde(r.CredentialsFile)

	if err := ValidateResolved(r); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return r, nil
}

// resolveFile converts a validated Config, filling path defaults.
func resolveFile(cfg *Config) (*Resolved, error) {
	poll, err := time.ParseDuration(cfg.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("poll_interval: %w", err)
	}

	base, err := time.ParseDuration(cfg.BaseBackoff)
	if err != nil {
		return nil, fmt.Errorf("base_backoff: %w", err)
	}

	maxB, err := time.ParseDuration(cfg.MaxBackoff)
	if err != nil {
		return nil, fmt.Errorf("max_backoff: %w", err)
	}

	bw, err := ParseBandwidth(cfg.BandwidthLimit)
	if err != nil {
		return nil, fmt.Errorf("bandwidth_limit: %w", err)
	}

	r := &Resolved{
		OutputDir:       cfg.OutputDir,
		CredentialsFile: cfg.CredentialsFile,
		TokenPath:       DefaultTokenPath(),
		Services:        append([]string(nil), cfg.Services...),
		IncludeShared:   cfg.IncludeShared,
		Workers:         cfg.Workers,
		PollInterval:    poll,
		FailOnError:     cfg.FailOnError,
		MaxAttempts:     cfg.MaxAttempts,
		BaseBackoff:     base,
		MaxBackoff:      maxB,
		BandwidthLimit:  bw,
		RelistOnResume:  cfg.RelistOnResume,
		RateLimits:      cfg.RateLimits,
		Formats:         cfg.Formats,
		LogLevel:        cfg.LogLevel,
		EventsAddr:      cfg.EventsAddr,
	}

	if r.OutputDir == "" {
		r.OutputDir = DefaultOutputDir()
	}

	if r.CredentialsFile == "" {
		r.CredentialsFile = DefaultCredentialsPath()
	}

	return r, nil
}

func applyCLI(r *Resolved, cli CLIOverrides) error {
	if cli.OutputDir != nil {
		r.OutputDir = *cli.OutputDir
	}

	if cli.Workers != nil {
		r.Workers = *cli.Workers
	}

	if cli.Services != nil {
		r.Services = append([]string(nil), cli.Services...)
	}

	if cli.IncludeShared != nil {
		r.IncludeShared = *cli.IncludeShared
	}

	if cli.FailOnError != nil {
		r.FailOnError = *cli.FailOnError
	}

	if cli.Relist != nil {
		r.RelistOnResume = *cli.Relist
	}

	if cli.EventsAddr != nil {
		r.EventsAddr = *cli.EventsAddr
	}

	if cli.BandwidthLimit != nil {
		bw, err := ParseBandwidth(*cli.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("--bandwidth-limit: %w", err)
		}

		r.BandwidthLimit = bw
	}

	return nil
}
