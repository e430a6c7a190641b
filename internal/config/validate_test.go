package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate_DefaultsAreValid(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"workers low", func(c *Config) { c.Workers = 0 }, "workers"},
		{"workers high", func(c *Config) { c.Workers = 65 }, "workers"},
		{"attempts", func(c *Config) { c.MaxAttempts = 0 }, "max_attempts"},
		{"poll unparsable", func(c *Config) { c.PollInterval = "soon" }, "poll_interval"},
		{"poll too long", func(c *Config) { c.PollInterval = "1m" }, "poll_interval"},
		{"base backoff", func(c *Config) { c.BaseBackoff = "0s" }, "base_backoff"},
		{"max below base", func(c *Config) { c.BaseBackoff = "10s"; c.MaxBackoff = "5s" }, "max_backoff"},
		{"bandwidth", func(c *Config) { c.BandwidthLimit = "quick" }, "bandwidth_limit"},
		{"no services", func(c *Config) { c.Services = nil }, "services"},
		{"unknown service", func(c *Config) { c.Services = []string{"drive", "mail"} }, `"mail"`},
		{"log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"events addr", func(c *Config) { c.EventsAddr = "no-port" }, "events_addr"},
		{"rate service", func(c *Config) {
			c.RateLimits = map[string]RateLimit{"mail": {Rate: 1, Burst: 1}}
		}, "rate_limits"},
		{"rate value", func(c *Config) {
			c.RateLimits = map[string]RateLimit{"drive": {Rate: 0, Burst: 1}}
		}, "rate_limits.drive.rate"},
		{"burst value", func(c *Config) {
			c.RateLimits = map[string]RateLimit{"drive": {Rate: 1, Burst: 0}}
		}, "rate_limits.drive.burst"},
		{"format value", func(c *Config) { c.Formats = map[string]string{"docs": ""} }, "formats"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate_AccumulatesErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 0
	cfg.MaxAttempts = 0
	cfg.LogLevel = "x"

	err := Validate(cfg)
	assert.ErrorContains(t, err, "workers")
	assert.ErrorContains(t, err, "max_attempts")
	assert.ErrorContains(t, err, "log_level")
}

func TestValidateResolved(t *testing.T) {
	r := &Resolved{OutputDir: "/out", Workers: 4, Services: []string{"drive"}}
	assert.NoError(t, ValidateResolved(r))

	r.OutputDir = ""
	assert.ErrorContains(t, ValidateResolved(r), "output_dir")
}
