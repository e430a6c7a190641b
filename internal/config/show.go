package config

import (
	"fmt"
	"io"
	"strings"
)

// RenderEffective writes the resolved configuration to w as annotated
// TOML-like text. It backs the "config show" command.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", orNone(r.ConfigPath))

	ew.printf("# paths\n")
	ew.printf("output_dir       = %q\n", r.OutputDir)
	ew.printf("credentials_file = %q\n", r.CredentialsFile)
	ew.printf("# token: %s\n\n", r.TokenPath)

	ew.printf("# sources\n")
	ew.printf("services       = [%s]\n", joinQuoted(r.Services))
	ew.printf("include_shared = %t\n\n", r.IncludeShared)

	ew.printf("# export\n")
	ew.printf("workers          = %d\n", r.Workers)
	ew.printf("poll_interval    = %q\n", r.PollInterval.String())
	ew.printf("fail_on_error    = %t\n", r.FailOnError)
	ew.printf("max_attempts     = %d\n", r.MaxAttempts)
	ew.printf("base_backoff     = %q\n", r.BaseBackoff.String())
	ew.printf("max_backoff      = %q\n", r.MaxBackoff.String())
	ew.printf("bandwidth_limit  = %q\n", formatBandwidth(r.BandwidthLimit))
	ew.printf("relist_on_resume = %t\n\n", r.RelistOnResume)

	ew.printf("log_level   = %q\n", r.LogLevel)
	ew.printf("events_addr = %q\n", r.EventsAddr)

	for _, svc := range sortedMapKeys(r.RateLimits) {
		rl := r.RateLimits[svc]
		ew.printf("\n[rate_limits.%s]\n", svc)
		ew.printf("rate  = %g\n", rl.Rate)
		ew.printf("burst = %d\n", rl.Burst)
	}

	if len(r.Formats) > 0 {
		ew.printf("\n[formats]\n")

		for _, k := range sortedMapKeys(r.Formats) {
			ew.printf("%q = %q\n", k, r.Formats[k])
		}
	}

	return ew.err
}

// errWriter keeps the first write error; later writes are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func joinQuoted(ss []string) string {
	quoted := make([]string, len(ss))
	for i, s := range ss {
		quoted[i] = fmt.Sprintf("%q", s)
	}

	return strings.Join(quoted, ", ")
}

func formatBandwidth(bps int64) string {
	if bps == 0 {
		return "unlimited"
	}

	return fmt.Sprintf("%dB/s", bps)
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}

	return s
}
