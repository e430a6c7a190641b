package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ibrasoft/driveclonr/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// skipConfigAnnotation marks commands that run without resolving the config
// file (they only need the bootstrap logger).
const skipConfigAnnotation = "skip-config"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// CLIFlags is a snapshot of the global flags.
type CLIFlags struct {
	ConfigPath string
	JSON       bool
	Verbose    bool
	Quiet      bool
}

// CLIContext is built by the root pre-run and carried in the command
// context. Cfg is nil for commands annotated with skipConfigAnnotation.
type CLIContext struct {
	Flags  CLIFlags
	Logger *slog.Logger
	Cfg    *config.Resolved
}

type cliContextKey struct{}

// Statusf prints a status message to stderr unless --quiet is set.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

func withCLIContext(ctx context.Context, cc *CLIContext) context.Context {
	return context.WithValue(ctx, cliContextKey{}, cc)
}

// mustCLIContext returns the CLIContext stored by the root pre-run. A
// missing context is a programming error.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok || cc == nil {
		panic("driveclonr: command context has no CLIContext")
	}

	return cc
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "driveclonr",
		Short: "Bulk export of Google Drive and Google Photos",
		Long: `driveclonr copies everything in a Google account (My Drive, optionally
"Shared with me", Docs/Sheets/Slides converted to office formats, and the
Google Photos library and albums) into a local directory.

Exports are resumable: progress is kept in a ledger inside the export
directory, and an interrupted or paused export continues where it stopped.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setupCLIContext(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "only log errors")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")

	cmd.AddCommand(newLoginCmd())
	cmd.AddCommand(newLogoutCmd())
	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newPauseCmd())
	cmd.AddCommand(newResumeCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newFormatsCmd())
	cmd.AddCommand(newConfigCmd())

	return cmd
}

// setupCLIContext resolves the configuration (unless the command opts out)
// and stores the CLIContext on the command's context.
func setupCLIContext(cmd *cobra.Command) error {
	cc := &CLIContext{
		Flags: CLIFlags{
			ConfigPath: flagConfigPath,
			JSON:       flagJSON,
			Verbose:    flagVerbose,
			Quiet:      flagQuiet,
		},
	}

	if cmd.Annotations[skipConfigAnnotation] == "" {
		resolved, err := config.Resolve(config.ReadEnvOverrides(), cliOverrides(cmd))
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		cc.Cfg = resolved
	}

	cc.Logger = buildLogger(cc.Cfg, cc.Flags)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cmd.SetContext(withCLIContext(ctx, cc))

	return nil
}

// cliOverrides collects the export flags the user actually set. Commands
// that do not define a flag simply never report it as changed.
func cliOverrides(cmd *cobra.Command) config.CLIOverrides {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}
	flags := cmd.Flags()

	if flags.Changed("output-dir") {
		v, _ := flags.GetString("output-dir")
		cli.OutputDir = &v
	}

	if flags.Changed("workers") {
		v, _ := flags.GetInt("workers")
		cli.Workers = &v
	}

	if flags.Changed("services") {
		v, _ := flags.GetStringSlice("services")
		cli.Services = v
	}

	if flags.Changed("include-shared") {
		v, _ := flags.GetBool("include-shared")
		cli.IncludeShared = &v
	}

	if flags.Changed("bandwidth-limit") {
		v, _ := flags.GetString("bandwidth-limit")
		cli.BandwidthLimit = &v
	}

	if flags.Changed("fail-on-error") {
		v, _ := flags.GetBool("fail-on-error")
		cli.FailOnError = &v
	}

	if flags.Changed("relist") {
		v, _ := flags.GetBool("relist")
		cli.Relist = &v
	}

	if flags.Changed("events-addr") {
		v, _ := flags.GetString("events-addr")
		cli.EventsAddr = &v
	}

	return cli
}

// buildLogger creates the process logger. The config's log_level is the
// baseline; --verbose and --quiet override it.
func buildLogger(cfg *config.Resolved, flags CLIFlags) *slog.Logger {
	level := slog.LevelInfo

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flags.Verbose {
		level = slog.LevelDebug
	}

	if flags.Quiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitOnError prints err to stderr and exits with status 1.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
