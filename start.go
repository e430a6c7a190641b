package main

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ibrasoft/driveclonr/internal/export"
)

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new export",
		Long: `Start a new export into a timestamped directory under the output directory.

The export walks My Drive (and "Shared with me" with --include-shared),
converting Docs, Sheets and Slides to office formats, and the Google Photos
library and albums. Progress is recorded in a ledger inside the export
directory so the run can be paused and resumed.

Press Ctrl-C once to pause after in-flight downloads finish; press it again
to exit immediately.

Examples:
  driveclonr start
  driveclonr start --services drive,photos --workers 8
  driveclonr start --bandwidth-limit 5MiB/s --events-addr 127.0.0.1:8765`,
		RunE: runStart,
	}

	addExportFlags(cmd)
	cmd.Flags().StringSlice("services", nil, "services to export (drive, photos, sheets, slides)")
	cmd.Flags().Bool("include-shared", false, "also export files shared with you")

	return cmd
}

// addExportFlags registers the run flags shared by start and resume.
func addExportFlags(cmd *cobra.Command) {
	cmd.Flags().String("output-dir", "", "directory that holds exports")
	cmd.Flags().Int("workers", 0, "number of concurrent workers")
	cmd.Flags().String("bandwidth-limit", "", "download bandwidth limit (e.g. 5MiB/s, 0 = unlimited)")
	cmd.Flags().Bool("fail-on-error", false, "end the job as failed if any item failed")
	cmd.Flags().String("events-addr", "", "serve a websocket event stream on this address")
}

func runStart(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	paths, err := newExportDir(cc.Cfg.OutputDir, time.Now())
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cc, paths)
	if err != nil {
		return err
	}
	defer s.Close()

	job := export.NewJob(paths.Root)

	cc.Statusf("Exporting %s to %s\n", joinServices(cc.Cfg.Services), paths.Root)

	status, runErr := s.run(ctx, job.ID, func(ctx context.Context) (export.JobStatus, error) {
		return s.orch.Start(ctx, job)
	})

	return finishRun(ctx, cmd.OutOrStdout(), s, status, runErr)
}

// finishRun reports the outcome of a start or resume. A failed job still
// prints its report before the error is returned.
func finishRun(ctx context.Context, w io.Writer, s *exportSession, status export.JobStatus, runErr error) error {
	if runErr != nil && !errors.Is(runErr, export.ErrJobFailed) {
		return runErr
	}

	if err := s.report(ctx, w); err != nil {
		return err
	}

	if status == export.JobPaused {
		s.cc.Statusf("Paused. Run 'driveclonr resume --ledger %q' to continue.\n", s.paths.Ledger)
	}

	return runErr
}

func joinServices(services []string) string {
	if len(services) == 0 {
		return "nothing"
	}

	return strings.Join(services, ", ")
}
