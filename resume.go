package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/ibrasoft/driveclonr/internal/export"
)

func newResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused or interrupted export",
		Long: `Continue an export from its ledger. Finished items are not downloaded
again unless their local file is missing. Partial downloads left by an
interrupted run are removed first.

Without --ledger, the newest export under the output directory is resumed.
With --relist, folders and albums are listed again so items added or changed
since the export started are picked up.

Examples:
  driveclonr resume
  driveclonr resume --ledger "~/DriveClonr/DriveClonr - 2026-01-02 10-00-00"
  driveclonr resume --relist`,
		RunE: runResume,
	}

	addExportFlags(cmd)
	cmd.Flags().String("ledger", "", "ledger file or export directory to resume")
	cmd.Flags().Bool("relist", false, "list containers again to pick up remote changes")
	cmd.Flags().StringSlice("services", nil, "services to build sources for (drive, photos, sheets, slides)")

	return cmd
}

func runResume(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	ledgerFlag, _ := cmd.Flags().GetString("ledger")

	paths, err := selectExport(ledgerFlag, cc.Cfg.OutputDir)
	if err != nil {
		return err
	}

	s, err := openSession(ctx, cc, paths)
	if err != nil {
		return err
	}
	defer s.Close()

	job, err := s.ledger.LoadJob(ctx)
	if err != nil {
		return err
	}

	removed, err := s.sink.RemovePartials()
	if err != nil {
		return err
	}

	if removed > 0 {
		cc.Logger.Info("removed partial downloads", "count", removed)
	}

	cc.Statusf("Resuming export %s (%s) in %s\n", job.ID, job.Status, paths.Root)

	status, runErr := s.run(ctx, job.ID, func(ctx context.Context) (export.JobStatus, error) {
		return s.orch.Resume(ctx)
	})

	return finishRun(ctx, cmd.OutOrStdout(), s, status, runErr)
}
