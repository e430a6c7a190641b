package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause a running export",
		Long: `Ask the running export to pause. Downloads already in progress finish
and are recorded; the job is then marked paused and can be continued with
'driveclonr resume'.

Without --ledger, the newest export under the output directory is paused.`,
		RunE: runPause,
	}

	cmd.Flags().String("ledger", "", "ledger file or export directory of the running export")
	cmd.Flags().String("output-dir", "", "directory that holds exports")

	return cmd
}

func runPause(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	ledgerFlag, _ := cmd.Flags().GetString("ledger")

	paths, err := selectExport(ledgerFlag, cc.Cfg.OutputDir)
	if err != nil {
		return err
	}

	pid, running := runningPID(paths.PIDFile)
	if !running {
		return fmt.Errorf("export in %s is not running", paths.Root)
	}

	if err := requestPause(paths.Pause); err != nil {
		return err
	}

	cc.Logger.Info("pause requested", "pid", pid, "export", paths.Root)
	cc.Statusf("Pause requested for export in %s (pid %d)\n", paths.Root, pid)

	return nil
}
