package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ibrasoft/driveclonr/internal/events"
	"github.com/ibrasoft/driveclonr/internal/export"
)

// statusOrder is the display order of node states.
var statusOrder = []export.State{
	export.StateUndiscovered,
	export.StateListed,
	export.StateQueued,
	export.StateFetching,
	export.StateDone,
	export.StateFailed,
}

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the progress of an export",
		Long: `Show the job status, per-state item counts and the list of failed items
of an export. Safe to run while the export is in progress.

Without --ledger, the newest export under the output directory is shown.`,
		RunE: runStatus,
	}

	cmd.Flags().String("ledger", "", "ledger file or export directory")
	cmd.Flags().String("output-dir", "", "directory that holds exports")

	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cc := mustCLIContext(ctx)

	ledgerFlag, _ := cmd.Flags().GetString("ledger")

	paths, err := selectExport(ledgerFlag, cc.Cfg.OutputDir)
	if err != nil {
		return err
	}

	ledger, err := export.OpenLedger(ctx, paths.Ledger, cc.Logger)
	if err != nil {
		return err
	}

	defer func() {
		if cerr := ledger.Close(); cerr != nil {
			cc.Logger.Warn("closing ledger", slog.String("error", cerr.Error()))
		}
	}()

	// A read-only orchestrator: no sources, no sink, never run.
	orch := export.NewOrchestrator(ledger, export.NewSources(), nil, export.Options{}, cc.Logger)

	r, err := orch.Status(ctx)
	if err != nil {
		return err
	}

	_, r.Running = runningPID(paths.PIDFile)

	return printReport(cmd.OutOrStdout(), r, cc.Flags.JSON)
}

// printReport writes a job report as text or JSON.
func printReport(w io.Writer, r *export.Report, asJSON bool) error {
	if asJSON {
		return printJSON(w, events.NewStatusView(r))
	}

	state := string(r.Job.Status)
	if r.Running && r.Job.Status == export.JobRunning {
		state += " (in progress)"
	} else if r.Job.Status == export.JobRunning {
		state += " (interrupted, run resume)"
	}

	fmt.Fprintf(w, "Job:     %s\n", r.Job.ID)
	fmt.Fprintf(w, "Output:  %s\n", r.Job.OutputRoot)
	fmt.Fprintf(w, "Status:  %s\n", state)

	if r.Job.LastError != "" {
		fmt.Fprintf(w, "Error:   %s\n", r.Job.LastError)
	}

	fmt.Fprintln(w)

	rows := make([][]string, 0, len(statusOrder))
	for _, st := range statusOrder {
		rows = append(rows, []string{st.String(), strconv.Itoa(r.Counts[st])})
	}

	printTable(w, []string{"STATE", "ITEMS"}, rows)

	if len(r.Failures) == 0 {
		return nil
	}

	fmt.Fprintf(w, "\n%d failed:\n", len(r.Failures))

	failed := make([][]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		path := f.Path
		if path == "" {
			path = f.Name
		}

		failed = append(failed, []string{path, f.Reason})
	}

	printTable(w, []string{"PATH", "REASON"}, failed)

	return nil
}
