package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/surfcheck/harness"
)

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent runs from the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lg, err := openLedger(root.cfg)
			if err != nil {
				return err
			}
			defer lg.Close()

			runs, err := lg.ListRuns(limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.AddCommand(newHistoryShowCmd(root))
	return cmd
}

func newHistoryShowCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the phases and syncs of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid run id %q", args[0])
			}
			lg, err := openLedger(root.cfg)
			if err != nil {
				return err
			}
			defer lg.Close()

			run, err := lg.GetRun(id)
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %d not found", id)
			}
			phases, err := lg.ListPhases(id)
			if err != nil {
				return err
			}
			invs, err := lg.ListInvocations(id)
			if err != nil {
				return err
			}
			var rep *harness.Report
			if run.ReportPath != "" {
				// A missing report only loses the workspace listing.
				if rep, err = harness.ReadReport(run.ReportPath); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
				}
			}
			printRun(cmd.OutOrStdout(), run, phases, invs)
			printWorkspaces(cmd.OutOrStdout(), rep)
			return nil
		},
	}
}

func openLedger(cfg harness.Config) (*harness.Ledger, error) {
	if cfg.Ledger.Path == "" {
		return nil, fmt.Errorf("no ledger configured (set ledger.path or --ledger)")
	}
	return harness.OpenLedger(cfg.Ledger.Path)
}

func printRuns(w io.Writer, runs []harness.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tSTATUS\tCLIENTS\tSEED\tDURATION\tFAILURE")
	for _, r := range runs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.StartedAt.Format(time.DateTime), r.Status, r.Clients, r.Seed,
			runDuration(r.StartedAt, r.FinishedAt), truncate(r.Failure, 60))
	}
	tw.Flush()
}

func printRun(w io.Writer, r *harness.RunRecord, phases []harness.PhaseRecord, invs []harness.InvocationRecord) {
	fmt.Fprintf(w, "run %d: %s\n", r.ID, r.Status)
	fmt.Fprintf(w, "  started  %s (%s)\n", r.StartedAt.Format(time.DateTime), runDuration(r.StartedAt, r.FinishedAt))
	fmt.Fprintf(w, "  server   %s\n", r.ServerAddr)
	fmt.Fprintf(w, "  clients  %d\n", r.Clients)
	fmt.Fprintf(w, "  seed     %d\n", r.Seed)
	fmt.Fprintf(w, "  phases   %s\n", strings.Join(r.Phases, ","))
	if r.Failure != "" {
		fmt.Fprintf(w, "  failure  %s\n", r.Failure)
	}
	if r.ReportPath != "" {
		fmt.Fprintf(w, "  report   %s\n", r.ReportPath)
	}
	if r.ArtifactPath != "" {
		fmt.Fprintf(w, "  bundle   %s\n", r.ArtifactPath)
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PHASE\tSTATUS\tDURATION\tSYNCS\tSLOWEST\tERROR")
	for _, p := range phases {
		count, slowest := 0, time.Duration(0)
		for _, inv := range invs {
			if inv.Phase != p.Name {
				continue
			}
			count++
			slowest = max(slowest, inv.Duration)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			p.Name, p.Status, runDuration(p.StartedAt, p.FinishedAt), count,
			slowest.Round(time.Millisecond), truncate(p.Error, 60))
	}
	tw.Flush()
}

// printWorkspaces lists the final client directories from a run report.
func printWorkspaces(w io.Writer, rep *harness.Report) {
	if rep == nil || len(rep.Workspaces) == 0 {
		return
	}
	states := lo.Uniq(lo.Map(rep.Workspaces, func(c harness.ClientSnapshot, _ int) string { return c.Fingerprint }))

	fmt.Fprintln(w)
	fmt.Fprintf(w, "workspaces: %d clients, %d distinct states\n", len(rep.Workspaces), len(states))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DIR\tFILES\tFINGERPRINT")
	for _, c := range rep.Workspaces {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", c.Dir, len(c.Files), truncate(c.Fingerprint, 15))
	}
	tw.Flush()
}

func runDuration(start, end time.Time) string {
	if end.IsZero() {
		return "-"
	}
	return end.Sub(start).Round(time.Millisecond).String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
