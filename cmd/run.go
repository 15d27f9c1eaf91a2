package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"

	"github.com/ghyeongl/surfcheck/harness"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var reportPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the convergence scenario against a fresh server",
		Long: `Run starts the configured server, waits until it accepts connections,
and executes the scenario phases in order:

  baseline  each client starts empty and contributes file{i}
  create    every client receives every file
  resync    a sync with nothing to exchange changes nothing
  update    random appends reach every client
  conflict  concurrent edits resolve to one winner everywhere
  delete    deletions propagate and never resurface

The server is always torn down. Exit status is 0 on pass, 1 on failure.`,
		Example: `  surfcheck run
  surfcheck run --clients 4 --seed 42
  surfcheck run --phases baseline,create,delete --report out/report.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := root.cfg
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var opts []harness.Option
			if reportPath != "" {
				p, err := homedir.Expand(reportPath)
				if err != nil {
					return err
				}
				opts = append(opts, harness.WithReportPath(p))
			}
			if cfg.Ledger.Path != "" {
				lg, err := harness.OpenLedger(cfg.Ledger.Path)
				if err != nil {
					return err
				}
				defer lg.Close()
				opts = append(opts, harness.WithLedger(lg))
			}
			if w := harness.ServerLogWriter(cfg.Log.Dir); w != nil {
				defer w.Close()
				opts = append(opts, harness.WithServerOutput(w))
			}

			return runScenario(ctx, cmd, cfg, opts...)
		},
	}

	f := cmd.Flags()
	f.Int("clients", 0, "number of simulated clients")
	f.Int64("seed", 0, "PRNG seed for random choices (0 derives one from the clock)")
	f.StringSlice("phases", nil, "phases to run, always in canonical order")
	f.String("workdir", "", "directory holding the client data dirs")
	f.StringVar(&reportPath, "report", "", "write a YAML run report to this path")
	return cmd
}

func runScenario(ctx context.Context, cmd *cobra.Command, cfg harness.Config, opts ...harness.Option) error {
	runner, err := harness.NewRunner(cfg, opts...)
	if err != nil {
		return err
	}
	rep, err := runner.Run(ctx)
	if rep != nil {
		fmt.Fprintln(cmd.OutOrStdout(), rep.Summary())
		if rep.Artifact != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "workspace bundle: %s\n", rep.Artifact)
		}
	}
	return err
}
