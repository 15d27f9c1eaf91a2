// Package cmd implements the surfcheck command line.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ghyeongl/surfcheck/harness"
)

type rootOptions struct {
	configPath string
	cfg        harness.Config
}

// NewRootCmd builds the surfcheck command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "surfcheck",
		Short: "Convergence harness for a replicated file-sync service",
		Long: `surfcheck starts a sync server, drives N simulated clients through
create, update, conflict and delete scenarios, and checks that every
client's directory converges to the expected state.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			opts.cfg = cfg
			harness.InitLogger(cfg.Log.Dir, harness.ParseLevel(cfg.Log.Level))
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file (yaml, toml or json)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-dir", "", "directory for rotating log files")
	pf.String("ledger", "", "path of the run history database")
	pf.String("artifacts", "", "directory for failure bundles")

	root.AddCommand(newRunCmd(opts), newHistoryCmd(opts), newConfigCmd(opts))
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
