// sp19hw5 - multigranularity lock manager playground.
// Runs an interactive shell over an in-memory hierarchical lock table.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yangryan0/Sp19HW5/internal/cli"
	"github.com/yangryan0/Sp19HW5/internal/config"
	"github.com/yangryan0/Sp19HW5/internal/logger"
)

var (
	version = "0.1.0"
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sp19hw5",
		Short: "Hierarchical lock manager shell",
		Long: `An interactive shell over the multigranularity lock manager:
begin transactions, take intent and data locks down the database/table/page
hierarchy, and watch queueing, promotion, and escalation behave.

Start the shell:
  sp19hw5

Start with a specific config file:
  sp19hw5 --config /path/to/sp19hw5.yaml`,
		Run: runShell,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sp19hw5 %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runShell(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting lock shell", "version", version)

	repl := cli.NewREPL(cfg, log)
	if err := repl.Run(); err != nil {
		log.Error("shell error", "error", err)
		os.Exit(1)
	}
}
