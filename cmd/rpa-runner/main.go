// RPA Runner - Entry Point
//
// rpa-runner executes automation scripts as supervised child processes. Each
// run gets its own log file; output lines are recorded as they arrive and the
// run ends with a status and a result value.
//
// Commands:
//
//	run <script>   execute one script in the foreground and follow its log
//	serve          HTTP API, scheduled runs, result upload and NATS events
//	history        recent runs from the local store
//	version        build information
//
// Configuration is loaded from /etc/rpa-runner/config.yaml (or --config), with
// RPA_* environment variables taking precedence over the file.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stha-sanket/RPA-App/internal/config"
	"github.com/stha-sanket/RPA-App/internal/version"
)

var (
	cfg *config.Config

	flagConfigPath string
	flagVerbose    bool
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", config.DefaultConfigPath, "path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "debug logging")

	rootCmd.SilenceErrors = true
	rootCmd.PersistentPreRunE = loadConfig

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "rpa-runner",
	Short:        "Run automation scripts with live logs and results",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// Version needs no configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Info())
	},
}

func loadConfig(_ *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.Load(flagConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", flagConfigPath, err)
	}
	if flagVerbose {
		cfg.LogLevel = "debug"
	}
	return nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
