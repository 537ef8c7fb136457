// Package main implements pgctl, a CLI for operating a phasegated server.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version information
var version = "dev"

const (
	outputText = "text"
	outputJSON = "json"
)

// options are the persistent flags shared by every command.
type options struct {
	server  string
	output  string
	timeout time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "pgctl",
		Short: "CLI for phasegated pipeline operations",
		Long: `pgctl is a command-line interface for the phasegated HTTP API.
It submits and drives tasks, records approval decisions and reports
defect, estimation and bootstrap metrics.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.output {
			case outputText, outputJSON:
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want %s or %s)", opts.output, outputText, outputJSON)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.server, "server", "http://localhost:9090", "phasegated server URL")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", outputText, "output format: text or json")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(
		newSubmitCmd(opts),
		newAdvanceCmd(opts),
		newCancelCmd(opts),
		newStatusCmd(opts),
		newTasksCmd(opts),
		newRecordsCmd(opts),
		newWatchCmd(opts),
		newApprovalsCmd(opts),
		newDecideCmd(opts),
		newDensityCmd(opts),
		newYieldCmd(opts),
		newAccuracyCmd(opts),
		newBootstrapCmd(opts),
		newHealthCmd(opts),
	)
	return rootCmd
}
