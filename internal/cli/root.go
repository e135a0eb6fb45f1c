// Package cli defines the flowquant command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags shared by every command.
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

// NewRootCommand creates the flowquant root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "flowquant",
		Short: "Workflow execution engine for trading automation",
		Long: `flowquant runs visual trading workflows: validated node graphs whose
triggers (schedules, price alerts, webhooks) start executions that evaluate
conditions, place orders through the broker gateway, and react to live
market-data streams.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch opts.LogLevel {
			case "", "debug", "info", "warn", "error":
			default:
				return fmt.Errorf("invalid log-level %q", opts.LogLevel)
			}
			switch opts.LogFormat {
			case "", "text", "json":
			default:
				return fmt.Errorf("invalid log-format %q", opts.LogFormat)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "flowquant.hcl", "path to the engine config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.LogFormat, "log-format", "", "override the configured log format (text|json)")

	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}
