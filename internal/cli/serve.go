package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewServeCommand creates the serve command: the long-lived engine with
// armed triggers and the webhook listener.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine as a service",
		Long: `Arm every workflow in the configured workflow directory, connect the
market feed, and serve webhook fires over HTTP until interrupted.

Example:
  flowquant serve --config flowquant.hcl`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = a.Serve(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
