package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowquant/flowquant/internal/app"
	"github.com/flowquant/flowquant/internal/engine"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Vars []string
}

// NewRunCommand creates the run command: fire one workflow immediately and
// print its execution log.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <workflow.json>",
		Short: "Execute a workflow once and print its log",
		Long: `Load a workflow file, fire its first trigger immediately, wait for the
run to reach a terminal state, and print the execution log.

Example:
  flowquant run --config flowquant.hcl strategies/orb-breakout.json
  flowquant run strategies/orb-breakout.json --var symbol=SBIN --var qty=10`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringArrayVar(&opts.Vars, "var", nil, "seed variable as key=value, repeatable")
	return cmd
}

func runWorkflow(cmd *cobra.Command, opts *RunOptions, path string) error {
	a, err := newApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	seed, err := parseSeedVars(opts.Vars)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := a.RunOnce(ctx, path, seed)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, entry := range e.Log().Entries() {
		node := entry.Node
		if node == "" {
			node = "-"
		}
		fmt.Fprintf(out, "%s  %-7s %-14s %s\n",
			entry.Time.Format(time.TimeOnly), entry.Level, node, entry.Message)
	}
	fmt.Fprintf(out, "execution %s finished: %s\n", e.ID, e.Status())

	if e.Status() == engine.StatusError {
		return fmt.Errorf("workflow run failed")
	}
	return nil
}

// parseSeedVars turns repeated --var key=value flags into the seed scope.
func parseSeedVars(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	seed := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("bad --var %q, expected key=value", pair)
		}
		seed[k] = v
	}
	return seed, nil
}

// newApp loads config and assembles the engine, applying CLI overrides.
func newApp(opts *RootOptions) (*app.App, error) {
	cfg, err := app.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.LogFormat != "" {
		cfg.LogFormat = opts.LogFormat
	}
	return app.New(os.Stderr, cfg)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
