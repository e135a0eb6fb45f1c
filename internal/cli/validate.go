package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowquant/flowquant/internal/graph"
)

// NewValidateCommand creates the validate command. It needs no config
// file: validation is purely structural.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.json>...",
		Short: "Validate workflow files without running them",
		Long: `Load each workflow file and run the structural checks a run would
require: known node types, required config keys, edge integrity, gate
fan-in bounds, and acyclicity from every trigger.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, path := range args {
				raw, err := os.ReadFile(path)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					failed++
					continue
				}
				g, err := graph.Load(raw)
				if err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
					failed++
					continue
				}
				fmt.Fprintf(out, "%s: ok (%d nodes, %d triggers)\n", path, len(g.Nodes()), len(g.Triggers()))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d workflow(s) invalid", failed, len(args))
			}
			return nil
		},
	}
}
