package main

import (
	"github.com/spf13/cobra"

	"github.com/SimoneErba/Flumen/core"
)

func hashCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "hash <id>...",
		Short: "Print the position a location without coordinates is placed at",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			for _, id := range args {
				p := core.ScaledPosition(id, opts.cfg.LayoutScale)
				info.Fprintf(out, "%s", id)
				subtle.Fprintf(out, "  hash=%.10f", core.Hash(id))
				info.Fprintf(out, "  x=%.6f y=%.6f\n", p.X, p.Y)
			}
			return nil
		},
	}
}
