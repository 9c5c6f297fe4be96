package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a pipeline definition without connecting to anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Pipeline %q is valid (source %s, %d table(s))\n", cfg.Name, cfg.Source.Type, len(cfg.Source.Tables))
			for _, t := range cfg.Source.Tables {
				fmt.Fprintf(out, "  %s -> %s (stream=%t export=%t)\n", t.Table, t.Index, t.Stream.Enabled, t.Export.Enabled)
			}
			return nil
		},
	}
}
