package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/types"
)

type tableCheckpoints struct {
	Table  string                  `json:"table"`
	Shards []types.ShardCheckpoint `json:"shards"`
	Export *types.ExportJob        `json:"export,omitempty"`
}

func NewCheckpointsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Print stored shard positions and export state per table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()

			out := make([]tableCheckpoints, 0, len(cfg.Source.Tables))
			for _, t := range cfg.Source.Tables {
				cps, err := store.Load(cmd.Context(), t.Table)
				if err != nil {
					return err
				}
				tc := tableCheckpoints{Table: t.Table, Shards: cps}
				job, ok, err := store.LoadExport(cmd.Context(), t.Table)
				if err != nil {
					return err
				}
				if ok {
					tc.Export = &job
				}
				out = append(out, tc)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.AddCommand(newCheckpointsResetCommand(rootOpts))
	return cmd
}

func newCheckpointsResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <table>",
		Short: "Forget every shard position and the export record of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			known := false
			for _, t := range cfg.Source.Tables {
				known = known || t.Table == args[0]
			}
			if !known {
				return fmt.Errorf("table %q is not part of pipeline %q", args[0], cfg.Name)
			}
			store, err := openStore(cmd.Context(), cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset checkpoints for %s\n", args[0])
			return nil
		},
	}
}
