package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/deadletter"
)

type dlqListOptions struct {
	Category string
	Limit    int
}

func NewDLQCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect dead-lettered documents",
	}
	cmd.AddCommand(newDLQListCommand(rootOpts))
	return cmd
}

func newDLQListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &dlqListOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := rootOpts.load()
			if err != nil {
				return err
			}
			if cfg.DLQ.Type != "sqlite" {
				return errors.New("dlq list needs a sqlite dead-letter sink")
			}
			dlq, err := deadletter.OpenSQLite(cfg.DLQ.SQLite.Path, zap.NewNop())
			if err != nil {
				return err
			}
			defer dlq.Close()
			recs, err := dlq.List(cmd.Context(), opts.Category, opts.Limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		},
	}
	cmd.Flags().StringVar(&opts.Category, "category", "", "only records of this failure category")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "maximum records to print")
	return cmd
}
