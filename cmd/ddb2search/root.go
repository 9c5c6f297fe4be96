package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mehmetymw/ddb2search/internal/config"
)

var version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

// NewRootCommand creates the root command for the ddb2search CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ddb2search",
		Short: "Replicate DynamoDB tables into OpenSearch indexes",
		Long: `ddb2search backfills each configured table from a point-in-time export and
keeps its index current from the table's change stream.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "pipeline definition (default $CONFIG_PATH)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewValidateCommand(opts))
	cmd.AddCommand(NewCheckpointsCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))
	return cmd
}

func (o *RootOptions) load() (config.Config, error) {
	if o.ConfigPath != "" {
		return config.Load(o.ConfigPath)
	}
	return config.LoadFromEnv()
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = lvl
	return zapConfig.Build()
}
