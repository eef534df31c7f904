package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hanpama/normcache/internal/config"
	"github.com/hanpama/normcache/internal/eventbus"
	"github.com/hanpama/normcache/internal/logger"
)

// rootOptions holds global flags and what PersistentPreRunE builds from
// them for the subcommands.
type rootOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg config.Config
	log *zap.Logger
	bus *eventbus.Bus
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "normcache",
		Short:         "Normalized GraphQL record cache",
		Long:          "Serve a GraphQL schema from fixture data, or run operations through a normalizing client cache.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = opts.logLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = opts.logFormat
			}
			opts.cfg = cfg
			opts.log = logger.NewWriter(cmd.ErrOrStderr(), cfg.Log.Level, logger.Format(cfg.Log.Format))
			opts.bus = eventbus.New()
			eventbus.Use(opts.bus)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			eventbus.Use(nil)
			_ = opts.log.Sync()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "console", "log format (console|json)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newQueryCommand(opts))
	return cmd
}
