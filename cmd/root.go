package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/angeloszaimis/relay/config"
	"github.com/angeloszaimis/relay/pkg/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Transparent HTTP reverse proxy for a single upstream",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newServeCommand(), newVersionCommand())

	return root
}

func newServeCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept connections and forward every request to the upstream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}

			log := logger.New(logger.Options{
				Level:       cfg.Logging.Level,
				AddSource:   true,
				Environment: cfg.Server.Environment,
			})

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg, log, nil)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configFile, "config", "c", "", "path to a config file (default: ./config/config.yaml or ./config.yaml)")
	flags.String("listen", "", "address to accept client connections on, e.g. :8080")
	flags.String("upstream", "", "upstream base URL, e.g. http://127.0.0.1:3000")
	flags.String("environment", "", "dev, staging or prod")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("failure-mode", "", "close or status")
	flags.String("metrics", "", "address for the metrics listener, empty disables it")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "relay", version)
		},
	}
}
