// Command adlockd serves the advertisement edit-lock protocol over WebSocket.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-adlock/v1/logging"
)

func newCommand() *cobra.Command {
	var cfgFile string
	v := viper.New()
	setDefaults(v)

	cmd := &cobra.Command{
		Use:          "adlockd",
		Short:        "Serve exclusive, time-bounded edit locks",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v, cfgFile)
			if err != nil {
				return err
			}

			logger, err := logging.New(os.Stdout, cfg.Log.Level)
			if err != nil {
				slog.Error("failed to parse log level", "error", err)
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if cfg.Trace {
				shutdown, err := setupTracing()
				if err != nil {
					return err
				}
				defer func() { _ = shutdown(context.Background()) }()
			}

			srv, err := newServer(ctx, cfg, logger)
			if err != nil {
				return err
			}
			return srv.Run(ctx, logger)
		},
	}
	cmd.Flags().StringVarP(&cfgFile, "config", "", "", "Config file (default \"adlock.yaml\")")
	bindFlags(cmd, v)
	return cmd
}

func main() {
	if err := newCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
