package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/livepoll/internal/server"
	"github.com/a-essam23/livepoll/pkg/config"
	"github.com/a-essam23/livepoll/pkg/logging"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the polling server until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Address = addr
			}

			level, err := logging.ParseLevel(cfg.Log.Level)
			if err != nil {
				return err
			}
			logger := logging.NewWithWriter(cmd.OutOrStdout(), level, cfg.Log.Format)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := server.NewApp(logger, ctx, cfg)
			if err != nil {
				logger.Error("Failed to build application", slog.Any("error", err))
				return err
			}
			if err := app.Run(); err != nil {
				logger.Error("Application run failed", slog.Any("error", err))
				return err
			}
			logger.Info("Application shut down successfully.")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.address")
	return cmd
}

// loadConfig applies the env file then reads config with a bootstrap logger on stderr.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := loadEnvFile(cmd); err != nil {
		return nil, err
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	bootLogger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.LevelWarn, "text")
	return config.Load(bootLogger, path)
}
