package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Tyrowin/flowsync/internal/config"
	"github.com/Tyrowin/flowsync/internal/logging"
	"github.com/Tyrowin/flowsync/internal/server"
)

// serveCmd runs the collaboration server until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the collaboration server",
	Long:  "Start the WebSocket collaboration server and its HTTP endpoints. SIGINT or SIGTERM triggers a graceful shutdown.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(v, configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		logger, err := logging.New(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to create logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		logger.Info("starting FlowSync",
			zap.String("port", cfg.Port),
			zap.Strings("allowed_origins", cfg.AllowedOrigins),
			zap.Duration("grace_window", cfg.Grace.Window),
			zap.Duration("pong_wait", cfg.Transport.PongWait),
		)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := server.New(cfg, logger).Run(ctx); err != nil {
			logger.Error("server stopped with error", zap.Error(err))
			return err
		}
		logger.Info("server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := serveCmd.Flags()
	flags.String("port", "", "Listen address, e.g. :3001")
	flags.StringSlice("allowed-origins", nil, "Origins allowed to open sockets")
	flags.Duration("grace-window", 0, "How long a dropped member keeps its place")

	cobra.CheckErr(v.BindPFlag("port", flags.Lookup("port")))
	cobra.CheckErr(v.BindPFlag("allowed_origins", flags.Lookup("allowed-origins")))
	cobra.CheckErr(v.BindPFlag("grace.window", flags.Lookup("grace-window")))
}
