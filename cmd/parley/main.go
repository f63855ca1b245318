package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/teilomillet/parley/config"
	"github.com/teilomillet/parley/server"
	"go.uber.org/zap"
)

const Version = "v0.1.0"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:          "parley",
		Short:        "Bridge a chat platform webhook to an LLM API",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "parley.yaml", "Path to configuration file (.yaml, .yml, .json or .toml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the webhook server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), configFile)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the configuration and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.LoadFile(configFile)
				if err != nil {
					return err
				}
				ep, err := cfg.Upstream.Resolve()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (webhook %s, upstream %s, limit %d)\n",
					cfg.Webhook.Path, ep.BaseURL, cfg.Concurrency.Limit)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "parley %s\n", Version)
			},
		},
	)
	return root
}

func serve(ctx context.Context, configFile string) error {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := cfg.Logging.Build()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	srv, err := server.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting parley",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
		zap.String("webhook_path", cfg.Webhook.Path),
		zap.Int("concurrency_limit", cfg.Concurrency.Limit),
	)
	if err := srv.Start(ctx); err != nil {
		logger.Error("server error", zap.Error(err))
		return err
	}
	return nil
}
