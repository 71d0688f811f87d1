package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tjfontaine/llm-relay/internal/pkg/config"
	"github.com/tjfontaine/llm-relay/internal/telemetry"
	"github.com/tjfontaine/llm-relay/pkg/gateway"
)

const shutdownTimeout = 30 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	Long: `Start the relay server.

Routing and account documents are loaded from the paths in the config file.
Edits to the routing document are picked up without a restart.`,
	RunE: func(c *cobra.Command, args []string) error {
		// Load .env file if it exists
		_ = godotenv.Load()

		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if serveAddr != "" {
			cfg.Server.Addr = serveAddr
		}

		logger, err := newLogger(cfg.Logging)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		return serve(cfg, logger)
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "listen address, overrides server.addr")
	rootCmd.AddCommand(serveCmd)
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		}
	}
	return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})), nil
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, cfg.Telemetry.Enabled, nil, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	gw, err := gateway.New(
		gateway.WithConfig(cfg),
		gateway.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case runErr = <-gw.Errors():
		logger.Error("gateway stopped", slog.String("error", runErr.Error()))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		if runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		return runErr
	}

	logger.Info("gateway shutdown complete")
	return nil
}
