package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/pegstudy"
)

const shutdownTimeout = 5 * time.Second

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the recorder, canetroller and control API",
		Long: `Run the study daemon until SIGINT or SIGTERM.
Without a config file the built-in defaults are used.

Examples:
  pegstudy serve
  pegstudy serve pegstudy.toml
  PEGSTUDY_CANETROLLER_ENABLED=true pegstudy serve --config pegstudy.toml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := pegstudy.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	rig, err := pegstudy.New(cfg)
	if err != nil {
		return err
	}
	logger := rig.Logger()

	var servers []*http.Server
	if cfg.Metrics.Enabled {
		if err := pegstudy.RegisterMetricsDefault(); err != nil {
			logger.Warn("failed to register metrics", slog.Any("error", err))
		}
		servers = append(servers, pegstudy.NewMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path))
	}
	if err := rig.Start(ctx); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = rig.Close(closeCtx)
		return err
	}
	if cfg.Server.Enabled {
		servers = append(servers, rig.NewHTTPServer())
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			logger.Info("listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
			}
		}(srv)
	}
	logger.Info("pegstudy started",
		slog.String("session", rig.Recorder().Session()),
		slog.Bool("canetroller", rig.Canetroller() != nil),
		slog.Bool("history", rig.History() != nil))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errCh:
		logger.Error("server failed", slog.Any("error", runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		_ = srv.Shutdown(shutdownCtx)
	}
	if err := rig.Close(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}
