package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"relay/internal/config"
	"relay/internal/logging"
	"relay/internal/observability"
	serverApp "relay/internal/server/app"
	serverHTTP "relay/internal/server/http"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "relay-server",
		Short:         "Real-time SSE event relay server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return rootCmd
}

func run(ctx context.Context, cfg config.Config) error {
	logging.Configure(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting relay server...")

	var metrics *observability.Metrics
	if cfg.Broadcaster.EnableMetrics {
		m, err := observability.NewMetrics()
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		metrics = m
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metrics.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Metrics shutdown: %v", err)
			}
		}()
	}

	broadcaster := serverApp.NewEventBroadcaster(cfg.Broadcaster, serverApp.WithMetrics(metrics))
	defer broadcaster.Shutdown()

	eventLog := serverApp.NewEventLogListener(logging.NewComponentLogger("Events"))
	taskService := serverApp.NewTaskService(serverApp.NewInMemoryTaskStore(), broadcaster, eventLog)
	router := serverHTTP.NewRouter(cfg.Server, broadcaster, taskService, metrics)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: 0, // no timeout for SSE
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		logger.Info("Server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}

	logger.Info("Server stopped")
	return nil
}
