package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loomdev/loom/internal/agent"
	"github.com/loomdev/loom/internal/artifact"
	"github.com/loomdev/loom/internal/auth"
	"github.com/loomdev/loom/internal/billing"
	"github.com/loomdev/loom/internal/config"
	"github.com/loomdev/loom/internal/engine"
	"github.com/loomdev/loom/internal/events"
	"github.com/loomdev/loom/internal/jobs"
	"github.com/loomdev/loom/internal/metrics"
	"github.com/loomdev/loom/internal/storage"
	"github.com/loomdev/loom/internal/web"
	"github.com/loomdev/loom/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline API server, dispatcher, and retry worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		portOverride, _ := cmd.Flags().GetInt("port")

		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if portOverride > 0 {
			cfg.Server.Port = portOverride
		}

		logger := buildLogger(cfg.Logging)

		db, err := storage.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer db.Close()

		uow := storage.NewUnitOfWork(db)
		auditor := storage.NewAuditSink(db)
		verifier := auth.NewVerifier(storage.NewAPIKeyStore(db))

		hub := events.NewHub()
		reg := prometheus.NewRegistry()
		m := metrics.New(reg)

		biller := billing.New(billing.Config{
			BaseURL: cfg.Billing.BaseURL,
			Timeout: cfg.Billing.Timeout,
		})

		var agents agent.Executor
		switch cfg.Agents.Backend {
		case "http":
			agents = agent.NewHTTP(cfg.Agents.BaseURL, 0)
		default:
			agents = agent.NewMock()
		}

		artifacts := artifact.NewService(artifact.NewFSSink(cfg.Artifacts.Dir))

		exec := engine.NewExecutor(uow, agents, biller, artifacts, auditor, hub, m, logger, engine.Config{
			AutoApproveAnalysis:     *cfg.Pipeline.AutoApproveAnalysis,
			RequireApproval:         cfg.Pipeline.RequireApproval,
			BillingRetryBaseDelay:   cfg.Retry.BillingBaseDelay,
			BillingRetryMaxAttempts: cfg.Retry.BillingMaxTries,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dispatcher := engine.NewDispatcher(exec, cfg.Pipeline.Workers, cfg.Pipeline.QueueDepth, logger)
		dispatcher.Start(ctx)

		worker := engine.NewWorker(exec, dispatcher, logger, cfg.Retry.PollInterval)
		go worker.Run(ctx)

		workflows := workflow.NewService(uow, biller, dispatcher, auditor, hub, logger)
		runner := jobs.NewRunner(uow,
			jobs.NewZipSink(cfg.Export.Dir, cfg.Export.DownloadTTL),
			jobs.NewGitHubSink(cfg.Git.Token),
			hub, logger)
		validator := engine.NewValidator(uow, biller, nil)
		compensator := engine.NewCompensator(uow, biller, logger)

		handler := web.New(workflows, validator, compensator, runner, hub, verifier, m, reg, logger)

		srv := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      handler.Routes(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("server listening", "port", cfg.Server.Port)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()

		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("shutdown", "error", err)
			}
			dispatcher.Wait()
			return nil
		case err := <-errCh:
			return err
		}
	},
}

// buildLogger constructs the process logger from the logging config.
func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
