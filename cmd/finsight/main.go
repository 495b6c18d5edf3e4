// Command finsight runs the conversational financial-analysis backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/finsightlab/finsight"
	"github.com/finsightlab/finsight/api"
	"github.com/finsightlab/finsight/config"
	"github.com/finsightlab/finsight/llm"
	"github.com/finsightlab/finsight/metrics"
	"github.com/finsightlab/finsight/sandbox"
	"github.com/finsightlab/finsight/scriptstore"
	"github.com/finsightlab/finsight/storage"
)

const shutdownGrace = 30 * time.Second

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "finsight",
		Short:        "Conversational financial-analysis backend",
		Version:      finsight.Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return migrate(cmd.Context(), cfg)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func migrate(ctx context.Context, cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database_url is required for migrate")
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer pool.Close()

	if err := storage.NewPostgresStore(pool).Migrate(ctx); err != nil {
		return err
	}
	fmt.Println("schema applied")
	return nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var (
		store storage.Store
		pool  *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		var err error
		pool, err = pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to postgres: %w", err)
		}
		defer pool.Close()
		pg := storage.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		store = pg
	} else {
		// Single-process development mode. Nothing survives a restart.
		logger.Warn("no database_url configured, using in-memory store")
		store = storage.NewMemoryStore()
	}

	scripts, err := scriptstore.NewFSStore(cfg.ScriptDir)
	if err != nil {
		return err
	}

	anthropicClient := anthropic.NewClient()
	lm := llm.NewAnthropicClient(&anthropicClient, cfg.AnthropicModel)

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)

	orch, err := finsight.NewOrchestrator(&finsight.Config{
		Store:                    store,
		LM:                       lm,
		Sandbox:                  sandbox.NewHTTPRunner(cfg.SandboxURL, nil),
		Scripts:                  scripts,
		Pool:                     pool,
		QueuePollInterval:        cfg.QueuePollInterval(),
		MaxConcurrentAnalyses:    cfg.MaxConcurrentAnalyses,
		MaxConcurrentExecutions:  cfg.MaxConcurrentExecutions,
		AnalysisMaxRetries:       cfg.AnalysisMaxRetries,
		AnalysisRetryDelay:       cfg.AnalysisRetryDelay(),
		AnalysisVisibility:       cfg.AnalysisVisibility(),
		ExecutionVisibility:      cfg.ExecutionVisibility(),
		ExecutionMaxAttempts:     cfg.ExecutionMaxAttempts,
		ExecutionTimeout:         cfg.ExecutionTimeout(),
		SessionTTL:               cfg.SessionTTL(),
		ProgressPollInterval:     cfg.ProgressPollInterval(),
		CacheTTL:                 cfg.CacheTTL(),
		ReuseSimilarityThreshold: cfg.ReuseSimilarityThreshold,
		RouterConfidenceLow:      cfg.RouterConfidenceLow,
		Model:                    cfg.AnthropicModel,
		HeartbeatInterval:        cfg.HeartbeatInterval(),
		CleanupInterval:          cfg.CleanupInterval(),
		Metrics:                  m,
		Logger:                   logger,
	})
	if err != nil {
		return err
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}

	handler := api.NewHandler(orch, &api.Config{
		HeartbeatInterval: cfg.SSEHeartbeat(),
		Metrics:           m,
		Logger:            logger,
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		serverErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = orch.Stop(stopCtx)
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := server.Shutdown(stopCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := orch.Stop(stopCtx); err != nil && !errors.Is(err, finsight.ErrNotStarted) {
		logger.Error("orchestrator shutdown failed", "error", err)
	}
	return ctx.Err()
}
