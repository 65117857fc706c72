package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nickpending/argus/internal/auth"
	"github.com/nickpending/argus/internal/config"
	"github.com/nickpending/argus/internal/hub"
	"github.com/nickpending/argus/internal/lifecycle"
	"github.com/nickpending/argus/internal/metrics"
	"github.com/nickpending/argus/internal/policy"
	"github.com/nickpending/argus/internal/repository"
	"github.com/nickpending/argus/internal/service"
	handler "github.com/nickpending/argus/internal/transport/http"
	"github.com/nickpending/argus/internal/ws"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the argus server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := setupLogging(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.Database.Path, cfg.Database.JournalMode)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.MustNewMetrics(reg)

	// Initialize policy engine
	policyEngine, err := policy.Load(ctx, cfg.Policy.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	keys := auth.NewKeys(cfg.Server.APIKeys)
	h := hub.NewHub(hub.Options{
		Keys:      keys,
		QueueSize: cfg.WebSocket.QueueSize,
		Metrics:   m,
		Logger:    logger,
	})
	defer h.Close()

	// Initialize service and rebuild derived state
	tracker := lifecycle.New(cfg.Lifecycle.IdleThreshold)
	svc := service.New(db, tracker, h, policyEngine, cfg, m, logger)
	if err := svc.Bootstrap(ctx); err != nil {
		return err
	}

	e := handler.NewServer(handler.ServerOptions{
		Service:      svc,
		Hub:          h,
		WebSocket:    ws.NewServer(cfg.WebSocket, h, m, logger),
		Keys:         keys,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		Gatherer:     reg,
		Logger:       logger,
	})

	logger.Info("argus started",
		"addr", cfg.Server.Addr(),
		"database", cfg.Database.Path,
		"api_keys", keys.Len(),
		"retention_days", cfg.Retention.RetentionDays,
		"idle_threshold", cfg.Lifecycle.IdleThreshold,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.Start(cfg.Server.Addr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return svc.RunProjectionFlusher(gctx)
	})
	g.Go(func() error {
		return svc.RunRetention(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down argus")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()
		h.Close()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", "error", err)
		}
		return nil
	})

	return g.Wait()
}
