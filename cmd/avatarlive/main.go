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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/avatarlive/internal/chat"
	"github.com/antoniostano/avatarlive/internal/config"
	"github.com/antoniostano/avatarlive/internal/directions"
	"github.com/antoniostano/avatarlive/internal/httpapi"
	"github.com/antoniostano/avatarlive/internal/journal"
	"github.com/antoniostano/avatarlive/internal/observability"
	"github.com/antoniostano/avatarlive/internal/provider"
	"github.com/antoniostano/avatarlive/internal/reliability"
	"github.com/antoniostano/avatarlive/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("avatarlive stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(cfg.MetricsNamespace, reg)

	var store journal.Store
	err := reliability.Retry(ctx, 5, 500*time.Millisecond, 8*time.Second, func(ctx context.Context) error {
		var err error
		store, err = journal.NewStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Warn("journal store unavailable, retrying", "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("journal store init: %w", err)
	}
	defer store.Close()

	table, err := directions.ParseJSON(cfg.DirectionsJSON, directions.Profile{
		AvatarID:  cfg.DefaultAvatarID,
		VoiceID:   cfg.DefaultVoiceID,
		ContextID: cfg.DefaultContextID,
	})
	if err != nil {
		return fmt.Errorf("AVATAR_DIRECTIONS: %w", err)
	}

	client := provider.NewClient(provider.Options{
		BaseURL:         cfg.ProviderBaseURL,
		APIKey:          cfg.ProviderAPIKey,
		Timeout:         cfg.ProviderTimeout,
		DefaultLanguage: cfg.DefaultLanguage,
		Directions:      table,
		Logger:          logger.With("component", "provider"),
		Observe:         metrics.ObserveProvider,
	})
	if !client.Configured() {
		logger.Warn("LIVEAVATAR_API_KEY is not set; token issuance will fail")
	}

	var backend chat.Backend = chat.CannedBackend{}
	if cfg.ChatBaseURL != "" {
		backend = chat.NewFallbackBackend(
			chat.NewHTTPBackend(cfg.ChatBaseURL, cfg.ChatAPIKey, cfg.ChatModel, cfg.ChatTimeout),
			chat.CannedBackend{},
		)
		logger.Info("chat backend configured", "base_url", cfg.ChatBaseURL, "model", cfg.ChatModel)
	}
	chatService := chat.NewService(backend, cfg.ChatSystemPrompt, logger.With("component", "chat"), metrics.ObserveChat)

	sessions := session.NewManager(cfg.MaxSessionDuration(), cfg.IssueTTL)
	api := httpapi.New(httpapi.Dependencies{
		Config:   cfg,
		Provider: client,
		Sessions: sessions,
		Journal:  store,
		Chat:     chatService,
		Metrics:  metrics,
		Gatherer: reg,
		Logger:   logger,
	})
	sessions.SetExpireHook(api.ExpireSession)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	sessions.StartJanitor(gctx, cfg.JanitorInterval)

	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.BindAddr, "provider", cfg.ProviderBaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Warn("relay shutdown incomplete", "error", err)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
			_ = httpServer.Close()
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
