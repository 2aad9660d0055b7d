package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dalfonso89/fine-life/internal/api"
	"github.com/dalfonso89/fine-life/internal/config"
	"github.com/dalfonso89/fine-life/internal/currency"
	"github.com/dalfonso89/fine-life/internal/events"
	"github.com/dalfonso89/fine-life/internal/logger"
	"github.com/dalfonso89/fine-life/internal/offline"
	"github.com/dalfonso89/fine-life/internal/platform"
	"github.com/dalfonso89/fine-life/internal/ratelimit"
	"github.com/dalfonso89/fine-life/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize logger
	appLogger := logger.New(cfg.LogLevel, cfg.LogFormat)

	// Offline storage
	offlineStore, err := store.Open(cfg, appLogger)
	if err != nil {
		appLogger.Fatalf("Failed to open offline store: %v", err)
	}
	defer offlineStore.Close()

	bus := events.NewBus(appLogger.Component("events"))
	defer bus.Close()

	upstream, err := offline.NewUpstream(cfg.Upstream, appLogger.Component("upstream"))
	if err != nil {
		appLogger.Fatalf("Failed to configure upstream: %v", err)
	}

	queue := offline.NewQueue(offlineStore, cfg.QueueMaxAttempts, appLogger.Component("queue"))
	replayer := offline.NewReplayer(offlineStore, queue, upstream, bus, appLogger.Component("replay"))
	syncer := offline.NewSyncer(replayer, queue, upstream, cfg.SyncInterval, appLogger.Component("sync"))

	gateway := offline.NewGateway(offline.GatewayConfig{
		Store:     offlineStore,
		Queue:     queue,
		Records:   offline.NewRecords(offlineStore),
		Cache:     offline.NewResponseCache(offlineStore),
		Upstream:  upstream,
		Publisher: bus,
		Trigger:   syncer,
		Logger:    appLogger.Component("gateway"),
	})

	var rateLimiter *ratelimit.Limiter
	if cfg.RateLimitEnabled {
		rateLimiter = ratelimit.NewLimiter(cfg, appLogger.Component("ratelimit"))
		defer rateLimiter.Stop()
	}

	// Initialize HTTP handlers
	handlers := api.NewHandlers(api.HandlerConfig{
		Config:      cfg,
		Logger:      appLogger,
		Converter:   currency.NewConverter(cfg, appLogger),
		Queue:       queue,
		Replayer:    replayer,
		Gateway:     gateway,
		Bus:         bus,
		RateLimiter: rateLimiter,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.SetupRoutes(),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       30 * time.Second,
		// replays and upstream round trips can outlast a short write timeout
		WriteTimeout: cfg.Upstream.Timeout + 15*time.Second,
	}

	// Create a shutdown context that works across platforms
	shutdownCtx, stop := platform.NewShutdownContext(context.Background())
	defer stop()

	group, groupCtx := errgroup.WithContext(shutdownCtx)

	group.Go(func() error {
		appLogger.Infof("Starting Fine Life gateway on port %s (upstream %s)", cfg.Port, cfg.Upstream.BaseURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		return syncer.Run(groupCtx)
	})

	group.Go(func() error {
		<-groupCtx.Done()
		appLogger.Info("Shutting down server...")

		// websocket clients get a close frame once the bus is gone
		bus.Close()

		// Give outstanding requests 30 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	})

	if err := group.Wait(); err != nil {
		appLogger.Errorf("Server stopped with error: %v", err)
	}
	appLogger.Info("Server exited")
}
