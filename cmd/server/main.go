package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creditflow/metergate/internal/catalog"
	"github.com/creditflow/metergate/internal/config"
	"github.com/creditflow/metergate/internal/gateway"
	"github.com/creditflow/metergate/internal/ledger"
	"github.com/creditflow/metergate/internal/pricing"
	"github.com/creditflow/metergate/internal/relay"
	"github.com/creditflow/metergate/internal/upstream"
	"github.com/creditflow/metergate/pkg/cache"
	"github.com/creditflow/metergate/pkg/database"
	"github.com/creditflow/metergate/pkg/events"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("starting MeterGate")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("connected to database")

	// Initialize Redis cache
	redisCache, err := cache.NewCache(cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisCache.Close()
	redisCache.SetConversationTTL(cfg.Limits.ConversationTTL)
	logger.Info("connected to Redis")

	// Initialize event bus
	eventBus := events.NewBus(logger)
	eventBus.Subscribe(events.EventSettlementFailed, func(ctx context.Context, event events.Event) error {
		// Settlement failures are revenue leakage; keep a dedicated audit
		// trail beyond the proxy's own error log.
		logger.Warn("settlement failure recorded",
			zap.String("event_id", event.ID),
			zap.String("user_id", event.UserID),
			zap.Any("payload", event.Payload),
		)
		return nil
	})
	logger.Info("initialized event bus")

	// Initialize pricing catalog and validate the profit floor before
	// accepting any traffic.
	cat := catalog.New(logger)
	if err := cat.Validate(pricing.ProfitMargin); err != nil {
		logger.Fatal("pricing catalog failed validation", zap.Error(err))
	}
	estimator := pricing.NewEstimator(cat)
	logger.Info("initialized pricing catalog", zap.Int("models", len(cat.List())))

	// Initialize credit ledger
	creditLedger := ledger.NewPostgres(db, logger, eventBus)
	logger.Info("initialized credit ledger")

	// Initialize upstream client
	upstreamClient := upstream.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.Credentials(), logger)
	logger.Info("initialized upstream client", zap.String("base_url", cfg.Upstream.BaseURL))

	// Initialize metering proxy
	proxy := relay.NewProxy(cat, estimator, creditLedger, upstreamClient, redisCache, eventBus, logger)
	proxy.SetStreamTimeout(cfg.Upstream.StreamTimeout)
	logger.Info("initialized metering proxy")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize API gateway
	gw := gateway.NewGateway(db, redisCache, logger, cat, estimator, creditLedger, proxy, cfg.Limits.RequestsPerMinute)
	gw.StartHealthMetrics(ctx)
	logger.Info("initialized API gateway")

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server",
			zap.String("address", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server exited")
}
