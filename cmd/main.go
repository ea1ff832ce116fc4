package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ledgerline/paygate/internal/api"
	"github.com/ledgerline/paygate/internal/config"
	"github.com/ledgerline/paygate/internal/dedup"
	"github.com/ledgerline/paygate/internal/gateway"
	"github.com/ledgerline/paygate/internal/governance"
	"github.com/ledgerline/paygate/internal/ledger"
	"github.com/ledgerline/paygate/internal/models"
	"github.com/ledgerline/paygate/internal/reconcile"
	"github.com/ledgerline/paygate/internal/repository"
	"github.com/ledgerline/paygate/internal/service"
	"github.com/ledgerline/paygate/internal/telemetry"
)

func main() {
	cfg := config.Load()

	if err := telemetry.Init("paygate"); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting payment gatekeeper")

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	recordRepo := repository.NewRecordRepository(db)
	if err := recordRepo.InitDB(); err != nil {
		telemetry.Logger.Fatal("Failed to initialize record table", zap.Error(err))
	}
	ledgerRepo := repository.NewLedgerRepository(db)
	if err := ledgerRepo.InitDB(); err != nil {
		telemetry.Logger.Fatal("Failed to initialize ledger table", zap.Error(err))
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
	})

	// Connect to NATS; the risk gate degrades to blocking when the
	// connection is absent, so startup does not depend on it.
	var nc *nats.Conn
	if cfg.NatsURL != "" {
		nc, err = nats.Connect(cfg.NatsURL)
		if err != nil {
			telemetry.Logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer nc.Close()
	}

	// Kafka writers
	stateWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers),
		Topic:    "payment.state.changed",
		Balancer: &kafka.LeastBytes{},
	}
	defer stateWriter.Close()

	blockedWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers),
		Topic:    "payment.governance.blocked",
		Balancer: &kafka.LeastBytes{},
	}
	defer blockedWriter.Close()

	// Gateway client behind a shared circuit breaker
	breaker := gateway.NewBreaker("payment-gateway")
	gw := gateway.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayTimeout, breaker)

	ldg := ledger.New(ledgerRepo)
	dedupStore := dedup.NewStore(redisClient, cfg.DedupLease)
	gates := governance.NewEngine(redisClient, nc, breaker, blockedWriter, telemetry.Logger)

	processor := service.NewProcessor(recordRepo, ldg, dedupStore, gates, gw,
		callerProfiles(), stateWriter, telemetry.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.ConsumeIntentEvents(ctx, cfg.KafkaBrokers)

	reconciler := reconcile.New(recordRepo, ldg, gw, stateWriter, telemetry.Logger,
		cfg.ReconcileInterval, cfg.ReconcileGrace, cfg.ReconcileFailTimeout)
	go reconciler.Run(ctx)

	r := api.NewRouter(recordRepo, ldg, processor)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		telemetry.Logger.Info("Payment gatekeeper starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}

// callerProfiles is the read-only governance snapshot keyed by tier.
func callerProfiles() map[string]models.CallerProfile {
	return map[string]models.CallerProfile{
		"standard": {
			Tier:               "standard",
			AllowedOperations:  []string{models.OpAuthorize, models.OpCapture, models.OpSettle},
			RateLimitPerMinute: 120,
			DailyBudgetCeiling: 10_000_000,
		},
		"premium": {
			Tier:               "premium",
			AllowedOperations:  []string{models.OpAuthorize, models.OpCapture, models.OpSettle, models.OpRefund},
			RateLimitPerMinute: 600,
			DailyBudgetCeiling: 100_000_000,
		},
		"internal": {
			Tier:              "internal",
			AllowedOperations: []string{models.OpAuthorize, models.OpCapture, models.OpSettle, models.OpRefund},
		},
	}
}
