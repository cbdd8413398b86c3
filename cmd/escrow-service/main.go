/**
 * @description
 * This is the main entry point for the escrow-service. It loads configuration,
 * connects to PostgreSQL, Redis and RabbitMQ, builds the escrow engine with its
 * gateways, starts the outbox dispatcher and expiry scheduler, and serves the
 * HTTP API until it receives a shutdown signal.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Release attempt limiting.
 * - github.com/joho/godotenv: Local .env loading.
 * - internal/api, internal/app, internal/config, internal/store: Service packages.
 * - pkg/paymentclient, pkg/ledgerclient, pkg/destinationclient, pkg/rabbitmq: Gateway and broker clients.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/transfa/escrow-service/internal/api"
	"github.com/transfa/escrow-service/internal/app"
	"github.com/transfa/escrow-service/internal/config"
	"github.com/transfa/escrow-service/internal/fee"
	"github.com/transfa/escrow-service/internal/store"
	"github.com/transfa/escrow-service/pkg/destinationclient"
	"github.com/transfa/escrow-service/pkg/ledgerclient"
	"github.com/transfa/escrow-service/pkg/paymentclient"
	rmrabbit "github.com/transfa/escrow-service/pkg/rabbitmq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; relying on environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.InternalAPIKey == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if cfg.WebhookSigningSecret == "" {
		log.Println("level=warn component=bootstrap msg=\"webhook signing secret missing; payment webhooks will be refused\" env=WEBHOOK_SIGNING_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting escrow-service\" port=%s expiry_policy=%s fee_bps=%d", cfg.ServerPort, cfg.ExpiryPolicy, cfg.PlatformFeeBasisPoints)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	if err := store.Migrate(migrateCtx, dbpool); err != nil {
		cancelMigrate()
		log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
	}
	cancelMigrate()

	repository := store.NewPostgresRepository(dbpool, cfg.EventExchange)

	var limiter app.ReleaseLimiter
	if cfg.RedisURL == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; release rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; release rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; release rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				limiter = app.NewRedisReleaseLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	payments := app.NewPaymentGateway(paymentclient.NewClient(cfg.PaymentGatewayBaseURL, cfg.PaymentGatewayAPIKey))
	ledger := app.NewLedgerGateway(ledgerclient.NewClient(cfg.LedgerGatewayBaseURL, cfg.LedgerGatewayAPIKey))

	var directory app.DirectoryClient
	if client := destinationclient.NewClient(cfg.DestinationServiceURL, cfg.DestinationServiceAPIKey); client.Configured() {
		directory = client
	} else {
		log.Println("level=warn component=bootstrap msg=\"destination service not configured; only activated payees can be settled\" env=DESTINATION_SERVICE_URL")
	}
	destinations := app.NewPayeeDestinationResolver(repository, directory)

	splitter, err := fee.NewSplitter(cfg.PlatformFeeBasisPoints)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"fee configuration invalid\" err=%v", err)
	}

	engine := app.NewEscrowEngine(repository, payments, ledger, destinations, limiter, splitter, app.EngineConfig{
		Currency:                 cfg.EscrowCurrency,
		DestinationLookupTimeout: cfg.DestinationLookupTimeout(),
		ClaimLease:               cfg.SettlementClaimLease(),
		ExpiryPolicy:             cfg.ExpiryPolicy,
		DefaultClaimWindow:       cfg.DefaultClaimWindow(),
		SweepBatchSize:           cfg.ExpirySweepBatchSize,
		ReleaseRateLimit:         cfg.ReleaseRateLimitPerMinute,
	})
	ingestor := app.NewWebhookIngestor(repository, payments, time.Now)

	// Gateway events also arrive over the broker. A missing broker only
	// disables this path; the signed webhook keeps working.
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; gateway event consumer and outbox publishing disabled\" env=RABBITMQ_URL")
	} else {
		rabbitConsumer, consumerErr := rmrabbit.NewConsumer(cfg.RabbitMQURL)
		if consumerErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; gateway events only via webhook\" err=%v", consumerErr)
		} else {
			defer rabbitConsumer.Close()
			gatewayBindings := map[string]func([]byte) bool{
				"payment.captured":       ingestor.HandleMessage,
				"payment.capture_failed": ingestor.HandleMessage,
				"payee.activated":        ingestor.HandleMessage,
			}
			if err := rabbitConsumer.ConsumeWithBindings(cfg.GatewayEventExchange, cfg.GatewayEventQueue, gatewayBindings); err != nil {
				log.Printf("level=warn component=bootstrap msg=\"gateway event consumer start failed\" err=%v", err)
			} else {
				log.Printf("level=info component=bootstrap msg=\"gateway event consumer started\" exchange=%s queue=%s", cfg.GatewayEventExchange, cfg.GatewayEventQueue)
			}
		}
	}

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		dispatcher := app.NewOutboxDispatcher(repository, app.RabbitPublisherFactory(cfg.RabbitMQURL), cfg.OutboxPollInterval())
		go func() {
			defer close(dispatchDone)
			dispatcher.Run(dispatchCtx)
		}()
	} else {
		close(dispatchDone)
	}

	jobLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("component", "scheduler")
	scheduler := app.NewScheduler(app.NewJobs(engine, jobLogger), jobLogger, cfg.ExpirySweepSchedule)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"scheduler start failed\" err=%v", err)
	}

	handlers := api.NewEscrowHandlers(engine, ingestor, cfg.WebhookSigningSecret)
	router := api.NewRouter(handlers, cfg.ClerkJWKSURL, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	select {
	case <-scheduler.Stop().Done():
	case <-ctx.Done():
		log.Println("level=warn component=bootstrap msg=\"expiry sweep still running at shutdown\"")
	}

	stopDispatch()
	select {
	case <-dispatchDone:
	case <-ctx.Done():
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
