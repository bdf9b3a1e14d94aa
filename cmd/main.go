/**
 * @description
 * This is the main entry point for the affiliate-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, repositories, the core application service,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/payoutclient: Client for the disbursement provider API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eksporyuk/affiliate-service/internal/api"
	"github.com/eksporyuk/affiliate-service/internal/app"
	"github.com/eksporyuk/affiliate-service/internal/config"
	"github.com/eksporyuk/affiliate-service/internal/domain"
	"github.com/eksporyuk/affiliate-service/internal/store"
	"github.com/eksporyuk/affiliate-service/pkg/payoutclient"
	"github.com/eksporyuk/affiliate-service/pkg/rabbitmq"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}
	if strings.TrimSpace(cfg.PayoutCallbackToken) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"payout callback token must be configured\" env=PAYOUT_CALLBACK_TOKEN")
	}

	log.Printf("level=info component=bootstrap msg=\"starting affiliate-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Configure connection pool for high-traffic scenarios (100k+ users)
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish commission and payout events.
	var eventProducer rabbitmq.Publisher
	rabbitProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		eventProducer = &rabbitmq.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		eventProducer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the disbursement provider API.
	payoutClient := payoutclient.NewClient(cfg.PayoutAPIBaseURL, cfg.PayoutAPIKey)

	// Connect to Redis for distributed rate limiting. Missing or unreachable
	// Redis degrades to unthrottled operation rather than blocking startup.
	var rateLimiter *app.RedisRateLimiter
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				rateLimiter = app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	var platformWalletID uuid.UUID
	if cfg.PlatformWalletID != "" {
		platformWalletID, err = uuid.Parse(cfg.PlatformWalletID)
		if err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"invalid platform wallet id\" env=PLATFORM_WALLET_ID err=%v", err)
		}
	}

	// Initialize the core application service with its dependencies.
	affiliateService := app.NewService(repository, payoutClient, eventProducer, app.Config{
		CheckoutBaseURL:     cfg.CheckoutBaseURL,
		AttributionTTL:      time.Duration(cfg.AttributionTTLDays) * 24 * time.Hour,
		MinPayoutAmount:     cfg.MinPayoutAmount,
		AdminFeePercent:     cfg.AdminFeePercent,
		FounderSharePercent: cfg.FounderSharePercent,
		PlatformWalletID:    platformWalletID,
		Policies: map[string]app.CommissionPolicy{
			domain.OfferTypeGeneral: {Type: domain.CommissionTypePercentage, Rate: cfg.GeneralCommissionPercent},
			domain.OfferTypeProduct: {Type: domain.CommissionTypePercentage, Rate: cfg.ProductCommissionPercent},
			domain.OfferTypeMembership: {
				Type:       domain.CommissionTypeFlat,
				FlatAmount: cfg.MembershipCommissionFlat,
			},
		},
		DefaultPolicy: app.CommissionPolicy{Type: domain.CommissionTypePercentage, Rate: cfg.DefaultCommissionPercent},
	})

	// Initialize the API handlers.
	affiliateHandlers := api.NewAffiliateHandlers(
		affiliateService,
		rateLimiter,
		api.RateLimits{
			ClickPerMinute:  cfg.ClickRateLimitPerMinute,
			PayoutPerMinute: cfg.PayoutRateLimitPerMinute,
		},
		time.Duration(cfg.AttributionTTLDays)*24*time.Hour,
	)

	// Set up the HTTP router and define the API routes.
	router := api.AffiliateRoutes(affiliateHandlers, api.RouterConfig{
		JWKSURL:        cfg.AuthJWKSURL,
		CallbackToken:  cfg.PayoutCallbackToken,
		InternalAPIKey: cfg.InternalAPIKey,
		AdminRole:      cfg.AdminRole,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	// Wire up the purchase event consumer: checkout publishes confirmed
	// purchases; this is the asynchronous path into RecordConversion.
	purchaseConsumer := app.NewPurchaseEventConsumer(affiliateService)

	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"rabbitmq consumer init failed\" err=%v", err)
	}
	defer rabbitConsumer.Close()

	purchaseBindings := map[string]func([]byte) bool{
		"purchase.confirmed": purchaseConsumer.HandleMessage,
	}

	if err := rabbitConsumer.ConsumeWithBindings(cfg.PurchaseEventExchange, cfg.PurchaseEventQueue, purchaseBindings); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"purchase consumer start failed\" err=%v", err)
	}

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
