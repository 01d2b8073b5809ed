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

	"queuetrack/api/routes"
	"queuetrack/internal/bus"
	"queuetrack/internal/notifications"
	"queuetrack/internal/queue"
	"queuetrack/internal/shared/config"
	"queuetrack/internal/shared/database"
	"queuetrack/internal/shared/middleware"
	"queuetrack/internal/tracker"
	"queuetrack/internal/waitlist"
	"queuetrack/pkg/cache"
	"queuetrack/pkg/logger"
	"queuetrack/pkg/ratelimit"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	appLogger := logger.GetDefault()

	// Smart environment loading
	if err := godotenv.Load(); err != nil {
		if os.Getenv("GIN_MODE") == "release" || os.Getenv("DOCKER_CONTAINER") == "true" {
			appLogger.Info("Production environment: using container environment variables")
		} else {
			appLogger.Info("No .env file found, using system environment variables")
		}
	} else {
		appLogger.Info("Development environment: loaded .env file")
	}

	// Load config
	cfg := config.Load()

	// Set Gin mode (debug/release)
	gin.SetMode(cfg.GinMode)

	// Initialize DB for the cache store, degrading to memory
	db, err := database.InitDB(cfg, appLogger)
	if err != nil {
		appLogger.Error("Cache store unavailable, falling back to memory", slog.Any("error", err))
		cfg.Cache.Store = "memory"
		db, _ = database.InitDB(cfg, appLogger)
	}
	defer db.Close()

	statusCache := cache.New(cache.WithStore(cacheStore(cfg, db)), cache.WithLogger(appLogger))

	// Outbound pacing for the waitlist API
	outbound := ratelimit.NewRateLimiter(&ratelimit.Config{
		Enabled:           true,
		RequestsPerSecond: cfg.Queue.RequestsPerSecond,
		Burst:             cfg.Queue.Burst,
		MaxCooldown:       cfg.Queue.MaxCooldown,
	})

	clientOpts := []queue.Option{
		queue.WithRateLimiter(outbound),
		queue.WithLogger(appLogger),
	}
	if token := cfg.Queue.AccessToken; token != "" {
		clientOpts = append(clientOpts, queue.WithTokenSource(queue.TokenSourceFunc(func(context.Context) (string, error) {
			return token, nil
		})))
	}
	queueClient := queue.NewClient(queue.Config{
		BaseURL:        cfg.Queue.BaseURL,
		RequestTimeout: cfg.Queue.RequestTimeout,
		UserAgent:      cfg.Queue.UserAgent,
	}, clientOpts...)

	// Tracker service
	eventBus := bus.New()
	defer eventBus.Close()

	trackerService := tracker.NewService(queueClient, statusCache, eventBus, &tracker.Config{
		Email:               cfg.Tracker.Email,
		PollInterval:        cfg.Tracker.PollInterval,
		DebounceDelay:       cfg.Tracker.DebounceDelay,
		HousekeepingSpec:    cfg.Tracker.HousekeepingSpec,
		HousekeepingTimeout: cfg.Tracker.HousekeepingBudget,
		LeaderboardLimit:    cfg.Tracker.LeaderboardLimit,
		Engine: &waitlist.Config{
			BoostPerReferral: cfg.Tracker.BoostPerReferral,
			ApprovalsPerWeek: cfg.Tracker.ApprovalsPerWeek,
			StatusTTL:        cfg.Tracker.StatusTTL,
		},
	}, appLogger)

	hub := tracker.NewHub(appLogger)
	defer hub.Close()
	trackerService.Subscribe(hub.Broadcast)

	// Kafka notifications and account events
	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	if cfg.KafkaEnabled() {
		producerConfig := notifications.DefaultKafkaProducerConfig()
		producerConfig.Brokers = cfg.Kafka.Brokers
		producerConfig.NotificationTopic = cfg.Kafka.NotificationsTopic

		publisher, err := notifications.NewKafkaPublisher(producerConfig, appLogger)
		if err != nil {
			appLogger.Error("Failed to initialize notification publisher", slog.Any("error", err))
			appLogger.Info("Continuing without notifications")
		} else {
			publisher.Start()
			trackerService.Subscribe(publisher.Observe)
			defer func() {
				appLogger.Info("Stopping notification publisher...")
				if err := publisher.Close(); err != nil {
					appLogger.Error("Error stopping notification publisher", slog.Any("error", err))
				}
			}()
		}

		consumerConfig := bus.DefaultKafkaConfig()
		consumerConfig.Brokers = cfg.Kafka.Brokers
		consumerConfig.GroupID = cfg.Kafka.GroupID
		consumerConfig.Topics = []string{cfg.Kafka.AccountEventsTopic}

		consumer, err := bus.NewKafkaConsumer(consumerConfig, bus.NewKafkaBridge(eventBus, appLogger), appLogger)
		if err != nil {
			appLogger.Error("Failed to initialize account event consumer", slog.Any("error", err))
		} else {
			go consumer.Run(consumerCtx)
			defer func() {
				if err := consumer.Close(); err != nil {
					appLogger.Error("Error closing account event consumer", slog.Any("error", err))
				}
			}()
		}
	} else {
		appLogger.Info("Kafka disabled, notifications and account events are local only")
	}

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := trackerService.Start(startCtx); err != nil {
		startCancel()
		appLogger.Error("Failed to start tracker", slog.Any("error", err))
		os.Exit(1)
	}
	startCancel()

	// Inbound rate limiting
	var rateLimiter *ratelimit.RateLimiter
	if cfg.RateLimit.Enabled {
		rateLimiter = ratelimit.NewRateLimiter(&ratelimit.Config{
			Enabled:           true,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		})
		appLogger.Info("Rate limiter initialized",
			slog.Float64("rps", cfg.RateLimit.RequestsPerSecond),
			slog.Int("burst", cfg.RateLimit.Burst),
		)
	} else {
		appLogger.Info("Rate limiting disabled")
	}

	router := setupRouter(cfg, db, trackerService, hub, rateLimiter)

	// HTTP server
	srv := &http.Server{
		Addr:           cfg.GetServerAddress(),
		Handler:        router,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		MaxHeaderBytes: cfg.MaxHeaderBytes,
	}

	go func() {
		appLogger.Info("Server running",
			slog.String("address", cfg.GetServerAddress()),
			slog.String("health_check", fmt.Sprintf("http://localhost:%s/health", cfg.Port)),
			slog.String("snapshot", fmt.Sprintf("http://localhost:%s%s/tracker/snapshot", cfg.Port, cfg.GetAPIBasePath())),
			slog.String("version", Version),
			slog.String("commit", GitCommit),
			slog.String("cache_store", cfg.Cache.Store),
			slog.Bool("kafka", cfg.KafkaEnabled()),
			slog.Bool("rate_limiting", cfg.RateLimit.Enabled),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed", slog.Any("error", err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLogger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Forced shutdown", slog.Any("error", err))
	}
	if err := trackerService.Stop(ctx); err != nil {
		appLogger.Error("Tracker did not stop cleanly", slog.Any("error", err))
	}

	appLogger.Info("Server exited gracefully")
}

// cacheStore picks the persistence backend for the status cache
func cacheStore(cfg *config.Config, db *database.DB) cache.Store {
	switch {
	case db.Redis != nil:
		return cache.NewRedisStore(db.Redis, cfg.Cache.Namespace)
	case db.PostgreSQL != nil:
		return cache.NewGormStore(db.PostgreSQL)
	default:
		return cache.NewMemoryStore()
	}
}

func setupRouter(cfg *config.Config, db *database.DB, service *tracker.Service, hub *tracker.Hub, rateLimiter *ratelimit.RateLimiter) *gin.Engine {
	engine := gin.New()
	appLogger := logger.GetDefault()

	// Request IDs first so the access log can carry them
	engine.Use(middleware.RequestID(), middleware.RequestLogger(appLogger), gin.Recovery())

	// CORS configuration
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", "Retry-After", "X-RateLimit-Limit", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	if rateLimiter != nil {
		engine.Use(ratelimit.Middleware(rateLimiter))
		appLogger.Info("Rate limiting middleware applied to all routes")
	}

	appRouter := routes.NewRouter(cfg, db, service, hub)
	appRouter.SetupRoutes(engine)

	return engine
}
