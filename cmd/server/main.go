package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"chatcore/internal/config"
	"chatcore/internal/database"
	"chatcore/internal/handlers"
	"chatcore/internal/jobs"
	"chatcore/internal/logging"
	"chatcore/internal/middleware"
	"chatcore/internal/preflight"
	"chatcore/internal/services"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting chatcore server...")

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Environment: %s)", cfg.Port, cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Shared KV store: rate windows, circuit flag, response cache
	var kv services.KVStore
	if cfg.RedisURL != "" {
		redisService, err := services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisService.Close()
		kv = redisService
	} else {
		if cfg.IsProduction() {
			log.Println("⚠️  REDIS_URL not set in production; rate limits and cache are per-process")
		}
		kv = services.NewMemoryStore()
		log.Println("📦 Using in-memory KV store")
	}

	// Chat persistence
	var (
		store services.ChatStore
		sqlDB *database.DB
	)
	if cfg.MongoURI != "" {
		log.Println("🔗 Connecting to MongoDB...")
		mongoDB, err := database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
		}
		defer mongoDB.Close(context.Background())
		if err := mongoDB.Initialize(ctx); err != nil {
			log.Fatalf("❌ Failed to initialize MongoDB: %v", err)
		}
		store = database.NewBreakerStore("mongodb", database.NewMongoChatStore(mongoDB), database.DefaultBreakerSettings())
	} else {
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to database: %v", err)
		}
		defer db.Close()
		if err := db.Initialize(); err != nil {
			log.Fatalf("❌ Failed to initialize database: %v", err)
		}
		sqlDB = db
		store = database.NewBreakerStore(string(db.Dialect), database.NewSQLChatStore(db), database.DefaultBreakerSettings())
	}

	checker := preflight.NewChecker(cfg, kv, store, sqlDB)
	if results := checker.RunAll(ctx); preflight.HasFailures(results) {
		log.Fatal("❌ Pre-flight checks failed")
	}

	// Tiered per-user limits, hot-reloaded
	tierService := services.NewTierService(cfg.TiersFile, cfg.RateLimitDefault)
	go tierService.Watch(ctx)

	metrics := services.NewMetrics(prometheus.DefaultRegisterer)
	limiter := services.NewRateLimiterService(kv, tierService, cfg.RateLimitWindow, cfg.CircuitBreakerTTL, metrics)
	cache := services.NewResponseCacheService(kv, metrics)
	generator := services.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.GeneratorRPS)

	pipeline := services.NewChatPipelineService(cache, limiter, store, generator, generator, metrics, services.PipelineConfig{
		GenerationTimeout:      cfg.GenerationTimeout,
		LocalCooldown:          cfg.LocalCooldown,
		LocalCooldownEscalated: cfg.LocalCooldownEscalated,
		CacheTTL:               cfg.CacheTTL,
		FallbackCacheTTL:       cfg.FallbackCacheTTL,
		MinCacheLength:         services.DefaultPipelineConfig().MinCacheLength,
		MinSalvageLength:       services.DefaultPipelineConfig().MinSalvageLength,
	})
	log.Printf("✅ Pipeline ready (model %s, window %v, default limit %d)", cfg.OpenAIModel, cfg.RateLimitWindow, cfg.RateLimitDefault)

	// Background jobs
	jobScheduler := jobs.NewJobScheduler()
	retentionJob, err := jobs.NewRetentionCleanupJob(store, cfg.RetentionDays, cfg.RetentionCron)
	if err != nil {
		log.Printf("⚠️  Retention cleanup disabled: %v", err)
	} else {
		jobScheduler.Register("retention_cleanup", retentionJob)
	}
	jobScheduler.Start()

	app := fiber.New(fiber.Config{
		AppName:      "chatcore",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.GenerationTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} - ${latency} ${method} ${path} ${respHeader:X-Request-ID}\n",
	}))

	prom := fiberprometheus.New("chatcore")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,X-User-ID,X-Request-ID",
		ExposeHeaders:    "Retry-After,X-Request-ID",
		AllowCredentials: allowedOrigins != "*",
	}))

	rateLimitConfig := middleware.LoadRateLimitConfig(cfg.GlobalAPIMax, cfg.Environment)
	log.Printf("🛡️  [RATE-LIMIT] Transport limits: Global=%d/min, WS=%d/min", rateLimitConfig.GlobalAPIMax, rateLimitConfig.WebSocketMax)

	healthHandler := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"kv_store":   kv,
		"chat_store": store,
	})
	app.Get("/health", healthHandler.Handle)

	globalLimiter := middleware.GlobalAPIRateLimiter(rateLimitConfig)
	app.Use("/chat", globalLimiter)
	app.Use("/test", globalLimiter)
	handlers.RegisterChatRoutes(app, pipeline, cfg.EnableTestEndpoint)

	// Streaming endpoint: one admission per query, sentences pushed as produced
	wsHandler := handlers.NewChatWebSocketHandler(pipeline)
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Use("/ws/chat", middleware.WebSocketRateLimiter(rateLimitConfig))
	app.Get("/ws/chat", middleware.RequireUserID(), websocket.New(wsHandler.Handle, websocket.Config{
		Origins: strings.Split(allowedOrigins, ","),
	}))

	log.Printf("✅ Server ready on port %s", cfg.Port)
	log.Printf("💬 Chat endpoint: http://localhost:%s/chat/{query}", cfg.Port)
	log.Printf("🔗 WebSocket endpoint: ws://localhost:%s/ws/chat", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("🛑 Shutting down server...")

		jobScheduler.Stop()
		cancel()

		if err := app.ShutdownWithTimeout(cfg.GenerationTimeout + 5*time.Second); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
