package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"courier/internal/config"
	"courier/internal/database"
	"courier/internal/execution"
	"courier/internal/handlers"
	"courier/internal/jobs"
	"courier/internal/logging"
	"courier/internal/middleware"
	"courier/internal/services"
	"courier/pkg/auth"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

// backends holds the storage handles chosen by STORE_DRIVER
type backends struct {
	store     services.CorrelationStore
	learnings services.LearningStore
	ping      func(ctx context.Context) error
	close     func()
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Courier...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("📋 Configuration loaded (Port: %s, Store: %s, Queue: %s, Relay: %s, Instance: %s)",
		cfg.Port, cfg.StoreDriver, cfg.QueueDriver, cfg.RelayDriver, cfg.InstanceID)

	if err := jobs.ValidateSchedule(cfg.ReaperSchedule); err != nil {
		log.Fatalf("❌ Invalid REAPER_SCHEDULE: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage
	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open correlation store: %v", err)
	}
	defer store.close()

	metrics := services.NewMetrics(prometheus.DefaultRegisterer)

	// Redis backs the queue, the relay and the job locks when either driver asks for it
	var redisService *services.RedisService
	if cfg.QueueDriver == "redis" || cfg.RelayDriver == "redis" {
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		defer redisService.Close()
	}

	var queue services.WorkQueue
	if cfg.QueueDriver == "redis" {
		queue, err = services.NewRedisWorkQueue(ctx, redisService, services.RedisWorkQueueConfig{
			Stream:     cfg.QueueStream,
			Group:      cfg.QueueGroup,
			Partitions: cfg.QueuePartitions,
			ClaimIdle:  cfg.QueueClaimIdle,
		})
		if err != nil {
			log.Fatalf("❌ Failed to create work queue: %v", err)
		}
		log.Printf("✅ Redis work queue ready (%d partitions)", cfg.QueuePartitions)
	} else {
		queue = services.NewMemoryWorkQueue(cfg.QueueClaimIdle)
		log.Println("⚠️  Using in-memory work queue (single instance only)")
	}
	defer queue.Close()

	var relay services.Relay
	if cfg.RelayDriver == "redis" {
		relay = services.NewRedisRelay(redisService, "courier", metrics)
	} else {
		relay = services.NewMemoryRelay(metrics)
		log.Println("⚠️  Using in-memory relay (single instance only)")
	}

	registry := services.NewConnectionManager(metrics)
	router := services.NewDeliveryRouter(services.DeliveryRouterConfig{
		Store:    store.store,
		Queue:    queue,
		Relay:    relay,
		Registry: registry,
		Metrics:  metrics,
		TTL:      cfg.CorrelationTTL,
	})

	// Executor and eval loop
	brain := services.NewBrainClient(services.BrainClientConfig{
		BaseURL: cfg.ExecutorURL,
		APIKey:  cfg.ExecutorAPIKey,
		Timeout: cfg.ExecutorTimeout,
		Stream:  cfg.ExecutorStream,
	})

	policy := cfg.DefaultEvalPolicy()
	if cfg.EvalPolicyFile != "" {
		if loaded, err := config.LoadEvalPolicy(cfg.EvalPolicyFile, policy); err != nil {
			log.Printf("⚠️  Using default eval policy: %v", err)
		} else {
			policy = loaded
			log.Printf("✅ Eval policy loaded from %s", cfg.EvalPolicyFile)
		}
	}

	loop := execution.NewEvalLoop(brain, policy, cfg.AttemptTimeout)
	loop.SetObserver(metrics)
	loop.SetLearningRecorder(store.learnings)
	if cfg.ResearchEnabled {
		loop.SetResearcher(services.NewResearchService(services.ResearchConfig{
			SearXNGURL: cfg.SearXNGURL,
		}))
		log.Printf("✅ Research enabled (SearXNG: %s)", cfg.SearXNGURL)
	}

	if cfg.EvalPolicyFile != "" {
		go config.WatchEvalPolicy(ctx, cfg.EvalPolicyFile, cfg.DefaultEvalPolicy(), loop.SetPolicy)
	}

	// Relay wiring: gateways push results, workers accept relayed requests
	if cfg.RunGateway {
		relay.Subscribe(services.ChannelFromExecutor, router.HandleResult)
	}
	if cfg.RunWorkers {
		relay.Subscribe(services.ChannelToExecutor, router.HandleRequest)
	}
	if err := relay.Start(ctx); err != nil {
		log.Fatalf("❌ Failed to start relay: %v", err)
	}

	if cfg.RunWorkers {
		worker := services.NewTaskWorker(store.store, queue, relay, loop, services.TaskWorkerConfig{
			InstanceID:    cfg.InstanceID,
			Concurrency:   cfg.WorkerConcurrency,
			TaskTimeout:   cfg.TaskTimeout,
			StaleAfter:    cfg.StaleProcessing,
			MaxDeliveries: cfg.QueueMaxDeliveries,
			Stream:        cfg.ExecutorStream,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				log.Printf("❌ Task worker stopped: %v", err)
			}
		}()
		log.Printf("✅ Task workers started (%d consumers)", cfg.WorkerConcurrency)
	}

	go registry.StartHeartbeat(ctx, cfg.HeartbeatInterval)

	// Maintenance jobs, cluster-locked when Redis is available
	var locker jobs.Locker
	if redisService != nil {
		locker = redisService
	}
	scheduler, err := jobs.NewJobScheduler(locker, cfg.InstanceID)
	if err != nil {
		log.Fatalf("❌ Failed to create job scheduler: %v", err)
	}
	mustRegister(scheduler, "expired-record-reaper", cfg.ReaperSchedule,
		jobs.NewExpiredRecordReaperJob(store.store))
	mustRegister(scheduler, "stale-processing-cleanup", "* * * * *",
		jobs.NewStaleProcessingCleanupJob(store.store, relay, cfg.StaleProcessing+cfg.TaskTimeout))
	if cfg.RunWorkers {
		mustRegister(scheduler, "pending-redispatch", "* * * * *",
			jobs.NewPendingRedispatchJob(store.store, router, cfg.PendingRedispatch))
	}
	scheduler.Start()

	// Auth
	var verifier *auth.JWTVerifier
	if cfg.JWTSecret != "" {
		verifier, err = auth.NewJWTVerifier(cfg.JWTSecret)
		if err != nil {
			log.Fatalf("❌ Failed to create JWT verifier: %v", err)
		}
	} else {
		log.Println("⚠️  JWT_SECRET not set, authentication is only bypassed in development")
	}
	authMiddleware := middleware.LocalAuthMiddleware(verifier, cfg.Environment)
	rateLimitConfig := middleware.DefaultRateLimitConfig(cfg.RateLimitMax, !cfg.IsProduction())

	app := fiber.New(fiber.Config{
		AppName:      "Courier v1.0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  120 * time.Second,
		BodyLimit:    4 * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
				"code":  "http_error",
			})
		},
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	prom := fiberprometheus.New("courier")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: true,
	}))

	healthHandler := handlers.NewHealthHandler(registry, cfg.InstanceID)
	healthHandler.AddCheck("store", store.ping)
	healthHandler.AddCheck("queue", queue.Ping)
	healthHandler.AddCheck("relay", relay.Ping)
	healthHandler.AddCheck("executor", brain.Health)
	app.Get("/health", healthHandler.Handle)

	if cfg.RunGateway {
		taskHandler := handlers.NewTaskHandler(router)
		streamHandler := handlers.NewStreamHandler(registry, router)
		wsHandler := handlers.NewWebSocketHandler(registry, router, relay)

		api := app.Group("/api", authMiddleware, middleware.APIRateLimiter(rateLimitConfig))
		tasks := api.Group("/tasks")
		tasks.Get("/stream", middleware.ConnectRateLimiter(rateLimitConfig), streamHandler.Handle)
		taskHandler.Register(tasks)

		app.Use("/ws", func(c *fiber.Ctx) error {
			if websocket.IsWebSocketUpgrade(c) {
				c.Locals("client_ip", c.IP())
				return c.Next()
			}
			return fiber.ErrUpgradeRequired
		})
		app.Use("/ws", middleware.ConnectRateLimiter(rateLimitConfig))
		app.Use("/ws", authMiddleware)
		app.Get("/ws", websocket.New(wsHandler.Handle, websocket.Config{
			Origins: strings.Split(cfg.AllowedOrigins, ","),
		}))
		log.Println("✅ Gateway routes mounted (/api/tasks, /ws)")
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down gracefully...")
		cancel()
		scheduler.Stop()
		if err := relay.Stop(); err != nil {
			log.Printf("⚠️  Relay stop error: %v", err)
		}
		registry.CloseAll()
		loop.WaitLearnings()

		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("⚠️  Server shutdown error: %v", err)
		}
	}()

	log.Printf("✅ Server ready on port %s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
	log.Println("👋 Server stopped")
}

// openStore connects the configured correlation and learning stores
func openStore(ctx context.Context, cfg *config.Config) (*backends, error) {
	switch cfg.StoreDriver {
	case "mongodb":
		mongodb, err := database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		if err := mongodb.Initialize(ctx); err != nil {
			return nil, fmt.Errorf("failed to initialize MongoDB: %w", err)
		}
		return &backends{
			store:     services.NewMongoCorrelationStore(mongodb),
			learnings: services.NewMongoLearningStore(mongodb),
			ping:      mongodb.Ping,
			close: func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				mongodb.Close(closeCtx)
			},
		}, nil

	case "mysql", "sqlite":
		db, err := database.New(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Initialize(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return &backends{
			store:     services.NewSQLCorrelationStore(db),
			learnings: services.NewSQLLearningStore(db),
			ping:      db.PingContext,
			close:     func() { db.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("unsupported STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func mustRegister(scheduler *jobs.JobScheduler, name, schedule string, job jobs.Job) {
	if err := scheduler.Register(name, schedule, job); err != nil {
		log.Fatalf("❌ Failed to register job %s: %v", name, err)
	}
}
