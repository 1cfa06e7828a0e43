package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	intDatabase "carelink-backend/internal/database"
	consultHandler "carelink-backend/internal/handler/http/consult"
	presenceHandler "carelink-backend/internal/handler/http/presence"
	pushHandler "carelink-backend/internal/handler/http/push"
	wsHandler "carelink-backend/internal/handler/ws"
	"carelink-backend/internal/middleware"
	"carelink-backend/internal/repository/cassandra"
	"carelink-backend/internal/repository/cockroach"
	redisRepo "carelink-backend/internal/repository/redis"
	notificationService "carelink-backend/internal/service/notification"
	presenceService "carelink-backend/internal/service/presence"
	sessionService "carelink-backend/internal/service/session"
	signalingService "carelink-backend/internal/service/signaling"
	"carelink-backend/pkg/config"
	"carelink-backend/pkg/constants"
	"carelink-backend/pkg/jwt"
	"carelink-backend/pkg/logger"
	"carelink-backend/pkg/metrics"
	"carelink-backend/pkg/push"
)

func main() {
	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	productionMode := cfg.Server.Environment == "production"

	// 2. Initialize logger
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 3. Setup JWT Manager
	if cfg.JWT.Secret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(cfg.JWT.Secret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	// 4. Connect to CockroachDB for session history with retry logic
	connString := fmt.Sprintf(
		"postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Database,
		cfg.Database.SSLMode,
	)
	dbConfig := intDatabase.DefaultDBConfig()
	dbConfig.MaxOpenConns = cfg.Database.MaxConns
	dbConfig.MaxIdleConns = cfg.Database.MinConns

	var db *intDatabase.DB

	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err = intDatabase.NewDB(ctx, connString, dbConfig)
	if err != nil {
		for attempt := 2; attempt <= maxRetries; attempt++ {
			delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
			if delay > maxDelay {
				delay = maxDelay
			}
			log.Printf("⚠️  CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt, err, delay)
			time.Sleep(delay)

			db, err = intDatabase.NewDB(ctx, connString, dbConfig)
			if err == nil {
				break
			}
		}
	}

	var archiveRepo *cockroach.SessionRepository
	if err != nil {
		log.Printf("Warning: Failed to connect to CockroachDB after %d attempts: %v", maxRetries, err)
		log.Println("Running in limited mode without session history persistence")
	} else {
		defer db.Close()
		archiveRepo = cockroach.NewSessionRepository(db.Pool)
		log.Println("✅ Connected to CockroachDB")
	}

	// 5. Connect to Cassandra for the transition audit trail
	cassandraConfig := &intDatabase.CassandraConfig{
		Hosts:    cfg.Cassandra.Hosts,
		Keyspace: cfg.Cassandra.Keyspace,
		Username: os.Getenv("CASSANDRA_USERNAME"),
		Password: os.Getenv("CASSANDRA_PASSWORD"),
		Timeout:  cfg.Cassandra.Timeout,
	}

	var transitionRepo *cassandra.TransitionRepository
	cassandraDB, err := intDatabase.NewCassandraDBWithConfig(cassandraConfig)
	if err != nil {
		log.Printf("Warning: Failed to connect to Cassandra: %v", err)
		log.Println("Running without the transition audit trail")
	} else {
		defer cassandraDB.Close()
		transitionRepo = cassandra.NewTransitionRepository(cassandraDB.Session)
		log.Println("✅ Connected to Cassandra")
	}

	// 6. Initialize Redis with degraded mode support
	intDatabase.InitRedisMetrics()
	redisConfig := &intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	}

	redisDB, err := intDatabase.NewRedisDB(redisConfig)
	if err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
	} else {
		log.Println("✅ Connected to Redis")
	}
	defer redisDB.Close()

	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 7. Initialize Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 8. Initialize Push Service
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB.Client)

	pushProvider, err := push.NewProvider()
	if err != nil {
		if productionMode {
			log.Fatalf("❌ Fatal: Failed to initialize push provider: %v", err)
		}
		log.Printf("Warning: Failed to initialize push provider: %v. Falling back to mock", err)
		pushProvider = &push.MockProvider{}
	}
	if _, isMock := pushProvider.(*push.MockProvider); isMock && productionMode {
		log.Fatal("❌ Fatal: Mock push provider not allowed in production")
	}

	pushSvc := push.NewService(pushProvider, pushTokenRepo)

	// 9. Initialize core services. The hub is both the frame source and
	// the delivery surface, so it is created first and bound last.
	presenceMirror := redisRepo.NewPresenceRepository(redisDB)
	eventQueue := redisRepo.NewEventRepository(redisDB, cfg.Notification.RetentionWindow)

	tracker := presenceService.NewTracker(
		cfg.Presence.LivenessWindow,
		cfg.Presence.SweepInterval,
		presenceMirror,
		appMetrics,
	)

	hub := wsHandler.NewConsultHub(redisDB, tracker, appMetrics)

	coordinator := signalingService.NewCoordinator(hub, cfg.Signaling.ReorderBufferSize, appMetrics)

	dispatcher := notificationService.NewDispatcher(
		eventQueue,
		hub,
		notificationService.NewPushAdapter(pushSvc),
		appMetrics,
	)

	// A nil concrete pointer inside a non-nil interface would defeat the
	// service's nil checks, so only assign when the store is actually up.
	var sessionArchive sessionService.ArchiveRepository
	if archiveRepo != nil {
		sessionArchive = archiveRepo
	}
	var sessionTransitions sessionService.TransitionLogger
	if transitionRepo != nil {
		sessionTransitions = transitionRepo
	}

	sessionSvc := sessionService.NewService(
		tracker,
		coordinator,
		dispatcher,
		sessionArchive,
		sessionTransitions,
		cfg.Consult.RingingTimeout,
		cfg.Consult.MaxSessionDuration,
		appMetrics,
	)

	presenceFanout := notificationService.NewPresenceFanout(dispatcher)
	tracker.Subscribe(presenceFanout.OnPresenceChanged)

	coordinator.SetFailureHandler(func(sessionID uuid.UUID, cause string) {
		sessionSvc.Fail(context.Background(), sessionID, cause)
	})
	tracker.OnOffline(func(doctorID uuid.UUID) {
		sessionSvc.FailDoctorSessions(context.Background(), doctorID)
	})
	hub.Bind(sessionSvc, coordinator, dispatcher, presenceFanout)

	trackerCtx, trackerCancel := context.WithCancel(ctx)
	defer trackerCancel()
	tracker.Start(trackerCtx)

	// 10. Initialize Handlers
	consultHdlr := consultHandler.NewHandler(sessionSvc, archiveRepo)
	presenceHdlr := presenceHandler.NewHandler(tracker)
	pushHdlr := pushHandler.NewHandler(pushSvc)

	// 11. Setup Gin Router
	if productionMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	// Request timeouts stay off the WebSocket route, which is long-lived
	// by design.
	timeoutMW := middleware.NewTimeoutMiddleware(nil).Middleware()
	rateLimiter := middleware.NewAdvancedRateLimiter(redisDB.Client)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": cfg.Server.ServiceName,
			"time":    time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	revocationChecker := middleware.NewRedisRevocationChecker(redisDB.Client)
	authMW := middleware.AuthMiddleware(jwtManager, revocationChecker)

	consults := router.Group("/v1/consults")
	consults.Use(authMW, timeoutMW, rateLimiter.Middleware())
	{
		consults.POST("", consultHdlr.Request)
		// History reads hit CockroachDB, shield them from pool exhaustion
		if db != nil {
			poolLimiter := middleware.NewDBPoolLimiter(db)
			consults.GET("/history", poolLimiter.Middleware(), consultHdlr.History)
			consults.GET("/:id", poolLimiter.Middleware(), consultHdlr.Get)
		} else {
			consults.GET("/history", consultHdlr.History)
			consults.GET("/:id", consultHdlr.Get)
		}
		consults.POST("/:id/accept", consultHdlr.Accept)
		consults.POST("/:id/reject", consultHdlr.Reject)
		consults.POST("/:id/cancel", consultHdlr.Cancel)
		consults.POST("/:id/end", consultHdlr.End)
	}

	presenceRoutes := router.Group("/v1/presence")
	presenceRoutes.Use(authMW, timeoutMW, rateLimiter.Middleware())
	{
		presenceRoutes.GET("", presenceHdlr.List)
		presenceRoutes.POST("/online", presenceHdlr.Online)
		presenceRoutes.POST("/heartbeat", presenceHdlr.Heartbeat)
		presenceRoutes.POST("/offline", presenceHdlr.Offline)
		presenceRoutes.GET("/:doctor_id", presenceHdlr.Get)
	}

	pushRoutes := router.Group("/v1/push")
	pushRoutes.Use(authMW, timeoutMW, rateLimiter.Middleware())
	{
		pushRoutes.POST("/tokens", pushHdlr.RegisterToken)
		pushRoutes.GET("/tokens", pushHdlr.GetTokens)
		pushRoutes.GET("/tokens/count", pushHdlr.GetTokenCount)
		pushRoutes.DELETE("/tokens", pushHdlr.UnregisterToken)
		pushRoutes.DELETE("/tokens/all", pushHdlr.UnregisterAllTokens)
	}

	// WebSocket endpoint for heartbeats, signaling and event delivery.
	// Connection attempts are limited with in-memory fallback so degraded
	// Redis cannot lock every client out.
	wsLimiter := middleware.NewRateLimiterWithFallback(middleware.RateLimiterConfig{
		RedisClient:            redisDB,
		RequestsPerMin:         30,
		Window:                 time.Minute,
		EnableInMemoryFallback: true,
	})
	router.GET("/v1/ws/consult", authMW, wsLimiter.Middleware(), hub.ServeWS)

	// 12. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Consult Service starting on port %d\n", cfg.Server.Port)
		log.Println("📡 WebSocket endpoint: /v1/ws/consult")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 13. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	trackerCancel()
	tracker.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
