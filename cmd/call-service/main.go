package main

import (
	"context"
	"errors"
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

	intDatabase "commlink-backend/internal/database"
	"commlink-backend/internal/domain"
	callHandler "commlink-backend/internal/handler/http/call"
	wsHandler "commlink-backend/internal/handler/ws"
	"commlink-backend/internal/middleware"
	"commlink-backend/internal/repository/cockroach"
	redisRepo "commlink-backend/internal/repository/redis"
	callService "commlink-backend/internal/service/call"
	"commlink-backend/pkg/constants"
	pkgDatabase "commlink-backend/pkg/database"
	"commlink-backend/pkg/env"
	"commlink-backend/pkg/jwt"
	"commlink-backend/pkg/logger"
	"commlink-backend/pkg/metrics"
)

func main() {
	ctx := context.Background()

	logger.InitDefault()
	defer logger.Sync()

	// 1. Setup JWT Manager
	jwtSecret := env.GetStringFromFile("JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	if len(jwtSecret) < 32 {
		log.Fatal("JWT_SECRET must be at least 32 characters")
	}

	jwtManager := jwt.NewJWTManager(jwtSecret, constants.AccessTokenExpiry)

	// 2. Connect to CockroachDB for call history with retry logic
	dbConfig := &pkgDatabase.CockroachConfig{
		Host:     env.GetString("DB_HOST", "localhost"),
		Port:     env.GetInt("DB_PORT", 26257),
		User:     env.GetString("DB_USER", "root"),
		Password: env.GetStringFromFile("DB_PASSWORD", ""),
		Database: env.GetString("DB_NAME", "commlink"),
		SSLMode:  env.GetString("DB_SSLMODE", "disable"),
	}

	db := connectWithRetry(ctx, dbConfig)

	var store callService.CallStore
	if db != nil {
		defer db.Close()
		store = cockroach.NewCallRepository(db.Pool)
	} else {
		log.Println("Running in limited mode without call history persistence")
		store = noopStore{}
	}

	// 3. Initialize Redis with degraded mode support
	redisConfig := &intDatabase.RedisConfig{
		Host:     env.GetString("REDIS_HOST", "localhost"),
		Port:     env.GetInt("REDIS_PORT", 6379),
		Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
		DB:       0,
		PoolSize: 10,
		Timeout:  5 * time.Second,
	}

	redisDB, _ := intDatabase.NewRedisDB(redisConfig)
	defer redisDB.Close()

	if err := redisDB.SafePing(ctx); err != nil {
		log.Printf("Warning: Failed to connect to Redis: %v", err)
	} else {
		log.Println("✅ Connected to Redis")
	}

	// Start background Redis health check
	go redisDB.StartHealthCheck(ctx, 10*time.Second)

	// 4. Initialize Metrics
	appMetrics := metrics.NewMetrics("call-service")
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 5. Wire the signaling hub and the call service together. The hub is
	// the service's notifier, the service is the hub's intent sink.
	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	publisher := callService.NewRedisPublisher(redisDB)

	hub := wsHandler.NewCallHub(presenceRepo, appMetrics)
	callSvc := callService.NewService(hub, store, publisher, appMetrics)
	hub.SetService(callSvc)
	defer callSvc.Shutdown()

	callHdlr := callHandler.NewHandler(callSvc)

	// 6. Setup Gin Router
	router := gin.New() // Don't use Default() to have full control

	trustedProxies := []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
	}
	if os.Getenv("ENV") == "production" {
		trustedProxies = []string{
			"https://api.commlink.app",
			"https://*.commlink.app",
		}
	}
	router.SetTrustedProxies(trustedProxies)

	// Apply global middleware
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":         "healthy",
			"service":        "call-service",
			"active_calls":   callSvc.ActiveCalls(),
			"connections":    hub.Connections(),
			"redis_degraded": redisDB.IsDegraded(),
			"time":           time.Now().UTC(),
		})
	})

	// Metrics endpoint (for Prometheus scraping)
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	// Revocation checker
	revocationChecker := middleware.NewRedisRevocationChecker(redisDB)

	// Call routes (all require authentication)
	v1 := router.Group("/v1/calls")
	v1.Use(middleware.AuthMiddleware(jwtManager, revocationChecker))
	{
		v1.GET("", callHdlr.GetHistory)
		v1.GET("/:id", callHdlr.GetCall)

		// WebSocket endpoint for call signaling
		v1.GET("/ws", hub.ServeWS)
	}

	// 7. Start server
	port := env.GetString("PORT", "8083")
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", port),
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Call Service starting on port %s\n", port)
		log.Println("📡 Call signaling: /v1/calls/ws")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down call service...")
	shutdownCtx, cancel := context.WithTimeout(ctx, constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
}

// connectWithRetry dials CockroachDB with exponential backoff, returning nil
// if every attempt fails
func connectWithRetry(ctx context.Context, cfg *pkgDatabase.CockroachConfig) *pkgDatabase.CockroachDB {
	maxRetries := 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := pkgDatabase.NewCockroachDB(ctx, cfg)
	if err == nil {
		log.Println("✅ Connected to CockroachDB")
		return db
	}

	for attempt := 2; attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		log.Printf("⚠️  CockroachDB connection attempt %d failed: %v. Retrying in %v...", attempt-1, err, delay)
		time.Sleep(delay)

		db, err = pkgDatabase.NewCockroachDB(ctx, cfg)
		if err == nil {
			log.Printf("✅ Connected to CockroachDB (attempt %d/%d)", attempt, maxRetries)
			return db
		}
	}

	log.Printf("Warning: Failed to connect to CockroachDB after %d attempts: %v", maxRetries, err)
	return nil
}

// noopStore keeps the service running when the database never came up.
// Calls still work, history just is not recorded.
type noopStore struct{}

func (noopStore) Create(context.Context, *domain.CallRecord) error { return nil }
func (noopStore) MarkAnswered(context.Context, uuid.UUID, time.Time) error {
	return nil
}
func (noopStore) Finalize(context.Context, *domain.CallRecord) error { return nil }
func (noopStore) AddParticipant(context.Context, uuid.UUID, uuid.UUID, time.Time) error {
	return nil
}
func (noopStore) MarkParticipantLeft(context.Context, uuid.UUID, uuid.UUID, time.Time) error {
	return nil
}
func (noopStore) SetParticipantQuality(context.Context, uuid.UUID, uuid.UUID, string) error {
	return nil
}
func (noopStore) MergeMetadata(context.Context, uuid.UUID, []byte) error { return nil }
func (noopStore) GetByID(context.Context, uuid.UUID) (*domain.CallRecord, error) {
	return nil, errors.New("call history unavailable")
}
func (noopStore) GetParticipants(context.Context, uuid.UUID) ([]*domain.CallParticipantRecord, error) {
	return nil, errors.New("call history unavailable")
}
func (noopStore) GetUserCalls(context.Context, uuid.UUID, int, int) ([]*domain.CallRecord, error) {
	return nil, errors.New("call history unavailable")
}
