package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/helverinio/misw4406-14-desacopla2/internal/coordinator"
	"github.com/helverinio/misw4406-14-desacopla2/internal/handler"
	"github.com/helverinio/misw4406-14-desacopla2/internal/repository"
	"github.com/helverinio/misw4406-14-desacopla2/internal/worker"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/bus"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/config"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/database"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/logger"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/middleware"
	pkgredis "github.com/helverinio/misw4406-14-desacopla2/pkg/redis"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/retry"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/telemetry"
)

const serviceName = "saga-coordinator"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	level := "info"
	if cfg.App.Debug {
		level = "debug"
	}
	if _, err := logger.Init(&logger.Config{
		Level:       level,
		ServiceName: serviceName,
		Development: cfg.IsDevelopment(),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting saga coordinator...")

	ctx := context.Background()

	// Initialize tracing
	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		appLog.Warn(fmt.Sprintf("Telemetry initialization failed: %v", err))
	}

	// Connect the event bus. The coordinator cannot run without it.
	eventBus, err := bus.New(ctx, &bus.Config{
		Driver:       cfg.Bus.Driver,
		URL:          cfg.Bus.URL,
		Brokers:      cfg.Bus.Brokers,
		ClientID:     cfg.Bus.ClientID + "-" + serviceName,
		LeaseTimeout: cfg.Bus.LeaseTimeout,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to connect event bus (%s): %v", cfg.Bus.Driver, err))
	}

	// Saga log store; falls back to memory when PostgreSQL is unreachable
	var logs repository.SagaLogRepository
	var sagas repository.SagaRepository
	var storePinger handler.Pinger

	db, err := database.NewPostgres(ctx, &database.PostgresConfig{
		DSN:             cfg.Database.DSN(),
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MinIdleConns),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		ConnectTimeout:  5 * time.Second,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		EnableTracing:   cfg.OTel.Enabled,
		ServiceName:     serviceName,
	})
	if err != nil {
		appLog.Warn(fmt.Sprintf("Database connection failed: %v", err))
		appLog.Warn("Using in-memory saga stores (state will not survive restarts)")
		logs = repository.NewMemorySagaLogRepository()
		sagas = repository.NewMemorySagaRepository()
	} else {
		defer db.Close()
		logs = repository.NewPostgresSagaLogRepository(db)
		sagas = repository.NewPostgresSagaRepository(db)
		storePinger = db
		appLog.Info("Using PostgreSQL saga stores")
	}

	// Dedupe index; Redis keeps markers across restarts, memory does not
	var dedupe repository.DedupeIndex
	if cfg.Redis.Enabled {
		redisClient, rerr := pkgredis.NewClient(ctx, &pkgredis.Config{
			Host:          cfg.Redis.Host,
			Port:          cfg.Redis.Port,
			Password:      cfg.Redis.Password,
			DB:            cfg.Redis.DB,
			PoolSize:      cfg.Redis.PoolSize,
			MinIdleConns:  cfg.Redis.MinIdleConns,
			DialTimeout:   cfg.Redis.DialTimeout,
			ReadTimeout:   cfg.Redis.ReadTimeout,
			WriteTimeout:  cfg.Redis.WriteTimeout,
			MaxRetries:    3,
			RetryInterval: time.Second,
		})
		if rerr != nil {
			appLog.Warn(fmt.Sprintf("Redis connection failed: %v, using in-memory dedupe index", rerr))
			dedupe = repository.NewMemoryDedupeIndex()
		} else {
			defer redisClient.Close()
			dedupe = repository.NewRedisDedupeIndex(redisClient, cfg.Saga.DedupeTTL)
			appLog.Info("Using Redis dedupe index")
		}
	} else {
		dedupe = repository.NewMemoryDedupeIndex()
	}

	// Coordinator
	coord := coordinator.New(eventBus, logs, sagas, dedupe, &coordinator.Config{
		SubscriptionPrefix: cfg.Bus.SubscriptionPrefix,
		LockStripes:        cfg.Saga.LockStripes,
	})
	if err := coord.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start coordinator: %v", err))
	}

	// Reprocess worker re-drives entries whose delivery failed midway
	dlq := retry.NewBusDLQPublisher(eventBus, cfg.Saga.DLQTopic, serviceName)
	reprocessor := worker.NewReprocessWorker(logs, coord, dlq, &worker.ReprocessWorkerConfig{
		ScanInterval: cfg.Saga.ReprocessInterval,
		BatchSize:    cfg.Saga.ReprocessBatch,
		MaxAttempts:  cfg.Saga.MaxRetryAttempts,
	})
	if err := reprocessor.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start reprocess worker: %v", err))
	}

	// Setup Gin
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.OTel.Enabled {
		router.Use(telemetry.TracingMiddleware(serviceName))
	}

	healthHandler := handler.NewHealthHandler(eventBus, storePinger)
	sagaHandler := handler.NewSagaHandler(coord)

	router.GET("/health", healthHandler.Health)

	api := router.Group("/api/v1")
	if cfg.JWT.Enabled {
		api.Use(middleware.JWTAuth(&middleware.AuthConfig{
			Secret: cfg.JWT.Secret,
			Issuer: cfg.JWT.Issuer,
		}))
	}
	{
		api.GET("/sagas", sagaHandler.ListActiveSagas)
		api.GET("/sagas/:partnerID", sagaHandler.GetSaga)
		api.GET("/sagas/:partnerID/log", sagaHandler.GetSagaLog)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		appLog.Info(fmt.Sprintf("Saga coordinator listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal(fmt.Sprintf("Failed to start server: %v", err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down saga coordinator...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Server forced to shutdown: %v", err))
	}

	reprocessor.Stop()

	if err := eventBus.Close(); err != nil {
		appLog.Error(fmt.Sprintf("Failed to close event bus: %v", err))
	}

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Failed to shut down telemetry: %v", err))
	}

	appLog.Info("Saga coordinator exited gracefully")
}
