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

	"github.com/helverinio/misw4406-14-desacopla2/internal/handler"
	"github.com/helverinio/misw4406-14-desacopla2/internal/service"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/bus"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/config"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/logger"
	"github.com/helverinio/misw4406-14-desacopla2/pkg/telemetry"
)

const serviceName = "alliances-service"

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
	appLog.Info("Starting alliances service...")

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

	// Connect the event bus
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

	// Contract drafting and revision handling
	contracts := service.NewMemoryContractRepository()
	alliances := service.NewAlliancesService(eventBus, contracts, &service.AlliancesConfig{
		SubscriptionPrefix: cfg.Bus.SubscriptionPrefix,
	})
	if err := alliances.Start(ctx); err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to start alliances service: %v", err))
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

	healthHandler := handler.NewHealthHandler(eventBus, nil)
	router.GET("/health", healthHandler.Health)

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
		appLog.Info(fmt.Sprintf("Alliances service listening on %s", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Fatal(fmt.Sprintf("Failed to start server: %v", err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	appLog.Info("Shutting down alliances service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Server forced to shutdown: %v", err))
	}

	if err := eventBus.Close(); err != nil {
		appLog.Error(fmt.Sprintf("Failed to close event bus: %v", err))
	}

	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		appLog.Error(fmt.Sprintf("Failed to shut down telemetry: %v", err))
	}

	appLog.Info("Alliances service exited gracefully")
}
