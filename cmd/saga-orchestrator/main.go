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

	"github.com/nitchakan-dev/concert-rush/internal/lock"
	"github.com/nitchakan-dev/concert-rush/internal/saga"
	"github.com/nitchakan-dev/concert-rush/internal/worker"
	"github.com/nitchakan-dev/concert-rush/pkg/config"
	"github.com/nitchakan-dev/concert-rush/pkg/logger"
	pkgredis "github.com/nitchakan-dev/concert-rush/pkg/redis"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

const serviceName = "saga-orchestrator"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(&logger.Config{
		Level:       cfg.App.Environment,
		ServiceName: serviceName,
		Development: cfg.IsDevelopment(),
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	appLog := logger.Get()
	appLog.Info("Starting saga orchestrator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := telemetry.Init(ctx, &telemetry.Config{
		Enabled:        cfg.OTel.Enabled,
		ServiceName:    serviceName,
		ServiceVersion: cfg.App.Version,
		Environment:    cfg.App.Environment,
		CollectorAddr:  cfg.OTel.CollectorAddr,
		SampleRatio:    cfg.OTel.SampleRatio,
	}); err != nil {
		appLog.Warn(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	redis, err := pkgredis.NewClient(ctx, &pkgredis.Config{
		Host:          cfg.Redis.Host,
		Port:          cfg.Redis.Port,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.DB,
		PoolSize:      cfg.Redis.PoolSize,
		MinIdleConns:  cfg.Redis.MinIdleConns,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to connect to Redis: %v", err))
	}
	defer redis.Close()
	appLog.Info("Redis connected")

	producer, err := saga.NewKafkaProducer(ctx, &saga.KafkaProducerConfig{
		Brokers:       cfg.Kafka.Brokers,
		ClientID:      cfg.Kafka.ClientID + "-" + serviceName,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to connect to Kafka: %v", err))
	}
	defer producer.Close()
	appLog.Info("Kafka producer connected")

	store := saga.NewRedisStore(redis)
	locker := lock.NewRedisLocker(lock.NewRedisLockClient(redis))
	orchestrator := saga.NewOrchestrator(store, producer, locker, &saga.OrchestratorConfig{
		LockWait:        3 * time.Second,
		LockLease:       10 * time.Second,
		StalledDeadline: cfg.Saga.StalledDeadline,
	})

	consumer, err := saga.NewEventConsumer(ctx, &saga.EventConsumerConfig{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  cfg.Kafka.ConsumerGroup + "-" + serviceName,
		ClientID: cfg.Kafka.ClientID + "-" + serviceName,
	}, orchestrator)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to create event consumer: %v", err))
	}
	defer consumer.Close()

	go func() {
		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			appLog.Error(fmt.Sprintf("Event consumer stopped: %v", err))
		}
	}()

	sweeper := worker.NewSagaSweeper(orchestrator, cfg.Saga.SweepInterval)
	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			appLog.Error(fmt.Sprintf("Saga sweeper stopped: %v", err))
		}
	}()

	opsServer := startOpsServer(cfg, func(ctx context.Context) error {
		return redis.Ping(ctx)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down saga orchestrator...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = opsServer.Shutdown(shutdownCtx)
	appLog.Info("Saga orchestrator stopped")
}

// startOpsServer exposes health and readiness probes
func startOpsServer(cfg *config.Config, ready func(context.Context) error) *http.Server {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(telemetry.TracingMiddleware(serviceName))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": serviceName})
	})
	router.GET("/ready", func(c *gin.Context) {
		if err := ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Get().Error(fmt.Sprintf("Ops server stopped: %v", err))
		}
	}()
	return server
}
