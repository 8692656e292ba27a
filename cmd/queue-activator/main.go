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
	"github.com/nitchakan-dev/concert-rush/internal/notify"
	"github.com/nitchakan-dev/concert-rush/internal/repository"
	"github.com/nitchakan-dev/concert-rush/internal/worker"
	"github.com/nitchakan-dev/concert-rush/pkg/config"
	"github.com/nitchakan-dev/concert-rush/pkg/kafka"
	"github.com/nitchakan-dev/concert-rush/pkg/logger"
	pkgredis "github.com/nitchakan-dev/concert-rush/pkg/redis"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

const serviceName = "queue-activator"

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
	appLog.Info("Starting queue activator...")

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

	producer, err := kafka.NewProducer(ctx, &kafka.ProducerConfig{
		Brokers:       cfg.Kafka.Brokers,
		ClientID:      cfg.Kafka.ClientID + "-" + serviceName,
		MaxRetries:    3,
		RetryInterval: 2 * time.Second,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to connect to Kafka: %v", err))
	}
	defer producer.Close()
	appLog.Info("Kafka connected")

	tokens := repository.NewRedisTokenRepository(redis)
	notifier := notify.NewKafkaNotifier(producer)
	issuer := worker.NewJWTPassIssuer(cfg.JWT.Secret, cfg.JWT.Issuer)
	locker := lock.NewRedisLocker(lock.NewRedisLockClient(redis))

	activator := worker.NewActivationWorker(tokens, notifier, issuer, locker, &worker.ActivationWorkerConfig{
		MaxActiveUsers:      int64(cfg.Queue.MaxActiveUsers),
		ActivationBatch:     int64(cfg.Queue.ActivationBatch),
		Interval:            cfg.Queue.SchedulerInterval,
		ActiveLease:         cfg.Queue.ActiveLease,
		PositionUpdateLimit: 500,
	})
	go func() {
		if err := activator.Run(ctx); err != nil && ctx.Err() == nil {
			appLog.Error(fmt.Sprintf("Activation worker stopped: %v", err))
		}
	}()

	opsServer := startOpsServer(cfg, func(ctx context.Context) error {
		return redis.Ping(ctx)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down queue activator...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = opsServer.Shutdown(shutdownCtx)
	appLog.Info("Queue activator stopped")
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
