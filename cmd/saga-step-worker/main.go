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
	"github.com/nitchakan-dev/concert-rush/internal/repository"
	"github.com/nitchakan-dev/concert-rush/internal/saga"
	"github.com/nitchakan-dev/concert-rush/internal/service"
	"github.com/nitchakan-dev/concert-rush/internal/worker"
	"github.com/nitchakan-dev/concert-rush/pkg/config"
	"github.com/nitchakan-dev/concert-rush/pkg/database"
	"github.com/nitchakan-dev/concert-rush/pkg/logger"
	pkgredis "github.com/nitchakan-dev/concert-rush/pkg/redis"
	"github.com/nitchakan-dev/concert-rush/pkg/retry"
	"github.com/nitchakan-dev/concert-rush/pkg/telemetry"
)

const serviceName = "saga-step-worker"

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
	appLog.Info("Starting saga step worker...")

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

	db, err := database.NewPostgres(ctx, &database.PostgresConfig{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.DBName,
		SSLMode:         cfg.Database.SSLMode,
		MaxConns:        int32(cfg.Database.MaxOpenConns),
		MinConns:        int32(cfg.Database.MinIdleConns),
		MaxConnLifetime: cfg.Database.ConnMaxLifetime,
		MaxConnIdleTime: cfg.Database.ConnMaxIdleTime,
		MaxRetries:      3,
		RetryInterval:   2 * time.Second,
		EnableTracing:   cfg.OTel.Enabled,
		ServiceName:     serviceName,
	})
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	defer db.Close()
	appLog.Info("PostgreSQL connected")

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

	locker := lock.NewRedisLocker(lock.NewRedisLockClient(redis))

	tokens := repository.NewRedisTokenRepository(redis)
	seats := repository.NewPostgresSeatRepository(db.Pool())
	points := repository.NewPostgresPointRepository(db.Pool())
	payments := repository.NewPostgresPaymentRepository(db.Pool())

	admissionSvc := service.NewAdmissionService(tokens, &service.AdmissionConfig{
		ThroughputPerTick: int64(cfg.Queue.ActivationBatch),
		TickInterval:      cfg.Queue.SchedulerInterval,
	})
	reservationSvc := service.NewReservationService(admissionSvc, seats, locker, &service.ReservationConfig{
		HoldTTL:         cfg.Reservation.HoldTTL,
		LockLease:       10 * time.Second,
		ConfirmLockWait: 3 * time.Second,
	})
	pointSvc := service.NewPointService(points, locker, nil)
	paymentSvc := service.NewPaymentService(payments)

	executor := worker.NewSagaStepExecutor(pointSvc, reservationSvc, paymentSvc, seats, producer, &worker.SagaStepWorkerConfig{
		StepTimeout: cfg.Saga.StepTimeout,
		Retry: &retry.Config{
			MaxRetries:      cfg.Saga.RetryAttempts,
			InitialInterval: cfg.Saga.RetryDelay,
			MaxInterval:     10 * time.Second,
			Multiplier:      2.0,
			JitterFactor:    0.1,
		},
	})

	dlq := retry.NewKafkaDLQPublisher(&retry.KafkaProducerAdapter{Producer: producer.Raw()}, &retry.DLQConfig{
		TopicSuffix: ".dlq",
		Source:      serviceName,
	})

	stepWorker, err := worker.NewSagaStepWorker(ctx, &worker.SagaStepWorkerKafkaConfig{
		Brokers:  cfg.Kafka.Brokers,
		GroupID:  cfg.Kafka.ConsumerGroup + "-" + serviceName,
		ClientID: cfg.Kafka.ClientID + "-" + serviceName,
	}, executor, dlq)
	if err != nil {
		appLog.Fatal(fmt.Sprintf("Failed to create step worker: %v", err))
	}
	defer stepWorker.Close()

	go func() {
		if err := stepWorker.Run(ctx); err != nil && ctx.Err() == nil {
			appLog.Error(fmt.Sprintf("Step worker stopped: %v", err))
		}
	}()

	opsServer := startOpsServer(cfg, func(ctx context.Context) error {
		if err := db.Ping(ctx); err != nil {
			return err
		}
		return redis.Ping(ctx)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLog.Info("Shutting down saga step worker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = opsServer.Shutdown(shutdownCtx)
	appLog.Info("Saga step worker stopped")
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
