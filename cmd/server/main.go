// Package main runs the scene upload API with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/splatbox/backend/config"
	"github.com/splatbox/backend/internal/ingest"
	"github.com/splatbox/backend/internal/middleware"
	"github.com/splatbox/backend/internal/processing"
	"github.com/splatbox/backend/internal/reconcile"
	"github.com/splatbox/backend/internal/scenes"
	"github.com/splatbox/backend/internal/worker"
	"github.com/splatbox/backend/pkg/database"
	"github.com/splatbox/backend/pkg/queue"
	"github.com/splatbox/backend/pkg/redis"
	"github.com/splatbox/backend/pkg/response"
	"github.com/splatbox/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	if err := database.Migrate(cfg.Database.DSN(), logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), int32(cfg.Database.MaxConns), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	blobs, err := storage.NewS3(ctx, storage.S3Config{
		Region:           cfg.AWS.Region,
		AccessKeyID:      cfg.AWS.AccessKeyID,
		SecretAccessKey:  cfg.AWS.SecretAccessKey,
		Bucket:           cfg.AWS.ScenesBucket,
		Endpoint:         cfg.AWS.Endpoint,
		RetryMaxAttempts: cfg.AWS.RetryMaxAttempts,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	jobQueue := queue.NewRedisQueue(rdb.Client, cfg.Queue.Name, logger)
	notifier := scenes.NewRedisNotifier(rdb.Client, logger)
	store := scenes.NewNotifyingStore(scenes.NewRepository(pool), notifier, logger)

	var reader scenes.Reader = store
	if cfg.Cache.Size > 0 {
		reader = scenes.NewTerminalCache(store, cfg.Cache.Size, cfg.Cache.TTL)
	}

	gateway := ingest.NewGateway(store, blobs, jobQueue, ingest.Config{
		MaxUploadBytes: cfg.Server.MaxUploadBytes(),
		Dedup:          cfg.Server.Dedup,
	}, logger)
	sceneHandler := ingest.NewHandler(gateway, reader, notifier, logger)
	sceneHandler.SetPresigner(blobs, time.Duration(cfg.AWS.PresignExpireMinutes)*time.Minute)

	router := gin.New()
	router.MaxMultipartMemory = 32 << 20
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics())

	router.GET("/health", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "database unavailable")
			return
		}
		if err := rdb.Check(c.Request.Context()); err != nil {
			response.ServiceUnavailable(c, "redis unavailable")
			return
		}
		response.OK(c, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	sceneHandler.Register(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// In-process worker pool and sweeper for single-binary deployments.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var wg sync.WaitGroup
	var sweeper *reconcile.Sweeper
	if cfg.Worker.Embedded {
		engine := processing.NewValidator(blobs, logger)
		processor := worker.NewProcessor(store, jobQueue, engine, worker.ProcessorConfig{
			MaxAttempts:       cfg.Worker.MaxAttempts,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			Heartbeat:         cfg.Worker.Heartbeat,
		}, logger)
		workers := worker.NewPool(jobQueue, worker.PoolConfig{
			Concurrency:       cfg.Worker.Concurrency,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			PollInterval:      cfg.Queue.PollInterval,
			Name:              "api",
		}, logger)
		workers.Register(queue.JobTypeSceneProcess, processor)

		wg.Add(1)
		go func() {
			defer wg.Done()
			workers.Run(workerCtx)
		}()
		if cfg.Reconcile.Enabled {
			sweeper = reconcile.NewSweeper(store, jobQueue, reconcile.Config{
				Interval:          cfg.Reconcile.Interval,
				GracePeriod:       cfg.Reconcile.GracePeriod,
				VisibilityTimeout: cfg.Queue.VisibilityTimeout,
				SafetyMargin:      cfg.Reconcile.SafetyMargin,
				BatchSize:         cfg.Reconcile.BatchSize,
			}, logger)
			sweeper.Start(workerCtx)
		}
		logger.Info("embedded worker started", zap.Int("concurrency", cfg.Worker.Concurrency))
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	workerCancel()
	wg.Wait()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
