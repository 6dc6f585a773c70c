// Package main runs the scene processing workers and the reconciliation sweeper.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/splatbox/backend/config"
	"github.com/splatbox/backend/internal/metrics"
	"github.com/splatbox/backend/internal/processing"
	"github.com/splatbox/backend/internal/reconcile"
	"github.com/splatbox/backend/internal/scenes"
	"github.com/splatbox/backend/internal/worker"
	"github.com/splatbox/backend/pkg/database"
	"github.com/splatbox/backend/pkg/queue"
	"github.com/splatbox/backend/pkg/redis"
	"github.com/splatbox/backend/pkg/storage"
)

const depthInterval = 15 * time.Second

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
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
	store := scenes.NewNotifyingStore(scenes.NewRepository(pool), scenes.NewRedisNotifier(rdb.Client, logger), logger)

	processor := worker.NewProcessor(store, jobQueue, processing.NewValidator(blobs, logger), worker.ProcessorConfig{
		MaxAttempts:       cfg.Worker.MaxAttempts,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		Heartbeat:         cfg.Worker.Heartbeat,
	}, logger)
	workers := worker.NewPool(jobQueue, worker.PoolConfig{
		Concurrency:       cfg.Worker.Concurrency,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		PollInterval:      cfg.Queue.PollInterval,
	}, logger)
	workers.Register(queue.JobTypeSceneProcess, processor)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sweeper *reconcile.Sweeper
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

	go sampleDepth(workerCtx, jobQueue, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.Worker.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()

	done := make(chan struct{})
	go func() {
		workers.Run(workerCtx)
		close(done)
	}()
	logger.Info("worker started", zap.Int("concurrency", cfg.Worker.Concurrency), zap.String("queue", cfg.Queue.Name))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	if sweeper != nil {
		sweeper.Stop()
	}
	cancel()
	// Unacknowledged jobs are redelivered after the visibility timeout.
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("worker shutdown timed out")
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = metricsSrv.Shutdown(shutdownCtx)
	logger.Info("worker stopped")
}

func sampleDepth(ctx context.Context, q *queue.RedisQueue, logger *zap.Logger) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ready, inflight, err := q.Depth(ctx)
			if err != nil {
				logger.Debug("queue depth", zap.Error(err))
				continue
			}
			metrics.QueueDepth.WithLabelValues("ready").Set(float64(ready))
			metrics.QueueDepth.WithLabelValues("inflight").Set(float64(inflight))
		}
	}
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
