// Package main runs the background worker: the poll expiry monitor and the history archive consumer.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/pollcast/backend/config"
	"github.com/pollcast/backend/internal/pollqueue"
	"github.com/pollcast/backend/internal/realtime"
	"github.com/pollcast/backend/internal/sessions"
	"github.com/pollcast/backend/internal/worker"
	"github.com/pollcast/backend/pkg/database"
	"github.com/pollcast/backend/pkg/jobs"
	"github.com/pollcast/backend/pkg/redis"
	"github.com/pollcast/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Queue.Store != config.StorePostgres {
		logger.Fatal("worker needs a shared store", zap.String("queue_store", cfg.Queue.Store))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
		MaxConns: int32(cfg.Database.MaxConns),
		MinConns: int32(cfg.Database.MinConns),
	}, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if cfg.Redis.Addr == "" {
		logger.Fatal("worker needs REDIS_ADDR for event fan-out and jobs")
	}
	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Publish-only hub; API instances deliver to their sockets.
	redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
	hub := realtime.NewHub(logger, redisPubSub, nil)
	jobQueue := jobs.NewQueue(rdb.Client, logger)

	scheduler := pollqueue.NewScheduler(
		pollqueue.NewPostgresStore(pool),
		sessions.NewRepository(pool),
		pollqueue.Notifiers{hub, worker.NewArchiveTrigger(jobQueue, logger)},
		logger,
	)
	scheduler.SetTxRetries(cfg.Queue.TxRetries)
	scheduler.SetDefaults(cfg.Queue.DefaultPollDuration, cfg.Queue.DefaultBreak)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Queue.MonitorEnabled {
		monitor := pollqueue.NewMonitor(scheduler, cfg.Queue.MonitorInterval, logger)
		monitor.SetLocker(redis.NewLocker(rdb), cfg.Queue.MonitorLockTTL)
		g.Go(func() error {
			monitor.Start(gctx)
			<-gctx.Done()
			monitor.Stop()
			return nil
		})
	}

	if cfg.AWS.ArchiveEnabled() {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			Endpoint:             cfg.AWS.Endpoint,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		archiver := worker.NewHistoryArchiver(scheduler, s3Client, jobQueue, logger)
		g.Go(func() error {
			archiver.Run(gctx)
			return nil
		})
	} else {
		logger.Warn("history archive disabled (AWS_S3_ARCHIVE_BUCKET not set)")
	}

	logger.Info("worker started")
	if err := g.Wait(); err != nil {
		logger.Error("worker", zap.Error(err))
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
