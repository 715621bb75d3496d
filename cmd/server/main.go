// Package main runs the poll queue HTTP server with WebSocket fan-out, the expiry monitor and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pollcast/backend/config"
	"github.com/pollcast/backend/internal/middleware"
	"github.com/pollcast/backend/internal/pollqueue"
	"github.com/pollcast/backend/internal/realtime"
	"github.com/pollcast/backend/internal/sessions"
	"github.com/pollcast/backend/internal/worker"
	"github.com/pollcast/backend/pkg/database"
	"github.com/pollcast/backend/pkg/jobs"
	"github.com/pollcast/backend/pkg/redis"
	"github.com/pollcast/backend/pkg/response"
	"github.com/pollcast/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()

	var (
		store    pollqueue.Store
		registry sessions.Registry
		pool     *pgxpool.Pool
	)
	switch cfg.Queue.Store {
	case config.StoreMemory:
		mem := pollqueue.NewMemoryStore()
		store, registry = mem, mem
		logger.Warn("using in-memory queue store; state is lost on restart")
	default:
		pool, err = database.NewPostgresPool(ctx, cfg.Database.DSN(), database.PoolOptions{
			MaxConns: int32(cfg.Database.MaxConns),
			MinConns: int32(cfg.Database.MinConns),
		}, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		store, registry = pollqueue.NewPostgresStore(pool), sessions.NewRepository(pool)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewClient(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warn("redis disabled", zap.Error(err))
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	var (
		hub      *realtime.Hub
		jobQueue *jobs.Queue
	)
	if rdb != nil {
		redisPubSub := realtime.NewRedisPubSub(rdb.Client, logger)
		hub = realtime.NewHub(logger, redisPubSub, redisPubSub)
		jobQueue = jobs.NewQueue(rdb.Client, logger)
	} else {
		hub = realtime.NewHub(logger, nil, nil)
	}

	notifiers := pollqueue.Notifiers{hub}
	if jobQueue != nil {
		notifiers = append(notifiers, worker.NewArchiveTrigger(jobQueue, logger))
	}

	scheduler := pollqueue.NewScheduler(store, registry, notifiers, logger)
	scheduler.SetTxRetries(cfg.Queue.TxRetries)
	scheduler.SetDefaults(cfg.Queue.DefaultPollDuration, cfg.Queue.DefaultBreak)

	queueHandler := pollqueue.NewHandler(scheduler, logger)
	sessionHandler := sessions.NewHandler(registry, hub, logger)

	var s3Client *storage.S3
	if cfg.AWS.ArchiveEnabled() {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			ArchiveBucket:        cfg.AWS.ArchiveBucket,
			Endpoint:             cfg.AWS.Endpoint,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		} else {
			queueHandler.SetArchiveSigner(s3Client)
		}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
		MaxAge:         time.Duration(cfg.Server.CORSMaxAge) * time.Second,
	}))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		checks := gin.H{"store": cfg.Queue.Store}
		healthy := true
		if pool != nil {
			if err := pool.Ping(ctx); err != nil {
				checks["database"] = err.Error()
				healthy = false
			} else {
				checks["database"] = "ok"
			}
		}
		if rdb != nil {
			if err := rdb.Healthy(ctx, time.Second); err != nil {
				checks["redis"] = err.Error()
				healthy = false
			} else {
				checks["redis"] = "ok"
			}
		}
		if !healthy {
			c.JSON(http.StatusServiceUnavailable, response.Body{Success: false, Data: checks, Error: "degraded"})
			return
		}
		checks["status"] = "ok"
		response.OK(c, checks)
	})

	// Sessions
	router.POST("/sessions", sessionHandler.Create)
	router.GET("/sessions/:code", sessionHandler.Get)

	// Poll queue, generated MCQ intake, responses
	queueHandler.Register(router)

	// WebSocket (?session=CODE)
	router.GET("/ws", realtime.ServeWs(hub, registry.Resolve, scheduler.GetActivePoll, logger))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background: expiry monitor and history archive worker
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var monitor *pollqueue.Monitor
	if cfg.Queue.MonitorEnabled {
		monitor = pollqueue.NewMonitor(scheduler, cfg.Queue.MonitorInterval, logger)
		if rdb != nil {
			monitor.SetLocker(redis.NewLocker(rdb), cfg.Queue.MonitorLockTTL)
		}
		monitor.Start(workerCtx)
	}
	if s3Client != nil && jobQueue != nil {
		archiver := worker.NewHistoryArchiver(scheduler, s3Client, jobQueue, logger)
		go archiver.Run(workerCtx)
		logger.Info("history archive worker started")
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

	if monitor != nil {
		monitor.Stop()
	}
	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
