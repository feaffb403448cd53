// Package main runs the background CSV import worker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rally-crm/backend/config"
	"github.com/rally-crm/backend/internal/events"
	"github.com/rally-crm/backend/internal/imports"
	"github.com/rally-crm/backend/internal/memberships"
	"github.com/rally-crm/backend/internal/organizations"
	"github.com/rally-crm/backend/internal/pipeline"
	"github.com/rally-crm/backend/internal/realtime"
	"github.com/rally-crm/backend/internal/worker"
	"github.com/rally-crm/backend/pkg/database"
	"github.com/rally-crm/backend/pkg/queue"
	"github.com/rally-crm/backend/pkg/redis"
	"github.com/rally-crm/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if !cfg.AWS.Enabled() {
		logger.Fatal("AWS_REGION and AWS_S3_IMPORTS_BUCKET are required for the import worker")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	s3Client, err := storage.NewS3(ctx, storage.S3Config{
		Region:          cfg.AWS.Region,
		AccessKeyID:     cfg.AWS.AccessKeyID,
		SecretAccessKey: cfg.AWS.SecretAccessKey,
		ImportsBucket:   cfg.AWS.ImportsBucket,
	}, logger)
	if err != nil {
		logger.Fatal("s3", zap.Error(err))
	}

	eventRepo := events.NewRepository(pool)
	orgRepo := organizations.NewRepository(pool)
	// Imported memberships still reach live feeds served by other instances.
	bridge := realtime.NewRedisPubSub(rdb.Client, logger)
	notifier := realtime.NewHub(logger, bridge, nil)
	svc := memberships.NewService(memberships.NewRepository(pool), eventRepo, orgRepo, pipeline.NewEngine(), notifier, logger)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewImportProcessor(
		jobQueue,
		s3Client,
		imports.NewRepository(pool),
		eventRepo,
		imports.NewImporter(svc, logger),
		logger,
	)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go processor.Run(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
