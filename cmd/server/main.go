// Package main runs the CRM HTTP server with the realtime feed and graceful shutdown.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rally-crm/backend/config"
	"github.com/rally-crm/backend/internal/analytics"
	"github.com/rally-crm/backend/internal/auth"
	"github.com/rally-crm/backend/internal/contacts"
	"github.com/rally-crm/backend/internal/events"
	"github.com/rally-crm/backend/internal/imports"
	"github.com/rally-crm/backend/internal/memberships"
	"github.com/rally-crm/backend/internal/middleware"
	"github.com/rally-crm/backend/internal/models"
	"github.com/rally-crm/backend/internal/organizations"
	"github.com/rally-crm/backend/internal/pipeline"
	"github.com/rally-crm/backend/internal/realtime"
	"github.com/rally-crm/backend/internal/webhooks"
	"github.com/rally-crm/backend/internal/worker"
	"github.com/rally-crm/backend/pkg/database"
	"github.com/rally-crm/backend/pkg/queue"
	"github.com/rally-crm/backend/pkg/redis"
	"github.com/rally-crm/backend/pkg/response"
	"github.com/rally-crm/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	presets, err := pipeline.LoadPresets(cfg.Pipeline.PresetsFile)
	if err != nil {
		logger.Fatal("pipeline presets", zap.Error(err))
	}
	logger.Info("pipeline presets loaded", zap.Strings("names", presets.Names()))

	// Redis is optional: without it the realtime feed is single-instance and CSV import is disabled.
	var (
		rdb      *redis.Client
		jobQueue *queue.Queue
		hub      *realtime.Hub
	)
	rdb, err = redis.NewClient(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}, logger)
	if err != nil {
		logger.Warn("redis disabled", zap.Error(err))
		hub = realtime.NewHub(logger, nil, nil)
	} else {
		defer rdb.Close()
		jobQueue = queue.NewQueue(rdb.Client, logger)
		bridge := realtime.NewRedisPubSub(rdb.Client, logger)
		hub = realtime.NewHub(logger, bridge, bridge)
	}

	var s3Client *storage.S3
	if cfg.AWS.Enabled() {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			ImportsBucket:   cfg.AWS.ImportsBucket,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
			s3Client = nil
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	authRepo := auth.NewRepository(pool)
	authHandler := auth.NewHandler(authRepo, jwtService, logger)

	orgRepo := organizations.NewRepository(pool)
	orgHandler := organizations.NewHandler(orgRepo, logger)

	eventRepo := events.NewRepository(pool)
	eventHandler := events.NewHandler(eventRepo, presets, logger)

	contactRepo := contacts.NewRepository(pool)
	contactHandler := contacts.NewHandler(contactRepo, logger)

	membershipRepo := memberships.NewRepository(pool)
	membershipSvc := memberships.NewService(membershipRepo, eventRepo, orgRepo, pipeline.NewEngine(), hub, logger)
	membershipHandler := memberships.NewHandler(membershipSvc, logger)

	stripeHandler := webhooks.NewStripeHandler(membershipSvc, cfg.Stripe.WebhookSecret, logger)
	if cfg.Stripe.WebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set; stripe webhook disabled")
	}

	analyticsHandler := analytics.NewHandler(analytics.NewRepository(pool), orgRepo, logger)

	importRepo := imports.NewRepository(pool)
	var (
		uploader imports.Uploader
		enqueuer imports.Enqueuer
	)
	if s3Client != nil {
		uploader = s3Client
	}
	if jobQueue != nil {
		enqueuer = jobQueue
	}
	importHandler := imports.NewHandler(importRepo, uploader, enqueuer, orgRepo, cfg.Import.MaxUploadBytes, logger)

	feedAccess := realtime.NewAccess(jwtService, eventRepo, orgRepo)
	upgrader := realtime.NewUpgrader(config.SplitTrim(cfg.Server.CORSAllowedOrigins, ","))

	eventAccess := events.RequireEventOrgAccess(eventRepo, orgRepo, logger)
	orgAccess := organizations.RequireOrgAccess(orgRepo, logger)
	contactAccess := contacts.RequireContactOrgAccess(contactRepo, orgRepo, logger)
	membershipAccess := memberships.RequireMembershipOrgAccess(membershipSvc, orgRepo, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// WebSocket (token in query; browsers cannot set Authorization on upgrade)
	router.GET("/ws", realtime.ServeWs(hub, feedAccess, upgrader, logger))

	public := router.Group("/api")
	{
		public.POST("/auth/register", authHandler.Register)
		public.POST("/auth/login", authHandler.Login)
		public.POST("/memberships/:id/memberships/from-form", membershipHandler.FromForm)
		public.POST("/webhooks/stripe", stripeHandler.Handle)
	}

	api := router.Group("/api")
	api.Use(middleware.JWT(jwtService), middleware.RequireRole(models.RoleAdmin, models.RoleStaff))
	{
		api.GET("/auth/me", authHandler.Me)
		api.GET("/pipeline/presets", eventHandler.Presets)

		// Organizations
		api.GET("/organizations", orgHandler.ListMyOrganizations)
		api.POST("/organizations", orgHandler.CreateOrganization)
		api.POST("/organizations/join", orgHandler.JoinOrganization)
		api.GET("/organizations/:id", orgAccess, orgHandler.GetOrganization)
		api.PATCH("/organizations/:id", orgAccess, orgHandler.UpdateOrganization)
		api.GET("/organizations/:id/members", orgAccess, orgHandler.ListMembers)

		// Events
		api.GET("/organizations/:id/events", orgAccess, eventHandler.ListByOrganization)
		api.POST("/organizations/:id/events", orgAccess, eventHandler.Create)
		api.GET("/events/:id", eventAccess, eventHandler.GetByID)
		api.PATCH("/events/:id", eventAccess, eventHandler.Update)
		api.DELETE("/events/:id", eventAccess, eventHandler.Delete)

		// Contacts
		api.GET("/organizations/:id/contacts", orgAccess, contactHandler.List)
		api.POST("/organizations/:id/contacts", orgAccess, contactHandler.Create)
		api.GET("/contacts/:id", contactAccess, contactHandler.Get)
		api.PATCH("/contacts/:id", contactAccess, contactHandler.Update)
		api.DELETE("/contacts/:id", contactAccess, contactHandler.Delete)

		// Memberships
		api.GET("/events/:id/memberships", eventAccess, membershipHandler.List)
		api.POST("/events/:id/memberships", eventAccess, membershipHandler.Add)
		api.GET("/memberships/:id", membershipAccess, membershipHandler.Get)
		api.PATCH("/memberships/:id", membershipAccess, membershipHandler.Patch)
		api.POST("/memberships/:id/champion", membershipAccess, membershipHandler.Champion)
		api.POST("/memberships/:id/attended", membershipAccess, membershipHandler.Attended)
		api.DELETE("/memberships/:id", membershipAccess, membershipHandler.Delete)

		// Imports
		api.POST("/events/:id/imports", eventAccess, importHandler.Upload)
		api.GET("/imports/:id", importHandler.Get)

		// Analytics
		api.GET("/events/:id/funnel", eventAccess, analyticsHandler.Funnel)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// In-process import worker when both Redis and S3 are available; cmd/worker runs it standalone.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if jobQueue != nil && s3Client != nil {
		importer := imports.NewImporter(membershipSvc, logger)
		processor := worker.NewImportProcessor(jobQueue, s3Client, importRepo, eventRepo, importer, logger)
		go processor.Run(workerCtx)
		logger.Info("import worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

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
