package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/event-reg-api/api/swagger"
	"github.com/noah-isme/event-reg-api/internal/handler"
	"github.com/noah-isme/event-reg-api/internal/middleware"
	"github.com/noah-isme/event-reg-api/internal/models"
	"github.com/noah-isme/event-reg-api/internal/repository"
	"github.com/noah-isme/event-reg-api/internal/service"
	"github.com/noah-isme/event-reg-api/pkg/cache"
	"github.com/noah-isme/event-reg-api/pkg/config"
	"github.com/noah-isme/event-reg-api/pkg/database"
	"github.com/noah-isme/event-reg-api/pkg/jobs"
	"github.com/noah-isme/event-reg-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/event-reg-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/event-reg-api/pkg/middleware/requestid"
	"github.com/noah-isme/event-reg-api/pkg/storage"
)

// @title Event Registration API
// @version 1.0.0
// @description Registration, payment and attendance backend for events
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close() //nolint:errcheck

	var redisClient *redis.Client
	if cfg.Cache.Enabled {
		redisClient, err = cache.NewRedis(cfg.Redis)
		if err != nil {
			logr.Sugar().Fatalw("failed to connect to redis", "error", err)
		}
		defer redisClient.Close() //nolint:errcheck
	}

	proofStore, err := storage.NewLocalStorage(cfg.Storage.ProofDir)
	if err != nil {
		logr.Sugar().Fatalw("failed to init proof storage", "error", err)
	}
	proofSigner := storage.NewSignedURLSigner(cfg.Storage.SignedURLSecret, cfg.Storage.SignedURLTTL)

	userRepo := repository.NewUserRepository(db)
	eventRepo := repository.NewEventRepository(db)
	registrationRepo := repository.NewRegistrationRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	validate := validator.New()

	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Cache.TTL, logr, cfg.Cache.Enabled)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		Secret:     cfg.JWT.Secret,
		Expiration: cfg.JWT.Expiration,
		Issuer:     cfg.JWT.Issuer,
	})

	notificationSvc := service.NewNotificationService(registrationRepo, eventRepo, service.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}, jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		MaxRetries: cfg.Notifications.MaxRetries,
		RetryDelay: cfg.Notifications.RetryDelay,
		Logger:     logr,
	}, metricsSvc, logr, cfg.Notifications.Enabled)

	eventSvc := service.NewEventService(eventRepo, registrationRepo, cacheSvc, validate, logr)
	registrationSvc := service.NewRegistrationService(registrationRepo, eventRepo, notificationSvc, metricsSvc, validate, logr, service.RegistrationConfig{
		TicketIDMaxRetries: cfg.Registration.TicketIDMaxRetries,
		QRSizePixels:       cfg.Registration.QRSizePixels,
	})
	paymentSvc := service.NewPaymentService(registrationRepo, eventRepo, proofStore, proofSigner, notificationSvc, cacheSvc, metricsSvc, validate, logr, cfg.Registration.QRSizePixels)
	attendanceSvc := service.NewAttendanceService(registrationRepo, eventRepo, metricsSvc, validate, logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	notificationSvc.Start(ctx)
	defer notificationSvc.Stop()

	authHandler := handler.NewAuthHandler(authSvc)
	eventHandler := handler.NewEventHandler(eventSvc)
	registrationHandler := handler.NewRegistrationHandler(registrationSvc)
	paymentHandler := handler.NewPaymentHandler(paymentSvc)
	attendanceHandler := handler.NewAttendanceHandler(attendanceSvc)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "database"})
			return
		}
		if redisClient != nil {
			if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "reason": "redis"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	{
		api.POST("/auth/signup", authHandler.Signup)
		api.POST("/auth/login", authHandler.Login)

		api.GET("/events", eventHandler.List)
		api.GET("/events/:id", eventHandler.Get)

		api.GET("/payments/proofs", paymentHandler.DownloadProof)
	}

	authed := api.Group("", middleware.JWT(authSvc))
	{
		authed.GET("/auth/me", authHandler.Me)

		authed.GET("/events/:id/occupancy", eventHandler.Occupancy)

		authed.POST("/registrations", registrationHandler.Create)
		authed.GET("/registrations", registrationHandler.List)
		authed.GET("/registrations/:id", registrationHandler.Get)
		authed.DELETE("/registrations/:id", registrationHandler.Cancel)

		authed.POST("/registrations/:id/payment/proof", paymentHandler.SubmitProof)
		authed.GET("/registrations/:id/payment/proof-url", paymentHandler.ProofURL)
	}

	staff := authed.Group("", middleware.RequireRoles(models.RoleOrganizer, models.RoleAdmin))
	{
		staff.POST("/events", eventHandler.Create)

		staff.POST("/registrations/:id/payment/decision", paymentHandler.Decide)
		staff.PUT("/registrations/:id/attendance", attendanceHandler.Override)

		staff.POST("/events/:id/attendance/scan", attendanceHandler.Scan)
		staff.GET("/events/:id/attendance", attendanceHandler.Roster)
		staff.GET("/events/:id/attendance/export", attendanceHandler.Export)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}

	logr.Sugar().Infow("server stopped")
}
