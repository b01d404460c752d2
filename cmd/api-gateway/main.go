package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/ctxh-api/api/swagger"
	"github.com/noah-isme/ctxh-api/internal/handler"
	"github.com/noah-isme/ctxh-api/internal/middleware"
	"github.com/noah-isme/ctxh-api/internal/repository"
	"github.com/noah-isme/ctxh-api/internal/service"
	"github.com/noah-isme/ctxh-api/pkg/cache"
	"github.com/noah-isme/ctxh-api/pkg/config"
	"github.com/noah-isme/ctxh-api/pkg/database"
	"github.com/noah-isme/ctxh-api/pkg/export"
	"github.com/noah-isme/ctxh-api/pkg/jobs"
	"github.com/noah-isme/ctxh-api/pkg/logger"
	"github.com/noah-isme/ctxh-api/pkg/mailer"
	corsmiddleware "github.com/noah-isme/ctxh-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/ctxh-api/pkg/middleware/requestid"
	"github.com/noah-isme/ctxh-api/pkg/mq"
	"github.com/noah-isme/ctxh-api/pkg/storage"
)

// @title CTXH API
// @version 1.0.0
// @description Community service activities: enrollment, attendance and certificates.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.Migrate(cfg.Database, logr); err != nil {
			logr.Fatal("migrate database", zap.Error(err))
		}
	}

	metrics := service.NewMetricsService()
	checks := map[string]handler.Pinger{"postgres": db}

	cacheSvc := service.NewCacheService(nil, metrics, cfg.Cache.TTL, logr, false)
	if cfg.Cache.Enabled {
		rdb, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, caching disabled", zap.Error(err))
		} else {
			defer rdb.Close()
			cacheSvc = service.NewCacheService(repository.NewCacheRepository(rdb, logr), metrics, cfg.Cache.TTL, logr, true)
			checks["redis"] = redisPinger(rdb)
		}
	}

	tx := database.NewTransactor(db)
	validate := validator.New()

	activityRepo := repository.NewActivityRepository(db)
	enrollmentRepo := repository.NewEnrollmentRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	certificateRepo := repository.NewCertificateRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	organizationRepo := repository.NewOrganizationRepository(db)

	ledger := service.NewCapacityLedger(activityRepo, metrics, logr)

	qrSigner := storage.NewSignedURLSigner(cfg.Attendance.QRSecret, cfg.Attendance.QRTTL)
	downloadSigner := storage.NewSignedURLSigner(cfg.Certificates.SignedURLSecret, cfg.Certificates.SignedURLTTL)

	files, err := storage.NewLocalStorage(cfg.Certificates.StorageDir)
	if err != nil {
		logr.Fatal("init certificate storage", zap.Error(err))
	}
	publicAPI := strings.TrimRight(cfg.Certificates.PublicBaseURL, "/") + cfg.APIPrefix
	renderer := export.NewCertificateRenderer(publicAPI + "/certificates/verify")

	notifications, notifyQueue, publisher := buildNotifications(cfg, logr)
	if publisher != nil {
		defer publisher.Close() //nolint:errcheck
	}

	activities := service.NewActivityService(tx, activityRepo, organizationRepo, ledger, qrSigner, validate, logr)
	enrollments := service.NewEnrollmentService(tx, enrollmentRepo, activityRepo, studentRepo, ledger, notifications, cacheSvc, metrics, validate, logr)
	attendance := service.NewAttendanceService(tx, attendanceRepo, enrollmentRepo, activityRepo, qrSigner, cacheSvc, metrics, cfg.Attendance.Location(), logr)
	certificates := service.NewCertificateService(tx, certificateRepo, enrollmentRepo, studentRepo, activityRepo, organizationRepo,
		renderer, files, downloadSigner, cacheSvc, notifications, metrics,
		service.CertificateOptions{
			CodePrefix:      cfg.Certificates.CodePrefix,
			CodeRetries:     cfg.Certificates.CodeRetries,
			DownloadBaseURL: publicAPI + "/certificates/download",
			VerifyTTL:       cfg.Cache.TTL,
		}, logr)

	var completion *service.CompletionService
	retryQueue := jobs.NewQueue("certificate-retry", func(ctx context.Context, job jobs.Job) error {
		return completion.HandleRetryJob(ctx, job)
	}, jobs.QueueConfig{Workers: 2, MaxRetries: 5, RetryDelay: 30 * time.Second, Logger: logr})
	completion = service.NewCompletionService(tx, enrollmentRepo, enrollments, attendanceRepo, certificates, retryQueue, metrics, logr)
	attendance.SetHook(completion)

	retryQueue.Start(ctx)
	defer retryQueue.Stop()
	if notifyQueue != nil {
		notifyQueue.Start(ctx)
		defer notifyQueue.Stop()
	}

	if cfg.Scheduler.StatusSweeperEnabled {
		sweeper := service.NewStatusSweeper(tx, activityRepo, activityRepo, ledger, logr)
		if err := sweeper.Start(cfg.Scheduler.StatusSweepSpec); err != nil {
			logr.Fatal("start status sweeper", zap.Error(err))
		}
		defer sweeper.Stop()
	}

	auth := service.NewAuthService(service.AuthConfig{AccessTokenSecret: cfg.JWT.Secret})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(corsmiddleware.Options{AllowedOrigins: cfg.CORS.AllowedOrigins}))
	r.Use(middleware.Metrics(metrics))

	ops := handler.NewMetricsHandler(metrics, checks)
	r.GET("/health", ops.Health)
	r.GET("/ready", ops.Ready)
	r.GET("/metrics", ops.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	handler.RegisterRoutes(r.Group(cfg.APIPrefix), handler.Handlers{
		Activities:   handler.NewActivityHandler(activities, enrollments, attendance),
		Enrollments:  handler.NewEnrollmentHandler(enrollments, completion),
		Attendance:   handler.NewAttendanceHandler(attendance),
		Certificates: handler.NewCertificateHandler(certificates),
	}, auth)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

// buildNotifications returns the dispatcher plus the queue and broker connection the
// caller must start and close. With notifications disabled the dispatcher drops everything.
func buildNotifications(cfg *config.Config, logr *zap.Logger) (*service.NotificationService, *jobs.Queue, *mq.Publisher) {
	if !cfg.Notifications.Enabled {
		return service.NewNotificationService(nil, nil, logr), nil, nil
	}

	email := mailer.New(cfg.Notifications)
	var notifications *service.NotificationService
	publisher, err := mq.NewPublisher(cfg.Notifications.AMQPURL, cfg.Notifications.AMQPExchange)
	if err != nil {
		logr.Warn("amqp unavailable, events will not be published", zap.Error(err))
		publisher = nil
		notifications = service.NewNotificationService(nil, email, logr)
	} else {
		notifications = service.NewNotificationService(publisher, email, logr)
	}

	queue := jobs.NewQueue("notifications", notifications.HandleJob, jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		MaxRetries: cfg.Notifications.Retries,
		RetryDelay: 5 * time.Second,
		Logger:     logr,
	})
	notifications.AttachQueue(queue)
	return notifications, queue, publisher
}

func redisPinger(client *redis.Client) handler.PingFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}
